package schema

import _ "embed"

// PlanV1Schema contains the JSON schema for plan documents.
//
//go:embed plan.v1.json
var PlanV1Schema []byte
