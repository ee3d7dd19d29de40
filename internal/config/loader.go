package config

import (
	"bytes"
	"fmt"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads a plan document from the provided path, resolving its
// include chain, checking it against the embedded schema and applying
// defaults.
func Load(path string) (*Plan, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve plan path: %w", err)
	}

	doc, includes, err := resolveIncludes(absPath)
	if err != nil {
		return nil, err
	}

	if err := validateAgainstSchema(doc); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	raw, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: encode merged plan: %w", absPath, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	var plan Plan
	if err := decoder.Decode(&plan); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}
	plan.Includes = includes

	if err := plan.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return &plan, nil
}
