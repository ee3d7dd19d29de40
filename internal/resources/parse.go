// Package resources parses the quantity strings a plan uses to size
// workloads. Byte quantities accept binary units ("512Mi", "2G") or a
// percentage of installed memory ("80%").
package resources

import (
	"fmt"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
)

// ParseBytes converts a textual byte quantity into bytes. Percentages
// are resolved against the machine's installed memory.
func ParseBytes(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	if strings.HasSuffix(trimmed, "%") {
		total, err := MemTotal()
		if err != nil {
			return 0, fmt.Errorf("resolve %q: %w", value, err)
		}
		return ParseBytesAgainst(value, total)
	}
	return ParseBytesAgainst(value, 0)
}

// CheckBytes reports whether value is a well-formed byte quantity,
// without resolving percentages against real memory.
func CheckBytes(value string) error {
	_, err := ParseBytesAgainst(value, 100)
	return err
}

// ParseBytesAgainst is ParseBytes with an explicit memory total for
// percentage quantities, so callers and tests control the base.
func ParseBytesAgainst(value string, total int64) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}

	if pct, ok := strings.CutSuffix(trimmed, "%"); ok {
		p, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid byte quantity %q: %w", value, err)
		}
		if p <= 0 || p > 100 {
			return 0, fmt.Errorf("invalid byte quantity %q: percentage must be in (0, 100]", value)
		}
		if total <= 0 {
			return 0, fmt.Errorf("invalid byte quantity %q: no memory total to take a percentage of", value)
		}
		b := int64(float64(total) * p / 100.0)
		if b < 1 {
			b = 1
		}
		return b, nil
	}

	// go-units wants the trailing B on binary suffixes; accept the
	// Kubernetes-style short forms too.
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasSuffix(lower, "kib"), strings.HasSuffix(lower, "mib"),
		strings.HasSuffix(lower, "gib"), strings.HasSuffix(lower, "tib"),
		strings.HasSuffix(lower, "pib"), strings.HasSuffix(lower, "eib"):
	case strings.HasSuffix(lower, "ki"), strings.HasSuffix(lower, "mi"),
		strings.HasSuffix(lower, "gi"), strings.HasSuffix(lower, "ti"),
		strings.HasSuffix(lower, "pi"), strings.HasSuffix(lower, "ei"):
		trimmed += "B"
	}
	b, err := units.RAMInBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid byte quantity %q: %w", value, err)
	}
	if b <= 0 {
		return 0, fmt.Errorf("invalid byte quantity %q: must be positive", value)
	}
	return b, nil
}
