package api

import (
	"encoding/json"
	"fmt"
)

const redacted = "REDACTED"

// redactKeys hold the street address and coordinates of the installation.
var redactKeys = map[string]bool{
	"address":       true,
	"full_location": true,
	"location":      true,
}

// redact returns a generic copy of v with every redactKeys entry replaced,
// at any depth.
func redact(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding diagnostics: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decoding diagnostics: %w", err)
	}
	return redactValue(generic), nil
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if redactKeys[k] {
				val[k] = redacted
				continue
			}
			val[k] = redactValue(child)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = redactValue(child)
		}
		return val
	default:
		return v
	}
}
