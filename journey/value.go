package journey

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// validateValue checks that v is a JSON-shaped value: nil, bool, number,
// string, a list of such, or a map with string keys. Maps with
// non-string keys and arbitrary Go types are rejected with a
// descriptive error.
func validateValue(v any) error {
	switch x := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return nil
	case []any:
		for i, e := range x {
			if err := validateValue(e); err != nil {
				return fmt.Errorf("list element %d: %w", i, err)
			}
		}
		return nil
	case map[string]any:
		for k, e := range x {
			if err := validateValue(e); err != nil {
				return fmt.Errorf("map key %q: %w", k, err)
			}
		}
		return nil
	default:
		return &EngineError{
			Message: fmt.Sprintf("unsupported value type %T; values must be nil, bool, number, string, []any, or map[string]any", v),
			Code:    "INVALID_VALUE",
		}
	}
}

// validateMetadata checks that metadata is a string-keyed JSON map.
func validateMetadata(md map[string]any) error {
	if md == nil {
		return nil
	}
	if err := validateValue(map[string]any(md)); err != nil {
		return &EngineError{
			Message: "invalid metadata: " + err.Error(),
			Code:    "INVALID_METADATA",
		}
	}
	return nil
}

// canonicalJSON renders a value in canonical form: compact with sorted
// map keys. encoding/json already sorts map keys, which is the whole
// canonicalization needed for JSON-shaped values.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// valuesEqual reports byte-exact canonical-JSON equality. Mutation
// paths use this to skip writes that would not change the stored value,
// so int64(1) and float64(1) compare equal the way they round-trip.
func valuesEqual(a, b any) bool {
	ab, err := canonicalJSON(a)
	if err != nil {
		return false
	}
	bb, err := canonicalJSON(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// metadataEqual compares two metadata maps by canonical JSON; two nil
// maps are equal, a nil and an empty map are not.
func metadataEqual(a, b map[string]any) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return valuesEqual(map[string]any(a), map[string]any(b))
}
