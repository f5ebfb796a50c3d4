package journey

import (
	"testing"
	"time"
)

// TestValidateValue verifies the JSON-shape rules for stored values.
func TestValidateValue(t *testing.T) {
	valid := []struct {
		name  string
		value any
	}{
		{"null", nil},
		{"bool", true},
		{"int", 42},
		{"int64", int64(42)},
		{"float", 3.14},
		{"string", "hello"},
		{"list", []any{1, "two", nil}},
		{"map", map[string]any{"a": 1, "b": []any{true}}},
		{"nested", map[string]any{"outer": map[string]any{"inner": []any{nil}}}},
	}
	for _, tc := range valid {
		t.Run("valid "+tc.name, func(t *testing.T) {
			if err := validateValue(tc.value); err != nil {
				t.Errorf("validateValue(%v): %v", tc.value, err)
			}
		})
	}

	invalid := []struct {
		name  string
		value any
	}{
		{"struct", struct{ X int }{1}},
		{"time", time.Now()},
		{"channel", make(chan int)},
		{"int-keyed map", map[int]any{1: "x"}},
		{"bad list element", []any{1, make(chan int)}},
		{"bad map value", map[string]any{"k": struct{}{}}},
	}
	for _, tc := range invalid {
		t.Run("invalid "+tc.name, func(t *testing.T) {
			err := validateValue(tc.value)
			if err == nil {
				t.Fatalf("validateValue(%v) should fail", tc.value)
			}
		})
	}
}

// TestValuesEqual verifies canonical-JSON equality, which drives the
// skip-unchanged-write rule.
func TestValuesEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"identical strings", "x", "x", true},
		{"different strings", "x", "y", false},
		{"int vs float same number", int64(1), float64(1), true},
		{"null vs zero", nil, 0, false},
		{"map key order", map[string]any{"a": 1, "b": 2}, map[string]any{"b": 2, "a": 1}, true},
		{"list order matters", []any{1, 2}, []any{2, 1}, false},
		{"null vs null", nil, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := valuesEqual(tc.a, tc.b); got != tc.want {
				t.Errorf("valuesEqual(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

// TestMetadataEqual verifies nil and empty metadata are distinct.
func TestMetadataEqual(t *testing.T) {
	if !metadataEqual(nil, nil) {
		t.Error("nil metadata should equal nil")
	}
	if metadataEqual(nil, map[string]any{}) {
		t.Error("nil and empty metadata should differ")
	}
	if !metadataEqual(map[string]any{"a": 1}, map[string]any{"a": 1}) {
		t.Error("equal maps should compare equal")
	}
	if metadataEqual(map[string]any{"a": 1}, map[string]any{"a": 2}) {
		t.Error("different maps should compare unequal")
	}
}
