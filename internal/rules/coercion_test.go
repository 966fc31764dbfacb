package rules

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/solatis/tollgate/internal/types"
)

func TestTruthy(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  bool
	}{
		{"nil", nil, false},
		{"false", false, false},
		{"true", true, true},
		{"zero", float64(0), false},
		{"negative", float64(-1), true},
		{"nan", math.NaN(), false},
		{"int zero", 0, false},
		{"json number", json.Number("2"), true},
		{"empty string", "", false},
		{"string zero", "0", true},
		{"empty array", []any{}, false},
		{"array", []any{false}, true},
		{"empty object", map[string]any{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truthy(tt.value); got != tt.want {
				t.Errorf("Truthy(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestToNumber(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    float64
		wantErr error
	}{
		{"float", 1.5, 1.5, nil},
		{"int", 7, 7, nil},
		{"int64", int64(9), 9, nil},
		{"numeric string", "42", 42, nil},
		{"padded numeric string", "  3.25 ", 3.25, nil},
		{"exponent string", "1e3", 1000, nil},
		{"negative string", "-12", -12, nil},
		{"whitespace string", "   ", 0, types.ErrTypeMismatch},
		{"text", "abc", 0, types.ErrTypeMismatch},
		{"NaN string", "NaN", 0, types.ErrTypeMismatch},
		{"infinity string", "Inf", 0, types.ErrTypeMismatch},
		{"negative infinity string", "-infinity", 0, types.ErrTypeMismatch},
		{"overflowing string", "1e400", 0, types.ErrTypeMismatch},
		{"nil", nil, 0, types.ErrTypeMismatch},
		{"bool", true, 0, types.ErrTypeMismatch},
		{"array", []any{1.0}, 0, types.ErrTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToNumber(tt.value)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ToNumber(%v) error = %v, want %v", tt.value, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ToNumber(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestText(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"nil", nil, ""},
		{"string", "hi", "hi"},
		{"integral float", float64(30), "30"},
		{"fractional float", 12.5, "12.5"},
		{"bool", true, "true"},
		{"array", []any{"a", 1.0}, `["a",1]`},
		{"object", map[string]any{"k": "v"}, `{"k":"v"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Text(tt.value); got != tt.want {
				t.Errorf("Text(%v) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

// Property-based test: numeric strings coerce to the number they format
func TestToNumber_PropertyFormattedFloats(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Text then ToNumber is identity for finite floats", prop.ForAll(
		func(f float64) bool {
			got, err := ToNumber(Text(f))
			return err == nil && got == f
		},
		gen.Float64Range(-1e9, 1e9),
	))

	properties.TestingRun(t)
}
