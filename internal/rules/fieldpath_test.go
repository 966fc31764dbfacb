package rules

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/solatis/tollgate/internal/types"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("json.Unmarshal(%s) error = %v", s, err)
	}
	return v
}

func TestGet_Normal(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		data     string
		expected any
	}{
		{
			name:     "nested object traversal",
			path:     "user.region",
			data:     `{"user": {"region": "UK"}}`,
			expected: "UK",
		},
		{
			name:     "array index access",
			path:     "cart.items.0.product_code",
			data:     `{"cart": {"items": [{"product_code": "CM1"}]}}`,
			expected: "CM1",
		},
		{
			name:     "numeric leaf",
			path:     "cart.total",
			data:     `{"cart": {"total": 150.5}}`,
			expected: 150.5,
		},
		{
			name:     "deep nesting",
			path:     "a.b.c.d",
			data:     `{"a": {"b": {"c": {"d": "deep"}}}}`,
			expected: "deep",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := Get(decode(t, tt.data), tt.path)
			if !found {
				t.Fatalf("Get(%q) found = false, want true", tt.path)
			}
			if got != tt.expected {
				t.Errorf("Get(%q) = %v, want %v", tt.path, got, tt.expected)
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	tests := []struct {
		name string
		path string
		data string
	}{
		{"missing key", "user.email", `{"user": {}}`},
		{"null leaf", "user.email", `{"user": {"email": null}}`},
		{"null intermediate", "user.email", `{"user": null}`},
		{"index out of range", "items.3", `{"items": [1, 2]}`},
		{"negative index", "items.-1", `{"items": [1, 2]}`},
		{"non-numeric index", "items.first", `{"items": [1, 2]}`},
		{"descend into scalar", "name.first", `{"name": "Alice"}`},
		{"empty data", "a", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := Get(decode(t, tt.data), tt.path)
			if found {
				t.Errorf("Get(%q) = %v, found = true, want not found", tt.path, got)
			}
		})
	}
}

func TestGet_EmptyPathReturnsData(t *testing.T) {
	data := decode(t, `{"a": 1}`)
	got, found := Get(data, "")
	if !found {
		t.Fatal("Get(\"\") found = false, want true")
	}
	if m, ok := got.(map[string]any); !ok || m["a"] != float64(1) {
		t.Errorf("Get(\"\") = %v, want whole data", got)
	}
}

func TestSplitPath_TooDeep(t *testing.T) {
	segs := make([]string, types.MaxPathDepth+1)
	for i := range segs {
		segs[i] = "k"
	}
	_, err := SplitPath(strings.Join(segs, "."))
	if !errors.Is(err, types.ErrPathTooDeep) {
		t.Errorf("SplitPath() error = %v, want ErrPathTooDeep", err)
	}

	ok := strings.Join(segs[:types.MaxPathDepth], ".")
	if _, err := SplitPath(ok); err != nil {
		t.Errorf("SplitPath(max depth) error = %v, want nil", err)
	}
}

func TestLookup_ContextType(t *testing.T) {
	ctx := types.Context{"user": map[string]any{"id": "u1"}}
	got, found := Lookup(ctx, []string{"user", "id"})
	if !found || got != "u1" {
		t.Errorf("Lookup() = %v, %v, want u1, true", got, found)
	}
}

// Property-based test: resolution never crashes
func TestGet_PropertyNeverCrashes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("resolution never crashes regardless of input", prop.ForAll(
		func(depth int, useIndex bool) bool {
			segs := make([]string, depth)
			for i := range segs {
				if useIndex && i%2 == 1 {
					segs[i] = "0"
				} else {
					segs[i] = "key"
				}
			}

			var data any
			_ = json.Unmarshal([]byte(`{"key": [{"key": "value"}]}`), &data)

			defer func() {
				if r := recover(); r != nil {
					t.Errorf("Get() panicked: %v", r)
				}
			}()

			_, _ = Get(data, strings.Join(segs, "."))
			return true
		},
		gen.IntRange(0, 20),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property-based test: a value placed at a path is found at that path
func TestGet_PropertyRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("nested keys resolve to the leaf", prop.ForAll(
		func(keys []string, leaf string) bool {
			if len(keys) == 0 || len(keys) > types.MaxPathDepth || leaf == "" {
				return true
			}
			var data any = leaf
			for i := len(keys) - 1; i >= 0; i-- {
				data = map[string]any{keys[i]: data}
			}
			got, found := Get(data, strings.Join(keys, "."))
			return found && got == leaf
		},
		gen.SliceOf(gen.Identifier()),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
