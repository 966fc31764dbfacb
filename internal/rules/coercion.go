// internal/rules/coercion.go
package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/solatis/tollgate/internal/types"
)

/*
 * Type coercion for expression evaluation.
 *
 * Values are the shapes encoding/json produces. Truthiness follows JSON
 * conventions: null, false, 0, "" and [] are falsy, everything else truthy.
 *
 * Arithmetic is strict-with-strings: numbers and numeric strings coerce to
 * float64, anything else is ErrTypeMismatch. Comparison is lenient: an
 * incomparable pair is reported through the ok flag and the operator yields
 * false instead of failing.
 *
 * Whitespace is trimmed before parsing numeric strings; whitespace-only
 * strings are not numbers.
 */

// Truthy reports the JSON truthiness of v.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case int:
		return t != 0
	case int64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

// toFloat64 converts native numeric types only.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// parseNumeric parses a trimmed numeric string.
func parseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toNumber coerces numbers and numeric strings for arithmetic.
func toNumber(v any) (float64, error) {
	if f, ok := toFloat64(v); ok {
		return f, nil
	}
	if s, ok := v.(string); ok {
		if f, ok := parseNumeric(s); ok {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %T is not numeric", types.ErrTypeMismatch, v)
}

// ToNumber is the exported arithmetic coercion used by function arguments.
func ToNumber(v any) (float64, error) {
	return toNumber(v)
}

// Text renders a scalar the way templates and substring tests see it.
// Integral floats render without a fractional part.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
