// internal/rules/operators.go
package rules

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/solatis/tollgate/internal/types"
)

/*
 * Operator implementations over evaluated arguments.
 *
 * Equality (==, !=) is loose: numbers compare with numeric strings, null
 * equals only null, composite values compare structurally. Strict equality
 * (===, !==) additionally requires matching JSON kinds.
 *
 * Ordering (<, <=, >, >=): two strings compare lexicographically, otherwise
 * both sides must coerce to numbers. Incomparable pairs yield false rather
 * than an error, so a missing field never fails a rule. The three-argument
 * form of < and <= tests a < b < c (between).
 *
 * Arithmetic errors (type mismatch, zero divisor) are real failures and
 * surface through EvaluationError.
 */

func applyOperator(op string, args []any) (any, error) {
	switch op {
	case "==":
		return looseEqual(args[0], args[1]), nil
	case "!=":
		return !looseEqual(args[0], args[1]), nil
	case "===":
		return strictEqual(args[0], args[1]), nil
	case "!==":
		return !strictEqual(args[0], args[1]), nil
	case "<", "<=", ">", ">=":
		return compareChain(op, args), nil
	case "!", "not":
		return !Truthy(args[0]), nil
	case "!!":
		return Truthy(args[0]), nil
	case "in":
		return contains(args[1], args[0]), nil
	case "+", "-", "*", "/", "%":
		return arithmetic(op, args)
	case "min", "max":
		return extremum(op, args)
	case "cat":
		var b strings.Builder
		for _, a := range args {
			b.WriteString(Text(a))
		}
		return b.String(), nil
	default:
		return nil, types.ErrInvalidOperator
	}
}

// jsonKind groups Go values by their JSON type.
func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any, types.Context:
		return "object"
	}
	if _, ok := toFloat64(v); ok {
		return "number"
	}
	return "unknown"
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	af, aNum := toFloat64(a)
	bf, bNum := toFloat64(b)
	switch {
	case aNum && bNum:
		return af == bf
	case aNum:
		if s, ok := b.(string); ok {
			f, ok := parseNumeric(s)
			return ok && f == af
		}
		if bb, ok := b.(bool); ok {
			return af == boolNumber(bb)
		}
		return false
	case bNum:
		return looseEqual(b, a)
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

func strictEqual(a, b any) bool {
	if jsonKind(a) != jsonKind(b) {
		return false
	}
	return looseEqual(a, b)
}

func boolNumber(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// compare orders two values. ok is false when they are incomparable.
func compare(a, b any) (cmp int, ok bool) {
	if as, aStr := a.(string); aStr {
		if bs, bStr := b.(string); bStr {
			return strings.Compare(as, bs), true
		}
	}
	if a == nil || b == nil {
		return 0, false
	}
	af, err := toNumber(a)
	if err != nil {
		return 0, false
	}
	bf, err := toNumber(b)
	if err != nil {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	default:
		return 0, true
	}
}

func compareChain(op string, args []any) bool {
	for i := 0; i+1 < len(args); i++ {
		c, ok := compare(args[i], args[i+1])
		if !ok {
			return false
		}
		var holds bool
		switch op {
		case "<":
			holds = c < 0
		case "<=":
			holds = c <= 0
		case ">":
			holds = c > 0
		case ">=":
			holds = c >= 0
		}
		if !holds {
			return false
		}
	}
	return true
}

// contains implements "in": membership for arrays, substring for strings.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case string:
		if needle == nil {
			return false
		}
		return strings.Contains(h, Text(needle))
	default:
		return false
	}
}

func arithmetic(op string, args []any) (any, error) {
	nums := make([]float64, len(args))
	for i, a := range args {
		f, err := toNumber(a)
		if err != nil {
			return nil, err
		}
		nums[i] = f
	}

	switch op {
	case "+":
		sum := 0.0
		for _, f := range nums {
			sum += f
		}
		return sum, nil
	case "*":
		product := 1.0
		for _, f := range nums {
			product *= f
		}
		return product, nil
	case "-":
		if len(nums) == 1 {
			return -nums[0], nil
		}
		return nums[0] - nums[1], nil
	case "/":
		if nums[1] == 0 {
			return nil, types.ErrDivisionByZero
		}
		return nums[0] / nums[1], nil
	case "%":
		if nums[1] == 0 {
			return nil, types.ErrDivisionByZero
		}
		return math.Mod(nums[0], nums[1]), nil
	}
	return nil, fmt.Errorf("%w: %s", types.ErrInvalidOperator, op)
}

func extremum(op string, args []any) (any, error) {
	var best float64
	for i, a := range args {
		f, err := toNumber(a)
		if err != nil {
			return nil, err
		}
		if i == 0 || (op == "min" && f < best) || (op == "max" && f > best) {
			best = f
		}
	}
	return best, nil
}
