// internal/rules/fieldpath.go
package rules

import (
	"strconv"
	"strings"

	"github.com/solatis/tollgate/internal/types"
)

/*
 * Dotted path resolution for decoded JSON contexts.
 *
 * "cart.items.0.net" walks object keys and array indices. A missing key, an
 * out-of-range index, a null intermediate or a scalar with path remaining all
 * resolve to "not found"; resolution never errors on data shape. Only the
 * path itself can be rejected (too deep).
 *
 * The empty path resolves to the data itself, which is how quantifier bodies
 * reach the current element with {"var": ""}.
 */

// SplitPath splits a dotted path into segments.
// Returns ErrPathTooDeep beyond MaxPathDepth segments.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, ".")
	if len(segs) > types.MaxPathDepth {
		return nil, types.ErrPathTooDeep
	}
	return segs, nil
}

// Lookup walks segs through data. found is false when any step is missing or
// the value at the end is null.
func Lookup(data any, segs []string) (value any, found bool) {
	current := data
	for _, seg := range segs {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case types.Context:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// Get resolves a dotted path against data; invalid paths are not found.
func Get(data any, path string) (any, bool) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, false
	}
	return Lookup(data, segs)
}

// hasKey reports whether the first segment exists in data. Quantifier scopes
// use it to decide whether a path belongs to the element or the outer context.
func hasKey(data any, seg string) bool {
	switch v := data.(type) {
	case map[string]any:
		_, ok := v[seg]
		return ok
	case types.Context:
		_, ok := v[seg]
		return ok
	case []any:
		idx, err := strconv.Atoi(seg)
		return err == nil && idx >= 0 && idx < len(v)
	default:
		return false
	}
}
