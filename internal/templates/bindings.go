// internal/templates/bindings.go
package templates

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/solatis/tollgate/internal/rules"
	"github.com/solatis/tollgate/internal/types"
)

/*
 * Binding strategies for context_mapping, update_field values and function
 * arguments.
 *
 * A binding is either a literal JSON value or a tagged object:
 *   {"type": "literal",  "value": X}
 *   {"type": "context",  "path": "user.name", "default": X}
 *   {"type": "function", "function": "name", "args": [...]}
 *   {"type": "filter",   "source": "cart.items", "condition": {...},
 *                        "extract": "product_code", "aggregate": "first"}
 *
 * Function arguments are resolved before the call: strings starting with "$"
 * are context paths ("$cart.items"), {"var": "path"} objects are context
 * lookups, and objects/arrays are resolved recursively so params such as
 * {"country": "$user.country"} work. "$$" escapes a literal dollar.
 *
 * Filter aggregates: first (default), last, all, count, sum, join.
 * Filter conditions see the element's keys layered over the outer
 * context's top-level keys.
 */

// Binding kinds.
const (
	BindLiteral  = "literal"
	BindContext  = "context"
	BindFunction = "function"
	BindFilter   = "filter"
)

type binding struct {
	Type      string          `json:"type"`
	Value     json.RawMessage `json:"value"`
	Path      string          `json:"path"`
	Default   json.RawMessage `json:"default"`
	Function  string          `json:"function"`
	Args      []any           `json:"args"`
	Source    string          `json:"source"`
	Condition json.RawMessage `json:"condition"`
	Extract   string          `json:"extract"`
	Aggregate string          `json:"aggregate"`
	Separator string          `json:"separator"`
}

// parseBinding returns nil for literal JSON that is not a tagged binding.
func parseBinding(raw json.RawMessage) (*binding, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case BindLiteral, BindContext, BindFunction, BindFilter:
	default:
		return nil, nil
	}
	var b binding
	if err := json.Unmarshal(trimmed, &b); err != nil {
		return nil, fmt.Errorf("binding %s: %w", head.Type, err)
	}
	return &b, nil
}

// ResolveBinding evaluates one binding against data. found is false when a
// context or filter binding matched nothing and has no default.
func (r *Resolver) ResolveBinding(ctx context.Context, raw json.RawMessage, data any) (value any, found bool, err error) {
	b, err := parseBinding(raw)
	if err != nil {
		return nil, false, err
	}
	if b == nil {
		var literal any
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, false, nil
		}
		if err := json.Unmarshal(raw, &literal); err != nil {
			return nil, false, err
		}
		return literal, true, nil
	}

	switch b.Type {
	case BindLiteral:
		var literal any
		if len(b.Value) > 0 {
			if err := json.Unmarshal(b.Value, &literal); err != nil {
				return nil, false, err
			}
		}
		return literal, true, nil

	case BindContext:
		if v, ok := rules.Get(data, b.Path); ok {
			return v, true, nil
		}
		if len(b.Default) > 0 {
			var def any
			if err := json.Unmarshal(b.Default, &def); err != nil {
				return nil, false, err
			}
			return def, true, nil
		}
		return nil, false, nil

	case BindFunction:
		args := make([]any, len(b.Args))
		for i, a := range b.Args {
			args[i] = ResolveArg(a, data)
		}
		v, err := r.CallFunction(ctx, b.Function, args)
		if err != nil {
			return nil, false, err
		}
		return v, true, nil

	case BindFilter:
		return r.resolveFilter(ctx, b, data)
	}
	return nil, false, nil
}

// CallFunction invokes a registered function through the resolver's caller.
func (r *Resolver) CallFunction(ctx context.Context, name string, args []any) (any, error) {
	if r.funcs == nil || !r.funcs.Has(name) {
		return nil, fmt.Errorf("%w: %s", types.ErrFunctionNotRegistered, name)
	}
	return r.funcs.Call(ctx, name, args)
}

// ResolveArg replaces "$path" strings and {"var": path} objects with context
// values, recursing into arrays and objects.
func ResolveArg(arg any, data any) any {
	switch a := arg.(type) {
	case string:
		if strings.HasPrefix(a, "$$") {
			return a[1:]
		}
		if strings.HasPrefix(a, "$") {
			v, _ := rules.Get(data, a[1:])
			return v
		}
		return a
	case []any:
		out := make([]any, len(a))
		for i, v := range a {
			out[i] = ResolveArg(v, data)
		}
		return out
	case map[string]any:
		if path, ok := a["var"]; ok && len(a) == 1 {
			if p, ok := path.(string); ok {
				v, _ := rules.Get(data, p)
				return v
			}
		}
		out := make(map[string]any, len(a))
		for k, v := range a {
			out[k] = ResolveArg(v, data)
		}
		return out
	default:
		return arg
	}
}

func (r *Resolver) resolveFilter(ctx context.Context, b *binding, data any) (any, bool, error) {
	source, _ := rules.Get(data, b.Source)
	list, _ := source.([]any)

	expr, err := rules.Compile(b.Condition, r.funcs)
	if err != nil {
		return nil, false, fmt.Errorf("filter condition: %w", err)
	}

	var matched []any
	for _, elem := range list {
		ok, err := r.evaluator.Test(ctx, expr, withOuter(elem, data))
		if err != nil {
			return nil, false, fmt.Errorf("filter condition: %w", err)
		}
		if !ok {
			continue
		}
		if b.Extract == "" {
			matched = append(matched, elem)
			continue
		}
		if v, ok := rules.Get(elem, b.Extract); ok {
			matched = append(matched, v)
		}
	}

	switch b.Aggregate {
	case "", "first":
		if len(matched) == 0 {
			return nil, false, nil
		}
		return matched[0], true, nil
	case "last":
		if len(matched) == 0 {
			return nil, false, nil
		}
		return matched[len(matched)-1], true, nil
	case "all":
		if matched == nil {
			matched = []any{}
		}
		return matched, true, nil
	case "count":
		return float64(len(matched)), true, nil
	case "sum":
		total := 0.0
		for _, v := range matched {
			f, err := rules.ToNumber(v)
			if err != nil {
				return nil, false, fmt.Errorf("filter sum: %w", err)
			}
			total += f
		}
		return total, true, nil
	case "join":
		sep := b.Separator
		if sep == "" {
			sep = ", "
		}
		parts := make([]string, len(matched))
		for i, v := range matched {
			parts[i] = rules.Text(v)
		}
		return strings.Join(parts, sep), true, nil
	default:
		return nil, false, fmt.Errorf("filter aggregate %q not supported", b.Aggregate)
	}
}

// withOuter overlays elem on top of the outer context's top-level keys so
// filter conditions can reference either.
func withOuter(elem any, outer any) any {
	m, ok := elem.(map[string]any)
	if !ok {
		return elem
	}
	outerMap, _ := outer.(map[string]any)
	merged := make(map[string]any, len(m)+len(outerMap))
	for k, v := range outerMap {
		merged[k] = v
	}
	for k, v := range m {
		merged[k] = v
	}
	return merged
}
