// internal/templates/resolver.go
package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/solatis/tollgate/internal/rules"
	"github.com/solatis/tollgate/internal/types"
)

/*
 * Template resolution.
 *
 * Content and titles carry {{name}} placeholders. A placeholder resolves
 * from, in order: the action's context_mapping bindings, then the context
 * path of the same name ("{{user.first_name}}"). Placeholders that resolve
 * to nothing stay literal and are logged at warning level.
 *
 * Templates declare required variables. A declared variable that resolves
 * to nothing fails the render with ErrUnresolvedVariable; the engine turns
 * that into a template_unresolved dispatch error.
 *
 * Structured (json) templates are rendered by substituting inside every
 * string of the tree. A string that is exactly one placeholder is replaced
 * by the bound value itself, so numbers and lists keep their JSON type.
 *
 * Rendering is a pure function of (template, bindings, context).
 */

var placeholderRE = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Resolver renders templates and resolves bindings.
type Resolver struct {
	funcs     rules.FunctionCaller
	evaluator *rules.Evaluator
	logger    *slog.Logger
}

// NewResolver creates a resolver. funcs may be nil when no function
// bindings are used.
func NewResolver(funcs rules.FunctionCaller, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default().With("component", "templates")
	}
	return &Resolver{
		funcs:     funcs,
		evaluator: rules.NewEvaluator(funcs),
		logger:    logger,
	}
}

// Source is what gets rendered: a stored template or inline action content.
type Source struct {
	TemplateID    types.TemplateID
	Title         string
	Content       string
	ContentFormat types.ContentFormat
	JSONContent   json.RawMessage
	MessageType   string
	Variables     []string
}

// FromTemplate builds a Source from a stored template.
func FromTemplate(t *types.MessageTemplate) Source {
	return Source{
		TemplateID:    t.ID,
		Title:         t.Title,
		Content:       t.Content,
		ContentFormat: t.ContentFormat,
		JSONContent:   t.JSONContent,
		MessageType:   t.MessageType,
		Variables:     t.Variables,
	}
}

// Rendered is resolved content ready for the aggregator.
type Rendered struct {
	Title       string
	Content     string
	JSONContent any
	MessageType string
	Unresolved  []string
}

// Bind resolves every context_mapping entry. Entries that resolve to nothing
// are omitted; binding errors (function failures, bad filters) are returned.
func (r *Resolver) Bind(ctx context.Context, mapping map[string]json.RawMessage, data any) (map[string]any, error) {
	vars := make(map[string]any, len(mapping))
	names := make([]string, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v, found, err := r.ResolveBinding(ctx, mapping[name], data)
		if err != nil {
			return nil, fmt.Errorf("binding %q: %w", name, err)
		}
		if found {
			vars[name] = v
		}
	}
	return vars, nil
}

// Render resolves src against mapping and data.
func (r *Resolver) Render(ctx context.Context, src Source, mapping map[string]json.RawMessage, data any) (*Rendered, error) {
	vars, err := r.Bind(ctx, mapping, data)
	if err != nil {
		return nil, err
	}

	for _, name := range src.Variables {
		if _, ok := lookupVar(name, vars, data); !ok {
			return nil, fmt.Errorf("%w: %s", types.ErrUnresolvedVariable, name)
		}
	}

	out := &Rendered{MessageType: src.MessageType}
	unresolved := make(map[string]bool)

	out.Title = r.substitute(src.Title, vars, data, unresolved)
	out.Content = r.substitute(src.Content, vars, data, unresolved)

	if src.ContentFormat == types.ContentJSON && len(src.JSONContent) > 0 {
		var tree any
		if err := json.Unmarshal(src.JSONContent, &tree); err != nil {
			return nil, fmt.Errorf("template %d json_content: %w", src.TemplateID, err)
		}
		out.JSONContent = r.substituteTree(tree, vars, data, unresolved)
	}

	for name := range unresolved {
		out.Unresolved = append(out.Unresolved, name)
	}
	sort.Strings(out.Unresolved)
	if len(out.Unresolved) > 0 {
		r.logger.Warn("unresolved template placeholders",
			"template_id", int64(src.TemplateID), "placeholders", out.Unresolved)
	}
	return out, nil
}

// Substitute expands placeholders in text using vars then data.
func (r *Resolver) Substitute(text string, vars map[string]any, data any) string {
	unresolved := make(map[string]bool)
	out := r.substitute(text, vars, data, unresolved)
	if len(unresolved) > 0 {
		names := make([]string, 0, len(unresolved))
		for n := range unresolved {
			names = append(names, n)
		}
		sort.Strings(names)
		r.logger.Warn("unresolved template placeholders", "placeholders", names)
	}
	return out
}

func lookupVar(name string, vars map[string]any, data any) (any, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}
	return rules.Get(data, name)
}

func (r *Resolver) substitute(text string, vars map[string]any, data any, unresolved map[string]bool) string {
	if text == "" {
		return text
	}
	return placeholderRE.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderRE.FindStringSubmatch(match)[1]
		v, ok := lookupVar(name, vars, data)
		if !ok {
			unresolved[name] = true
			return match
		}
		return rules.Text(v)
	})
}

func (r *Resolver) substituteTree(node any, vars map[string]any, data any, unresolved map[string]bool) any {
	switch n := node.(type) {
	case string:
		if m := placeholderRE.FindStringSubmatchIndex(n); m != nil && m[0] == 0 && m[1] == len(n) {
			name := n[m[2]:m[3]]
			if v, ok := lookupVar(name, vars, data); ok {
				return v
			}
			unresolved[name] = true
			return n
		}
		return r.substitute(n, vars, data, unresolved)
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			out[i] = r.substituteTree(v, vars, data, unresolved)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[k] = r.substituteTree(v, vars, data, unresolved)
		}
		return out
	default:
		return node
	}
}
