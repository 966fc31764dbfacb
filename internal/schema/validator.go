// internal/schema/validator.go
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/solatis/tollgate/internal/types"
)

/*
 * Context schema validation.
 *
 * Each ContextSchema (fields_code, version) compiles once under Draft 2020-12
 * and is cached; a new version of the same fields_code compiles to a new
 * entry so schema edits take effect without a restart.
 *
 * Validation failures flatten the validator's cause tree into leaf
 * FieldErrors: one entry per failing keyword with the instance location as a
 * JSONPath ("$.cart.items[0].net") and the validator's message as reason.
 * Results are sorted by path so diagnostics are stable across runs.
 *
 * Documents must be JSON-decoded values (map[string]any, []any, float64...).
 * Validate normalises other shapes through a JSON round trip first.
 */

// ValidationErrors is a non-empty list of field diagnostics.
type ValidationErrors []types.FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, fe := range v {
		parts[i] = fe.Path + ": " + fe.Reason
	}
	return "context validation failed: " + strings.Join(parts, "; ")
}

type cacheKey struct {
	fieldsCode string
	version    int
}

// Validator compiles and caches context schemas.
type Validator struct {
	mu     sync.RWMutex
	cache  map[cacheKey]*jsonschema.Schema
	logger *slog.Logger
}

// NewValidator creates an empty validator.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default().With("component", "schema")
	}
	return &Validator{
		cache:  make(map[cacheKey]*jsonschema.Schema),
		logger: logger,
	}
}

// Compile returns the compiled schema for s, compiling on first use.
func (v *Validator) Compile(s *types.ContextSchema) (*jsonschema.Schema, error) {
	key := cacheKey{fieldsCode: s.FieldsCode, version: s.Version}

	v.mu.RLock()
	compiled, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://tollgate.schemas.local/context/%s/v%d.schema.json", s.FieldsCode, s.Version)
	if err := c.AddResource(url, bytes.NewReader(s.Schema)); err != nil {
		return nil, fmt.Errorf("schema %s load failed: %w", s.FieldsCode, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s compile failed: %w", s.FieldsCode, err)
	}

	v.mu.Lock()
	v.cache[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}

// Validate checks doc against s. It returns ValidationErrors when the
// document is invalid and a plain error when the schema itself is unusable.
func (v *Validator) Validate(s *types.ContextSchema, doc any) error {
	compiled, err := v.Compile(s)
	if err != nil {
		return err
	}

	normalized, err := normalize(doc)
	if err != nil {
		return err
	}

	err = compiled.Validate(normalized)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("schema %s: %w", s.FieldsCode, err)
	}

	fieldErrs := flatten(verr)
	v.logger.Debug("context failed schema validation",
		"fields_code", s.FieldsCode, "version", s.Version, "errors", len(fieldErrs))
	return fieldErrs
}

// Invalidate drops cached compilations for fieldsCode.
func (v *Validator) Invalidate(fieldsCode string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for key := range v.cache {
		if key.fieldsCode == fieldsCode {
			delete(v.cache, key)
		}
	}
}

func normalize(doc any) (any, error) {
	switch doc.(type) {
	case nil, bool, float64, string, []any, map[string]any:
		return doc, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("context is not JSON-serialisable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(root *jsonschema.ValidationError) ValidationErrors {
	var out ValidationErrors
	seen := make(map[types.FieldError]bool)

	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			fe := types.FieldError{Path: PointerToPath(e.InstanceLocation), Reason: e.Message}
			if !seen[fe] {
				seen[fe] = true
				out = append(out, fe)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(root)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Reason < out[j].Reason
	})
	return out
}

// PointerToPath converts a JSON Pointer ("/cart/items/0") to a JSONPath
// ("$.cart.items[0]").
func PointerToPath(pointer string) string {
	var b strings.Builder
	b.WriteString("$")
	if pointer == "" || pointer == "/" {
		return b.String()
	}
	for _, tok := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(tok); err == nil {
			b.WriteString("[" + tok + "]")
			continue
		}
		b.WriteString("." + tok)
	}
	return b.String()
}
