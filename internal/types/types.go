// Package types provides domain models shared across tollgate components.
//
// Entities mirror the persisted shapes: entry points, context schemas, rules,
// actions, message templates, execution records and ledger records. Condition
// and action payloads stay as raw JSON here; internal/rules and internal/engine
// give them meaning. ID utilities live in ids.go and are the only place that
// imports uuid.
package types

import (
	"encoding/json"
	"time"
)

// EntryPointCode names a callsite in the shopping journey.
// Codes never change once a rule references them.
type EntryPointCode string

// The closed set of entry points every deployment carries.
const (
	HomePageMount      EntryPointCode = "home_page_mount"
	ProductListMount   EntryPointCode = "product_list_mount"
	ProductCardMount   EntryPointCode = "product_card_mount"
	CheckoutStart      EntryPointCode = "checkout_start"
	CheckoutPreference EntryPointCode = "checkout_preference"
	CheckoutTerms      EntryPointCode = "checkout_terms"
	CheckoutPayment    EntryPointCode = "checkout_payment"
)

// StandardEntryPoints lists the built-in entry point codes in journey order.
var StandardEntryPoints = []EntryPointCode{
	HomePageMount,
	ProductListMount,
	ProductCardMount,
	CheckoutStart,
	CheckoutPreference,
	CheckoutTerms,
	CheckoutPayment,
}

// EntryPoint is a named point in the user journey at which rules run.
type EntryPoint struct {
	Code        EntryPointCode `json:"code" yaml:"code"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Active      bool           `json:"active" yaml:"active"`
	CreatedAt   time.Time      `json:"created_at" yaml:"-"`
}

// ContextSchema is a named JSON Schema describing the context accepted at
// one or more entry points.
type ContextSchema struct {
	FieldsCode string          `json:"fields_code"`
	Schema     json.RawMessage `json:"schema"`
	Version    int             `json:"version"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created_at"`
}

// FieldError is one structured schema diagnostic.
// Path is a JSONPath ("$.cart.items[0].net"); "$" is the document root.
type FieldError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Context is the decoded invocation context: cart, user, session, payment and
// acknowledgments. Values are the shapes encoding/json produces
// (map[string]any, []any, string, float64, bool, nil).
type Context map[string]any

// Resource limits enforced by the evaluator and resolver.
const (
	// MaxPathDepth bounds dotted var paths ("a.b.c...").
	MaxPathDepth = 16

	// MaxExpressionDepth bounds nesting of condition and argument trees.
	MaxExpressionDepth = 32

	// MaxInOperatorValues bounds literal lists on the right of "in".
	MaxInOperatorValues = 256

	// MaxContextSize bounds the serialized context accepted by Execute.
	MaxContextSize = 1024 * 1024
)
