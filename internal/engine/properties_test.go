package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/solatis/tollgate/internal/functions"
	"github.com/solatis/tollgate/internal/types"
)

// TestProperty_Determinism checks identical inputs give identical results
// apart from execution_id and duration_ms.
func TestProperty_Determinism(t *testing.T) {
	cat := newCatalog()
	cat.addTemplate(3, "Card payments are charged immediately")
	cat.add(t, types.CheckoutPayment, "vat", 10, `{">": [{"var": "cart.total"}, 0]}`, vatRule)
	cat.add(t, types.CheckoutPayment, "card", 20, `{"==": [{"var": "payment.method"}, "card"]}`,
		`[{"type": "user_acknowledge", "ackKey": "card_v1", "templateId": 3, "blocking": true}]`)
	cat.add(t, types.CheckoutPayment, "notice", 30, `{"in": [{"var": "user.country"}, ["GB", "IE"]]}`,
		`[{"type": "display_message", "content": "Shipping to {{user.country}}"}]`)
	eng := New(cat, functions.NewDefault())

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("same inputs yield the same result", prop.ForAll(
		func(net float64, country, method string) bool {
			evalCtx := map[string]any{
				"cart":    map[string]any{"total": net, "items": []any{map[string]any{"net": fmt.Sprintf("%.2f", net)}}},
				"user":    map[string]any{"country": country},
				"payment": map[string]any{"method": method},
			}
			a, err := eng.Execute(context.Background(), types.CheckoutPayment, evalCtx)
			if err != nil {
				return false
			}
			b, err := eng.Execute(context.Background(), types.CheckoutPayment, evalCtx)
			if err != nil {
				return false
			}
			if method == "card" && len(a.RequiredAcknowledgments) == 0 {
				return false
			}
			return stripVolatile(t, a) == stripVolatile(t, b)
		},
		gen.Float64Range(0, 1000),
		gen.OneConstOf("GB", "IE", "DE", "US", ""),
		gen.OneConstOf("card", "invoice", ""),
	))

	properties.TestingRun(t)
}

func stripVolatile(t *testing.T, r *Result) string {
	t.Helper()
	c := *r
	c.ExecutionID = ""
	c.DurationMs = 0
	b, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	return string(b)
}

// TestProperty_PriorityOrderAndShortCircuit checks rules_executed is sorted
// by priority and ends at the first matching stop_processing rule.
func TestProperty_PriorityOrderAndShortCircuit(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("priority order with short-circuit", prop.ForAll(
		func(seeds []int) bool {
			// Each seed packs priority (0-5), match and stop_processing.
			cat := newCatalog()
			byCode := make(map[string]*types.Rule)
			for i, seed := range seeds {
				cond := `false`
				if (seed/6)%2 == 1 {
					cond = `true`
				}
				r := cat.add(t, types.CheckoutTerms, fmt.Sprintf("r%02d", i), seed%6, cond, `[]`)
				r.StopProcessing = seed < 12
				byCode[r.RuleCode] = r
			}

			res, err := New(cat, nil).Execute(context.Background(), types.CheckoutTerms, map[string]any{})
			if err != nil {
				return false
			}

			ordered := orderRules(cat.rules[types.CheckoutTerms])
			want := 0
			for _, r := range ordered {
				want++
				if r.StopProcessing && string(r.Condition) == "true" {
					break
				}
			}
			if len(res.RulesExecuted) != want || res.RulesEvaluated != want {
				return false
			}
			for i := 1; i < len(res.RulesExecuted); i++ {
				prev := byCode[res.RulesExecuted[i-1].RuleCode]
				cur := byCode[res.RulesExecuted[i].RuleCode]
				if prev.Priority > cur.Priority {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.IntRange(0, 59)),
	))

	properties.TestingRun(t)
}
