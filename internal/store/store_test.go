package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/tollgate/internal/core/db/dbtest"
	"github.com/solatis/tollgate/internal/functions"
	"github.com/solatis/tollgate/internal/types"
)

// stepClock advances one second per reading so created_at values differ.
type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	clock := &stepClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.now)}, opts...)
	return New(dbtest.Open(t), opts...)
}

func saveEntryPoint(t *testing.T, s *Store, code types.EntryPointCode) {
	t.Helper()
	require.NoError(t, s.SaveEntryPoint(context.Background(), &types.EntryPoint{Code: code, Name: string(code), Active: true}))
}

func stopRule(code string, ep types.EntryPointCode, priority int) *types.Rule {
	return &types.Rule{
		RuleCode:   code,
		EntryPoint: ep,
		Priority:   priority,
		Active:     true,
		Condition:  json.RawMessage(`{"always": true}`),
		Actions:    []types.Action{{Type: types.ActionStop}},
	}
}

func ruleCodes(rules []*types.Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.RuleCode
	}
	return out
}

func TestStore_ActiveRulesOrdering(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	saveEntryPoint(t, s, types.CheckoutTerms)
	saveEntryPoint(t, s, types.CheckoutPayment)

	require.NoError(t, s.SaveRule(ctx, stopRule("late", types.CheckoutTerms, 20)))
	require.NoError(t, s.SaveRule(ctx, stopRule("first_at_10", types.CheckoutTerms, 10)))
	require.NoError(t, s.SaveRule(ctx, stopRule("second_at_10", types.CheckoutTerms, 10)))
	require.NoError(t, s.SaveRule(ctx, stopRule("other_entry_point", types.CheckoutPayment, 1)))

	inactive := stopRule("inactive", types.CheckoutTerms, 1)
	inactive.Active = false
	require.NoError(t, s.SaveRule(ctx, inactive))

	got, err := s.ActiveRules(ctx, types.CheckoutTerms)
	require.NoError(t, err)
	assert.Equal(t, []string{"first_at_10", "second_at_10", "late"}, ruleCodes(got))
}

func TestStore_RuleRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	saveEntryPoint(t, s, types.CheckoutPayment)

	var actions []types.Action
	require.NoError(t, json.Unmarshal([]byte(`[
		{"type": "user_acknowledge", "ackKey": "tutorial_credit_card_v1", "required": true, "blocking": true, "display_type": "modal", "content": "Tutorials cannot be paid by card"},
		{"type": "calculate_vat"},
		{"type": "stop"}
	]`), &actions))

	rule := &types.Rule{
		RuleCode:       "tutorial_card",
		Name:           "Tutorial card warning",
		EntryPoint:     types.CheckoutPayment,
		Priority:       5,
		Active:         true,
		Condition:      json.RawMessage(`{"==":[{"var":"payment.method"},"card"]}`),
		Actions:        actions,
		StopProcessing: true,
		Metadata:       map[string]any{"owner": "finance"},
	}
	require.NoError(t, s.SaveRule(ctx, rule))

	got, err := s.Rule(ctx, "tutorial_card")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.True(t, got.StopProcessing)
	assert.Empty(t, got.FieldsCode)
	assert.JSONEq(t, string(rule.Condition), string(got.Condition))
	require.Len(t, got.Actions, 3)
	assert.Equal(t, "tutorial_credit_card_v1", got.Actions[0].Acknowledge.AckKey)
	assert.True(t, got.Actions[0].Acknowledge.Blocking)
	assert.Equal(t, types.ActionCalculateVAT, got.Actions[1].Type)
	assert.Equal(t, types.ActionStop, got.Actions[2].Type)
	assert.Equal(t, "finance", got.Metadata["owner"])

	rule.Priority = 6
	require.NoError(t, s.SaveRule(ctx, rule))
	got, err = s.Rule(ctx, "tutorial_card")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 6, got.Priority)
}

func TestStore_SaveRuleReferences(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.SaveRule(ctx, stopRule("orphan", types.CheckoutStart, 1))
	assert.True(t, errors.Is(err, types.ErrEntryPointNotFound), "error = %v", err)

	saveEntryPoint(t, s, types.CheckoutStart)

	withSchema := stopRule("with_schema", types.CheckoutStart, 1)
	withSchema.FieldsCode = "checkout_context"
	err = s.SaveRule(ctx, withSchema)
	assert.True(t, errors.Is(err, types.ErrSchemaNotFound), "error = %v", err)

	withTemplate := stopRule("with_template", types.CheckoutStart, 1)
	withTemplate.Actions = []types.Action{{
		Type:           types.ActionDisplayMessage,
		DisplayMessage: &types.DisplayMessageAction{TemplateID: 99},
	}}
	err = s.SaveRule(ctx, withTemplate)
	assert.True(t, errors.Is(err, types.ErrTemplateNotFound), "error = %v", err)

	_, err = s.Rule(ctx, "with_template")
	assert.True(t, errors.Is(err, types.ErrRuleNotFound), "failed save must not persist: %v", err)
}

func TestStore_SaveRuleRejectsUnknownOperator(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, WithFunctions(functions.NewDefault()))
	saveEntryPoint(t, s, types.CheckoutStart)

	known := stopRule("known_function", types.CheckoutStart, 1)
	known.Condition = json.RawMessage(`{"check_tutorial_only_credit_card": [{"var": "cart.items"}, {}]}`)
	assert.NoError(t, s.SaveRule(ctx, known))

	unknown := stopRule("unknown_function", types.CheckoutStart, 1)
	unknown.Condition = json.RawMessage(`{"eval": ["rm -rf"]}`)
	err := s.SaveRule(ctx, unknown)
	assert.True(t, errors.Is(err, types.ErrInvalidOperator), "error = %v", err)
}

func TestStore_Templates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	id, err := s.SaveTemplate(ctx, &types.MessageTemplate{
		Name:          "aset_warning",
		Title:         "ASET",
		ContentFormat: types.ContentJSON,
		Content:       "Your {{subject_code}} ASET",
		JSONContent:   json.RawMessage(`{"blocks":[{"text":"{{subject_code}}"}]}`),
		MessageType:   types.MessageWarning,
		Variables:     []string{"subject_code"},
		Active:        true,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := s.Template(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "aset_warning", got.Name)
	assert.Equal(t, types.ContentJSON, got.ContentFormat)
	assert.Equal(t, []string{"subject_code"}, got.Variables)
	assert.JSONEq(t, `{"blocks":[{"text":"{{subject_code}}"}]}`, string(got.JSONContent))

	again, err := s.SaveTemplate(ctx, &types.MessageTemplate{Name: "aset_warning", Content: "changed", Active: true})
	require.NoError(t, err)
	assert.Equal(t, id, again, "upsert by name keeps the id")

	_, err = s.Template(ctx, id+100)
	assert.True(t, errors.Is(err, types.ErrTemplateNotFound), "error = %v", err)

	_, err = s.SaveTemplate(ctx, &types.MessageTemplate{Name: "bad", ContentFormat: "html"})
	assert.Error(t, err)
}

func TestStore_SchemaVersionBumps(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	cs := &types.ContextSchema{FieldsCode: "checkout_context", Schema: json.RawMessage(`{"type":"object"}`), Active: true}
	require.NoError(t, s.SaveSchema(ctx, cs))
	got, err := s.Schema(ctx, "checkout_context")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	cs.Schema = json.RawMessage(`{"type":"object","required":["cart"]}`)
	require.NoError(t, s.SaveSchema(ctx, cs))
	got, err = s.Schema(ctx, "checkout_context")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.JSONEq(t, `{"type":"object","required":["cart"]}`, string(got.Schema))

	assert.Error(t, s.SaveSchema(ctx, &types.ContextSchema{FieldsCode: "broken", Schema: json.RawMessage(`{`)}))
}

func TestStore_MutationsPublish(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus()
	var seen []Invalidation
	bus.Subscribe(func(inv Invalidation) { seen = append(seen, inv) })

	s := newStore(t, WithBus(bus))
	saveEntryPoint(t, s, types.CheckoutTerms)
	require.NoError(t, s.SaveRule(ctx, stopRule("r1", types.CheckoutTerms, 1)))
	require.NoError(t, s.SetRuleActive(ctx, "r1", false))
	require.NoError(t, s.DeleteRule(ctx, "r1"))

	assert.Equal(t, []Invalidation{
		{Kind: KindEntryPoint, Key: "checkout_terms"},
		{Kind: KindRules, Key: "checkout_terms"},
		{Kind: KindRules, Key: "checkout_terms"},
		{Kind: KindRules, Key: "checkout_terms"},
	}, seen)

	err := s.DeleteRule(ctx, "r1")
	assert.True(t, errors.Is(err, types.ErrRuleNotFound), "error = %v", err)
}
