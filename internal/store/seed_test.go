package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/tollgate/internal/types"
)

const seedYAML = `
entry_points:
  - code: checkout_start
    name: Checkout start
  - code: checkout_payment
    name: Checkout payment
    description: Payment method selection

schemas:
  - fields_code: checkout_context
    schema:
      type: object
      required: [cart]

templates:
  - name: aset_warning
    title: ASET notice
    content: "Your {{subject_code}} ASET requires the current exam sitting"
    message_type: warning
    variables: [subject_code]

rules:
  - rule_code: aset_warning
    entry_point: checkout_start
    fields_code: checkout_context
    priority: 10
    condition:
      some:
        - var: cart.items
        - in: [{var: product_id}, [72, 73]]
    actions:
      - type: display_message
        template: aset_warning
        messageType: warning
        display_type: inline
        context_mapping:
          subject_code:
            type: filter
            source: cart.items
            condition: {in: [{var: product_id}, [72, 73]]}
            extract: subject_code
  - rule_code: vat
    entry_point: checkout_payment
    actions:
      - type: calculate_vat
`

func TestLoadAndApplySeed(t *testing.T) {
	ctx := context.Background()
	seed, err := LoadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)

	bus := NewLocalBus()
	var seen []Invalidation
	bus.Subscribe(func(inv Invalidation) { seen = append(seen, inv) })

	s := newStore(t, WithBus(bus))
	report, err := s.ApplySeed(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, SeedReport{EntryPoints: 2, Schemas: 1, Templates: 1, Rules: 2}, report)
	assert.Equal(t, []Invalidation{{Kind: KindAll}}, seen)

	rule, err := s.Rule(ctx, "aset_warning")
	require.NoError(t, err)
	assert.Equal(t, 10, rule.Priority)
	assert.True(t, rule.Active)
	require.Len(t, rule.Actions, 1)
	msg := rule.Actions[0].DisplayMessage
	require.NotNil(t, msg)
	assert.NotZero(t, msg.TemplateID)
	assert.Contains(t, msg.ContextMapping, "subject_code")

	tmpl, err := s.Template(ctx, msg.TemplateID)
	require.NoError(t, err)
	assert.Equal(t, "aset_warning", tmpl.Name)

	vat, err := s.Rule(ctx, "vat")
	require.NoError(t, err)
	assert.Equal(t, defaultPriority, vat.Priority)
	assert.JSONEq(t, "true", string(vat.Condition), "a missing condition is stored as always")

	// Seeds are idempotent apart from version bumps
	_, err = s.ApplySeed(ctx, seed)
	require.NoError(t, err)
	rule, err = s.Rule(ctx, "aset_warning")
	require.NoError(t, err)
	assert.Equal(t, 2, rule.Version)
}

func TestApplySeed_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	seed, err := LoadSeed(strings.NewReader(`
entry_points:
  - code: checkout_terms
    name: Terms
rules:
  - rule_code: broken
    entry_point: checkout_terms
    actions:
      - type: display_message
        template: does_not_exist
`))
	require.NoError(t, err)

	s := newStore(t)
	_, err = s.ApplySeed(ctx, seed)
	require.Error(t, err)

	_, err = s.EntryPoint(ctx, types.CheckoutTerms)
	assert.ErrorIs(t, err, types.ErrEntryPointNotFound)
}

func TestLoadSeed_RejectsUnknownKeys(t *testing.T) {
	_, err := LoadSeed(strings.NewReader("entrypoints: []\n"))
	assert.Error(t, err)

	empty, err := LoadSeed(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, empty.Rules)
}

// TestRedisBus_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisBus_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientA, err := Connect(ctx, "localhost:6379")
	if err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer clientA.Close()
	clientB, err := Connect(ctx, "redis://localhost:6379/0")
	require.NoError(t, err)
	defer clientB.Close()

	a := NewRedisBus(clientA, nil)
	b := NewRedisBus(clientB, nil)

	received := make(chan Invalidation, 4)
	b.Subscribe(func(inv Invalidation) { received <- inv })
	var local []Invalidation
	a.Subscribe(func(inv Invalidation) { local = append(local, inv) })

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go a.Run(runCtx)
	go b.Run(runCtx)

	// Wait for b's subscription to be live before publishing
	require.Eventually(t, func() bool {
		n, err := clientA.PubSubNumSub(ctx, InvalidationChannel).Result()
		return err == nil && n[InvalidationChannel] >= 2
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, a.Publish(ctx, Invalidation{Kind: KindRules, Key: "checkout_terms"}))

	select {
	case inv := <-received:
		assert.Equal(t, KindRules, inv.Kind)
		assert.Equal(t, "checkout_terms", inv.Key)
	case <-ctx.Done():
		t.Fatal("invalidation not delivered across processes")
	}
	require.Len(t, local, 1, "publisher delivers locally once and ignores its echo")
}
