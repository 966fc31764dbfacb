package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/solatis/tollgate/internal/audit"
	"github.com/solatis/tollgate/internal/core/db/dbtest"
	"github.com/solatis/tollgate/internal/engine"
	"github.com/solatis/tollgate/internal/functions"
	"github.com/solatis/tollgate/internal/gate"
	"github.com/solatis/tollgate/internal/ledger"
	"github.com/solatis/tollgate/internal/store"
	"github.com/solatis/tollgate/internal/types"
)

const serviceSeed = `
entry_points:
  - code: checkout_terms
    name: Terms
  - code: checkout_payment
    name: Payment

templates:
  - name: terms
    title: Terms and conditions
    content: I accept the terms and conditions

rules:
  - rule_code: terms
    entry_point: checkout_terms
    actions:
      - type: user_acknowledge
        template: terms
        ackKey: terms_v1
        required: true
        blocking: true
  - rule_code: delivery
    entry_point: checkout_terms
    priority: 20
    actions:
      - type: user_preference
        preferenceKey: delivery_speed
        options: [standard, express]
        default: standard
        content: How fast?
  - rule_code: vat
    entry_point: checkout_payment
    actions:
      - type: calculate_vat
`

type fixture struct {
	svc   *Service
	terms types.TemplateID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	q := dbtest.Open(t)

	s := store.New(q)
	seed, err := store.LoadSeed(strings.NewReader(serviceSeed))
	require.NoError(t, err)
	_, err = s.ApplySeed(ctx, seed)
	require.NoError(t, err)

	l := ledger.New(q)
	sink := audit.NewSQLSink(q, nil)
	eng := engine.New(s, functions.NewDefault(), engine.WithLedger(l), engine.WithRecorder(sink))
	svc, err := NewService(eng, l, gate.New(eng, l), WithAuditReader(sink), WithTimeout(5*time.Second))
	require.NoError(t, err)

	rule, err := s.Rule(ctx, "terms")
	require.NoError(t, err)
	return &fixture{svc: svc, terms: rule.Actions[0].Acknowledge.TemplateID}
}

func ptr[T any](v T) *T { return &v }

func TestNewService_RequiresDependencies(t *testing.T) {
	l := ledger.New(dbtest.Open(t))
	eng := engine.New(nil, nil)
	g := gate.New(eng, l)

	_, err := NewService(nil, l, g)
	assert.Error(t, err)
	_, err = NewService(eng, nil, g)
	assert.Error(t, err)
	_, err = NewService(eng, l, nil)
	assert.Error(t, err)
}

func TestService_Execute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Execute(ctx, &ExecuteRequest{
		EntryPoint: "checkout_payment",
		Context: map[string]any{
			"user": map[string]any{"country": "GB"},
			"cart": map[string]any{"items": []any{map[string]any{"net": "10.00"}}},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Contains(t, res.Updates, "cart.vat")

	// A caller-chosen execution id is recorded and can be read back
	id := string(types.NewExecutionID())
	res, err = f.svc.Execute(ctx, &ExecuteRequest{EntryPoint: "checkout_terms", ExecutionID: id, SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionID(id), res.ExecutionID)
	assert.True(t, res.Blocked)

	exec, err := f.svc.Execution(ctx, &ExecutionRequest{ExecutionID: id})
	require.NoError(t, err)
	assert.Equal(t, types.CheckoutTerms, exec.Header.EntryPoint)
	assert.True(t, exec.Header.Blocked)
	assert.Len(t, exec.Rules, 2)
}

func TestService_ExecuteRejectsMalformed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Execute(ctx, &ExecuteRequest{EntryPoint: " "})
	assert.Equal(t, codes.InvalidArgument, Code(err))

	_, err = f.svc.Execute(ctx, &ExecuteRequest{EntryPoint: "checkout_terms", ExecutionID: "not-a-uuid"})
	assert.Equal(t, codes.InvalidArgument, Code(err))

	big := map[string]any{"blob": strings.Repeat("x", types.MaxContextSize)}
	_, err = f.svc.Execute(ctx, &ExecuteRequest{EntryPoint: "checkout_terms", Context: big})
	assert.Equal(t, codes.InvalidArgument, Code(err))

	_, err = f.svc.Execution(ctx, &ExecutionRequest{ExecutionID: string(types.NewExecutionID())})
	assert.Equal(t, codes.NotFound, Code(err))
}

func TestService_AcknowledgeThenGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft := &gate.OrderDraft{SessionID: "s1", OrderID: "o1", Context: map[string]any{}}

	res, err := f.svc.Gate(ctx, draft)
	require.NoError(t, err)
	assert.True(t, res.Blocked)

	rec, err := f.svc.Acknowledge(ctx, &AcknowledgeRequest{
		SessionID:          "s1",
		AckKey:             "terms_v1",
		TemplateID:         ptr(int64(f.terms)),
		Accepted:           ptr(true),
		EntryPointLocation: "checkout_terms",
		IPAddress:          "203.0.113.7",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, "203.0.113.7", rec.IPAddress)

	res, err = f.svc.Gate(ctx, draft)
	require.NoError(t, err)
	assert.False(t, res.Blocked)

	list, err := f.svc.OrderAcknowledgments(ctx, &OrderRequest{OrderID: "o1"})
	require.NoError(t, err)
	require.Len(t, list.Acknowledgments, 1)
	assert.Equal(t, "terms", list.Acknowledgments[0].RuleCode)

	empty, err := f.svc.OrderAcknowledgments(ctx, &OrderRequest{OrderID: "unknown"})
	require.NoError(t, err)
	assert.NotNil(t, empty.Acknowledgments)
	assert.Empty(t, empty.Acknowledgments)
}

func TestService_AcknowledgeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  AcknowledgeRequest
	}{
		{"missing template_id", AcknowledgeRequest{SessionID: "s1", AckKey: "terms_v1", Accepted: ptr(true)}},
		{"missing ack_key", AcknowledgeRequest{SessionID: "s1", TemplateID: ptr(int64(1)), Accepted: ptr(true)}},
		{"missing accepted", AcknowledgeRequest{SessionID: "s1", AckKey: "terms_v1", TemplateID: ptr(int64(1))}},
		{"missing session", AcknowledgeRequest{AckKey: "terms_v1", TemplateID: ptr(int64(1)), Accepted: ptr(true)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Acknowledge(ctx, &tt.req)
			require.Error(t, err)
			assert.Equal(t, codes.InvalidArgument, Code(err))
		})
	}

	// Zero is an explicit template id for inline prompts
	_, err := f.svc.Acknowledge(ctx, &AcknowledgeRequest{
		SessionID: "s1", AckKey: "newsletter", TemplateID: ptr(int64(0)), Accepted: ptr(false),
	})
	assert.NoError(t, err)
}

func TestService_Preference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Preference(ctx, &PreferenceRequest{
		SessionID: "s1", PreferenceKey: "delivery_speed", Value: json.RawMessage(`"express"`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"express"`, string(rec.Value))

	res, err := f.svc.Execute(ctx, &ExecuteRequest{EntryPoint: "checkout_terms", SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, res.PreferencePrompts, 1)
	assert.JSONEq(t, `"express"`, string(res.PreferencePrompts[0].Current))

	for _, req := range []PreferenceRequest{
		{SessionID: "s1", Value: json.RawMessage(`1`)},
		{SessionID: "s1", PreferenceKey: "k"},
		{SessionID: "s1", PreferenceKey: "k", Value: json.RawMessage(`{`)},
	} {
		_, err := f.svc.Preference(ctx, &req)
		assert.Equal(t, codes.InvalidArgument, Code(err), "%+v", req)
	}
}

func TestService_LedgerWriteFailure(t *testing.T) {
	q, mock := dbtest.Mock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO acknowledgments").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	l := ledger.New(q)
	eng := engine.New(nil, nil)
	svc, err := NewService(eng, l, gate.New(eng, l))
	require.NoError(t, err)

	_, err = svc.Acknowledge(context.Background(), &AcknowledgeRequest{
		SessionID: "s1", AckKey: "terms_v1", TemplateID: ptr(int64(1)), Accepted: ptr(true),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrLedger)
	assert.Equal(t, codes.Unavailable, Code(err))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(err))
}

func TestService_ExecutionWithoutAudit(t *testing.T) {
	l := ledger.New(dbtest.Open(t))
	eng := engine.New(nil, nil)
	svc, err := NewService(eng, l, gate.New(eng, l))
	require.NoError(t, err)
	_, err = svc.Execution(context.Background(), &ExecutionRequest{ExecutionID: string(types.NewExecutionID())})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
		http int
	}{
		{nil, codes.OK, http.StatusOK},
		{fmt.Errorf("%w: x", ErrInvalidRequest), codes.InvalidArgument, http.StatusBadRequest},
		{types.ErrContextTooLarge, codes.InvalidArgument, http.StatusBadRequest},
		{types.ErrMissingSession, codes.InvalidArgument, http.StatusBadRequest},
		{fmt.Errorf("execution x: %w", sql.ErrNoRows), codes.NotFound, http.StatusNotFound},
		{types.ErrEntryPointNotFound, codes.NotFound, http.StatusNotFound},
		{context.DeadlineExceeded, codes.DeadlineExceeded, http.StatusGatewayTimeout},
		{types.ErrLedger, codes.Unavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), codes.Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %v, want %v", tt.err, got, tt.want)
		}
		if got := HTTPStatus(tt.err); got != tt.http {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.http)
		}
	}
	if Status(nil) != nil {
		t.Error("Status(nil) != nil")
	}
}
