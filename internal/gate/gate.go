// internal/gate/gate.go
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/solatis/tollgate/internal/engine"
	"github.com/solatis/tollgate/internal/ledger"
	"github.com/solatis/tollgate/internal/types"
)

/*
 * Checkout Gate.
 *
 * Before an order is created the gate re-runs every entry point the order
 * traversed against the final order context, gathers the blocking
 * acknowledgments those runs emit and checks each one against the session
 * ledger. Acknowledgments carried in the context do not count here: only a
 * ledger record with acknowledged=true, written no earlier than the cart's
 * last mutation, satisfies the gate.
 *
 * A ledger read failure blocks. A run that fails schema validation also
 * blocks, because its acknowledgments were never emitted, and so does a
 * blocking acknowledgment whose action failed to dispatch (for example its
 * template was deactivated).
 *
 * When the gate passes and the draft names an order, the satisfying
 * records are copied onto the order together with the rule and entry point
 * that required them.
 */

const instrumentation = "github.com/solatis/tollgate/internal/gate"

// DefaultEntryPoints is the minimum set an order traverses.
var DefaultEntryPoints = []types.EntryPointCode{types.CheckoutTerms, types.CheckoutPayment}

// Executor runs one entry point. *engine.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, code types.EntryPointCode, evalCtx any, opts ...engine.ExecuteOption) (*engine.Result, error)
}

// Ledger is the gate's view of the acknowledgment ledger. *ledger.Ledger
// satisfies it.
type Ledger interface {
	Acknowledgments(ctx context.Context, sessionID string) ([]types.AcknowledgmentRecord, error)
	SnapshotOrder(ctx context.Context, orderID string, entries []ledger.OrderEntry) ([]types.OrderAcknowledgment, error)
}

// OrderDraft is the order about to be created.
type OrderDraft struct {
	SessionID string `json:"session_id"`
	// OrderID, when set, receives the acknowledgment snapshot on success.
	OrderID       string                 `json:"order_id,omitempty"`
	Context       map[string]any         `json:"context"`
	CartUpdatedAt time.Time              `json:"cart_updated_at,omitzero"`
	EntryPoints   []types.EntryPointCode `json:"entry_points,omitempty"`
}

// Requirement is one blocking acknowledgment the order needs.
type Requirement struct {
	AckKey     string               `json:"ack_key"`
	TemplateID types.TemplateID     `json:"template_id"`
	RuleCode   string               `json:"rule_code"`
	EntryPoint types.EntryPointCode `json:"entry_point"`
	Title      string               `json:"title,omitempty"`
	Content    string               `json:"content,omitempty"`
}

// Failure is an entry point whose run could not emit its requirements.
type Failure struct {
	EntryPoint  types.EntryPointCode `json:"entry_point"`
	ExecutionID types.ExecutionID    `json:"execution_id"`
	Errors      []types.FieldError   `json:"errors"`
}

// Result is the GateResult.
type Result struct {
	Blocked                bool                        `json:"blocked"`
	MissingAcknowledgments []Requirement               `json:"missing_acknowledgments"`
	Satisfied              []Requirement               `json:"satisfied_acknowledgments"`
	Failures               []Failure                   `json:"failures,omitempty"`
	Executions             []types.ExecutionID         `json:"execution_ids"`
	OrderAcknowledgments   []types.OrderAcknowledgment `json:"order_acknowledgments,omitempty"`
	// LedgerUnavailable is set when the ledger could not be read.
	LedgerUnavailable bool `json:"ledger_unavailable,omitempty"`
}

// Gate checks orders.
type Gate struct {
	exec   Executor
	ledger Ledger
	points []types.EntryPointCode
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Gate.
type Option func(*Gate)

// WithEntryPoints overrides the entry points checked when a draft names none.
func WithEntryPoints(codes ...types.EntryPointCode) Option {
	return func(g *Gate) {
		if len(codes) > 0 {
			g.points = slices.Clone(codes)
		}
	}
}

// WithLogger sets the gate logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// New creates a Gate.
func New(exec Executor, l Ledger, opts ...Option) *Gate {
	g := &Gate{
		exec:   exec,
		ledger: l,
		points: slices.Clone(DefaultEntryPoints),
		tracer: otel.Tracer(instrumentation),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default().With("component", "gate")
	}
	return g
}

// Check runs the gate for draft. An error means the gate could not run at
// all (malformed context, catalog failure, snapshot failure); the caller
// must not create the order in that case either.
func (g *Gate) Check(ctx context.Context, draft OrderDraft) (*Result, error) {
	ctx, span := g.tracer.Start(ctx, "gate.Check")
	defer span.End()

	points := draft.EntryPoints
	if len(points) == 0 {
		points = g.points
	}
	evalCtx := draft.Context
	if evalCtx == nil {
		evalCtx = map[string]any{}
	}
	session := draft.SessionID
	if session == "" {
		session = engine.SessionID(evalCtx)
	}
	cartUpdatedAt := draft.CartUpdatedAt
	if cartUpdatedAt.IsZero() {
		cartUpdatedAt = engine.CartUpdatedAt(evalCtx)
	}
	span.SetAttributes(
		attribute.String("session_id", session),
		attribute.Int("entry_points", len(points)),
	)

	res := &Result{
		MissingAcknowledgments: []Requirement{},
		Satisfied:              []Requirement{},
		Executions:             []types.ExecutionID{},
	}

	var required []Requirement
	seen := make(map[ledger.Identity]bool)
	for _, code := range points {
		run, err := g.exec.Execute(ctx, code, evalCtx,
			engine.WithSession(session), engine.WithCartUpdatedAt(cartUpdatedAt))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("gate %s: %w", code, err)
		}
		res.Executions = append(res.Executions, run.ExecutionID)
		if !run.Success {
			res.Failures = append(res.Failures, Failure{
				EntryPoint:  code,
				ExecutionID: run.ExecutionID,
				Errors:      run.SchemaValidationErrors,
			})
			continue
		}
		if errs := failedAcknowledgments(run); len(errs) > 0 {
			g.logger.Error("blocking acknowledgment could not be emitted; order blocked",
				"entry_point", code, "execution_id", run.ExecutionID, "failed", len(errs))
			res.Failures = append(res.Failures, Failure{
				EntryPoint:  code,
				ExecutionID: run.ExecutionID,
				Errors:      errs,
			})
		}
		for _, req := range blockingRequirements(code, run) {
			id := ledger.Identity{AckKey: req.AckKey, TemplateID: req.TemplateID}
			if seen[id] {
				continue
			}
			seen[id] = true
			required = append(required, req)
		}
	}

	var snap *ledger.Snapshot
	if len(required) > 0 {
		records, err := g.read(ctx, session)
		if err != nil {
			res.LedgerUnavailable = true
		}
		snap = ledger.NewSnapshot(records)
	}

	var entries []ledger.OrderEntry
	for _, req := range required {
		rec, ok := snap.Lookup(req.AckKey, req.TemplateID)
		if ok && ledger.Satisfies(rec, cartUpdatedAt) {
			res.Satisfied = append(res.Satisfied, req)
			entries = append(entries, ledger.OrderEntry{Record: rec, RuleCode: req.RuleCode, EntryPoint: req.EntryPoint})
			continue
		}
		res.MissingAcknowledgments = append(res.MissingAcknowledgments, req)
	}
	res.Blocked = len(res.MissingAcknowledgments) > 0 || len(res.Failures) > 0

	span.SetAttributes(
		attribute.Bool("blocked", res.Blocked),
		attribute.Int("missing", len(res.MissingAcknowledgments)),
	)
	if res.Blocked {
		g.logger.Info("order blocked",
			"session_id", session, "order_id", draft.OrderID,
			"missing", len(res.MissingAcknowledgments), "failures", len(res.Failures))
		return res, nil
	}

	if draft.OrderID != "" {
		stored, err := g.ledger.SnapshotOrder(ctx, draft.OrderID, entries)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("snapshot order %s: %w", draft.OrderID, err)
		}
		res.OrderAcknowledgments = stored
	}
	return res, nil
}

// read loads the session's ledger records. Any failure, including a
// missing session, yields no records so that every requirement is missing.
func (g *Gate) read(ctx context.Context, session string) ([]types.AcknowledgmentRecord, error) {
	if session == "" {
		g.logger.Warn("gate ran without a session; acknowledgments cannot be satisfied")
		return nil, nil
	}
	records, err := g.ledger.Acknowledgments(ctx, session)
	if err != nil {
		g.logger.Error("ledger read failed, treating acknowledgments as missing",
			"session_id", session, "error", err)
		return nil, err
	}
	return records, nil
}

// failedAcknowledgments reports blocking acknowledgments the run could not
// emit.
func failedAcknowledgments(run *engine.Result) []types.FieldError {
	var out []types.FieldError
	for _, r := range run.RulesExecuted {
		for _, key := range r.FailedAcknowledgments {
			out = append(out, types.FieldError{
				Path:   "rules." + r.RuleCode + ".acknowledgments." + key,
				Reason: "blocking acknowledgment could not be emitted",
			})
		}
	}
	return out
}

// blockingRequirements lists the blocking prompts of one run, whether the
// engine reconciled them as satisfied or not. The gate re-checks both
// against the ledger alone.
func blockingRequirements(code types.EntryPointCode, run *engine.Result) []Requirement {
	var out []Requirement
	for _, p := range run.RequiredAcknowledgments {
		if !p.Blocking {
			continue
		}
		out = append(out, Requirement{
			AckKey:     p.AckKey,
			TemplateID: p.TemplateID,
			RuleCode:   p.RuleCode,
			EntryPoint: code,
			Title:      p.Title,
			Content:    p.Content,
		})
	}
	for _, s := range run.SatisfiedAcknowledgments {
		if !s.Blocking {
			continue
		}
		out = append(out, Requirement{
			AckKey:     s.AckKey,
			TemplateID: s.TemplateID,
			RuleCode:   s.RuleCode,
			EntryPoint: code,
		})
	}
	return out
}
