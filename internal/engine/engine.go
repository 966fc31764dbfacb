// internal/engine/engine.go
package engine

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/solatis/tollgate/internal/audit"
	"github.com/solatis/tollgate/internal/ledger"
	"github.com/solatis/tollgate/internal/rules"
	"github.com/solatis/tollgate/internal/schema"
	"github.com/solatis/tollgate/internal/templates"
	"github.com/solatis/tollgate/internal/types"
)

/*
 * Rule engine orchestrator.
 *
 * One Execute call runs the rules of one entry point against one context:
 *
 *   1. resolve the entry point (unknown or inactive: empty success)
 *   2. load active rules, ordered by priority then created_at
 *   3. validate the context once per distinct fields_code; any failure
 *      returns success=false with diagnostics and runs no actions
 *   4. evaluate each condition; an evaluation error counts as false and is
 *      recorded against the rule
 *   5. dispatch the matching rule's actions in order; a stop action ends
 *      the action loop, then stop or stop_processing ends the rule loop
 *   6. reconcile emitted acknowledgment prompts against the session's
 *      ledger records plus any acknowledgments carried in the context
 *   7. write the audit trail (best-effort) and return
 *
 * The result is assembled in memory and returned whole. The engine holds
 * no per-invocation state between calls; concurrent invocations share only
 * the catalog cache, the schema cache and the frozen function registry.
 */

const instrumentation = "github.com/solatis/tollgate/internal/engine"

// Catalog supplies rule definitions. store.Store and store.Cache satisfy it.
type Catalog interface {
	EntryPoint(ctx context.Context, code types.EntryPointCode) (*types.EntryPoint, error)
	ActiveRules(ctx context.Context, code types.EntryPointCode) ([]*types.Rule, error)
	Schema(ctx context.Context, fieldsCode string) (*types.ContextSchema, error)
	Template(ctx context.Context, id types.TemplateID) (*types.MessageTemplate, error)
}

// SessionLedger reads a session's recorded answers. ledger.Ledger satisfies it.
type SessionLedger interface {
	Acknowledgments(ctx context.Context, sessionID string) ([]types.AcknowledgmentRecord, error)
	Preferences(ctx context.Context, sessionID string) ([]types.PreferenceRecord, error)
}

// Engine executes rules.
type Engine struct {
	catalog   Catalog
	funcs     rules.FunctionCaller
	evaluator *rules.Evaluator
	resolver  *templates.Resolver
	validator *schema.Validator
	ledger    SessionLedger
	recorder  audit.Recorder
	now       func() time.Time
	logger    *slog.Logger

	tracer     trace.Tracer
	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

// Option configures an Engine.
type Option func(*Engine)

// WithLedger reconciles acknowledgments against a session ledger.
func WithLedger(l SessionLedger) Option {
	return func(e *Engine) { e.ledger = l }
}

// WithRecorder sets the audit recorder. The default discards.
func WithRecorder(r audit.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithValidator shares a schema validator between engines.
func WithValidator(v *schema.Validator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithClock overrides the time source for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an engine over catalog. funcs is the frozen function registry
// and may be nil when no rule calls functions.
func New(catalog Catalog, funcs rules.FunctionCaller, opts ...Option) *Engine {
	e := &Engine{
		catalog:  catalog,
		funcs:    funcs,
		recorder: audit.Discard{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default().With("component", "engine")
	}
	if e.validator == nil {
		e.validator = schema.NewValidator(e.logger)
	}
	e.evaluator = rules.NewEvaluator(funcs)
	e.resolver = templates.NewResolver(funcs, e.logger)

	e.tracer = otel.Tracer(instrumentation)
	meter := otel.Meter(instrumentation)
	var err error
	if e.executions, err = meter.Int64Counter("tollgate.engine.executions",
		metric.WithDescription("Rule engine invocations")); err != nil {
		e.executions = noop.Int64Counter{}
	}
	if e.duration, err = meter.Float64Histogram("tollgate.engine.duration",
		metric.WithDescription("Rule engine invocation duration"),
		metric.WithUnit("ms")); err != nil {
		e.duration = noop.Float64Histogram{}
	}
	return e
}

// Validator returns the engine's schema validator so callers can drop
// compiled schemas on invalidation.
func (e *Engine) Validator() *schema.Validator {
	return e.validator
}

type executeOptions struct {
	sessionID     string
	executionID   types.ExecutionID
	cartUpdatedAt time.Time
}

// ExecuteOption adjusts one invocation.
type ExecuteOption func(*executeOptions)

// WithSession scopes ledger lookups. Without it the session is read from
// the context's session.id (or session_id, or a bare session string).
func WithSession(id string) ExecuteOption {
	return func(o *executeOptions) { o.sessionID = id }
}

// WithExecutionID reuses an id, making a retried invocation's audit write a
// no-op.
func WithExecutionID(id types.ExecutionID) ExecuteOption {
	return func(o *executeOptions) { o.executionID = id }
}

// WithCartUpdatedAt sets the staleness horizon for acknowledgments.
// Without it cart.updated_at is read from the context.
func WithCartUpdatedAt(t time.Time) ExecuteOption {
	return func(o *executeOptions) { o.cartUpdatedAt = t }
}

// invocation is the mutable state of one Execute call.
type invocation struct {
	code    types.EntryPointCode
	data    any
	result  *Result
	prompts []AckPrompt
	stop    bool
}

// Execute runs the rules for code against evalCtx. Errors are returned only
// for malformed input and catalog failures; everything else is reported in
// the Result.
func (e *Engine) Execute(ctx context.Context, code types.EntryPointCode, evalCtx any, opts ...ExecuteOption) (*Result, error) {
	start := time.Now()
	o := executeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.executionID == "" {
		o.executionID = types.NewExecutionID()
	}

	ctx, span := e.tracer.Start(ctx, "engine.Execute",
		trace.WithAttributes(
			attribute.String("tollgate.entry_point", string(code)),
			attribute.String("tollgate.execution_id", string(o.executionID)),
		))
	defer span.End()

	snapshot, hash, data, err := normalize(evalCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := newResult(o.executionID, code)
	x := &invocation{code: code, data: data, result: res}
	var records []types.RuleExecutionRecord

	finish := func(auditErr string) (*Result, error) {
		res.RulesEvaluated = len(res.RulesExecuted)
		res.DurationMs = float64(time.Since(start).Microseconds()) / 1000

		e.record(ctx, audit.Execution{Header: types.ExecutionRecord{
			ExecutionID:     res.ExecutionID,
			EntryPoint:      code,
			ContextSnapshot: snapshot,
			ContextHash:     hash,
			Success:         res.Success,
			Blocked:         res.Blocked,
			RulesEvaluated:  res.RulesEvaluated,
			Error:           auditErr,
			DurationMs:      res.DurationMs,
			CreatedAt:       e.now(),
		}, Rules: records})

		attrs := metric.WithAttributes(
			attribute.String("entry_point", string(code)),
			attribute.Bool("success", res.Success),
			attribute.Bool("blocked", res.Blocked),
		)
		e.executions.Add(ctx, 1, attrs)
		e.duration.Record(ctx, res.DurationMs, attrs)
		span.SetAttributes(
			attribute.Int("tollgate.rules_evaluated", res.RulesEvaluated),
			attribute.Bool("tollgate.blocked", res.Blocked),
			attribute.Bool("tollgate.success", res.Success),
		)
		return res, nil
	}

	ep, err := e.catalog.EntryPoint(ctx, code)
	if errors.Is(err, types.ErrEntryPointNotFound) || (err == nil && !ep.Active) {
		e.logger.Debug("entry point unknown or inactive", "entry_point", code)
		return finish("")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load entry point %s: %w", code, err)
	}

	loaded, err := e.catalog.ActiveRules(ctx, code)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load rules for %s: %w", code, err)
	}
	ordered := orderRules(loaded)

	if fieldErrs := e.validate(ctx, ordered, data); len(fieldErrs) > 0 {
		res.Success = false
		res.SchemaValidationErrors = fieldErrs
		e.logger.Error("context failed schema validation",
			"entry_point", code, "execution_id", res.ExecutionID, "errors", fieldErrs)
		return finish("schema validation failed")
	}

	for i, rule := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := e.runRule(ctx, x, rule)
		res.RulesExecuted = append(res.RulesExecuted, rec.outcome)
		records = append(records, types.RuleExecutionRecord{
			ExecutionID:     res.ExecutionID,
			Sequence:        i,
			RuleCode:        rule.RuleCode,
			RuleVersion:     rule.Version,
			ConditionResult: rec.outcome.ConditionResult,
			ActionsExecuted: rec.outcome.ActionsExecuted,
			Error:           rec.outcome.Error,
			DurationMs:      rec.durationMs,
		})
		if rec.outcome.ConditionResult && (x.stop || rule.StopProcessing) {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.reconcile(ctx, x, o)
	return finish("")
}

type ruleRun struct {
	outcome    RuleExecution
	durationMs float64
}

func (e *Engine) runRule(ctx context.Context, x *invocation, rule *types.Rule) ruleRun {
	start := time.Now()
	run := ruleRun{outcome: RuleExecution{RuleCode: rule.RuleCode}}

	matched, err := e.test(ctx, rule, x.data)
	if err != nil {
		e.logger.Info("condition evaluation failed",
			"rule_code", rule.RuleCode, "entry_point", x.code, "error", err)
		run.outcome.Error = "condition: " + err.Error()
		run.durationMs = float64(time.Since(start).Microseconds()) / 1000
		return run
	}
	run.outcome.ConditionResult = matched
	if !matched {
		run.durationMs = float64(time.Since(start).Microseconds()) / 1000
		return run
	}

	var errs []string
	for i, action := range rule.Actions {
		if err := e.dispatch(ctx, x, rule, action); err != nil {
			derr := &DispatchError{ActionIndex: i, ActionType: action.Type, Code: dispatchCode(err), Err: err}
			errs = append(errs, derr.Error())
			if ack := action.Acknowledge; action.Type == types.ActionAcknowledge && ack != nil && ack.Blocking {
				e.logger.Error("blocking acknowledgment could not be emitted",
					"rule_code", rule.RuleCode, "action_index", i, "ack_key", ack.AckKey,
					"template_id", ack.TemplateID, "code", derr.Code, "error", err)
				run.outcome.FailedAcknowledgments = append(run.outcome.FailedAcknowledgments, ack.AckKey)
				continue
			}
			e.logger.Warn("action dispatch failed",
				"rule_code", rule.RuleCode, "action_index", i, "action_type", action.Type,
				"code", derr.Code, "error", err)
			continue
		}
		run.outcome.ActionsExecuted++
		if x.stop {
			break
		}
	}
	run.outcome.Error = strings.Join(errs, "; ")
	run.durationMs = float64(time.Since(start).Microseconds()) / 1000
	return run
}

func (e *Engine) test(ctx context.Context, rule *types.Rule, data any) (bool, error) {
	expr, err := rules.Compile(rule.Condition, e.funcs)
	if err != nil {
		return false, err
	}
	return e.evaluator.Test(ctx, expr, data)
}

// validate checks data against each distinct schema the rules reference, in
// rule order, stopping at the first failing schema.
func (e *Engine) validate(ctx context.Context, ordered []*types.Rule, data any) []types.FieldError {
	seen := make(map[string]bool)
	for _, rule := range ordered {
		code := strings.TrimSpace(rule.FieldsCode)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true

		s, err := e.catalog.Schema(ctx, code)
		if err == nil && !s.Active {
			err = fmt.Errorf("%w: %s is inactive", types.ErrSchemaNotFound, code)
		}
		if err != nil {
			return []types.FieldError{{Path: "$", Reason: fmt.Sprintf("schema %s: %v", code, err)}}
		}

		err = e.validator.Validate(s, data)
		var verrs schema.ValidationErrors
		switch {
		case err == nil:
		case errors.As(err, &verrs):
			return verrs
		default:
			return []types.FieldError{{Path: "$", Reason: fmt.Sprintf("schema %s: %v", code, err)}}
		}
	}
	return nil
}

// reconcile splits emitted acknowledgment prompts into satisfied and
// required, and fills current preference values.
func (e *Engine) reconcile(ctx context.Context, x *invocation, o executeOptions) {
	res := x.result
	session := o.sessionID
	if session == "" {
		session = SessionID(x.data)
	}
	cartUpdatedAt := o.cartUpdatedAt
	if cartUpdatedAt.IsZero() {
		cartUpdatedAt = CartUpdatedAt(x.data)
	}

	var stored []types.AcknowledgmentRecord
	var prefs []types.PreferenceRecord
	if e.ledger != nil && session != "" && (len(x.prompts) > 0 || len(res.PreferencePrompts) > 0) {
		var err error
		if len(x.prompts) > 0 {
			if stored, err = e.ledger.Acknowledgments(ctx, session); err != nil {
				e.logger.Error("ledger read failed, treating acknowledgments as missing",
					"session_id", session, "error", err)
				stored = nil
			}
		}
		if len(res.PreferencePrompts) > 0 {
			if prefs, err = e.ledger.Preferences(ctx, session); err != nil {
				e.logger.Warn("preference read failed", "session_id", session, "error", err)
				prefs = nil
			}
		}
	}

	snap := ledger.NewSnapshot(stored)
	if m, ok := x.data.(map[string]any); ok {
		snap.Merge(ledger.FromContext(m["acknowledgments"]))
	}

	seen := make(map[ledger.Identity]bool)
	blocking := make(map[string]bool)
	for _, p := range x.prompts {
		id := ledger.Identity{AckKey: p.AckKey, TemplateID: p.TemplateID}
		if seen[id] {
			continue
		}
		seen[id] = true

		if rec, ok := snap.Lookup(p.AckKey, p.TemplateID); ok && ledger.Satisfies(rec, cartUpdatedAt) {
			sat := SatisfiedAck{AckKey: p.AckKey, TemplateID: p.TemplateID, Blocking: p.Blocking, RuleCode: p.RuleCode}
			if !rec.AcknowledgedAt.IsZero() {
				at := rec.AcknowledgedAt
				sat.AcknowledgedAt = &at
			}
			res.SatisfiedAcknowledgments = append(res.SatisfiedAcknowledgments, sat)
			continue
		}
		res.RequiredAcknowledgments = append(res.RequiredAcknowledgments, p)
		if p.Blocking {
			res.Blocked = true
			if !blocking[p.RuleCode] {
				blocking[p.RuleCode] = true
				res.BlockingRules = append(res.BlockingRules, p.RuleCode)
			}
		}
	}

	if len(prefs) > 0 {
		current := make(map[string]json.RawMessage, len(prefs))
		for _, p := range prefs {
			current[p.PreferenceKey] = p.Value
		}
		for i := range res.PreferencePrompts {
			if v, ok := current[res.PreferencePrompts[i].PreferenceKey]; ok {
				res.PreferencePrompts[i].Current = v
			}
		}
	}
}

func (e *Engine) record(ctx context.Context, exec audit.Execution) {
	// Audit writes must not be abandoned with the caller's request.
	ctx = context.WithoutCancel(ctx)
	if err := e.recorder.Record(ctx, exec); err != nil {
		e.logger.Error("audit write failed",
			"execution_id", exec.Header.ExecutionID, "entry_point", exec.Header.EntryPoint, "error", err)
	}
}

// orderRules sorts by priority, created_at, rule_code without mutating the
// caller's slice.
func orderRules(in []*types.Rule) []*types.Rule {
	out := slices.Clone(in)
	slices.SortStableFunc(out, func(a, b *types.Rule) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.RuleCode, b.RuleCode)
	})
	return out
}

// normalize round-trips the context through JSON so evaluation only sees
// JSON-shaped values, enforces the size limit, and produces the canonical
// snapshot for the audit trail.
func normalize(evalCtx any) (json.RawMessage, string, any, error) {
	if evalCtx == nil {
		evalCtx = map[string]any{}
	}
	snapshot, hash, err := audit.Canonicalize(evalCtx)
	if err != nil {
		return nil, "", nil, fmt.Errorf("context: %w", err)
	}
	if len(snapshot) > types.MaxContextSize {
		return nil, "", nil, fmt.Errorf("%w: %d bytes", types.ErrContextTooLarge, len(snapshot))
	}
	var data any
	if err := json.Unmarshal(snapshot, &data); err != nil {
		return nil, "", nil, fmt.Errorf("context: %w", err)
	}
	if _, ok := data.(map[string]any); !ok {
		return nil, "", nil, fmt.Errorf("%w: context must be an object", types.ErrTypeMismatch)
	}
	return snapshot, hash, data, nil
}

// SessionID extracts the session key from a context.
func SessionID(data any) string {
	v, ok := rules.Get(data, "session")
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case map[string]any:
		for _, k := range []string{"id", "session_id", "key"} {
			if id, ok := s[k].(string); ok && id != "" {
				return id
			}
		}
	}
	return ""
}

// CartUpdatedAt reads cart.updated_at as RFC 3339; zero when absent.
func CartUpdatedAt(data any) time.Time {
	v, ok := rules.Get(data, "cart.updated_at")
	if !ok {
		return time.Time{}
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
