// Package api provides the transport-neutral tollgate service. The gRPC and
// HTTP servers decode requests, call Service and encode its results.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/solatis/tollgate/internal/audit"
	"github.com/solatis/tollgate/internal/engine"
	"github.com/solatis/tollgate/internal/gate"
	"github.com/solatis/tollgate/internal/ledger"
	"github.com/solatis/tollgate/internal/types"
)

// Executor runs rules. *engine.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, code types.EntryPointCode, evalCtx any, opts ...engine.ExecuteOption) (*engine.Result, error)
}

// Ledger records user answers. *ledger.Ledger satisfies it.
type Ledger interface {
	Acknowledge(ctx context.Context, a ledger.Acknowledgment) (*types.AcknowledgmentRecord, error)
	SetPreference(ctx context.Context, p ledger.Preference) (*types.PreferenceRecord, error)
	OrderAcknowledgments(ctx context.Context, orderID string) ([]types.OrderAcknowledgment, error)
}

// Checker runs the checkout gate. *gate.Gate satisfies it.
type Checker interface {
	Check(ctx context.Context, draft gate.OrderDraft) (*gate.Result, error)
}

// AuditReader loads recorded executions. *audit.SQLSink satisfies it.
type AuditReader interface {
	Execution(ctx context.Context, id types.ExecutionID) (*audit.Execution, error)
}

// Service implements execute, acknowledge, preference and gate.
// Thin orchestration layer delegating to engine, ledger and gate.
type Service struct {
	engine  Executor
	ledger  Ledger
	gate    Checker
	audit   AuditReader
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithAuditReader enables execution lookups.
func WithAuditReader(r AuditReader) Option {
	return func(s *Service) { s.audit = r }
}

// WithTimeout bounds each call. Zero leaves the caller's deadline alone.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates service instance with dependencies.
func NewService(eng Executor, l Ledger, g Checker, opts ...Option) (*Service, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if l == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if g == nil {
		return nil, fmt.Errorf("gate cannot be nil")
	}
	s := &Service{engine: eng, ledger: l, gate: g}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "api")
	}
	return s, nil
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
