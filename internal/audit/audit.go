// internal/audit/audit.go
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/solatis/tollgate/internal/core/db"
	"github.com/solatis/tollgate/internal/types"
)

/*
 * Append-only execution trail.
 *
 * Every invocation produces one executions row and one rule_executions row
 * per evaluated rule. The context is stored in RFC 8785 canonical form next
 * to its SHA-256, so two invocations with the same input hash identically
 * regardless of key order in the request.
 *
 * Writes are idempotent on execution_id. A retried write for an id that
 * already exists is a no-op, including its rule rows.
 *
 * Recording is best-effort from the engine's point of view: the engine
 * logs a failed write and returns its result anyway.
 */

// Execution is everything recorded for one invocation.
type Execution struct {
	Header types.ExecutionRecord       `json:"execution"`
	Rules  []types.RuleExecutionRecord `json:"rules"`

	// Context is the invocation context. When Header.ContextSnapshot is
	// empty it is canonicalized on write.
	Context any `json:"context,omitempty"`
}

// Recorder persists executions.
type Recorder interface {
	Record(ctx context.Context, exec Execution) error
}

// Discard drops every execution.
type Discard struct{}

// Record implements Recorder.
func (Discard) Record(context.Context, Execution) error { return nil }

// Canonicalize returns the JCS form of v and the hex SHA-256 of that form.
func Canonicalize(v any) (json.RawMessage, string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("marshal context: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize context: %w", err)
	}
	sum := sha256.Sum256(canon)
	return canon, hex.EncodeToString(sum[:]), nil
}

// SQLSink writes executions through the executions and rule_executions tables.
type SQLSink struct {
	q      *db.Queries
	logger *slog.Logger
}

// NewSQLSink creates a sink over q.
func NewSQLSink(q *db.Queries, logger *slog.Logger) *SQLSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLSink{q: q, logger: logger.With("component", "audit")}
}

// Record writes exec in one transaction.
func (s *SQLSink) Record(ctx context.Context, exec Execution) error {
	h := exec.Header
	if h.ExecutionID == "" {
		return fmt.Errorf("execution_id required")
	}
	if len(h.ContextSnapshot) == 0 {
		snap, hash, err := Canonicalize(exec.Context)
		if err != nil {
			return err
		}
		h.ContextSnapshot, h.ContextHash = snap, hash
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}

	inserted := false
	err := s.q.InTx(ctx, func(tx *db.Queries) error {
		res, err := tx.Exec(ctx, "insert-execution",
			string(h.ExecutionID), string(h.EntryPoint), string(h.ContextSnapshot), h.ContextHash,
			h.Success, h.Blocked, h.RulesEvaluated, h.Error, h.DurationMs, h.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		if n == 0 {
			return nil
		}
		inserted = true

		for _, r := range exec.Rules {
			created := r.CreatedAt
			if created.IsZero() {
				created = h.CreatedAt
			}
			if _, err := tx.Exec(ctx, "insert-rule-execution",
				string(h.ExecutionID), r.Sequence, r.RuleCode, r.RuleVersion, r.ConditionResult,
				r.ActionsExecuted, r.Error, r.DurationMs, created); err != nil {
				return fmt.Errorf("insert rule execution %d: %w", r.Sequence, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !inserted {
		s.logger.Debug("execution already recorded", "execution_id", h.ExecutionID)
		return nil
	}
	s.logger.Debug("execution recorded",
		"execution_id", h.ExecutionID, "entry_point", h.EntryPoint, "rules", len(exec.Rules))
	return nil
}

type executionRow struct {
	ExecutionID     string    `db:"execution_id"`
	EntryPoint      string    `db:"entry_point"`
	ContextSnapshot string    `db:"context_snapshot"`
	ContextHash     string    `db:"context_hash"`
	Success         bool      `db:"success"`
	Blocked         bool      `db:"blocked"`
	RulesEvaluated  int       `db:"rules_evaluated"`
	Error           string    `db:"error"`
	DurationMs      float64   `db:"duration_ms"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r executionRow) toRecord() types.ExecutionRecord {
	return types.ExecutionRecord{
		ExecutionID:     types.ExecutionID(r.ExecutionID),
		EntryPoint:      types.EntryPointCode(r.EntryPoint),
		ContextSnapshot: json.RawMessage(r.ContextSnapshot),
		ContextHash:     r.ContextHash,
		Success:         r.Success,
		Blocked:         r.Blocked,
		RulesEvaluated:  r.RulesEvaluated,
		Error:           r.Error,
		DurationMs:      r.DurationMs,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

// Execution loads one recorded execution with its rule rows.
func (s *SQLSink) Execution(ctx context.Context, id types.ExecutionID) (*Execution, error) {
	var row executionRow
	if err := s.q.Get(ctx, "get-execution", &row, string(id)); err != nil {
		return nil, fmt.Errorf("execution %s: %w", id, err)
	}
	var rules []types.RuleExecutionRecord
	if err := s.q.Select(ctx, "list-rule-executions", &rules, string(id)); err != nil {
		return nil, fmt.Errorf("execution %s rules: %w", id, err)
	}
	for i := range rules {
		rules[i].CreatedAt = rules[i].CreatedAt.UTC()
	}
	return &Execution{Header: row.toRecord(), Rules: rules}, nil
}

// Recent lists the latest executions for an entry point, newest first.
func (s *SQLSink) Recent(ctx context.Context, entryPoint types.EntryPointCode, limit int) ([]types.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []executionRow
	if err := s.q.Select(ctx, "list-recent-executions", &rows, string(entryPoint), limit); err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	out := make([]types.ExecutionRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toRecord()
	}
	return out, nil
}
