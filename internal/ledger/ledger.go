// internal/ledger/ledger.go
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/solatis/tollgate/internal/core/db"
	"github.com/solatis/tollgate/internal/types"
)

/*
 * Session-scoped acknowledgment and preference ledger.
 *
 * Writes are upserts on the record's identity: (session, ack_key,
 * template_id) for acknowledgments and (session, preference_key) for
 * preferences. Each upsert bumps the row's version, so concurrent clicks in
 * one session settle on the last write without locking.
 *
 * Reads return a whole session in one statement, giving the engine and the
 * gate a consistent snapshot.
 *
 * When an order is created the gate projects the satisfied records into
 * order_acknowledgments. Those rows are insert-only: a second snapshot of
 * the same order leaves the first one untouched.
 *
 * Storage failures are wrapped with types.ErrLedger.
 */

// Ledger persists acknowledgments and preferences.
type Ledger struct {
	q      *db.Queries
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the ledger's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a Ledger over q.
func New(q *db.Queries, opts ...Option) *Ledger {
	l := &Ledger{
		q:   q,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default().With("component", "ledger")
	}
	return l
}

func ledgerErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", types.ErrLedger, op, err)
}

// Acknowledgment is one acknowledge() call.
type Acknowledgment struct {
	SessionID          string
	AckKey             string
	TemplateID         types.TemplateID
	Accepted           bool
	EntryPointLocation string
	Actor              types.ActorMetadata
}

// Validate checks the canonical identity is complete.
func (a Acknowledgment) Validate() error {
	if strings.TrimSpace(a.SessionID) == "" {
		return types.ErrMissingSession
	}
	if strings.TrimSpace(a.AckKey) == "" || a.TemplateID < 0 {
		return types.ErrMissingAckIdentity
	}
	return nil
}

type ackRow struct {
	SessionID          string    `db:"session_id"`
	AckKey             string    `db:"ack_key"`
	TemplateID         int64     `db:"template_id"`
	EntryPointLocation string    `db:"entry_point_location"`
	Acknowledged       bool      `db:"acknowledged"`
	AcknowledgedAt     time.Time `db:"acknowledged_at"`
	IPAddress          string    `db:"ip_address"`
	UserAgent          string    `db:"user_agent"`
	Version            int       `db:"version"`
}

func (r ackRow) toRecord() types.AcknowledgmentRecord {
	return types.AcknowledgmentRecord{
		SessionID:          r.SessionID,
		AckKey:             r.AckKey,
		TemplateID:         types.TemplateID(r.TemplateID),
		EntryPointLocation: r.EntryPointLocation,
		Acknowledged:       r.Acknowledged,
		AcknowledgedAt:     r.AcknowledgedAt.UTC(),
		IPAddress:          r.IPAddress,
		UserAgent:          r.UserAgent,
		Version:            r.Version,
	}
}

// Acknowledge records a user's answer and returns the stored record as the
// receipt. A later answer for the same identity replaces the earlier one.
func (l *Ledger) Acknowledge(ctx context.Context, a Acknowledgment) (*types.AcknowledgmentRecord, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	var row ackRow
	err := l.q.InTx(ctx, func(tx *db.Queries) error {
		if _, err := tx.Exec(ctx, "upsert-acknowledgment",
			a.SessionID, a.AckKey, int64(a.TemplateID), a.EntryPointLocation, a.Accepted,
			l.now(), a.Actor.IPAddress, a.Actor.UserAgent); err != nil {
			return err
		}
		return tx.Get(ctx, "get-acknowledgment", &row, a.SessionID, a.AckKey, int64(a.TemplateID))
	})
	if err != nil {
		return nil, ledgerErr("acknowledge", err)
	}

	rec := row.toRecord()
	l.logger.Debug("acknowledgment recorded",
		"session_id", rec.SessionID, "ack_key", rec.AckKey, "template_id", int64(rec.TemplateID),
		"acknowledged", rec.Acknowledged, "version", rec.Version)
	return &rec, nil
}

// Acknowledgments returns every acknowledgment recorded for a session.
func (l *Ledger) Acknowledgments(ctx context.Context, sessionID string) ([]types.AcknowledgmentRecord, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, types.ErrMissingSession
	}
	var rows []ackRow
	if err := l.q.Select(ctx, "list-acknowledgments-by-session", &rows, sessionID); err != nil {
		return nil, ledgerErr("read acknowledgments", err)
	}
	out := make([]types.AcknowledgmentRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toRecord()
	}
	return out, nil
}

// Preference is one preference() call.
type Preference struct {
	SessionID          string
	PreferenceKey      string
	Value              any
	EntryPointLocation string
	Actor              types.ActorMetadata
}

type prefRow struct {
	SessionID          string    `db:"session_id"`
	PreferenceKey      string    `db:"preference_key"`
	ValueJSON          string    `db:"value_json"`
	EntryPointLocation string    `db:"entry_point_location"`
	SubmittedAt        time.Time `db:"submitted_at"`
	IPAddress          string    `db:"ip_address"`
	UserAgent          string    `db:"user_agent"`
	Version            int       `db:"version"`
}

func (r prefRow) toRecord() types.PreferenceRecord {
	return types.PreferenceRecord{
		SessionID:          r.SessionID,
		PreferenceKey:      r.PreferenceKey,
		Value:              json.RawMessage(r.ValueJSON),
		EntryPointLocation: r.EntryPointLocation,
		SubmittedAt:        r.SubmittedAt.UTC(),
		IPAddress:          r.IPAddress,
		UserAgent:          r.UserAgent,
		Version:            r.Version,
	}
}

// SetPreference records a user's choice for a preference prompt.
func (l *Ledger) SetPreference(ctx context.Context, p Preference) (*types.PreferenceRecord, error) {
	if strings.TrimSpace(p.SessionID) == "" {
		return nil, types.ErrMissingSession
	}
	if strings.TrimSpace(p.PreferenceKey) == "" {
		return nil, fmt.Errorf("preference_key required")
	}
	value, err := json.Marshal(p.Value)
	if err != nil {
		return nil, fmt.Errorf("preference %s value: %w", p.PreferenceKey, err)
	}

	if _, err := l.q.Exec(ctx, "upsert-preference",
		p.SessionID, p.PreferenceKey, string(value), p.EntryPointLocation,
		l.now(), p.Actor.IPAddress, p.Actor.UserAgent); err != nil {
		return nil, ledgerErr("set preference", err)
	}

	prefs, err := l.Preferences(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	for i := range prefs {
		if prefs[i].PreferenceKey == p.PreferenceKey {
			return &prefs[i], nil
		}
	}
	return nil, ledgerErr("set preference", fmt.Errorf("record %s vanished after write", p.PreferenceKey))
}

// Preferences returns every preference recorded for a session.
func (l *Ledger) Preferences(ctx context.Context, sessionID string) ([]types.PreferenceRecord, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, types.ErrMissingSession
	}
	var rows []prefRow
	if err := l.q.Select(ctx, "list-preferences-by-session", &rows, sessionID); err != nil {
		return nil, ledgerErr("read preferences", err)
	}
	out := make([]types.PreferenceRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toRecord()
	}
	return out, nil
}

// OrderEntry is one satisfied acknowledgment to copy onto an order, with
// the rule and entry point that required it.
type OrderEntry struct {
	Record     types.AcknowledgmentRecord
	RuleCode   string
	EntryPoint types.EntryPointCode
}

type orderRow struct {
	OrderID        string    `db:"order_id"`
	SessionID      string    `db:"session_id"`
	AckKey         string    `db:"ack_key"`
	TemplateID     int64     `db:"template_id"`
	RuleCode       string    `db:"rule_code"`
	EntryPoint     string    `db:"entry_point"`
	Acknowledged   bool      `db:"acknowledged"`
	AcknowledgedAt time.Time `db:"acknowledged_at"`
	IPAddress      string    `db:"ip_address"`
	UserAgent      string    `db:"user_agent"`
	CreatedAt      time.Time `db:"created_at"`
}

// SnapshotOrder copies entries into the order's immutable acknowledgment
// list and returns the list as stored.
func (l *Ledger) SnapshotOrder(ctx context.Context, orderID string, entries []OrderEntry) ([]types.OrderAcknowledgment, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("order_id required")
	}
	now := l.now()
	err := l.q.InTx(ctx, func(tx *db.Queries) error {
		for _, e := range entries {
			r := e.Record
			if _, err := tx.Exec(ctx, "insert-order-acknowledgment",
				orderID, r.SessionID, r.AckKey, int64(r.TemplateID), e.RuleCode, string(e.EntryPoint),
				r.Acknowledged, r.AcknowledgedAt, r.IPAddress, r.UserAgent, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, ledgerErr("snapshot order", err)
	}
	return l.OrderAcknowledgments(ctx, orderID)
}

// OrderAcknowledgments returns the acknowledgments recorded on an order.
func (l *Ledger) OrderAcknowledgments(ctx context.Context, orderID string) ([]types.OrderAcknowledgment, error) {
	var rows []orderRow
	if err := l.q.Select(ctx, "list-order-acknowledgments", &rows, orderID); err != nil {
		return nil, ledgerErr("read order acknowledgments", err)
	}
	out := make([]types.OrderAcknowledgment, len(rows))
	for i, r := range rows {
		out[i] = types.OrderAcknowledgment{
			OrderID:        r.OrderID,
			SessionID:      r.SessionID,
			AckKey:         r.AckKey,
			TemplateID:     types.TemplateID(r.TemplateID),
			RuleCode:       r.RuleCode,
			EntryPoint:     types.EntryPointCode(r.EntryPoint),
			Acknowledged:   r.Acknowledged,
			AcknowledgedAt: r.AcknowledgedAt.UTC(),
			IPAddress:      r.IPAddress,
			UserAgent:      r.UserAgent,
			CreatedAt:      r.CreatedAt.UTC(),
		}
	}
	return out, nil
}
