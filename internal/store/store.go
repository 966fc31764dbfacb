// internal/store/store.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/solatis/tollgate/internal/core/db"
	"github.com/solatis/tollgate/internal/rules"
	"github.com/solatis/tollgate/internal/types"
)

/*
 * SQL repository for administratively owned entities.
 *
 * Entry points, context schemas, message templates and rules are read and
 * written through the named queries in internal/core/db/queries. Every
 * mutation publishes an Invalidation on the Bus after it succeeds so caches
 * in this and other processes drop the affected entries.
 *
 * SaveRule enforces the cross-entity invariants the database cannot express
 * on its own: the entry point exists, the schema exists when fields_code is
 * set, and every template the actions reference resolves.
 *
 * Active rules are ordered by priority, then created_at, then rule_code.
 */

// Store reads and writes rules and their referenced entities.
type Store struct {
	q      *db.Queries
	bus    Bus
	funcs  rules.FunctionSet
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithBus publishes invalidations on bus. Without it mutations only
// affect the database.
func WithBus(bus Bus) Option {
	return func(s *Store) { s.bus = bus }
}

// WithFunctions validates rule conditions against funcs on save, so
// unknown operator names are rejected instead of surfacing at evaluation.
func WithFunctions(funcs rules.FunctionSet) Option {
	return func(s *Store) { s.funcs = funcs }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a Store over q.
func New(q *db.Queries, opts ...Option) *Store {
	s := &Store{
		q:   q,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "store")
	}
	return s
}

// inTx runs fn with a Store bound to one transaction. Invalidations raised
// inside fn are collected and published after commit.
func (s *Store) inTx(ctx context.Context, fn func(tx *Store) error) error {
	collected := &collectBus{}
	err := s.q.InTx(ctx, func(q *db.Queries) error {
		return fn(&Store{q: q, bus: collected, funcs: s.funcs, now: s.now, logger: s.logger})
	})
	if err != nil {
		return err
	}
	for _, inv := range collected.pending {
		s.publish(ctx, inv)
	}
	return nil
}

func (s *Store) publish(ctx context.Context, inv Invalidation) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, inv); err != nil {
		s.logger.Warn("invalidation publish failed", "kind", inv.Kind, "key", inv.Key, "error", err)
	}
}

type entryPointRow struct {
	Code        string    `db:"code"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	Active      bool      `db:"active"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r entryPointRow) toEntryPoint() *types.EntryPoint {
	return &types.EntryPoint{
		Code:        types.EntryPointCode(r.Code),
		Name:        r.Name,
		Description: r.Description,
		Active:      r.Active,
		CreatedAt:   r.CreatedAt,
	}
}

// SaveEntryPoint creates or updates an entry point.
func (s *Store) SaveEntryPoint(ctx context.Context, ep *types.EntryPoint) error {
	if ep.Code == "" {
		return fmt.Errorf("entry point code required")
	}
	if _, err := s.q.Exec(ctx, "upsert-entry-point",
		string(ep.Code), ep.Name, ep.Description, ep.Active, s.now()); err != nil {
		return fmt.Errorf("save entry point %s: %w", ep.Code, err)
	}
	s.publish(ctx, Invalidation{Kind: KindEntryPoint, Key: string(ep.Code)})
	return nil
}

// EntryPoint returns the entry point with code, or ErrEntryPointNotFound.
func (s *Store) EntryPoint(ctx context.Context, code types.EntryPointCode) (*types.EntryPoint, error) {
	var row entryPointRow
	if err := s.q.Get(ctx, "get-entry-point", &row, string(code)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", types.ErrEntryPointNotFound, code)
		}
		return nil, fmt.Errorf("load entry point %s: %w", code, err)
	}
	return row.toEntryPoint(), nil
}

// ListEntryPoints returns every entry point ordered by code.
func (s *Store) ListEntryPoints(ctx context.Context) ([]*types.EntryPoint, error) {
	var rows []entryPointRow
	if err := s.q.Select(ctx, "list-entry-points", &rows); err != nil {
		return nil, fmt.Errorf("list entry points: %w", err)
	}
	out := make([]*types.EntryPoint, len(rows))
	for i, r := range rows {
		out[i] = r.toEntryPoint()
	}
	return out, nil
}

type schemaRow struct {
	FieldsCode string    `db:"fields_code"`
	SchemaJSON string    `db:"schema_json"`
	Version    int       `db:"version"`
	Active     bool      `db:"active"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r schemaRow) toSchema() *types.ContextSchema {
	return &types.ContextSchema{
		FieldsCode: r.FieldsCode,
		Schema:     json.RawMessage(r.SchemaJSON),
		Version:    r.Version,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt,
	}
}

// SaveSchema creates a context schema or replaces its document, bumping the
// version so compiled copies are recompiled.
func (s *Store) SaveSchema(ctx context.Context, cs *types.ContextSchema) error {
	if cs.FieldsCode == "" {
		return fmt.Errorf("fields_code required")
	}
	if !json.Valid(cs.Schema) {
		return fmt.Errorf("schema %s: document is not valid JSON", cs.FieldsCode)
	}
	if _, err := s.q.Exec(ctx, "upsert-context-schema",
		cs.FieldsCode, string(cs.Schema), cs.Active, s.now()); err != nil {
		return fmt.Errorf("save schema %s: %w", cs.FieldsCode, err)
	}
	s.publish(ctx, Invalidation{Kind: KindSchema, Key: cs.FieldsCode})
	return nil
}

// Schema returns the schema for fieldsCode, or ErrSchemaNotFound.
// Inactive schemas are returned; callers decide how to treat them.
func (s *Store) Schema(ctx context.Context, fieldsCode string) (*types.ContextSchema, error) {
	var row schemaRow
	if err := s.q.Get(ctx, "get-context-schema", &row, fieldsCode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", types.ErrSchemaNotFound, fieldsCode)
		}
		return nil, fmt.Errorf("load schema %s: %w", fieldsCode, err)
	}
	return row.toSchema(), nil
}

// ListSchemas returns every context schema ordered by fields_code.
func (s *Store) ListSchemas(ctx context.Context) ([]*types.ContextSchema, error) {
	var rows []schemaRow
	if err := s.q.Select(ctx, "list-context-schemas", &rows); err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	out := make([]*types.ContextSchema, len(rows))
	for i, r := range rows {
		out[i] = r.toSchema()
	}
	return out, nil
}

type templateRow struct {
	ID            int64          `db:"id"`
	Name          string         `db:"name"`
	Title         string         `db:"title"`
	ContentFormat string         `db:"content_format"`
	Content       string         `db:"content"`
	JSONContent   sql.NullString `db:"json_content"`
	MessageType   string         `db:"message_type"`
	Variables     string         `db:"variables"`
	Active        bool           `db:"active"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (r templateRow) toTemplate() (*types.MessageTemplate, error) {
	t := &types.MessageTemplate{
		ID:            types.TemplateID(r.ID),
		Name:          r.Name,
		Title:         r.Title,
		ContentFormat: types.ContentFormat(r.ContentFormat),
		Content:       r.Content,
		MessageType:   r.MessageType,
		Active:        r.Active,
		CreatedAt:     r.CreatedAt,
	}
	if r.JSONContent.Valid && r.JSONContent.String != "" {
		t.JSONContent = json.RawMessage(r.JSONContent.String)
	}
	if r.Variables != "" {
		if err := json.Unmarshal([]byte(r.Variables), &t.Variables); err != nil {
			return nil, fmt.Errorf("template %d variables: %w", r.ID, err)
		}
	}
	return t, nil
}

// SaveTemplate creates or updates a template keyed by name and returns its id.
func (s *Store) SaveTemplate(ctx context.Context, t *types.MessageTemplate) (types.TemplateID, error) {
	if t.Name == "" {
		return 0, fmt.Errorf("template name required")
	}
	format := t.ContentFormat
	if format == "" {
		format = types.ContentPlain
	}
	if format != types.ContentPlain && format != types.ContentJSON {
		return 0, fmt.Errorf("template %s: content_format %q not one of plain, json", t.Name, format)
	}
	var jsonContent sql.NullString
	if len(t.JSONContent) > 0 {
		if !json.Valid(t.JSONContent) {
			return 0, fmt.Errorf("template %s: json_content is not valid JSON", t.Name)
		}
		jsonContent = sql.NullString{String: string(t.JSONContent), Valid: true}
	}
	vars := t.Variables
	if vars == nil {
		vars = []string{}
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return 0, err
	}
	messageType := t.MessageType
	if messageType == "" {
		messageType = types.MessageInfo
	}

	var id int64
	if err := s.q.Get(ctx, "upsert-message-template", &id,
		t.Name, t.Title, string(format), t.Content, jsonContent, messageType,
		string(varsJSON), t.Active, s.now()); err != nil {
		return 0, fmt.Errorf("save template %s: %w", t.Name, err)
	}
	s.publish(ctx, Invalidation{Kind: KindTemplate, Key: fmt.Sprint(id)})
	return types.TemplateID(id), nil
}

// Template returns the template with id, or ErrTemplateNotFound.
func (s *Store) Template(ctx context.Context, id types.TemplateID) (*types.MessageTemplate, error) {
	var row templateRow
	if err := s.q.Get(ctx, "get-message-template", &row, int64(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", types.ErrTemplateNotFound, id)
		}
		return nil, fmt.Errorf("load template %d: %w", id, err)
	}
	return row.toTemplate()
}

// ListTemplates returns every template ordered by id.
func (s *Store) ListTemplates(ctx context.Context) ([]*types.MessageTemplate, error) {
	var rows []templateRow
	if err := s.q.Select(ctx, "list-message-templates", &rows); err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	out := make([]*types.MessageTemplate, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTemplate()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
