package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/solatis/tollgate/internal/rules"
	"github.com/solatis/tollgate/internal/types"
)

type ruleRow struct {
	RuleCode       string         `db:"rule_code"`
	Name           string         `db:"name"`
	EntryPoint     string         `db:"entry_point"`
	FieldsCode     sql.NullString `db:"fields_code"`
	Priority       int            `db:"priority"`
	Active         bool           `db:"active"`
	Version        int            `db:"version"`
	ConditionJSON  string         `db:"condition_json"`
	ActionsJSON    string         `db:"actions_json"`
	StopProcessing bool           `db:"stop_processing"`
	MetadataJSON   string         `db:"metadata_json"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r ruleRow) toRule() (*types.Rule, error) {
	rule := &types.Rule{
		RuleCode:       r.RuleCode,
		Name:           r.Name,
		EntryPoint:     types.EntryPointCode(r.EntryPoint),
		FieldsCode:     r.FieldsCode.String,
		Priority:       r.Priority,
		Active:         r.Active,
		Version:        r.Version,
		Condition:      json.RawMessage(r.ConditionJSON),
		StopProcessing: r.StopProcessing,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.ActionsJSON), &rule.Actions); err != nil {
		return nil, fmt.Errorf("rule %s actions: %w", r.RuleCode, err)
	}
	if r.MetadataJSON != "" && r.MetadataJSON != "{}" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &rule.Metadata); err != nil {
			return nil, fmt.Errorf("rule %s metadata: %w", r.RuleCode, err)
		}
	}
	return rule, nil
}

func toRules(rows []ruleRow) ([]*types.Rule, error) {
	out := make([]*types.Rule, 0, len(rows))
	for _, r := range rows {
		rule, err := r.toRule()
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

// SaveRule validates and upserts r. The stored version increments on every
// save after the first. Referenced entities must already exist.
func (s *Store) SaveRule(ctx context.Context, r *types.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if _, err := rules.Compile(r.Condition, s.funcs); err != nil {
		// Without a function set, unknown operators may still be registry
		// functions; the engine reports them at evaluation time.
		if s.funcs != nil || !errors.Is(err, types.ErrInvalidOperator) {
			return fmt.Errorf("rule %s condition: %w", r.RuleCode, err)
		}
	}

	var previous types.EntryPointCode
	err := s.inTx(ctx, func(tx *Store) error {
		if _, err := tx.EntryPoint(ctx, r.EntryPoint); err != nil {
			return fmt.Errorf("rule %s: %w", r.RuleCode, err)
		}
		if r.FieldsCode != "" {
			if _, err := tx.Schema(ctx, r.FieldsCode); err != nil {
				return fmt.Errorf("rule %s: %w", r.RuleCode, err)
			}
		}
		for i, a := range r.Actions {
			id := a.TemplateRef()
			if id == 0 {
				continue
			}
			if _, err := tx.Template(ctx, id); err != nil {
				return fmt.Errorf("rule %s action %d: %w", r.RuleCode, i, err)
			}
		}

		if existing, err := tx.Rule(ctx, r.RuleCode); err == nil {
			previous = existing.EntryPoint
		} else if !errors.Is(err, types.ErrRuleNotFound) {
			return err
		}

		condition := r.Condition
		if len(condition) == 0 {
			condition = json.RawMessage("true")
		}
		actions := r.Actions
		if actions == nil {
			actions = []types.Action{}
		}
		actionsJSON, err := json.Marshal(actions)
		if err != nil {
			return fmt.Errorf("rule %s actions: %w", r.RuleCode, err)
		}
		metadata := r.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadataJSON, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("rule %s metadata: %w", r.RuleCode, err)
		}

		created := r.CreatedAt
		now := tx.now()
		if created.IsZero() {
			created = now
		}
		fieldsCode := sql.NullString{String: r.FieldsCode, Valid: r.FieldsCode != ""}

		if _, err := tx.q.Exec(ctx, "upsert-rule",
			r.RuleCode, r.Name, string(r.EntryPoint), fieldsCode, r.Priority, r.Active,
			string(condition), string(actionsJSON), r.StopProcessing, string(metadataJSON),
			created.UTC(), now); err != nil {
			return fmt.Errorf("save rule %s: %w", r.RuleCode, err)
		}

		tx.publish(ctx, Invalidation{Kind: KindRules, Key: string(r.EntryPoint)})
		if previous != "" && previous != r.EntryPoint {
			tx.publish(ctx, Invalidation{Kind: KindRules, Key: string(previous)})
		}
		return nil
	})
	return err
}

// Rule returns the rule with code, or ErrRuleNotFound.
func (s *Store) Rule(ctx context.Context, code string) (*types.Rule, error) {
	var row ruleRow
	if err := s.q.Get(ctx, "get-rule", &row, code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", types.ErrRuleNotFound, code)
		}
		return nil, fmt.Errorf("load rule %s: %w", code, err)
	}
	return row.toRule()
}

// ListRules returns every rule grouped by entry point in evaluation order.
func (s *Store) ListRules(ctx context.Context) ([]*types.Rule, error) {
	var rows []ruleRow
	if err := s.q.Select(ctx, "list-rules", &rows); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return toRules(rows)
}

// ActiveRules returns the active rules for an entry point ordered by
// ascending priority, then created_at, then rule_code.
func (s *Store) ActiveRules(ctx context.Context, code types.EntryPointCode) ([]*types.Rule, error) {
	var rows []ruleRow
	if err := s.q.Select(ctx, "list-active-rules-by-entry-point", &rows, string(code)); err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", code, err)
	}
	return toRules(rows)
}

// SetRuleActive activates or deactivates a rule.
func (s *Store) SetRuleActive(ctx context.Context, code string, active bool) error {
	existing, err := s.Rule(ctx, code)
	if err != nil {
		return err
	}
	if _, err := s.q.Exec(ctx, "set-rule-active", active, s.now(), code); err != nil {
		return fmt.Errorf("update rule %s: %w", code, err)
	}
	s.publish(ctx, Invalidation{Kind: KindRules, Key: string(existing.EntryPoint)})
	return nil
}

// DeleteRule removes a rule. Order acknowledgments keep the rule_code they
// copied, so history survives deletion.
func (s *Store) DeleteRule(ctx context.Context, code string) error {
	existing, err := s.Rule(ctx, code)
	if err != nil {
		return err
	}
	if _, err := s.q.Exec(ctx, "delete-rule", code); err != nil {
		return fmt.Errorf("delete rule %s: %w", code, err)
	}
	s.publish(ctx, Invalidation{Kind: KindRules, Key: string(existing.EntryPoint)})
	return nil
}
