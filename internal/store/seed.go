// internal/store/seed.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/solatis/tollgate/internal/types"
)

/*
 * YAML seed files.
 *
 * A seed upserts entry points, schemas, templates and rules in that order
 * inside one transaction. Schema documents, json_content trees, conditions
 * and actions are written as YAML and stored as JSON.
 *
 * Templates get their ids from the database, so seed actions may name a
 * template with "template: <name>" instead of a templateId; the loader
 * rewrites it to the assigned id. A single KindAll invalidation is published
 * after commit.
 */

// Seed is the decoded content of a seed file.
type Seed struct {
	EntryPoints []SeedEntryPoint `yaml:"entry_points"`
	Schemas     []SeedSchema     `yaml:"schemas"`
	Templates   []SeedTemplate   `yaml:"templates"`
	Rules       []SeedRule       `yaml:"rules"`
}

// SeedEntryPoint is an entry point in a seed file. Active defaults to true.
type SeedEntryPoint struct {
	Code        string `yaml:"code"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Active      *bool  `yaml:"active"`
}

// SeedSchema is a context schema in a seed file.
type SeedSchema struct {
	FieldsCode string `yaml:"fields_code"`
	Schema     any    `yaml:"schema"`
	Active     *bool  `yaml:"active"`
}

// SeedTemplate is a message template in a seed file.
type SeedTemplate struct {
	Name          string   `yaml:"name"`
	Title         string   `yaml:"title"`
	ContentFormat string   `yaml:"content_format"`
	Content       string   `yaml:"content"`
	JSONContent   any      `yaml:"json_content"`
	MessageType   string   `yaml:"message_type"`
	Variables     []string `yaml:"variables"`
	Active        *bool    `yaml:"active"`
}

// SeedRule is a rule in a seed file. A missing condition means "always".
type SeedRule struct {
	RuleCode       string           `yaml:"rule_code"`
	Name           string           `yaml:"name"`
	EntryPoint     string           `yaml:"entry_point"`
	FieldsCode     string           `yaml:"fields_code"`
	Priority       *int             `yaml:"priority"`
	Active         *bool            `yaml:"active"`
	Condition      any              `yaml:"condition"`
	Actions        []map[string]any `yaml:"actions"`
	StopProcessing bool             `yaml:"stop_processing"`
	Metadata       map[string]any   `yaml:"metadata"`
}

// SeedReport counts what a seed wrote.
type SeedReport struct {
	EntryPoints int `json:"entry_points"`
	Schemas     int `json:"schemas"`
	Templates   int `json:"templates"`
	Rules       int `json:"rules"`
}

// defaultPriority matches the rules.priority column default.
const defaultPriority = 100

// LoadSeed decodes a seed file. Unknown keys are rejected.
func LoadSeed(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		if err == io.EOF {
			return &seed, nil
		}
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &seed, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func toJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// ApplySeed upserts everything in seed.
func (s *Store) ApplySeed(ctx context.Context, seed *Seed) (SeedReport, error) {
	var report SeedReport

	err := s.inTx(ctx, func(tx *Store) error {
		tx.bus = nil

		for _, ep := range seed.EntryPoints {
			if err := tx.SaveEntryPoint(ctx, &types.EntryPoint{
				Code:        types.EntryPointCode(ep.Code),
				Name:        ep.Name,
				Description: ep.Description,
				Active:      boolOr(ep.Active, true),
			}); err != nil {
				return err
			}
			report.EntryPoints++
		}

		for _, sc := range seed.Schemas {
			doc, err := toJSON(sc.Schema)
			if err != nil {
				return fmt.Errorf("schema %s: %w", sc.FieldsCode, err)
			}
			if doc == nil {
				return fmt.Errorf("schema %s: document required", sc.FieldsCode)
			}
			if err := tx.SaveSchema(ctx, &types.ContextSchema{
				FieldsCode: sc.FieldsCode,
				Schema:     doc,
				Active:     boolOr(sc.Active, true),
			}); err != nil {
				return err
			}
			report.Schemas++
		}

		templateIDs := make(map[string]types.TemplateID, len(seed.Templates))
		for _, t := range seed.Templates {
			content, err := toJSON(t.JSONContent)
			if err != nil {
				return fmt.Errorf("template %s: %w", t.Name, err)
			}
			id, err := tx.SaveTemplate(ctx, &types.MessageTemplate{
				Name:          t.Name,
				Title:         t.Title,
				ContentFormat: types.ContentFormat(t.ContentFormat),
				Content:       t.Content,
				JSONContent:   content,
				MessageType:   t.MessageType,
				Variables:     t.Variables,
				Active:        boolOr(t.Active, true),
			})
			if err != nil {
				return err
			}
			templateIDs[t.Name] = id
			report.Templates++
		}

		for _, sr := range seed.Rules {
			rule, err := sr.toRule(templateIDs)
			if err != nil {
				return err
			}
			if err := tx.SaveRule(ctx, rule); err != nil {
				return err
			}
			report.Rules++
		}
		return nil
	})
	if err != nil {
		return SeedReport{}, err
	}

	s.publish(ctx, Invalidation{Kind: KindAll})
	s.logger.Info("seed applied",
		"entry_points", report.EntryPoints, "schemas", report.Schemas,
		"templates", report.Templates, "rules", report.Rules)
	return report, nil
}

func (sr SeedRule) toRule(templateIDs map[string]types.TemplateID) (*types.Rule, error) {
	condition, err := toJSON(sr.Condition)
	if err != nil {
		return nil, fmt.Errorf("rule %s condition: %w", sr.RuleCode, err)
	}

	actions := make([]types.Action, 0, len(sr.Actions))
	for i, raw := range sr.Actions {
		if name, ok := raw["template"].(string); ok {
			id, found := templateIDs[name]
			if !found {
				return nil, fmt.Errorf("rule %s action %d: %w: %s", sr.RuleCode, i, types.ErrTemplateNotFound, name)
			}
			delete(raw, "template")
			raw["templateId"] = int64(id)
		}
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("rule %s action %d: %w", sr.RuleCode, i, err)
		}
		var a types.Action
		if err := json.Unmarshal(encoded, &a); err != nil {
			return nil, fmt.Errorf("rule %s action %d: %w", sr.RuleCode, i, err)
		}
		actions = append(actions, a)
	}

	priority := defaultPriority
	if sr.Priority != nil {
		priority = *sr.Priority
	}

	return &types.Rule{
		RuleCode:       sr.RuleCode,
		Name:           sr.Name,
		EntryPoint:     types.EntryPointCode(sr.EntryPoint),
		FieldsCode:     sr.FieldsCode,
		Priority:       priority,
		Active:         boolOr(sr.Active, true),
		Condition:      condition,
		Actions:        actions,
		StopProcessing: sr.StopProcessing,
		Metadata:       sr.Metadata,
	}, nil
}
