package engine

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/solatis/tollgate/internal/rules"
	"github.com/solatis/tollgate/internal/templates"
	"github.com/solatis/tollgate/internal/types"
)

// dispatcher applies one action's effect to the invocation.
type dispatcher func(e *Engine, ctx context.Context, x *invocation, rule *types.Rule, a types.Action) error

var dispatchers = map[types.ActionType]dispatcher{
	types.ActionDisplayMessage: (*Engine).displayMessage,
	types.ActionAcknowledge:    (*Engine).acknowledge,
	types.ActionPreference:     (*Engine).preference,
	types.ActionUpdateField:    (*Engine).updateField,
	types.ActionCalculateVAT:   (*Engine).calculateVAT,
	types.ActionStop:           (*Engine).stop,
}

func (e *Engine) dispatch(ctx context.Context, x *invocation, rule *types.Rule, a types.Action) error {
	d, ok := dispatchers[a.Type]
	if !ok {
		return fmt.Errorf("%w: %q", types.ErrUnknownActionType, a.Type)
	}
	if err := a.Validate(); err != nil {
		return err
	}
	return d(e, ctx, x, rule, a)
}

// render resolves inline content or a stored template. Inline title and
// content, when set, take precedence over the template's.
func (e *Engine) render(ctx context.Context, x *invocation, id types.TemplateID, title, content string, mapping map[string]json.RawMessage) (*templates.Rendered, error) {
	src := templates.Source{Title: title, Content: content, ContentFormat: types.ContentPlain}
	if id != 0 {
		t, err := e.catalog.Template(ctx, id)
		if err != nil {
			return nil, err
		}
		if !t.Active {
			return nil, fmt.Errorf("%w: %d is inactive", types.ErrTemplateNotFound, id)
		}
		src = templates.FromTemplate(t)
		if title != "" {
			src.Title = title
		}
		if content != "" {
			src.Content = content
		}
	}
	return e.resolver.Render(ctx, src, mapping, x.data)
}

func (e *Engine) displayMessage(ctx context.Context, x *invocation, rule *types.Rule, a types.Action) error {
	m := a.DisplayMessage
	out, err := e.render(ctx, x, m.TemplateID, m.Title, m.Content, m.ContextMapping)
	if err != nil {
		return err
	}
	x.result.Messages = append(x.result.Messages, Message{
		Type:        "message",
		Title:       out.Title,
		Content:     out.Content,
		JSONContent: out.JSONContent,
		MessageType: cmp.Or(m.MessageType, out.MessageType, types.MessageInfo),
		DisplayType: cmp.Or(m.DisplayType, types.DisplayAlert),
		TemplateID:  m.TemplateID,
		RuleCode:    rule.RuleCode,
	})
	return nil
}

func (e *Engine) acknowledge(ctx context.Context, x *invocation, rule *types.Rule, a types.Action) error {
	ack := a.Acknowledge
	out, err := e.render(ctx, x, ack.TemplateID, ack.Title, ack.Content, ack.ContextMapping)
	if err != nil {
		return err
	}
	x.prompts = append(x.prompts, AckPrompt{
		Type:        "acknowledge",
		AckKey:      ack.AckKey,
		TemplateID:  ack.TemplateID,
		Required:    ack.Required,
		Blocking:    ack.Blocking,
		DisplayType: cmp.Or(ack.DisplayType, types.DisplayInline),
		Title:       out.Title,
		Content:     out.Content,
		JSONContent: out.JSONContent,
		RuleCode:    rule.RuleCode,
	})
	return nil
}

func (e *Engine) preference(ctx context.Context, x *invocation, rule *types.Rule, a types.Action) error {
	p := a.Preference
	out, err := e.render(ctx, x, p.TemplateID, p.Title, p.Content, p.ContextMapping)
	if err != nil {
		return err
	}
	options := p.Options
	if options == nil {
		options = []any{}
	}
	x.result.PreferencePrompts = append(x.result.PreferencePrompts, PreferencePrompt{
		PreferenceKey: p.PreferenceKey,
		InputType:     cmp.Or(p.InputType, "radio"),
		Options:       options,
		Default:       p.Default,
		Required:      p.Required,
		Blocking:      p.Blocking,
		DisplayMode:   cmp.Or(p.DisplayMode, types.DisplayInline),
		Title:         out.Title,
		Content:       out.Content,
		TemplateID:    p.TemplateID,
		RuleCode:      rule.RuleCode,
	})
	return nil
}

// updateField writes an absolute value; applying updates twice is the
// same as applying them once.
func (e *Engine) updateField(ctx context.Context, x *invocation, _ *types.Rule, a types.Action) error {
	u := a.UpdateField
	v, found, err := e.resolver.ResolveBinding(ctx, u.Value, x.data)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: value for %s", types.ErrUnresolvedVariable, u.Field)
	}
	x.result.Updates[u.Field] = v
	return nil
}

func (e *Engine) calculateVAT(ctx context.Context, x *invocation, _ *types.Rule, a types.Action) error {
	c := a.CalculateVAT
	fn := cmp.Or(c.Function, types.DefaultVATFunction)
	source := cmp.Or(c.Source, types.DefaultVATSource)
	target := cmp.Or(c.Target, types.DefaultVATTarget)

	items, _ := rules.Get(x.data, source)
	params := map[string]any{}
	if len(c.Params) > 0 {
		resolved, ok := templates.ResolveArg(c.Params, x.data).(map[string]any)
		if !ok {
			return errors.New("calculate_vat: params did not resolve to an object")
		}
		params = resolved
	}
	if _, ok := params["country"]; !ok {
		for _, path := range []string{"user.country", "user.country_code"} {
			if country, ok := rules.Get(x.data, path); ok && country != nil {
				params["country"] = country
				break
			}
		}
	}

	v, err := e.resolver.CallFunction(ctx, fn, []any{items, params})
	if err != nil {
		return err
	}
	x.result.Updates[target] = v
	return nil
}

func (e *Engine) stop(_ context.Context, x *invocation, _ *types.Rule, _ types.Action) error {
	x.stop = true
	return nil
}
