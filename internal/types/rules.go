// internal/types/rules.go
package types

/*
 * Domain types for rule definitions.
 *
 * A Rule carries its condition as raw JSON (compiled by internal/rules) and an
 * ordered list of Actions. Action is a tagged sum: Type selects exactly one
 * populated variant pointer, and the JSON form is flat with the "type"
 * discriminator alongside the variant's attributes, matching how rules are
 * stored and authored.
 *
 * Key types:
 *   - Rule: priority, condition, actions, stop_processing
 *   - Action: tagged sum over the six action types
 *   - MessageTemplate: plain or structured content with declared variables
 *   - TemplateID: accepts numbers and numeric strings on the wire
 */

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ActionType is the discriminator of an Action.
type ActionType string

const (
	ActionDisplayMessage ActionType = "display_message"
	ActionAcknowledge    ActionType = "user_acknowledge"
	ActionPreference     ActionType = "user_preference"
	ActionUpdateField    ActionType = "update_field"
	ActionCalculateVAT   ActionType = "calculate_vat"
	ActionStop           ActionType = "stop"
)

// Message severities.
const (
	MessageInfo    = "info"
	MessageWarning = "warning"
	MessageError   = "error"
	MessageSuccess = "success"
)

// Display types.
const (
	DisplayAlert  = "alert"
	DisplayInline = "inline"
	DisplayModal  = "modal"
	DisplayBanner = "banner"
)

// Defaults applied by calculate_vat when the action leaves them empty.
const (
	DefaultVATFunction = "calculate_vat_standard"
	DefaultVATSource   = "cart.items"
	DefaultVATTarget   = "cart.vat"
)

// TemplateID references a MessageTemplate. Zero means "no template".
// Frontends send either integers or numeric strings; both decode.
type TemplateID int64

// UnmarshalJSON accepts 12, "12", "" and null.
func (t *TemplateID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseTemplateID(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("template id: %w", err)
	}
	i, err := n.Int64()
	if err != nil {
		return fmt.Errorf("template id %q is not an integer", n)
	}
	*t = TemplateID(i)
	return nil
}

// ParseTemplateID converts a decimal string to TemplateID; "" is zero.
func ParseTemplateID(s string) (TemplateID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("template id %q is not an integer", s)
	}
	return TemplateID(i), nil
}

// TemplateIDFrom converts a decoded JSON value (float64 or string) to TemplateID.
func TemplateIDFrom(v any) (TemplateID, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return TemplateID(int64(n)), true
	case int:
		return TemplateID(n), true
	case int64:
		return TemplateID(n), true
	case TemplateID:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return TemplateID(i), err == nil
	case string:
		id, err := ParseTemplateID(n)
		return id, err == nil
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

// DisplayMessageAction emits a non-blocking informational message.
type DisplayMessageAction struct {
	Title          string                     `json:"title,omitempty"`
	Content        string                     `json:"content,omitempty"`
	MessageType    string                     `json:"messageType,omitempty"`
	DisplayType    string                     `json:"display_type,omitempty"`
	ContextMapping map[string]json.RawMessage `json:"context_mapping,omitempty"`
	TemplateID     TemplateID                 `json:"templateId,omitempty"`
}

// AcknowledgeAction requires a boolean confirmation from the user.
type AcknowledgeAction struct {
	AckKey         string                     `json:"ackKey"`
	TemplateID     TemplateID                 `json:"templateId,omitempty"`
	Title          string                     `json:"title,omitempty"`
	Content        string                     `json:"content,omitempty"`
	Required       bool                       `json:"required"`
	Blocking       bool                       `json:"blocking"`
	DisplayType    string                     `json:"display_type,omitempty"`
	ContextMapping map[string]json.RawMessage `json:"context_mapping,omitempty"`
}

// PreferenceAction requests a user choice.
type PreferenceAction struct {
	PreferenceKey  string                     `json:"preferenceKey"`
	InputType      string                     `json:"inputType,omitempty"`
	Options        []any                      `json:"options,omitempty"`
	Default        any                        `json:"default,omitempty"`
	Required       bool                       `json:"required"`
	Blocking       bool                       `json:"blocking"`
	DisplayMode    string                     `json:"displayMode,omitempty"`
	TemplateID     TemplateID                 `json:"templateId,omitempty"`
	Title          string                     `json:"title,omitempty"`
	Content        string                     `json:"content,omitempty"`
	ContextMapping map[string]json.RawMessage `json:"context_mapping,omitempty"`
}

// UpdateFieldAction writes a computed absolute value under Field in the
// result's updates. Value uses the same binding forms as context_mapping.
type UpdateFieldAction struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// CalculateVATAction invokes a registered VAT function over Source items and
// attaches the result under Target.
type CalculateVATAction struct {
	Function string         `json:"function,omitempty"`
	Source   string         `json:"source,omitempty"`
	Target   string         `json:"target,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// Action is one tagged effect. Exactly one variant pointer matching Type is
// non-nil, except for stop which carries no payload.
type Action struct {
	Type           ActionType
	DisplayMessage *DisplayMessageAction
	Acknowledge    *AcknowledgeAction
	Preference     *PreferenceAction
	UpdateField    *UpdateFieldAction
	CalculateVAT   *CalculateVATAction
}

// UnmarshalJSON decodes the flat {"type": ..., <attrs>} form.
func (a *Action) UnmarshalJSON(data []byte) error {
	var head struct {
		Type ActionType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	*a = Action{Type: head.Type}
	var target any
	switch head.Type {
	case ActionDisplayMessage:
		a.DisplayMessage = &DisplayMessageAction{}
		target = a.DisplayMessage
	case ActionAcknowledge:
		a.Acknowledge = &AcknowledgeAction{}
		target = a.Acknowledge
	case ActionPreference:
		a.Preference = &PreferenceAction{}
		target = a.Preference
	case ActionUpdateField:
		a.UpdateField = &UpdateFieldAction{}
		target = a.UpdateField
	case ActionCalculateVAT:
		a.CalculateVAT = &CalculateVATAction{}
		target = a.CalculateVAT
	case ActionStop:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownActionType, head.Type)
	}
	return json.Unmarshal(data, target)
}

// MarshalJSON encodes the flat form with "type" first.
func (a Action) MarshalJSON() ([]byte, error) {
	var payload any
	switch a.Type {
	case ActionDisplayMessage:
		payload = a.DisplayMessage
	case ActionAcknowledge:
		payload = a.Acknowledge
	case ActionPreference:
		payload = a.Preference
	case ActionUpdateField:
		payload = a.UpdateField
	case ActionCalculateVAT:
		payload = a.CalculateVAT
	case ActionStop:
		return []byte(`{"type":"stop"}`), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, a.Type)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(a.Type)
	if bytes.Equal(body, []byte("null")) || bytes.Equal(body, []byte("{}")) {
		return []byte(`{"type":` + string(typ) + `}`), nil
	}
	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// Validate checks the variant is present and carries its required attributes.
func (a Action) Validate() error {
	switch a.Type {
	case ActionDisplayMessage:
		if a.DisplayMessage == nil {
			return fmt.Errorf("display_message: missing payload")
		}
		if a.DisplayMessage.Content == "" && a.DisplayMessage.TemplateID == 0 {
			return fmt.Errorf("display_message: content or templateId required")
		}
		if err := checkOneOf("messageType", a.DisplayMessage.MessageType, MessageInfo, MessageWarning, MessageError, MessageSuccess); err != nil {
			return err
		}
		return checkOneOf("display_type", a.DisplayMessage.DisplayType, DisplayAlert, DisplayInline, DisplayModal, DisplayBanner)
	case ActionAcknowledge:
		if a.Acknowledge == nil || a.Acknowledge.AckKey == "" {
			return fmt.Errorf("user_acknowledge: ackKey required")
		}
		return checkOneOf("display_type", a.Acknowledge.DisplayType, DisplayInline, DisplayModal)
	case ActionPreference:
		if a.Preference == nil || a.Preference.PreferenceKey == "" {
			return fmt.Errorf("user_preference: preferenceKey required")
		}
		return nil
	case ActionUpdateField:
		if a.UpdateField == nil || a.UpdateField.Field == "" {
			return fmt.Errorf("update_field: field required")
		}
		return nil
	case ActionCalculateVAT:
		if a.CalculateVAT == nil {
			return fmt.Errorf("calculate_vat: missing payload")
		}
		return nil
	case ActionStop:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownActionType, a.Type)
	}
}

// TemplateRef returns the template the action renders, if any.
func (a Action) TemplateRef() TemplateID {
	switch a.Type {
	case ActionDisplayMessage:
		return a.DisplayMessage.TemplateID
	case ActionAcknowledge:
		return a.Acknowledge.TemplateID
	case ActionPreference:
		return a.Preference.TemplateID
	default:
		return 0
	}
}

func checkOneOf(field, value string, allowed ...string) error {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s %q not one of %v", field, value, allowed)
}

// Rule is a declarative decision unit bound to one entry point.
type Rule struct {
	RuleCode       string          `json:"rule_code"`
	Name           string          `json:"name,omitempty"`
	EntryPoint     EntryPointCode  `json:"entry_point"`
	FieldsCode     string          `json:"fields_code,omitempty"`
	Priority       int             `json:"priority"`
	Active         bool            `json:"active"`
	Version        int             `json:"version"`
	Condition      json.RawMessage `json:"condition"`
	Actions        []Action        `json:"actions"`
	StopProcessing bool            `json:"stop_processing"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Validate checks rule-local invariants. Cross-entity references (entry
// point, schema, templates) are checked by the store on save.
func (r *Rule) Validate() error {
	if r.RuleCode == "" {
		return fmt.Errorf("rule_code required")
	}
	if r.EntryPoint == "" {
		return fmt.Errorf("rule %s: entry_point required", r.RuleCode)
	}
	for i, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("rule %s: action %d: %w", r.RuleCode, i, err)
		}
	}
	return nil
}

// ContentFormat selects how a template's body is stored.
type ContentFormat string

const (
	ContentPlain ContentFormat = "plain"
	ContentJSON  ContentFormat = "json"
)

// MessageTemplate is administratively authored content referenced by actions.
type MessageTemplate struct {
	ID            TemplateID      `json:"id"`
	Name          string          `json:"name"`
	Title         string          `json:"title"`
	ContentFormat ContentFormat   `json:"content_format"`
	Content       string          `json:"content"`
	JSONContent   json.RawMessage `json:"json_content,omitempty"`
	MessageType   string          `json:"message_type"`
	Variables     []string        `json:"variables,omitempty"`
	Active        bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
}
