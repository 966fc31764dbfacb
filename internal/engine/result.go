package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/solatis/tollgate/internal/types"
)

// Result is the EvaluationResult returned to collaborators. JSON names are
// part of the external contract.
type Result struct {
	Success                  bool               `json:"success"`
	Blocked                  bool               `json:"blocked"`
	RulesEvaluated           int                `json:"rules_evaluated"`
	RulesExecuted            []RuleExecution    `json:"rules_executed"`
	Messages                 []Message          `json:"messages"`
	RequiredAcknowledgments  []AckPrompt        `json:"required_acknowledgments"`
	SatisfiedAcknowledgments []SatisfiedAck     `json:"satisfied_acknowledgments"`
	PreferencePrompts        []PreferencePrompt `json:"preference_prompts"`
	Updates                  map[string]any     `json:"updates"`
	BlockingRules            []string           `json:"blocking_rules"`
	SchemaValidationErrors   []types.FieldError `json:"schema_validation_errors,omitempty"`
	ExecutionID              types.ExecutionID  `json:"execution_id"`
	DurationMs               float64            `json:"duration_ms"`

	// EntryPoint is the code the result was produced for.
	EntryPoint types.EntryPointCode `json:"entry_point"`
}

func newResult(id types.ExecutionID, code types.EntryPointCode) *Result {
	return &Result{
		Success:                  true,
		RulesExecuted:            []RuleExecution{},
		Messages:                 []Message{},
		RequiredAcknowledgments:  []AckPrompt{},
		SatisfiedAcknowledgments: []SatisfiedAck{},
		PreferencePrompts:        []PreferencePrompt{},
		Updates:                  map[string]any{},
		BlockingRules:            []string{},
		ExecutionID:              id,
		EntryPoint:               code,
	}
}

// RuleExecution is the per-rule outcome.
type RuleExecution struct {
	RuleCode        string `json:"rule_code"`
	ConditionResult bool   `json:"condition_result"`
	ActionsExecuted int    `json:"actions_executed"`
	Error           string `json:"error,omitempty"`
	// FailedAcknowledgments names blocking acknowledgments whose action
	// failed to dispatch. The gate treats them as unsatisfiable.
	FailedAcknowledgments []string `json:"failed_acknowledgments,omitempty"`
}

// Message is an emitted display_message.
type Message struct {
	Type        string           `json:"type"`
	Title       string           `json:"title"`
	Content     string           `json:"content"`
	JSONContent any              `json:"json_content,omitempty"`
	MessageType string           `json:"messageType"`
	DisplayType string           `json:"display_type"`
	TemplateID  types.TemplateID `json:"template_id,omitempty"`
	RuleCode    string           `json:"rule_code"`
}

// AckPrompt is an acknowledgment the user must give.
type AckPrompt struct {
	Type        string           `json:"type"`
	AckKey      string           `json:"ack_key"`
	TemplateID  types.TemplateID `json:"template_id"`
	Required    bool             `json:"required"`
	Blocking    bool             `json:"blocking"`
	DisplayType string           `json:"display_type"`
	Title       string           `json:"title,omitempty"`
	Content     string           `json:"content"`
	JSONContent any              `json:"json_content,omitempty"`
	RuleCode    string           `json:"rule_code"`
}

// SatisfiedAck is a prompt already answered in this session.
type SatisfiedAck struct {
	AckKey         string           `json:"ack_key"`
	TemplateID     types.TemplateID `json:"template_id"`
	Blocking       bool             `json:"blocking"`
	RuleCode       string           `json:"rule_code"`
	AcknowledgedAt *time.Time       `json:"acknowledged_at,omitempty"`
}

// PreferencePrompt is a user choice request.
type PreferencePrompt struct {
	PreferenceKey string           `json:"preferenceKey"`
	InputType     string           `json:"inputType"`
	Options       []any            `json:"options"`
	Default       any              `json:"default"`
	Required      bool             `json:"required"`
	Blocking      bool             `json:"blocking"`
	DisplayMode   string           `json:"displayMode"`
	Title         string           `json:"title,omitempty"`
	Content       string           `json:"content"`
	TemplateID    types.TemplateID `json:"template_id,omitempty"`
	RuleCode      string           `json:"rule_code"`
	Current       json.RawMessage  `json:"current,omitempty"`
}

// Dispatch error codes.
const (
	CodeDispatchFailed     = "dispatch_failed"
	CodeFunctionMissing    = "function_not_registered"
	CodeFunctionArity      = "function_arity"
	CodeFunctionTimeout    = "function_timeout"
	CodeTemplateUnresolved = "template_unresolved"
	CodeTemplateNotFound   = "template_not_found"
)

// DispatchError is a failed action. The rule still counts as matched.
type DispatchError struct {
	ActionIndex int
	ActionType  types.ActionType
	Code        string
	Err         error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("action %d (%s): %s: %v", e.ActionIndex, e.ActionType, e.Code, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func dispatchCode(err error) string {
	switch {
	case errors.Is(err, types.ErrFunctionNotRegistered):
		return CodeFunctionMissing
	case errors.Is(err, types.ErrFunctionArity):
		return CodeFunctionArity
	case errors.Is(err, types.ErrFunctionTimeout):
		return CodeFunctionTimeout
	case errors.Is(err, types.ErrUnresolvedVariable):
		return CodeTemplateUnresolved
	case errors.Is(err, types.ErrTemplateNotFound):
		return CodeTemplateNotFound
	default:
		return CodeDispatchFailed
	}
}
