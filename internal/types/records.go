package types

import (
	"encoding/json"
	"time"
)

// ExecutionRecord is the append-only header written once per invocation.
type ExecutionRecord struct {
	ExecutionID     ExecutionID     `json:"execution_id" db:"execution_id"`
	EntryPoint      EntryPointCode  `json:"entry_point" db:"entry_point"`
	ContextSnapshot json.RawMessage `json:"context_snapshot" db:"-"`
	ContextHash     string          `json:"context_hash" db:"context_hash"`
	Success         bool            `json:"success" db:"success"`
	Blocked         bool            `json:"blocked" db:"blocked"`
	RulesEvaluated  int             `json:"rules_evaluated" db:"rules_evaluated"`
	Error           string          `json:"error,omitempty" db:"error"`
	DurationMs      float64         `json:"duration_ms" db:"duration_ms"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// RuleExecutionRecord is the append-only record of one evaluated rule.
type RuleExecutionRecord struct {
	ExecutionID     ExecutionID `json:"execution_id" db:"execution_id"`
	Sequence        int         `json:"sequence" db:"sequence"`
	RuleCode        string      `json:"rule_code" db:"rule_code"`
	RuleVersion     int         `json:"rule_version" db:"rule_version"`
	ConditionResult bool        `json:"condition_result" db:"condition_result"`
	ActionsExecuted int         `json:"actions_executed" db:"actions_executed"`
	Error           string      `json:"error,omitempty" db:"error"`
	DurationMs      float64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

// ActorMetadata describes who performed a ledger write.
type ActorMetadata struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// AcknowledgmentRecord is one session-scoped confirmation.
// The canonical identity is (SessionID, AckKey, TemplateID).
type AcknowledgmentRecord struct {
	SessionID          string     `json:"session_id"`
	AckKey             string     `json:"ack_key"`
	TemplateID         TemplateID `json:"template_id"`
	EntryPointLocation string     `json:"entry_point_location"`
	Acknowledged       bool       `json:"acknowledged"`
	AcknowledgedAt     time.Time  `json:"acknowledged_at"`
	IPAddress          string     `json:"ip_address,omitempty"`
	UserAgent          string     `json:"user_agent,omitempty"`
	Version            int        `json:"version"`
}

// PreferenceRecord is one session-scoped preference choice.
type PreferenceRecord struct {
	SessionID          string          `json:"session_id"`
	PreferenceKey      string          `json:"preference_key"`
	Value              json.RawMessage `json:"value"`
	EntryPointLocation string          `json:"entry_point_location"`
	SubmittedAt        time.Time       `json:"submitted_at"`
	IPAddress          string          `json:"ip_address,omitempty"`
	UserAgent          string          `json:"user_agent,omitempty"`
	Version            int             `json:"version"`
}

// OrderAcknowledgment is the immutable per-order projection of a satisfied
// acknowledgment, carrying the rule and template that required it.
type OrderAcknowledgment struct {
	OrderID        string         `json:"order_id"`
	SessionID      string         `json:"session_id"`
	AckKey         string         `json:"ack_key"`
	TemplateID     TemplateID     `json:"template_id"`
	RuleCode       string         `json:"rule_code"`
	EntryPoint     EntryPointCode `json:"entry_point"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt time.Time      `json:"acknowledged_at"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
