package types

import "errors"

// Sentinel errors for tollgate operations.
var (
	// ErrInvalidOperator indicates an operator outside the supported set.
	ErrInvalidOperator = errors.New("invalid operator")

	// ErrInvalidArguments indicates an operator received malformed arguments.
	ErrInvalidArguments = errors.New("invalid operator arguments")

	// ErrTypeMismatch indicates an operand could not be coerced.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrDivisionByZero indicates "/" or "%" with a zero divisor.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrExpressionTooDeep indicates nesting beyond MaxExpressionDepth.
	ErrExpressionTooDeep = errors.New("expression exceeds maximum depth")

	// ErrPathTooDeep indicates a var path exceeds MaxPathDepth.
	ErrPathTooDeep = errors.New("field path exceeds maximum depth")

	// ErrTooManyInValues indicates a literal "in" list exceeds MaxInOperatorValues.
	ErrTooManyInValues = errors.New("in operator has too many values")

	// ErrFunctionNotRegistered indicates a call to an unknown function.
	ErrFunctionNotRegistered = errors.New("function not registered")

	// ErrFunctionArity indicates a function was called with the wrong number of arguments.
	ErrFunctionArity = errors.New("function called with wrong number of arguments")

	// ErrFunctionTimeout indicates a function exceeded its time budget.
	ErrFunctionTimeout = errors.New("function exceeded time budget")

	// ErrRegistryFrozen indicates a registration after process start.
	ErrRegistryFrozen = errors.New("function registry is frozen")

	// ErrUnknownActionType indicates an action discriminator outside the fixed set.
	ErrUnknownActionType = errors.New("unknown action type")

	// ErrTemplateNotFound indicates an action references a missing or inactive template.
	ErrTemplateNotFound = errors.New("message template not found")

	// ErrUnresolvedVariable indicates a required template variable had no binding.
	ErrUnresolvedVariable = errors.New("template variable unresolved")

	// ErrSchemaNotFound indicates a rule references a missing or inactive context schema.
	ErrSchemaNotFound = errors.New("context schema not found")

	// ErrEntryPointNotFound indicates an unknown entry point code.
	ErrEntryPointNotFound = errors.New("entry point not found")

	// ErrRuleNotFound indicates an unknown rule code.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrContextTooLarge indicates the context exceeds MaxContextSize.
	ErrContextTooLarge = errors.New("context exceeds maximum size")

	// ErrLedger indicates an acknowledgment or preference ledger failure.
	ErrLedger = errors.New("ledger failure")

	// ErrMissingAckIdentity indicates a ledger write without both ack_key and template_id.
	ErrMissingAckIdentity = errors.New("acknowledgment requires ack_key and template_id")

	// ErrMissingSession indicates a ledger operation without a session key.
	ErrMissingSession = errors.New("session id required")
)
