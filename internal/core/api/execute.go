package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/solatis/tollgate/internal/audit"
	"github.com/solatis/tollgate/internal/core/auth"
	"github.com/solatis/tollgate/internal/engine"
	"github.com/solatis/tollgate/internal/types"
)

// ExecuteRequest runs one entry point.
type ExecuteRequest struct {
	EntryPoint string         `json:"entry_point"`
	Context    map[string]any `json:"context"`
	// SessionID overrides the session read from the context.
	SessionID string `json:"session_id,omitempty"`
	// ExecutionID makes a retried call's audit write a no-op.
	ExecutionID string `json:"execution_id,omitempty"`
}

// Execute runs the rules of one entry point.
// Rule-level failures are reported inside the result, not as errors.
func (s *Service) Execute(ctx context.Context, req *ExecuteRequest) (*engine.Result, error) {
	code := strings.TrimSpace(req.EntryPoint)
	if code == "" {
		return nil, fmt.Errorf("%w: entry_point required", ErrInvalidRequest)
	}

	var opts []engine.ExecuteOption
	if req.SessionID != "" {
		opts = append(opts, engine.WithSession(req.SessionID))
	}
	if req.ExecutionID != "" {
		id, err := types.ParseExecutionID(req.ExecutionID)
		if err != nil {
			return nil, fmt.Errorf("%w: execution_id: %v", ErrInvalidRequest, err)
		}
		opts = append(opts, engine.WithExecutionID(id))
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	evalCtx := req.Context
	if evalCtx == nil {
		evalCtx = map[string]any{}
	}
	res, err := s.engine.Execute(ctx, types.EntryPointCode(code), evalCtx, opts...)
	if err != nil {
		s.logger.Warn("execute failed",
			"entry_point", code, "channel_id", auth.ChannelIDFromContext(ctx), "error", err)
		return nil, err
	}
	return res, nil
}

// ExecutionRequest names a recorded execution.
type ExecutionRequest struct {
	ExecutionID string `json:"execution_id"`
}

// Execution returns a recorded execution with its rule rows.
func (s *Service) Execution(ctx context.Context, req *ExecutionRequest) (*audit.Execution, error) {
	if s.audit == nil {
		return nil, fmt.Errorf("%w: audit trail is disabled", ErrInvalidRequest)
	}
	id, err := types.ParseExecutionID(req.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("%w: execution_id: %v", ErrInvalidRequest, err)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.audit.Execution(ctx, id)
}
