package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/solatis/tollgate/internal/core/auth"
	"github.com/solatis/tollgate/internal/ledger"
	"github.com/solatis/tollgate/internal/types"
)

// AcknowledgeRequest records one checkbox answer. TemplateID and Accepted
// must be present; a zero template id is valid for inline prompts.
type AcknowledgeRequest struct {
	SessionID          string `json:"session_id"`
	AckKey             string `json:"ack_key"`
	TemplateID         *int64 `json:"template_id"`
	Accepted           *bool  `json:"accepted"`
	EntryPointLocation string `json:"entry_point_location"`
	IPAddress          string `json:"ip_address,omitempty"`
	UserAgent          string `json:"user_agent,omitempty"`
}

// Acknowledge writes to the ledger and returns the stored record as the
// receipt. Write failures are returned to the caller.
func (s *Service) Acknowledge(ctx context.Context, req *AcknowledgeRequest) (*types.AcknowledgmentRecord, error) {
	if req.TemplateID == nil || strings.TrimSpace(req.AckKey) == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, types.ErrMissingAckIdentity)
	}
	if req.Accepted == nil {
		return nil, fmt.Errorf("%w: accepted required", ErrInvalidRequest)
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	rec, err := s.ledger.Acknowledge(ctx, ledger.Acknowledgment{
		SessionID:          req.SessionID,
		AckKey:             req.AckKey,
		TemplateID:         types.TemplateID(*req.TemplateID),
		Accepted:           *req.Accepted,
		EntryPointLocation: req.EntryPointLocation,
		Actor:              types.ActorMetadata{IPAddress: req.IPAddress, UserAgent: req.UserAgent},
	})
	if err != nil {
		s.logger.Error("acknowledgment write failed",
			"session_id", req.SessionID, "ack_key", req.AckKey,
			"channel_id", auth.ChannelIDFromContext(ctx), "error", err)
		return nil, err
	}
	return rec, nil
}

// PreferenceRequest records one preference choice.
type PreferenceRequest struct {
	SessionID          string          `json:"session_id"`
	PreferenceKey      string          `json:"preference_key"`
	Value              json.RawMessage `json:"value"`
	EntryPointLocation string          `json:"entry_point_location"`
	IPAddress          string          `json:"ip_address,omitempty"`
	UserAgent          string          `json:"user_agent,omitempty"`
}

// Preference writes a preference choice to the ledger.
func (s *Service) Preference(ctx context.Context, req *PreferenceRequest) (*types.PreferenceRecord, error) {
	if strings.TrimSpace(req.PreferenceKey) == "" {
		return nil, fmt.Errorf("%w: preference_key required", ErrInvalidRequest)
	}
	if len(req.Value) == 0 {
		return nil, fmt.Errorf("%w: value required", ErrInvalidRequest)
	}
	var value any
	if err := json.Unmarshal(req.Value, &value); err != nil {
		return nil, fmt.Errorf("%w: value: %v", ErrInvalidRequest, err)
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	rec, err := s.ledger.SetPreference(ctx, ledger.Preference{
		SessionID:          req.SessionID,
		PreferenceKey:      req.PreferenceKey,
		Value:              value,
		EntryPointLocation: req.EntryPointLocation,
		Actor:              types.ActorMetadata{IPAddress: req.IPAddress, UserAgent: req.UserAgent},
	})
	if err != nil {
		s.logger.Error("preference write failed",
			"session_id", req.SessionID, "preference_key", req.PreferenceKey, "error", err)
		return nil, err
	}
	return rec, nil
}
