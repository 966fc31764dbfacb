package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/solatis/tollgate/internal/gate"
	"github.com/solatis/tollgate/internal/types"
)

// Gate runs the checkout gate. A blocked order is a normal result.
func (s *Service) Gate(ctx context.Context, draft *gate.OrderDraft) (*gate.Result, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.gate.Check(ctx, *draft)
}

// OrderRequest names an order.
type OrderRequest struct {
	OrderID string `json:"order_id"`
}

// OrderAcknowledgmentList wraps an order's acknowledgments.
type OrderAcknowledgmentList struct {
	OrderID         string                      `json:"order_id"`
	Acknowledgments []types.OrderAcknowledgment `json:"acknowledgments"`
}

// OrderAcknowledgments returns the acknowledgments snapshotted onto an order.
func (s *Service) OrderAcknowledgments(ctx context.Context, req *OrderRequest) (*OrderAcknowledgmentList, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return nil, fmt.Errorf("%w: order_id required", ErrInvalidRequest)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	acks, err := s.ledger.OrderAcknowledgments(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if acks == nil {
		acks = []types.OrderAcknowledgment{}
	}
	return &OrderAcknowledgmentList{OrderID: req.OrderID, Acknowledgments: acks}, nil
}
