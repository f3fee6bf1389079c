package rpc

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/internal/swap"
)

// AttemptParams selects the attempt of a position.
type AttemptParams struct {
	PositionID string `json:"positionId"`
}

// TopupParams is the request for swap_topup and direct_topup.
type TopupParams struct {
	PositionID  string          `json:"positionId"`
	TargetRatio decimal.Decimal `json:"targetRatio"`
}

// RedeemParams is the request for swap_redeem and direct_redeem. Invoice
// is required over lightning and ignored for direct redeems.
type RedeemParams struct {
	PositionID string `json:"positionId"`
	Invoice    string `json:"invoice,omitempty"`
}

// AttemptInfo is the state of a swap attempt.
type AttemptInfo struct {
	AttemptID  string       `json:"attemptId"`
	PositionID string       `json:"positionId"`
	Task       config.Task  `json:"task"`
	Stage      swap.Stage   `json:"stage"`
	Invoice    string       `json:"invoice,omitempty"`
	Error      string       `json:"error,omitempty"`
	Retryable  bool         `json:"retryable,omitempty"`
	Result     *swap.Result `json:"result,omitempty"`
}

func attemptInfo(c *swap.Controller) *AttemptInfo {
	op := c.Operation()
	info := &AttemptInfo{
		AttemptID:  c.AttemptID(),
		PositionID: op.Position().ID,
		Task:       op.Task(),
		Stage:      c.Stage(),
		Invoice:    c.Invoice(),
		Result:     c.Result(),
	}
	if err := c.Err(); err != nil {
		info.Error = err.Error()
		info.Retryable = swap.Retryable(err)
	}
	return info
}

func (p *AttemptParams) decode(params json.RawMessage) error {
	if err := decodeParams(params, p); err != nil {
		return err
	}
	if p.PositionID == "" {
		return invalidParams("positionId is required")
	}
	return nil
}

func decodeTopup(params json.RawMessage) (*TopupParams, error) {
	var p TopupParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.PositionID == "" {
		return nil, invalidParams("positionId is required")
	}
	if !p.TargetRatio.IsPositive() {
		return nil, invalidParams("targetRatio must be positive")
	}
	return &p, nil
}

func decodeRedeem(params json.RawMessage) (*RedeemParams, error) {
	var p RedeemParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.PositionID == "" {
		return nil, invalidParams("positionId is required")
	}
	return &p, nil
}

// ========================================
// Lightning attempts
// ========================================

func (s *Server) startSwap(op swap.Operation, err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	c, err := s.node.StartSwap(op)
	if err != nil {
		return nil, err
	}
	return attemptInfo(c), nil
}

func (s *Server) swapBorrow(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AttemptParams
	if err := p.decode(params); err != nil {
		return nil, err
	}
	return s.startSwap(s.node.BorrowOp(p.PositionID))
}

func (s *Server) swapTopup(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, err := decodeTopup(params)
	if err != nil {
		return nil, err
	}
	return s.startSwap(s.node.TopupOp(p.PositionID, p.TargetRatio))
}

func (s *Server) swapRedeem(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, err := decodeRedeem(params)
	if err != nil {
		return nil, err
	}
	if p.Invoice == "" {
		return nil, invalidParams("invoice is required for a lightning redeem")
	}
	return s.startSwap(s.node.RedeemOp(p.PositionID, p.Invoice))
}

func (s *Server) swapStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AttemptParams
	if err := p.decode(params); err != nil {
		return nil, err
	}
	c, err := s.node.Attempt(p.PositionID)
	if err != nil {
		return nil, err
	}
	return attemptInfo(c), nil
}

func (s *Server) swapRetry(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AttemptParams
	if err := p.decode(params); err != nil {
		return nil, err
	}
	c, err := s.node.Retry(p.PositionID)
	if err != nil {
		return nil, err
	}
	return attemptInfo(c), nil
}

func (s *Server) swapReset(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AttemptParams
	if err := p.decode(params); err != nil {
		return nil, err
	}
	c, err := s.node.Reset(p.PositionID)
	if err != nil {
		return nil, err
	}
	return attemptInfo(c), nil
}

// ========================================
// Direct attempts
// ========================================

func (s *Server) executeDirect(ctx context.Context, op swap.Operation, err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	return s.node.ExecuteDirect(ctx, op)
}

func (s *Server) directBorrow(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AttemptParams
	if err := p.decode(params); err != nil {
		return nil, err
	}
	op, err := s.node.BorrowOp(p.PositionID)
	return s.executeDirect(ctx, op, err)
}

func (s *Server) directTopup(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, err := decodeTopup(params)
	if err != nil {
		return nil, err
	}
	op, err := s.node.TopupOp(p.PositionID, p.TargetRatio)
	return s.executeDirect(ctx, op, err)
}

func (s *Server) directRedeem(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, err := decodeRedeem(params)
	if err != nil {
		return nil, err
	}
	op, err := s.node.RedeemOp(p.PositionID, "")
	return s.executeDirect(ctx, op, err)
}
