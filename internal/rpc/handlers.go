package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/internal/ledger"
	"github.com/fuji-money/fujiswap/internal/node"
	"github.com/fuji-money/fujiswap/internal/storage"
	"github.com/fuji-money/fujiswap/pkg/helpers"
)

// Version of the daemon
const Version = "0.1.0-dev"

// ========================================
// Node handlers
// ========================================

// NodeInfoResult is the response for node_info.
type NodeInfoResult struct {
	Version      string             `json:"version"`
	Network      config.NetworkType `json:"network"`
	Uptime       string             `json:"uptime"`
	DataDir      string             `json:"data_dir"`
	Endpoints    config.Endpoints   `json:"endpoints"`
	JournalIndex uint64             `json:"journal_index"`
	WSClients    int                `json:"ws_clients"`
}

func (s *Server) status() *NodeInfoResult {
	cfg := s.node.Config()
	return &NodeInfoResult{
		Version:      Version,
		Network:      cfg.Network,
		Uptime:       s.node.Uptime().Round(time.Second).String(),
		DataDir:      cfg.Storage.DataDir,
		Endpoints:    cfg.ResolvedEndpoints(),
		JournalIndex: s.node.Journal().CurrentIndex(),
		WSClients:    s.wsHub.ClientCount(),
	}
}

func (s *Server) nodeInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.status(), nil
}

// ========================================
// Contract handlers
// ========================================

// PositionInfo is a position with its derived state.
type PositionInfo struct {
	*ledger.Position
	State ledger.State    `json:"state"`
	Ratio decimal.Decimal `json:"ratio"`
}

func positionInfo(p *ledger.Position) *PositionInfo {
	info := &PositionInfo{Position: p, State: p.State()}
	if ratio, err := ledger.Ratio(p); err == nil {
		info.Ratio = ratio.Round(2)
	}
	return info
}

// ContractsListResult is the response for contracts_list.
type ContractsListResult struct {
	Contracts []*PositionInfo `json:"contracts"`
	Count     int             `json:"count"`
}

func (s *Server) contractsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	positions, err := s.node.Positions()
	if err != nil {
		return nil, err
	}

	out := make([]*PositionInfo, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionInfo(p))
	}
	return &ContractsListResult{Contracts: out, Count: len(out)}, nil
}

// PositionParams selects a position.
type PositionParams struct {
	ID string `json:"id"`
}

func (p *PositionParams) validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return invalidParams("id is required")
	}
	return nil
}

func (s *Server) contractsGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PositionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	pos, err := s.node.Position(p.ID)
	if err != nil {
		return nil, err
	}
	return positionInfo(pos), nil
}

// ProposeParams is the request for contracts_propose. Scripts and keys
// are hex encoded.
type ProposeParams struct {
	Offer          node.Offer      `json:"offer"`
	TargetRatio    decimal.Decimal `json:"targetRatio"`
	CovenantScript string          `json:"covenantScript"`
	PayoutScript   string          `json:"payoutScript"`
	BorrowerPubKey string          `json:"borrowerPubKey"`
}

func (s *Server) contractsPropose(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ProposeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	req := node.ProposalRequest{
		Offer:       p.Offer,
		TargetRatio: p.TargetRatio,
	}
	fields := []struct {
		name string
		hex  string
		dst  *[]byte
	}{
		{"covenantScript", p.CovenantScript, &req.CovenantScript},
		{"payoutScript", p.PayoutScript, &req.PayoutScript},
		{"borrowerPubKey", p.BorrowerPubKey, &req.BorrowerPubKey},
	}
	for _, f := range fields {
		b, err := helpers.DecodeHexField(f.name, f.hex, 0)
		if err != nil {
			return nil, invalidParams("%v", err)
		}
		*f.dst = b
	}

	pos, err := s.node.Propose(req)
	if err != nil {
		return nil, invalidParams("%v", err)
	}
	return positionInfo(pos), nil
}

// ActivitiesParams selects the history of a position.
type ActivitiesParams struct {
	PositionID string `json:"positionId"`
}

// ActivitiesListResult is the response for activities_list.
type ActivitiesListResult struct {
	Activities []*ledger.Activity `json:"activities"`
	Count      int                `json:"count"`
}

func (s *Server) activitiesList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ActivitiesParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.PositionID == "" {
		return nil, invalidParams("positionId is required")
	}

	activities, err := s.node.Activities(p.PositionID)
	if err != nil {
		return nil, err
	}
	if activities == nil {
		activities = []*ledger.Activity{}
	}
	return &ActivitiesListResult{Activities: activities, Count: len(activities)}, nil
}

// ========================================
// Audit handlers
// ========================================

// SwapKeysResult is the response for swap_keys. Private material is never
// included.
type SwapKeysResult struct {
	Keys  []*storage.SwapKey `json:"keys"`
	Count int                `json:"count"`
}

func (s *Server) swapKeys(ctx context.Context, params json.RawMessage) (interface{}, error) {
	keys, err := s.node.Storage().ListSwapKeys()
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []*storage.SwapKey{}
	}
	return &SwapKeysResult{Keys: keys, Count: len(keys)}, nil
}

// JournalParams pages through the stage journal.
type JournalParams struct {
	After     uint64 `json:"after"`
	AttemptID string `json:"attemptId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// JournalResult is the response for swap_journal.
type JournalResult struct {
	Entries []storage.JournalEntry `json:"entries"`
	Last    uint64                 `json:"last"`
}

const defaultJournalLimit = 100

func (s *Server) swapJournal(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p JournalParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = defaultJournalLimit
	}

	entries, err := s.node.Journal().Entries(p.After, p.AttemptID)
	if err != nil {
		return nil, err
	}
	if len(entries) > p.Limit {
		entries = entries[:p.Limit]
	}
	if entries == nil {
		entries = []storage.JournalEntry{}
	}

	last := p.After
	if len(entries) > 0 {
		last = entries[len(entries)-1].Index
	}
	return &JournalResult{Entries: entries, Last: last}, nil
}

// ========================================
// Wallet handlers
// ========================================

// WalletStatusResult is the response for wallet_status.
type WalletStatusResult struct {
	Connected bool               `json:"connected"`
	Network   config.NetworkType `json:"network"`
	Balances  map[string]uint64  `json:"balances"`
	Error     string             `json:"error,omitempty"`
}

func (s *Server) walletStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	session := s.node.Session()

	result := &WalletStatusResult{Network: session.Network()}
	if err := session.Refresh(ctx); err != nil {
		result.Error = err.Error()
	}
	result.Connected = session.Connected()
	result.Balances = session.Balances()
	return result, nil
}
