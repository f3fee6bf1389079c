package node

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/internal/ledger"
	"github.com/fuji-money/fujiswap/internal/swap"
)

// Proposal errors
var (
	ErrUnknownAsset    = errors.New("unknown asset")
	ErrNotCollateral   = errors.New("asset cannot be used as collateral")
	ErrNotSynthetic    = errors.New("asset is not a synthetic")
	ErrOracleDisabled  = errors.New("oracle is not enabled")
	ErrNoOracle        = errors.New("at least one oracle is required")
	ErrMissingPrice    = errors.New("asset price must be positive")
	ErrWrongNetwork    = errors.New("position belongs to another network")
	ErrPositionOnchain = errors.New("position is already on chain")
	ErrMissingCovenant = errors.New("covenant script is required")
	ErrTargetBelowMin  = errors.New("target ratio is below the collateral minimum")
)

// Offer is the terms of a loan: which collateral backs which synthetic,
// at what prices, watched by which oracles, and the issuer payout.
type Offer struct {
	CollateralAssetID string          `json:"collateralAssetId"`
	CollateralPrice   decimal.Decimal `json:"collateralPrice"`
	SyntheticAssetID  string          `json:"syntheticAssetId"`
	SyntheticPrice    decimal.Decimal `json:"syntheticPrice"`
	SyntheticQuantity uint64          `json:"syntheticQuantity"`
	// SyntheticTicker names a synthetic that is not in the mainnet asset
	// table. Only honored off mainnet.
	SyntheticTicker string          `json:"syntheticTicker,omitempty"`
	Oracles         []string        `json:"oracles"`
	Payout          decimal.Decimal `json:"payout"`
}

// ProposalRequest asks for a new position under an offer.
type ProposalRequest struct {
	Offer          Offer           `json:"offer"`
	TargetRatio    decimal.Decimal `json:"targetRatio"`
	CovenantScript []byte          `json:"covenantScript"`
	PayoutScript   []byte          `json:"payoutScript"`
	BorrowerPubKey []byte          `json:"borrowerPubKey"`
}

// Propose creates an unconfirmed position holding the collateral needed
// to reach the target ratio, and stores it.
func (n *Node) Propose(req ProposalRequest) (*ledger.Position, error) {
	p, err := n.buildProposal(req)
	if err != nil {
		return nil, err
	}
	if err := n.store.SavePosition(p); err != nil {
		return nil, err
	}
	n.log.Info("Position proposed", "position", p.ID,
		"collateral", p.Collateral.Quantity, "synthetic", p.Synthetic.Quantity)
	return p, nil
}

func (n *Node) buildProposal(req ProposalRequest) (*ledger.Position, error) {
	net := n.config.Network
	offer := req.Offer

	collInfo, ok := config.LookupAsset(net, offer.CollateralAssetID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, offer.CollateralAssetID)
	}
	if collInfo.IsSynthetic {
		return nil, fmt.Errorf("%w: %s", ErrNotCollateral, collInfo.Ticker)
	}
	synthInfo, ok := config.LookupAsset(net, offer.SyntheticAssetID)
	if !ok && net != config.Liquid && offer.SyntheticTicker != "" {
		synthInfo = config.AssetInfo{
			ID:          offer.SyntheticAssetID,
			Ticker:      offer.SyntheticTicker,
			Precision:   8,
			IsSynthetic: true,
		}
		ok = true
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, offer.SyntheticAssetID)
	}
	if !synthInfo.IsSynthetic {
		return nil, fmt.Errorf("%w: %s", ErrNotSynthetic, synthInfo.Ticker)
	}
	if !offer.CollateralPrice.IsPositive() || !offer.SyntheticPrice.IsPositive() {
		return nil, ErrMissingPrice
	}

	if len(offer.Oracles) == 0 {
		return nil, ErrNoOracle
	}
	for _, id := range offer.Oracles {
		if !config.OracleEnabled(id) {
			return nil, fmt.Errorf("%w: %s", ErrOracleDisabled, id)
		}
	}

	if len(req.CovenantScript) == 0 {
		return nil, ErrMissingCovenant
	}
	if req.TargetRatio.LessThan(decimal.NewFromInt(collInfo.MinRatio)) {
		return nil, fmt.Errorf("%w: %s < %d", ErrTargetBelowMin, req.TargetRatio, collInfo.MinRatio)
	}

	collateral := assetFromInfo(collInfo, offer.CollateralPrice, 0)
	synthetic := assetFromInfo(synthInfo, offer.SyntheticPrice, offer.SyntheticQuantity)

	p := ledger.NewPosition(net, collateral, synthetic, offer.Oracles, offer.Payout)
	p.CovenantScript = req.CovenantScript
	p.PayoutScript = req.PayoutScript
	p.BorrowerPubKey = req.BorrowerPubKey

	quantity, err := ledger.RequiredCollateral(p, req.TargetRatio)
	if err != nil {
		return nil, err
	}
	p.Collateral = p.Collateral.WithQuantity(quantity)

	if err := ledger.CheckBorrow(p, config.FeeAmount, config.MinDustLimit); err != nil {
		return nil, err
	}
	return p, nil
}

func assetFromInfo(info config.AssetInfo, price decimal.Decimal, quantity uint64) ledger.Asset {
	return ledger.Asset{
		ID:          info.ID,
		Ticker:      info.Ticker,
		Name:        info.Name,
		Precision:   info.Precision,
		Quantity:    quantity,
		Value:       price,
		IsSynthetic: info.IsSynthetic,
		MinRatio:    info.MinRatio,
	}
}

// Position loads a position by id.
func (n *Node) Position(id string) (*ledger.Position, error) {
	p, err := n.store.GetPosition(id)
	if err != nil {
		return nil, err
	}
	if p.Network != n.config.Network {
		return nil, fmt.Errorf("%w: %s", ErrWrongNetwork, p.Network)
	}
	return p, nil
}

// Positions lists the positions on the node network.
func (n *Node) Positions() ([]*ledger.Position, error) {
	return n.store.ListPositions(n.config.Network)
}

// Activities lists the history of a position.
func (n *Node) Activities(positionID string) ([]*ledger.Activity, error) {
	return n.store.ListActivities(positionID)
}

// BorrowOp builds a borrow of a proposed position.
func (n *Node) BorrowOp(positionID string) (swap.Operation, error) {
	p, err := n.Position(positionID)
	if err != nil {
		return nil, err
	}
	if p.TxID != "" {
		return nil, fmt.Errorf("%w: %s", ErrPositionOnchain, p.ID)
	}
	return swap.NewBorrowOp(p), nil
}

// TopupOp builds a topup of a position to targetRatio.
func (n *Node) TopupOp(positionID string, targetRatio decimal.Decimal) (swap.Operation, error) {
	p, err := n.Position(positionID)
	if err != nil {
		return nil, err
	}
	op, err := swap.NewTopupOp(p, targetRatio)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// RedeemOp builds a redeem of a position. A non-empty invoice pays the
// released collateral out over lightning.
func (n *Node) RedeemOp(positionID, invoice string) (swap.Operation, error) {
	p, err := n.Position(positionID)
	if err != nil {
		return nil, err
	}
	return swap.NewRedeemOp(p, invoice), nil
}
