package swap

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/internal/ledger"
	"github.com/fuji-money/fujiswap/internal/txbuilder"
)

// Direction tells which way funds cross the lightning boundary.
type Direction int

const (
	// Reverse swaps pay an invoice and claim L-BTC on chain.
	Reverse Direction = iota
	// Forward swaps lock L-BTC on chain and get an invoice paid.
	Forward
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "reverse"
}

// BuildInput is what the controller gathered before building.
type BuildInput struct {
	Network config.NetworkType

	// Claim is the swap lockup output for reverse swaps.
	Claim *txbuilder.Coin
	Coins []txbuilder.Coin

	// Receive is where the operation pays the user: synthetic on borrow,
	// collateral on redeem. For forward swaps it is the lockup script.
	Receive txbuilder.Destination
	Change  txbuilder.Destination

	// Amount is the exact collateral amount to Receive on redeem, zero
	// for everything that is left.
	Amount uint64
}

// Operation is the task specific part of an attempt. One controller
// drives every operation through the same stages.
type Operation interface {
	Task() config.Task

	// Position is the position as it will be after the transaction.
	Position() *ledger.Position
	Direction() Direction

	// SwapAmount is the on-chain amount a reverse swap must deliver, or
	// the most a forward swap may lock.
	SwapAmount() uint64

	// Check runs every local gate before any network call.
	Check() error
	Build(in BuildInput) (*txbuilder.Skeleton, error)

	// Complete applies a broadcast transaction to the position.
	Complete(txid string, sk *txbuilder.Skeleton) (*ledger.Position, *ledger.Activity)
}

// ForwardOperation is an operation funded by paying out over lightning.
type ForwardOperation interface {
	Operation
	PayoutInvoice() string
}

// BorrowOp opens a new position.
type BorrowOp struct {
	pos *ledger.Position
}

// NewBorrowOp creates a borrow of the proposed position p.
func NewBorrowOp(p *ledger.Position) *BorrowOp {
	return &BorrowOp{pos: p.Clone()}
}

func (o *BorrowOp) Task() config.Task          { return config.TaskBorrow }
func (o *BorrowOp) Position() *ledger.Position { return o.pos }
func (o *BorrowOp) Direction() Direction       { return Reverse }
func (o *BorrowOp) SwapAmount() uint64         { return o.pos.Collateral.Quantity + config.FeeAmount }

func (o *BorrowOp) Check() error {
	if o.pos.TxID != "" {
		return &ValidationError{Check: CheckBuild, Err: fmt.Errorf("position %s is already on chain", o.pos.ID)}
	}
	if err := ledger.CheckBorrow(o.pos, config.FeeAmount, config.MinDustLimit); err != nil {
		return &ValidationError{Check: CheckBuild, Err: err}
	}
	return nil
}

func (o *BorrowOp) Build(in BuildInput) (*txbuilder.Skeleton, error) {
	return txbuilder.BuildBorrow(txbuilder.BorrowRequest{
		Network:   in.Network,
		Position:  o.pos,
		Claim:     in.Claim,
		Coins:     in.Coins,
		Synthetic: in.Receive,
		Change:    in.Change,
	})
}

func (o *BorrowOp) Complete(txid string, sk *txbuilder.Skeleton) (*ledger.Position, *ledger.Activity) {
	p := o.pos.Clone()
	p.TxID = txid
	p.Vout = uint32(sk.Layout.CollateralVout)
	p.Confirmed = false
	p.Marker = ledger.MarkerNone
	return p, ledger.NewActivity(p, ledger.ActivityCreation, txid)
}

// TopupOp raises the collateral of an existing position.
type TopupOp struct {
	old  *ledger.Position
	next *ledger.Position
}

// NewTopupOp resizes old to targetRatio. A target that does not increase
// the collateral is rejected with ledger.ErrNoopTopup.
func NewTopupOp(old *ledger.Position, targetRatio decimal.Decimal) (*TopupOp, error) {
	if _, err := ledger.TopupDelta(old, targetRatio); err != nil {
		return nil, &ValidationError{Check: CheckAmount, Err: err}
	}
	next, err := ledger.Resize(old, targetRatio)
	if err != nil {
		return nil, &ValidationError{Check: CheckAmount, Err: err}
	}
	return &TopupOp{old: old.Clone(), next: next}, nil
}

func (o *TopupOp) Task() config.Task          { return config.TaskTopup }
func (o *TopupOp) Position() *ledger.Position { return o.next }
func (o *TopupOp) Direction() Direction       { return Reverse }

// Delta is the collateral added by the topup.
func (o *TopupOp) Delta() uint64 {
	return o.next.Collateral.Quantity - o.old.Collateral.Quantity
}

func (o *TopupOp) SwapAmount() uint64 { return o.Delta() + config.FeeAmount }

func (o *TopupOp) Check() error {
	if o.next.Collateral.Quantity <= o.old.Collateral.Quantity {
		return &ValidationError{Check: CheckAmount, Err: ledger.ErrNoopTopup}
	}
	if _, _, err := o.old.Outpoint(); err != nil {
		return &ValidationError{Check: CheckBuild, Err: err}
	}
	if o.old.State().Retired() {
		return &ValidationError{Check: CheckBuild, Err: fmt.Errorf("position %s is %s", o.old.ID, o.old.State())}
	}
	if err := ledger.CheckBorrow(o.next, config.FeeAmount, config.MinDustLimit); err != nil {
		return &ValidationError{Check: CheckBuild, Err: err}
	}
	return nil
}

func (o *TopupOp) Build(in BuildInput) (*txbuilder.Skeleton, error) {
	return txbuilder.BuildTopup(txbuilder.TopupRequest{
		Network: in.Network,
		Old:     o.old,
		New:     o.next,
		Claim:   in.Claim,
		Coins:   in.Coins,
		Change:  in.Change,
	})
}

func (o *TopupOp) Complete(txid string, sk *txbuilder.Skeleton) (*ledger.Position, *ledger.Activity) {
	p := o.next.Clone()
	p.TxID = txid
	p.Vout = uint32(sk.Layout.CollateralVout)
	p.Confirmed = false
	p.Marker = ledger.MarkerTopuped
	return p, ledger.NewActivity(p, ledger.ActivityTopup, txid)
}

// RedeemOp closes a position, burning its synthetic debt. With an
// invoice it pays the released collateral out over lightning.
type RedeemOp struct {
	pos     *ledger.Position
	invoice string
}

// NewRedeemOp creates a redeem of p. invoice is empty for a wallet
// redeem.
func NewRedeemOp(p *ledger.Position, invoice string) *RedeemOp {
	return &RedeemOp{pos: p.Clone(), invoice: invoice}
}

func (o *RedeemOp) Task() config.Task          { return config.TaskRedeem }
func (o *RedeemOp) Position() *ledger.Position { return o.pos }
func (o *RedeemOp) Direction() Direction       { return Forward }
func (o *RedeemOp) PayoutInvoice() string      { return o.invoice }

// SwapAmount is the collateral left once payout and fee are taken.
func (o *RedeemOp) SwapAmount() uint64 {
	out := o.pos.Collateral.Quantity
	if payout := ledger.PayoutAmount(o.pos); payout < out {
		out -= payout
	} else {
		return 0
	}
	if o.pos.Collateral.ID == config.LBTCAssetID(o.pos.Network) {
		if out <= config.FeeAmount {
			return 0
		}
		out -= config.FeeAmount
	}
	return out
}

func (o *RedeemOp) Check() error {
	if _, _, err := o.pos.Outpoint(); err != nil {
		return &ValidationError{Check: CheckBuild, Err: err}
	}
	if o.pos.State().Retired() {
		return &ValidationError{Check: CheckBuild, Err: fmt.Errorf("position %s is %s", o.pos.ID, o.pos.State())}
	}
	if payout := ledger.PayoutAmount(o.pos); payout < config.MinDustLimit {
		return &ValidationError{Check: CheckBuild, Err: fmt.Errorf("%w: %d", ledger.ErrPayoutBelowDust, payout)}
	}
	if o.SwapAmount() < config.MinDustLimit {
		return &ValidationError{Check: CheckBuild, Err: ledger.ErrCollateralTooLow}
	}
	return nil
}

func (o *RedeemOp) Build(in BuildInput) (*txbuilder.Skeleton, error) {
	return txbuilder.BuildRedeem(txbuilder.RedeemRequest{
		Network:  in.Network,
		Position: o.pos,
		Coins:    in.Coins,
		Return:   in.Receive,
		Amount:   in.Amount,
		Change:   in.Change,
	})
}

func (o *RedeemOp) Complete(txid string, sk *txbuilder.Skeleton) (*ledger.Position, *ledger.Activity) {
	p := o.pos.Clone()
	p.Marker = ledger.MarkerRedeemed
	return p, ledger.NewActivity(p, ledger.ActivityRedeemed, txid)
}
