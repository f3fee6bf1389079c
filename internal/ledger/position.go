package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/pkg/helpers"
)

// Ledger errors.
var (
	ErrZeroDebt           = errors.New("synthetic debt has no value")
	ErrZeroCollateral     = errors.New("collateral asset has no value")
	ErrInvalidRatio       = errors.New("target ratio must be positive")
	ErrNoopTopup          = errors.New("topup does not increase collateral")
	ErrBelowMinRatio      = errors.New("ratio below collateral minimum")
	ErrPayoutBelowDust    = errors.New("payout amount below dust limit")
	ErrCollateralTooLow   = errors.New("collateral does not cover payout, fee and dust")
	ErrPositionNotOnchain = errors.New("position has no confirmed outpoint")
)

var hundred = decimal.NewFromInt(100)

// Marker is an explicit lifecycle flag set by callers after a successful
// transaction. It is combined with derived data to compute State.
type Marker string

const (
	MarkerNone     Marker = ""
	MarkerRedeemed Marker = "redeemed"
	MarkerTopuped  Marker = "topuped"
)

// Thresholds are oracle-fed collateral ratios, in percent.
type Thresholds struct {
	Liquidation decimal.Decimal `json:"liquidation"`
	Critical    decimal.Decimal `json:"critical"`
	Unsafe      decimal.Decimal `json:"unsafe"`
}

// DefaultThresholds derives thresholds from a collateral minimum ratio.
func DefaultThresholds(minRatio int64) Thresholds {
	return Thresholds{
		Liquidation: decimal.NewFromInt(minRatio),
		Critical:    decimal.NewFromInt(minRatio + config.CriticalRatioMargin),
		Unsafe:      decimal.NewFromInt(minRatio + config.UnsafeRatioMargin),
	}
}

// Position is a synthetic-asset loan locked in a covenant.
type Position struct {
	ID         string             `json:"id"`
	Network    config.NetworkType `json:"network"`
	Collateral Asset              `json:"collateral"`
	Synthetic  Asset              `json:"synthetic"`
	Oracles    []string           `json:"oracles"`
	Payout     decimal.Decimal    `json:"payout"`
	Thresholds Thresholds         `json:"thresholds"`

	TxID      string    `json:"txid,omitempty"`
	Vout      uint32    `json:"vout"`
	Confirmed bool      `json:"confirmed"`
	Marker    Marker    `json:"marker,omitempty"`
	CreatedAt time.Time `json:"createdAt"`

	CovenantScript []byte `json:"covenantScript,omitempty"`
	PayoutScript   []byte `json:"payoutScript,omitempty"`
	BorrowerPubKey []byte `json:"borrowerPubKey,omitempty"`
}

// NewPosition creates a proposed position with a fresh id.
func NewPosition(net config.NetworkType, collateral, synthetic Asset, oracles []string, payout decimal.Decimal) *Position {
	return &Position{
		ID:         uuid.New().String(),
		Network:    net,
		Collateral: collateral,
		Synthetic:  synthetic,
		Oracles:    append([]string(nil), oracles...),
		Payout:     payout,
		Thresholds: DefaultThresholds(collateral.MinRatio),
		CreatedAt:  time.Now(),
	}
}

// Clone returns a deep copy of p.
func (p *Position) Clone() *Position {
	c := *p
	c.Oracles = append([]string(nil), p.Oracles...)
	c.CovenantScript = append([]byte(nil), p.CovenantScript...)
	c.PayoutScript = append([]byte(nil), p.PayoutScript...)
	c.BorrowerPubKey = append([]byte(nil), p.BorrowerPubKey...)
	return &c
}

// Outpoint returns the covenant outpoint holding the collateral.
func (p *Position) Outpoint() (string, uint32, error) {
	if p.TxID == "" {
		return "", 0, ErrPositionNotOnchain
	}
	return p.TxID, p.Vout, nil
}

// Ratio returns collateral worth over synthetic worth, in percent.
func Ratio(p *Position) (decimal.Decimal, error) {
	debt := p.Synthetic.Worth()
	if !debt.IsPositive() {
		return decimal.Zero, ErrZeroDebt
	}
	return p.Collateral.Worth().Mul(hundred).Div(debt), nil
}

// RequiredCollateral returns the collateral quantity, in smallest units,
// needed for p to reach targetRatio percent. The result is rounded up so
// the resulting ratio is never below target.
func RequiredCollateral(p *Position, targetRatio decimal.Decimal) (uint64, error) {
	if !targetRatio.IsPositive() {
		return 0, ErrInvalidRatio
	}
	if !p.Collateral.Value.IsPositive() {
		return 0, ErrZeroCollateral
	}
	debt := p.Synthetic.Worth()
	if !debt.IsPositive() {
		return 0, ErrZeroDebt
	}

	whole := targetRatio.Div(hundred).Mul(debt).Div(p.Collateral.Value)
	return uint64(whole.Shift(p.Collateral.Precision).Ceil().IntPart()), nil
}

// Resize returns a copy of p whose collateral reaches targetRatio.
func Resize(p *Position, targetRatio decimal.Decimal) (*Position, error) {
	q, err := RequiredCollateral(p, targetRatio)
	if err != nil {
		return nil, err
	}
	out := p.Clone()
	out.Collateral = out.Collateral.WithQuantity(q)
	return out, nil
}

// TopupDelta returns how much collateral must be added to old to reach
// targetRatio. A non-positive delta is rejected as a no-op.
func TopupDelta(old *Position, targetRatio decimal.Decimal) (uint64, error) {
	q, err := RequiredCollateral(old, targetRatio)
	if err != nil {
		return 0, err
	}
	if q <= old.Collateral.Quantity {
		return 0, ErrNoopTopup
	}
	return q - old.Collateral.Quantity, nil
}

// PayoutAmount returns the share of collateral paid to the issuer on
// redeem, floored.
func PayoutAmount(p *Position) uint64 {
	share := p.Collateral.Amount().Mul(p.Payout).Div(hundred)
	return helpers.ToSatoshi(share, p.Collateral.Precision)
}

// CheckBorrow applies the submission gate shared by the UI and the
// transaction builder.
func CheckBorrow(p *Position, fee, dust uint64) error {
	payout := PayoutAmount(p)
	if payout < dust {
		return fmt.Errorf("%w: %d < %d", ErrPayoutBelowDust, payout, dust)
	}
	if p.Collateral.Quantity <= payout+fee+dust {
		return fmt.Errorf("%w: %d <= %d", ErrCollateralTooLow, p.Collateral.Quantity, payout+fee+dust)
	}

	ratio, err := Ratio(p)
	if err != nil {
		return err
	}
	if ratio.LessThan(decimal.NewFromInt(p.Collateral.MinRatio)) {
		return fmt.Errorf("%w: %s%% < %d%%", ErrBelowMinRatio, ratio.StringFixed(2), p.Collateral.MinRatio)
	}
	return nil
}
