// Package ledger models covenant loan positions and the arithmetic over
// them: collateral ratios, required collateral, top-up deltas and the
// derived position state.
package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/fuji-money/fujiswap/pkg/helpers"
)

// Asset is an asset amount inside a position. Quantity is in the asset's
// smallest unit; Value is the price of one whole unit.
type Asset struct {
	ID          string          `json:"id"`
	Ticker      string          `json:"ticker"`
	Name        string          `json:"name,omitempty"`
	Precision   int32           `json:"precision"`
	Quantity    uint64          `json:"quantity"`
	Value       decimal.Decimal `json:"value"`
	IsSynthetic bool            `json:"isSynthetic"`
	MinRatio    int64           `json:"ratio,omitempty"`
}

// Amount returns the quantity in whole units.
func (a Asset) Amount() decimal.Decimal {
	return helpers.FromSatoshi(a.Quantity, a.Precision)
}

// Worth returns the quantity priced in the reference currency.
func (a Asset) Worth() decimal.Decimal {
	return a.Amount().Mul(a.Value)
}

// WithQuantity returns a copy of a holding q.
func (a Asset) WithQuantity(q uint64) Asset {
	a.Quantity = q
	return a
}
