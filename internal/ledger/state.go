package ledger

// State is the derived lifecycle state of a position.
type State string

const (
	StateCritical    State = "critical"
	StateLiquidated  State = "liquidated"
	StateRedeemed    State = "closed"
	StateSafe        State = "safe"
	StateTopuped     State = "topuped"
	StateUnconfirmed State = "unconfirmed"
	StateUnknown     State = "unknown"
	StateUnsafe      State = "unsafe"
)

// State computes the state of p from its marker, confirmation status and
// collateral ratio. It is never cached on the position.
func (p *Position) State() State {
	if p.Marker == MarkerRedeemed {
		return StateRedeemed
	}
	if p.TxID == "" {
		return StateUnconfirmed
	}
	if p.Marker == MarkerTopuped {
		return StateTopuped
	}
	if !p.Confirmed {
		return StateUnconfirmed
	}

	ratio, err := Ratio(p)
	if err != nil {
		return StateUnknown
	}

	switch {
	case ratio.LessThan(p.Thresholds.Liquidation):
		return StateLiquidated
	case ratio.LessThan(p.Thresholds.Critical):
		return StateCritical
	case ratio.LessThan(p.Thresholds.Unsafe):
		return StateUnsafe
	default:
		return StateSafe
	}
}

// Retired reports whether the position no longer holds collateral.
func (s State) Retired() bool {
	return s == StateRedeemed || s == StateLiquidated
}
