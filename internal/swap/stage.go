package swap

import (
	"time"

	"github.com/fuji-money/fujiswap/internal/config"
)

// Stage is a step of a swap attempt.
type Stage string

const (
	StageIdle              Stage = "idle"
	StageNeedsInvoice      Stage = "needs_invoice"
	StageNeedsPayment      Stage = "needs_payment"
	StagePaymentReceived   Stage = "payment_received"
	StageNeedsFujiApproval Stage = "needs_fuji_approval"
	StageNeedsConfirmation Stage = "needs_confirmation"
	StageNeedsFinishing    Stage = "needs_finishing"
	StageSuccess           Stage = "success"
	StageFailure           Stage = "failure"
)

// validTransitions defines the allowed stage transitions. Any stage other
// than Idle and Success may fail.
var validTransitions = map[Stage][]Stage{
	StageIdle:              {StageNeedsInvoice, StageNeedsFujiApproval},
	StageNeedsInvoice:      {StageNeedsPayment, StageFailure},
	StageNeedsPayment:      {StagePaymentReceived, StageFailure},
	StagePaymentReceived:   {StageNeedsFujiApproval, StageFailure},
	StageNeedsFujiApproval: {StageNeedsConfirmation, StageFailure},
	StageNeedsConfirmation: {StageNeedsFinishing, StageFailure},
	StageNeedsFinishing:    {StageSuccess, StageFailure},
	StageSuccess:           {StageIdle},
	StageFailure:           {StageIdle, StageNeedsInvoice},
}

// CanTransition checks if a transition from one stage to another is valid.
func CanTransition(from, to Stage) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further work happens in s.
func (s Stage) IsTerminal() bool {
	return s == StageSuccess || s == StageFailure
}

// StageEvent is emitted on every stage change of an attempt.
type StageEvent struct {
	AttemptID  string      `json:"attemptId"`
	PositionID string      `json:"positionId"`
	Task       config.Task `json:"task"`
	Stage      Stage       `json:"stage"`
	Error      string      `json:"error,omitempty"`
	TxID       string      `json:"txid,omitempty"`
	Invoice    string      `json:"invoice,omitempty"`
	Time       time.Time   `json:"time"`
}
