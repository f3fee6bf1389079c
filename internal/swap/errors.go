package swap

import (
	"errors"
	"fmt"

	"github.com/fuji-money/fujiswap/internal/backend"
	"github.com/fuji-money/fujiswap/internal/covenant"
	"github.com/fuji-money/fujiswap/internal/ledger"
	"github.com/fuji-money/fujiswap/internal/txbuilder"
)

// Controller errors
var (
	ErrAttemptActive     = errors.New("swap attempt already running")
	ErrNotFailed         = errors.New("retry is only allowed after a failure")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrTaskDisabled      = errors.New("task is disabled")
	ErrNoFunding         = errors.New("funding wait returned no outputs")
)

// ValidationError is a mismatch in data received from a counterparty or a
// rejected build. It is fatal to the attempt and never retried.
type ValidationError struct {
	Check string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("validation failed: %s", e.Check)
	}
	return fmt.Sprintf("validation failed: %s: %v", e.Check, e.Err)
}

func (e *ValidationError) Unwrap() error   { return e.Err }
func (e *ValidationError) Retryable() bool { return false }

// TimeoutError means the invoice or funding wait expired.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string   { return fmt.Sprintf("timeout: %v", e.Err) }
func (e *TimeoutError) Unwrap() error   { return e.Err }
func (e *TimeoutError) Retryable() bool { return true }

// CounterpartyRejection carries the covenant's refusal verbatim.
type CounterpartyRejection struct {
	Reason string
	Err    error
}

func (e *CounterpartyRejection) Error() string   { return e.Reason }
func (e *CounterpartyRejection) Unwrap() error   { return e.Err }
func (e *CounterpartyRejection) Retryable() bool { return false }

// SigningError means the wallet refused or failed to sign.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string   { return fmt.Sprintf("signing failed: %v", e.Err) }
func (e *SigningError) Unwrap() error   { return e.Err }
func (e *SigningError) Retryable() bool { return true }

// BroadcastError is a negative or malformed broadcast response.
type BroadcastError struct {
	Err error
}

func (e *BroadcastError) Error() string   { return fmt.Sprintf("broadcast failed: %v", e.Err) }
func (e *BroadcastError) Unwrap() error   { return e.Err }
func (e *BroadcastError) Retryable() bool { return true }

// Retryable reports whether err may be resolved by starting a new attempt.
func Retryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// classify maps lower-layer errors into the attempt error taxonomy.
// Errors that already belong to it are returned unchanged.
func classify(check string, err error) error {
	if err == nil {
		return nil
	}

	var (
		ve *ValidationError
		te *TimeoutError
		cr *CounterpartyRejection
		se *SigningError
		be *BroadcastError
	)
	if errors.As(err, &ve) || errors.As(err, &te) || errors.As(err, &cr) ||
		errors.As(err, &se) || errors.As(err, &be) {
		return err
	}

	var rej *covenant.Rejection
	switch {
	case errors.As(err, &rej):
		return &CounterpartyRejection{Reason: rej.Message, Err: err}
	case errors.Is(err, backend.ErrFundingExpired):
		return &TimeoutError{Err: err}
	case errors.Is(err, backend.ErrBroadcastFailed):
		return &BroadcastError{Err: err}
	case errors.Is(err, txbuilder.ErrMissingSignature):
		return &SigningError{Err: err}
	case errors.Is(err, txbuilder.ErrInsufficientFunds),
		errors.Is(err, txbuilder.ErrBelowDust),
		errors.Is(err, txbuilder.ErrCollateralTooLow),
		errors.Is(err, txbuilder.ErrProposalMismatch),
		errors.Is(err, ledger.ErrNoopTopup),
		errors.Is(err, ledger.ErrBelowMinRatio),
		errors.Is(err, ledger.ErrPayoutBelowDust),
		errors.Is(err, ledger.ErrCollateralTooLow):
		return &ValidationError{Check: check, Err: err}
	}
	return err
}
