package swap

import (
	"encoding/hex"
	"fmt"

	"github.com/fuji-money/fujiswap/internal/config"
)

// Validation check names, reported in ValidationError.Check.
const (
	CheckInvoice  = "invoice payment hash"
	CheckAddress  = "lockup address"
	CheckScript   = "redeem script"
	CheckTimelock = "timeout block height"
	CheckAmount   = "amount"
	CheckLimits   = "lightning limits"
	CheckBuild    = "transaction"
	CheckProposal = "covenant proposal"
)

// ReverseSwap is a swap where we pay a lightning invoice and claim an
// on-chain lockup with the preimage.
type ReverseSwap struct {
	ID                 string
	Preimage           []byte
	PreimageHash       []byte
	ClaimPublicKey     []byte
	Invoice            string
	InvoiceAmount      uint64
	OnchainAmount      uint64
	LockupAddress      string
	RedeemScript       []byte
	TimeoutBlockHeight uint32
}

// Validate runs every check on data returned by the swap provider. The
// record is rejected as a whole on the first failure.
//
// When InvoiceAmount was not requested it is taken from the invoice, which
// must then cost at least OnchainAmount and at most OnchainAmount plus
// the swap fee allowance. A non-zero tip bounds the timelock window.
func (r *ReverseSwap) Validate(net config.NetworkType, tip uint32) error {
	inv, err := DecodeInvoice(r.Invoice, net)
	if err != nil {
		return &ValidationError{Check: CheckInvoice, Err: err}
	}
	if !inv.PaysPreimage(r.Preimage) {
		return &ValidationError{Check: CheckInvoice}
	}
	if inv.AmountSat == 0 {
		return &ValidationError{Check: CheckAmount, Err: fmt.Errorf("invoice has no amount")}
	}
	if r.InvoiceAmount != 0 && inv.AmountSat != r.InvoiceAmount {
		return &ValidationError{
			Check: CheckAmount,
			Err:   fmt.Errorf("invoice is for %d sats, requested %d", inv.AmountSat, r.InvoiceAmount),
		}
	}
	if r.OnchainAmount != 0 {
		if limit := r.OnchainAmount + config.SwapFeeAllowance(r.OnchainAmount); inv.AmountSat < r.OnchainAmount || inv.AmountSat > limit {
			return &ValidationError{
				Check: CheckAmount,
				Err:   fmt.Errorf("invoice for %d sats outside [%d, %d] for %d on chain", inv.AmountSat, r.OnchainAmount, limit, r.OnchainAmount),
			}
		}
	}
	r.InvoiceAmount = inv.AmountSat

	if !ScriptDerivesAddress(r.LockupAddress, r.RedeemScript) {
		return &ValidationError{Check: CheckAddress}
	}

	if !ValidateReverseSwapScript(r.Preimage, r.ClaimPublicKey, r.RedeemScript) {
		return &ValidationError{Check: CheckScript}
	}

	return checkTimelock(r.RedeemScript, r.TimeoutBlockHeight, tip)
}

// checkTimelock compares the script timelock with the one the provider
// reported, when it reported one, and keeps it within
// config.MaxSwapTimeoutBlocks above a known tip.
func checkTimelock(redeemScript []byte, reported, tip uint32) error {
	locktime, err := ScriptTimelock(redeemScript)
	if err != nil {
		return &ValidationError{Check: CheckTimelock, Err: err}
	}
	if reported != 0 && locktime != reported {
		return &ValidationError{
			Check: CheckTimelock,
			Err:   fmt.Errorf("script locks until %d, provider reported %d", locktime, reported),
		}
	}
	if tip == 0 {
		return nil
	}
	if locktime <= tip || locktime-tip > config.MaxSwapTimeoutBlocks {
		return &ValidationError{
			Check: CheckTimelock,
			Err:   fmt.Errorf("timelock %d outside (%d, %d]", locktime, tip, tip+config.MaxSwapTimeoutBlocks),
		}
	}
	return nil
}

// SubmarineSwap is a forward swap: we lock funds on chain and the provider
// pays our lightning invoice.
type SubmarineSwap struct {
	ID                 string
	Invoice            string
	InvoiceAmount      uint64
	PaymentHash        []byte
	RefundPublicKey    []byte
	Address            string
	RedeemScript       []byte
	ExpectedAmount     uint64
	TimeoutBlockHeight uint32
}

// Validate checks the provider's script and address against our refund key
// and caps the amount we are asked to lock by maxAmount and, when
// InvoiceAmount is known, by the invoice plus the swap fee allowance. When
// PaymentHash is set the script must also be locked to it. A non-zero tip
// bounds how long the funds can stay locked.
func (s *SubmarineSwap) Validate(refundPubKey []byte, maxAmount uint64, tip uint32) error {
	if !ValidateForwardSwapScript(s.RedeemScript, refundPubKey) {
		return &ValidationError{Check: CheckScript}
	}
	if len(s.PaymentHash) > 0 {
		tokens, _ := disasmTokens(s.RedeemScript)
		if tokens[forwardPreimageHashIdx] != hex.EncodeToString(ripemd160Of(s.PaymentHash)) {
			return &ValidationError{Check: CheckInvoice, Err: fmt.Errorf("script is not locked to the invoice payment hash")}
		}
	}
	if !ScriptDerivesAddress(s.Address, s.RedeemScript) {
		return &ValidationError{Check: CheckAddress}
	}
	if s.ExpectedAmount == 0 || s.ExpectedAmount > maxAmount {
		return &ValidationError{
			Check: CheckAmount,
			Err:   fmt.Errorf("expected amount %d outside (0, %d]", s.ExpectedAmount, maxAmount),
		}
	}
	if s.InvoiceAmount != 0 {
		limit := s.InvoiceAmount + config.SwapFeeAllowance(s.InvoiceAmount)
		if s.ExpectedAmount < s.InvoiceAmount || s.ExpectedAmount > limit {
			return &ValidationError{
				Check: CheckAmount,
				Err:   fmt.Errorf("expected amount %d outside [%d, %d] for a %d sat invoice", s.ExpectedAmount, s.InvoiceAmount, limit, s.InvoiceAmount),
			}
		}
	}
	return checkTimelock(s.RedeemScript, s.TimeoutBlockHeight, tip)
}
