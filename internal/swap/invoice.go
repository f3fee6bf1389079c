package swap

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/pkg/helpers"
)

// ErrInvoiceNoPaymentHash is returned for invoices without a payment hash.
var ErrInvoiceNoPaymentHash = errors.New("invoice has no payment hash")

// Invoice is the subset of a bolt11 invoice the swap flow relies on.
type Invoice struct {
	Raw         string
	PaymentHash [32]byte
	AmountSat   uint64
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// DecodeInvoice parses a bolt11 invoice for the lightning network paired
// with net.
func DecodeInvoice(raw string, net config.NetworkType) (*Invoice, error) {
	decoded, err := zpay32.Decode(raw, config.LightningParams(net))
	if err != nil {
		return nil, fmt.Errorf("failed to decode invoice: %w", err)
	}
	if decoded.PaymentHash == nil {
		return nil, ErrInvoiceNoPaymentHash
	}

	inv := &Invoice{
		Raw:         raw,
		PaymentHash: *decoded.PaymentHash,
		CreatedAt:   decoded.Timestamp,
		ExpiresAt:   decoded.Timestamp.Add(decoded.Expiry()),
	}
	if decoded.MilliSat != nil {
		inv.AmountSat = uint64(*decoded.MilliSat) / 1000
	}
	return inv, nil
}

// PaysPreimage reports whether the invoice is locked to sha256(preimage).
func (i *Invoice) PaysPreimage(preimage []byte) bool {
	h := sha256.Sum256(preimage)
	return helpers.ConstantTimeCompare(i.PaymentHash[:], h[:])
}

// Expired reports whether the invoice can no longer be paid at now.
func (i *Invoice) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// FundingDeadline clamps an invoice expiry by the swap's on-chain timeout:
// the earlier of expiresAt and now plus the remaining blocks until
// timeoutBlockHeight at the Liquid block interval.
func FundingDeadline(expiresAt time.Time, timeoutBlockHeight, tip uint32, now time.Time) time.Time {
	if timeoutBlockHeight <= tip {
		return now
	}
	chainDeadline := now.Add(time.Duration(timeoutBlockHeight-tip) * config.LiquidBlockInterval)
	if expiresAt.IsZero() || chainDeadline.Before(expiresAt) {
		return chainDeadline
	}
	return expiresAt
}
