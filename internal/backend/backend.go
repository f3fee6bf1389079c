// Package backend provides the Liquid chain access used by swaps: an
// Esplora HTTP client for UTXOs, transactions and tip height, and an
// Electrum-over-websocket client for script hash subscriptions and
// broadcasts. It never handles private keys.
package backend

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/vulpemventures/go-elements/address"

	"github.com/fuji-money/fujiswap/pkg/helpers"
)

// Common errors
var (
	ErrNotConnected      = errors.New("backend not connected")
	ErrTxNotFound        = errors.New("transaction not found")
	ErrAddressNotFound   = errors.New("address not found")
	ErrBroadcastFailed   = errors.New("broadcast failed")
	ErrRateLimited       = errors.New("rate limited")
	ErrFundingExpired    = errors.New("funding deadline expired")
	ErrAlreadyResolved   = errors.New("subscription already resolved")
	ErrSubscriptionEnded = errors.New("subscription closed")
)

// UTXO is an unspent output reported by Esplora. Value and Asset are empty
// for confidential outputs, which carry commitments instead.
type UTXO struct {
	TxID            string `json:"txid"`
	Vout            uint32 `json:"vout"`
	Value           uint64 `json:"value"`
	Asset           string `json:"asset,omitempty"`
	ValueCommitment string `json:"valuecommitment,omitempty"`
	AssetCommitment string `json:"assetcommitment,omitempty"`
	Confirmed       bool   `json:"confirmed"`
	BlockHeight     int64  `json:"block_height,omitempty"`
}

// Confidential reports whether the output amount is blinded.
func (u UTXO) Confidential() bool {
	return u.ValueCommitment != ""
}

// TxStatus is the confirmation status of a transaction.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// ScriptHash returns the Electrum script hash of an output script:
// sha256 of the script, byte-reversed, hex encoded.
func ScriptHash(outputScript []byte) string {
	h := sha256.Sum256(outputScript)
	return helpers.ReversedHex(h[:])
}

// AddressScriptHash returns the Electrum script hash of a Liquid address.
func AddressScriptHash(addr string) (string, error) {
	script, err := address.ToOutputScript(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return ScriptHash(script), nil
}
