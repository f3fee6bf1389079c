// Package wallet connects fujid to an external Liquid wallet. The wallet
// holds every long-lived key; fujid only reads balances and coins, asks for
// signatures and broadcasts.
package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/vulpemventures/go-elements/transaction"

	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/internal/txbuilder"
	"github.com/fuji-money/fujiswap/pkg/helpers"
)

// Wallet errors
var (
	ErrNotEnabled   = errors.New("wallet is not enabled")
	ErrWrongNetwork = errors.New("wallet is on a different network")
	ErrNotConnected = errors.New("wallet session not connected")
)

// Provider is the wallet surface fujid depends on.
type Provider interface {
	IsEnabled(ctx context.Context) (bool, error)
	GetNetwork(ctx context.Context) (config.NetworkType, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetAddresses(ctx context.Context) ([]Address, error)
	GetNextAddress(ctx context.Context) (*Address, error)
	GetNextChangeAddress(ctx context.Context) (*Address, error)
	GetCoins(ctx context.Context) ([]Coin, error)
	SignTransaction(ctx context.Context, psetBase64 string) (string, error)
	BroadcastTransaction(ctx context.Context, txHex string) (string, error)
}

// Balance is the spendable amount of one asset.
type Balance struct {
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
}

// Address is a wallet receiving address.
type Address struct {
	ConfidentialAddress string `json:"confidentialAddress"`
	Script              string `json:"script"`
	BlindingPublicKey   string `json:"blindingPublicKey,omitempty"`
	PublicKey           string `json:"publicKey,omitempty"`
	DerivationPath      string `json:"derivationPath,omitempty"`
}

// Destination converts the address into a builder output destination.
func (a *Address) Destination() (txbuilder.Destination, error) {
	script, err := hex.DecodeString(a.Script)
	if err != nil || len(script) == 0 {
		return txbuilder.Destination{}, fmt.Errorf("invalid address script %q", a.Script)
	}
	dest := txbuilder.Destination{Script: script}
	if a.BlindingPublicKey != "" {
		key, err := hex.DecodeString(a.BlindingPublicKey)
		if err != nil {
			return txbuilder.Destination{}, fmt.Errorf("invalid blinding key: %w", err)
		}
		dest.BlindingKey = key
	}
	return dest, nil
}

// Coin is an unspent wallet output, already unblinded by the wallet.
// Prevout is the serialized output as it appears on chain, when the
// wallet provides it.
type Coin struct {
	TxID    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Asset   string `json:"asset"`
	Value   uint64 `json:"value"`
	Script  string `json:"script"`
	Prevout *struct {
		Asset string `json:"asset"`
		Value string `json:"value"`
		Nonce string `json:"nonce,omitempty"`
	} `json:"prevout,omitempty"`
}

// BuilderCoin converts c for coin selection.
func (c Coin) BuilderCoin() (txbuilder.Coin, error) {
	script, err := hex.DecodeString(c.Script)
	if err != nil {
		return txbuilder.Coin{}, fmt.Errorf("coin %s:%d: invalid script: %w", c.TxID, c.Vout, err)
	}
	out := txbuilder.Coin{
		TxID:   c.TxID,
		Vout:   c.Vout,
		Asset:  c.Asset,
		Value:  c.Value,
		Script: script,
	}
	if c.Prevout != nil {
		asset, err := helpers.DecodeHexField("prevout asset", c.Prevout.Asset, 33)
		if err != nil {
			return txbuilder.Coin{}, fmt.Errorf("coin %s:%d: %w", c.TxID, c.Vout, err)
		}
		value, err := helpers.DecodeHexField("prevout value", c.Prevout.Value, 0)
		if err != nil {
			return txbuilder.Coin{}, fmt.Errorf("coin %s:%d: %w", c.TxID, c.Vout, err)
		}
		prevout := transaction.NewTxOutput(asset, value, script)
		if c.Prevout.Nonce != "" {
			if prevout.Nonce, err = helpers.DecodeHexField("prevout nonce", c.Prevout.Nonce, 33); err != nil {
				return txbuilder.Coin{}, fmt.Errorf("coin %s:%d: %w", c.TxID, c.Vout, err)
			}
		}
		out.WitnessUtxo = prevout
	}
	return out, nil
}

// BuilderCoins converts coins for coin selection.
func BuilderCoins(coins []Coin) ([]txbuilder.Coin, error) {
	out := make([]txbuilder.Coin, 0, len(coins))
	for _, c := range coins {
		bc, err := c.BuilderCoin()
		if err != nil {
			return nil, err
		}
		out = append(out, bc)
	}
	return out, nil
}
