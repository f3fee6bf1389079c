// Package txbuilder assembles the covenant transactions that move
// collateral between a wallet, a swap lockup and a covenant position.
//
// Builds are pure: the same request always yields the same PSET. Signing
// and finalization operate on the returned Skeleton in place.
package txbuilder

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/psetv2"
	"github.com/vulpemventures/go-elements/transaction"

	"github.com/fuji-money/fujiswap/internal/config"
	"github.com/fuji-money/fujiswap/pkg/helpers"
)

// Builder errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrBelowDust             = errors.New("output below dust limit")
	ErrCollateralTooLow      = errors.New("collateral too low")
	ErrMissingSignature      = errors.New("missing signature")
	ErrMissingCovenantScript = errors.New("position has no covenant script")
	ErrMissingDestination    = errors.New("missing output destination")
	ErrMissingWitness        = errors.New("missing covenant witness")
	ErrProposalMismatch      = errors.New("proposal does not match skeleton")
	ErrInvalidInputIndex     = errors.New("invalid input index")
)

// Coin is a spendable output. WitnessUtxo holds the exact prevout when it
// is known (swap lockups, confidential wallet coins); otherwise an
// explicit prevout is derived from Asset, Value and Script.
type Coin struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Asset  string `json:"asset"`
	Value  uint64 `json:"value"`
	Script []byte `json:"script,omitempty"`

	WitnessUtxo *transaction.TxOutput `json:"-"`

	// RedeemScript is set on swap lockup coins.
	RedeemScript []byte `json:"-"`
}

func (c Coin) key() string {
	return fmt.Sprintf("%s:%d", c.TxID, c.Vout)
}

func (c Coin) prevout() (*transaction.TxOutput, error) {
	if c.WitnessUtxo != nil {
		return c.WitnessUtxo, nil
	}
	return explicitOutput(c.Asset, c.Value, c.Script)
}

// Destination is an output script with an optional blinding public key.
// Outputs with a blinding key are blinded before broadcast.
type Destination struct {
	Script      []byte `json:"script"`
	BlindingKey []byte `json:"blindingKey,omitempty"`
}

// Layout records where the parts of a transaction sit. Indexes that do
// not apply to a task are -1.
type Layout struct {
	Task config.Task `json:"task"`

	ClaimInputs    []int `json:"claimInputs"`
	CovenantInputs []int `json:"covenantInputs"`
	WalletInputs   []int `json:"walletInputs"`

	CollateralVout int   `json:"collateralVout"`
	SyntheticVout  int   `json:"syntheticVout"`
	ReturnVout     int   `json:"returnVout"`
	PayoutVout     int   `json:"payoutVout"`
	BurnVout       int   `json:"burnVout"`
	RemainderVout  int   `json:"remainderVout"`
	ChangeVouts    []int `json:"changeVouts"`
	FeeVout        int   `json:"feeVout"`
}

func newLayout(task config.Task) Layout {
	return Layout{
		Task:           task,
		CollateralVout: -1,
		SyntheticVout:  -1,
		ReturnVout:     -1,
		PayoutVout:     -1,
		BurnVout:       -1,
		RemainderVout:  -1,
		FeeVout:        -1,
	}
}

// Skeleton is an unsigned covenant transaction plus its layout.
type Skeleton struct {
	Pset   *psetv2.Pset
	Layout Layout

	// CovenantWitness holds the witness stacks returned by the covenant
	// counterparty, keyed by input index.
	CovenantWitness map[int][][]byte
}

// Base64 serializes the PSET.
func (s *Skeleton) Base64() (string, error) {
	return s.Pset.ToBase64()
}

// TxHash returns the hash of the unsigned transaction.
func (s *Skeleton) TxHash() (chainhash.Hash, error) {
	return unsignedHash(s.Pset)
}

func unsignedHash(p *psetv2.Pset) (chainhash.Hash, error) {
	tx, err := p.UnsignedTx()
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to get unsigned tx: %w", err)
	}
	return tx.TxHash(), nil
}

func (s *Skeleton) input(idx int) (*psetv2.Input, error) {
	if idx < 0 || idx >= len(s.Pset.Inputs) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidInputIndex, idx, len(s.Pset.Inputs))
	}
	return &s.Pset.Inputs[idx], nil
}

// explicitOutput builds an unblinded output.
func explicitOutput(asset string, value uint64, script []byte) (*transaction.TxOutput, error) {
	assetBytes, err := elementsutil.AssetHashToBytes(asset)
	if err != nil {
		return nil, fmt.Errorf("invalid asset %q: %w", asset, err)
	}
	valueBytes, err := elementsutil.ValueToBytes(value)
	if err != nil {
		return nil, fmt.Errorf("invalid value %d: %w", value, err)
	}
	return transaction.NewTxOutput(assetBytes, valueBytes, script), nil
}

// assetID renders a PSET asset tag, with or without its explicit prefix,
// as a display asset id.
func assetID(tag []byte) string {
	if len(tag) == 33 {
		tag = tag[1:]
	}
	return hex.EncodeToString(helpers.ReverseBytes(tag))
}
