package swap

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/fuji-money/fujiswap/pkg/helpers"
)

// EphemeralKey is the single-use claim key and preimage of one attempt.
type EphemeralKey struct {
	priv     *btcec.PrivateKey
	preimage lntypes.Preimage
}

// NewEphemeralKey generates a fresh key and preimage.
func NewEphemeralKey() (*EphemeralKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	secret, err := helpers.GenerateSecureRandom(lntypes.PreimageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate preimage: %w", err)
	}
	preimage, err := lntypes.MakePreimage(secret)
	if err != nil {
		return nil, err
	}

	return &EphemeralKey{priv: priv, preimage: preimage}, nil
}

// ParseEphemeralKey restores a key from its stored private key and
// preimage. The preimage may be empty for forward swap refund keys.
func ParseEphemeralKey(privKey, preimage []byte) (*EphemeralKey, error) {
	if len(privKey) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", secp256k1.PrivKeyBytesLen, len(privKey))
	}
	k := &EphemeralKey{priv: secp256k1.PrivKeyFromBytes(privKey)}
	if len(preimage) > 0 {
		p, err := lntypes.MakePreimage(preimage)
		if err != nil {
			return nil, err
		}
		k.preimage = p
	}
	return k, nil
}

// PrivKey returns the signing key.
func (k *EphemeralKey) PrivKey() *btcec.PrivateKey { return k.priv }

// PubKey returns the compressed public key.
func (k *EphemeralKey) PubKey() []byte { return k.priv.PubKey().SerializeCompressed() }

// PubKeyHex returns the compressed public key in hex.
func (k *EphemeralKey) PubKeyHex() string { return hex.EncodeToString(k.PubKey()) }

// Preimage returns the swap secret.
func (k *EphemeralKey) Preimage() []byte { return k.preimage[:] }

// PaymentHash returns sha256 of the preimage.
func (k *EphemeralKey) PaymentHash() lntypes.Hash { return k.preimage.Hash() }

// Serialize returns the raw private key bytes for persistence.
func (k *EphemeralKey) Serialize() []byte { return k.priv.Serialize() }

// Zero clears the private key and preimage from memory.
func (k *EphemeralKey) Zero() {
	if k == nil {
		return
	}
	k.priv.Zero()
	helpers.SecureClear(k.preimage[:])
}
