// Package swap - redeem script templates for submarine swaps.
// This file contains the template checks run against every script a swap
// provider returns, plus builders for the same templates.
package swap

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/vulpemventures/go-elements/address"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // hash160 is ripemd160 by definition

	"github.com/fuji-money/fujiswap/internal/config"
)

// Token positions of counterparty-chosen values inside the disassembled
// templates.
const (
	forwardPreimageHashIdx = 1
	forwardClaimKeyIdx     = 4
	forwardTimelockIdx     = 6

	reverseTimelockIdx  = 10
	reverseRefundKeyIdx = 13
)

// disasmTokens splits the one-line disassembly of a script into tokens.
func disasmTokens(script []byte) ([]string, bool) {
	if len(script) == 0 {
		return nil, false
	}
	asm, err := txscript.DisasmString(script)
	if err != nil {
		return nil, false
	}
	return strings.Split(asm, " "), true
}

func tokensEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ValidateForwardSwapScript reports whether redeemScript is a forward swap
// script refundable by refundPubKey.
//
// Template:
//
//	OP_HASH160 <preimageHash> OP_EQUAL
//	OP_IF
//	    <claimPubKey>
//	OP_ELSE
//	    <cltv> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <refundPubKey>
//	OP_ENDIF
//	OP_CHECKSIG
//
// The preimage hash, claim key and timelock are chosen by the provider and
// read back from the candidate.
func ValidateForwardSwapScript(redeemScript, refundPubKey []byte) bool {
	tokens, ok := disasmTokens(redeemScript)
	if !ok || len(tokens) <= forwardTimelockIdx {
		return false
	}

	expected := []string{
		"OP_HASH160",
		tokens[forwardPreimageHashIdx],
		"OP_EQUAL",
		"OP_IF",
		tokens[forwardClaimKeyIdx],
		"OP_ELSE",
		tokens[forwardTimelockIdx],
		"OP_CHECKLOCKTIMEVERIFY",
		"OP_DROP",
		hex.EncodeToString(refundPubKey),
		"OP_ENDIF",
		"OP_CHECKSIG",
	}
	return tokensEqual(tokens, expected)
}

// ValidateReverseSwapScript reports whether redeemScript is a reverse swap
// script claimable by claimPubKey with preimage.
//
// Template:
//
//	OP_SIZE 20 OP_EQUAL
//	OP_IF
//	    OP_HASH160 <hash160(preimage)> OP_EQUALVERIFY
//	    <claimPubKey>
//	OP_ELSE
//	    OP_DROP <cltv> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <refundPubKey>
//	OP_ENDIF
//	OP_CHECKSIG
func ValidateReverseSwapScript(preimage, claimPubKey, redeemScript []byte) bool {
	tokens, ok := disasmTokens(redeemScript)
	if !ok || len(tokens) <= reverseRefundKeyIdx {
		return false
	}

	expected := []string{
		"OP_SIZE",
		"20",
		"OP_EQUAL",
		"OP_IF",
		"OP_HASH160",
		hex.EncodeToString(btcutil.Hash160(preimage)),
		"OP_EQUALVERIFY",
		hex.EncodeToString(claimPubKey),
		"OP_ELSE",
		"OP_DROP",
		tokens[reverseTimelockIdx],
		"OP_CHECKLOCKTIMEVERIFY",
		"OP_DROP",
		tokens[reverseRefundKeyIdx],
		"OP_ENDIF",
		"OP_CHECKSIG",
	}
	return tokensEqual(tokens, expected)
}

// WitnessScriptHash returns the P2WSH output script for redeemScript.
// Format: OP_0 <sha256(redeemScript)>
func WitnessScriptHash(redeemScript []byte) []byte {
	h := sha256.Sum256(redeemScript)
	out := make([]byte, 0, 34)
	out = append(out, txscript.OP_0, txscript.OP_DATA_32)
	return append(out, h[:]...)
}

// ScriptDerivesAddress reports whether addr pays to the P2WSH output of
// redeemScript. Confidential and unconfidential addresses are accepted.
func ScriptDerivesAddress(addr string, redeemScript []byte) bool {
	if len(redeemScript) == 0 {
		return false
	}
	outputScript, err := address.ToOutputScript(addr)
	if err != nil {
		return false
	}
	return bytes.Equal(outputScript, WitnessScriptHash(redeemScript))
}

// LockupAddress returns the unconfidential P2WSH address of redeemScript.
func LockupAddress(redeemScript []byte, net config.NetworkType) (string, error) {
	h := sha256.Sum256(redeemScript)
	return address.ToBech32(&address.Bech32{
		Prefix:  config.ElementsParams(net).Bech32,
		Version: 0,
		Program: h[:],
	})
}

// ScriptTimelock extracts the absolute timelock pushed before
// OP_CHECKLOCKTIMEVERIFY in a swap script.
func ScriptTimelock(redeemScript []byte) (uint32, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, redeemScript)

	var prevOp byte
	var prevData []byte
	for tokenizer.Next() {
		if tokenizer.Opcode() == txscript.OP_CHECKLOCKTIMEVERIFY {
			return decodeScriptNum(prevOp, prevData)
		}
		prevOp = tokenizer.Opcode()
		prevData = tokenizer.Data()
	}
	if err := tokenizer.Err(); err != nil {
		return 0, fmt.Errorf("failed to parse script: %w", err)
	}
	return 0, fmt.Errorf("script has no OP_CHECKLOCKTIMEVERIFY")
}

// decodeScriptNum decodes a minimally pushed, non-negative script number.
func decodeScriptNum(op byte, data []byte) (uint32, error) {
	if op >= txscript.OP_1 && op <= txscript.OP_16 {
		return uint32(op - (txscript.OP_1 - 1)), nil
	}
	if op == txscript.OP_0 {
		return 0, nil
	}
	if len(data) == 0 || len(data) > 5 {
		return 0, fmt.Errorf("invalid timelock push of %d bytes", len(data))
	}
	if data[len(data)-1]&0x80 != 0 {
		return 0, fmt.Errorf("negative timelock")
	}

	var v uint64
	for i, b := range data {
		v |= uint64(b) << (8 * i)
	}
	if v > 0xFFFFFFFF {
		return 0, fmt.Errorf("timelock out of range")
	}
	return uint32(v), nil
}

// BuildReverseSwapScript creates a reverse swap script claimable by
// claimPubKey with the preimage of preimageHash (sha256), refundable by
// refundPubKey after timeoutBlockHeight.
func BuildReverseSwapScript(preimageHash, claimPubKey, refundPubKey []byte, timeoutBlockHeight uint32) ([]byte, error) {
	if len(preimageHash) != 32 {
		return nil, fmt.Errorf("preimage hash must be 32 bytes, got %d", len(preimageHash))
	}
	if len(claimPubKey) != 33 {
		return nil, fmt.Errorf("claim pubkey must be 33 bytes (compressed), got %d", len(claimPubKey))
	}
	if len(refundPubKey) != 33 {
		return nil, fmt.Errorf("refund pubkey must be 33 bytes (compressed), got %d", len(refundPubKey))
	}
	if timeoutBlockHeight == 0 {
		return nil, fmt.Errorf("timeout block height must be greater than 0")
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_SIZE)
	builder.AddData([]byte{0x20})
	builder.AddOp(txscript.OP_EQUAL)

	// Claim with preimage
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(ripemd160Of(preimageHash))
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(claimPubKey)

	// Refund after timeout
	builder.AddOp(txscript.OP_ELSE)
	builder.AddOp(txscript.OP_DROP)
	builder.AddInt64(int64(timeoutBlockHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(refundPubKey)
	builder.AddOp(txscript.OP_ENDIF)

	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// BuildForwardSwapScript creates a forward swap script claimable by
// claimPubKey with a preimage of preimageHash (hash160), refundable by
// refundPubKey after timeoutBlockHeight.
func BuildForwardSwapScript(preimageHash160, claimPubKey, refundPubKey []byte, timeoutBlockHeight uint32) ([]byte, error) {
	if len(preimageHash160) != 20 {
		return nil, fmt.Errorf("preimage hash160 must be 20 bytes, got %d", len(preimageHash160))
	}
	if len(claimPubKey) != 33 || len(refundPubKey) != 33 {
		return nil, fmt.Errorf("pubkeys must be 33 bytes (compressed)")
	}
	if timeoutBlockHeight == 0 {
		return nil, fmt.Errorf("timeout block height must be greater than 0")
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(preimageHash160)
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddData(claimPubKey)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(timeoutBlockHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(refundPubKey)
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// ripemd160Of turns sha256(preimage) into hash160(preimage).
func ripemd160Of(sha256Hash []byte) []byte {
	h := ripemd160.New()
	h.Write(sha256Hash)
	return h.Sum(nil)
}
