package txbuilder

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/psetv2"
)

// SignClaimInput signs the swap claim input at idx with key and stores the
// signature as a partial signature. The sighash commits to the skeleton as
// it is now, so it must be called after the covenant proposal is applied.
func (s *Skeleton) SignClaimInput(idx int, key *btcec.PrivateKey, redeemScript []byte) error {
	in, err := s.input(idx)
	if err != nil {
		return err
	}
	if in.WitnessUtxo == nil {
		return fmt.Errorf("input %d has no witness utxo", idx)
	}

	tx, err := s.Pset.UnsignedTx()
	if err != nil {
		return fmt.Errorf("failed to get unsigned tx: %w", err)
	}
	hash := tx.HashForWitnessV0(idx, redeemScript, in.WitnessUtxo.Value, txscript.SigHashAll)

	sig := ecdsa.Sign(key, hash[:])
	sigBytes := append(sig.Serialize(), byte(txscript.SigHashAll))
	pubKey := key.PubKey().SerializeCompressed()

	for i, ps := range in.PartialSigs {
		if bytes.Equal(ps.PubKey, pubKey) {
			in.PartialSigs[i].Signature = sigBytes
			return nil
		}
	}
	in.PartialSigs = append(in.PartialSigs, psetv2.PartialSig{
		PubKey:    pubKey,
		Signature: sigBytes,
	})
	return nil
}

// FinalizeSwapClaimInput writes the claim witness [signature, preimage,
// redeemScript] for the input at idx using the partial signature made by
// claimPubKey. Signatures by any other key are ignored.
func FinalizeSwapClaimInput(s *Skeleton, idx int, claimPubKey, preimage, redeemScript []byte) error {
	in, err := s.input(idx)
	if err != nil {
		return err
	}

	var signature []byte
	for _, ps := range in.PartialSigs {
		if len(claimPubKey) > 0 && bytes.Equal(ps.PubKey, claimPubKey) {
			signature = ps.Signature
			break
		}
	}
	if len(signature) == 0 {
		return fmt.Errorf("%w: claim input %d has no signature for the claim key", ErrMissingSignature, idx)
	}

	witness, err := serializeWitness([][]byte{signature, preimage, redeemScript})
	if err != nil {
		return err
	}
	in.FinalScriptWitness = witness
	return nil
}

// FinalizeCovenantInput applies the covenant witness returned with the
// proposal. An input that is already final is left alone.
func FinalizeCovenantInput(s *Skeleton, idx int) error {
	in, err := s.input(idx)
	if err != nil {
		return err
	}
	if len(in.FinalScriptWitness) > 0 {
		return nil
	}

	stack, ok := s.CovenantWitness[idx]
	if !ok {
		return fmt.Errorf("%w: input %d", ErrMissingWitness, idx)
	}
	witness, err := serializeWitness(stack)
	if err != nil {
		return err
	}
	in.FinalScriptWitness = witness
	return nil
}

// FinalizeCovenantInputs finalizes every input the covenant supplied a
// witness for, plus the covenant inputs of the layout.
func FinalizeCovenantInputs(s *Skeleton) error {
	seen := make(map[int]bool)
	indexes := append([]int(nil), s.Layout.CovenantInputs...)
	for idx := range s.CovenantWitness {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		if seen[idx] {
			continue
		}
		seen[idx] = true
		if err := FinalizeCovenantInput(s, idx); err != nil {
			return err
		}
	}
	return nil
}

// FinalizeWalletInputs finalizes wallet inputs the wallet signed but did
// not finalize itself.
func FinalizeWalletInputs(s *Skeleton) error {
	for _, idx := range s.Layout.WalletInputs {
		in, err := s.input(idx)
		if err != nil {
			return err
		}
		if len(in.FinalScriptWitness) > 0 || len(in.FinalScriptSig) > 0 {
			continue
		}
		if len(in.PartialSigs) == 0 {
			return fmt.Errorf("%w: wallet input %d", ErrMissingSignature, idx)
		}
		if err := psetv2.Finalize(s.Pset, idx); err != nil {
			return fmt.Errorf("failed to finalize wallet input %d: %w", idx, err)
		}
	}
	return nil
}

// Extract returns the raw transaction hex and txid of a finalized
// skeleton.
func Extract(s *Skeleton) (string, string, error) {
	tx, err := psetv2.Extract(s.Pset)
	if err != nil {
		return "", "", fmt.Errorf("failed to extract transaction: %w", err)
	}
	raw, err := tx.ToHex()
	if err != nil {
		return "", "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return raw, tx.TxHash().String(), nil
}

// VerifyProposal checks that a counterparty PSET keeps every input and
// output of ours at the same index. Explicit outputs must match exactly;
// outputs we asked to be blinded only need the same script.
//
// The counterparty may append inputs only if it supplies their witness in
// witnesses, so the wallet is never asked to spend them. Appended outputs
// must be explicit and, per asset, are bounded by the value of the
// appended inputs.
func VerifyProposal(ours, theirs *psetv2.Pset, witnesses map[int][][]byte) error {
	if len(theirs.Inputs) < len(ours.Inputs) {
		return fmt.Errorf("%w: %d inputs, want at least %d", ErrProposalMismatch, len(theirs.Inputs), len(ours.Inputs))
	}
	if len(theirs.Outputs) < len(ours.Outputs) {
		return fmt.Errorf("%w: %d outputs, want at least %d", ErrProposalMismatch, len(theirs.Outputs), len(ours.Outputs))
	}

	for i, in := range ours.Inputs {
		got := theirs.Inputs[i]
		if !bytes.Equal(in.PreviousTxid, got.PreviousTxid) || in.PreviousTxIndex != got.PreviousTxIndex {
			return fmt.Errorf("%w: input %d spends a different outpoint", ErrProposalMismatch, i)
		}
	}

	for i, out := range ours.Outputs {
		got := theirs.Outputs[i]
		if !bytes.Equal(out.Script, got.Script) {
			return fmt.Errorf("%w: output %d script changed", ErrProposalMismatch, i)
		}
		if len(out.BlindingPubkey) > 0 {
			continue
		}
		if assetID(out.Asset) != assetID(got.Asset) {
			return fmt.Errorf("%w: output %d asset changed", ErrProposalMismatch, i)
		}
		if out.Value != got.Value {
			return fmt.Errorf("%w: output %d value %d, want %d", ErrProposalMismatch, i, got.Value, out.Value)
		}
	}

	// Value the counterparty brought in, per asset.
	budget := make(map[string]uint64)
	for i := len(ours.Inputs); i < len(theirs.Inputs); i++ {
		if _, ok := witnesses[i]; !ok {
			return fmt.Errorf("%w: appended input %d has no covenant witness", ErrProposalMismatch, i)
		}
		utxo := theirs.Inputs[i].WitnessUtxo
		if utxo == nil {
			return fmt.Errorf("%w: appended input %d has no witness utxo", ErrProposalMismatch, i)
		}
		if len(utxo.Asset) == 33 && utxo.Asset[0] == 1 && len(utxo.Value) == 9 && utxo.Value[0] == 1 {
			value, err := elementsutil.ValueFromBytes(utxo.Value)
			if err != nil {
				return fmt.Errorf("%w: appended input %d: %v", ErrProposalMismatch, i, err)
			}
			budget[assetID(utxo.Asset[1:])] += value
		}
	}

	for i := len(ours.Outputs); i < len(theirs.Outputs); i++ {
		out := theirs.Outputs[i]
		if len(out.BlindingPubkey) > 0 || len(out.ValueCommitment) > 0 || len(out.AssetCommitment) > 0 {
			return fmt.Errorf("%w: appended output %d is not explicit", ErrProposalMismatch, i)
		}
		asset := assetID(out.Asset)
		if out.Value > budget[asset] {
			return fmt.Errorf("%w: appended output %d spends %d of %s not brought in by the counterparty", ErrProposalMismatch, i, out.Value, asset)
		}
		budget[asset] -= out.Value
	}
	return nil
}

// ApplyProposal verifies a counterparty PSET and adopts it together with
// its covenant witness stacks.
func (s *Skeleton) ApplyProposal(theirs *psetv2.Pset, witnesses map[int][][]byte) error {
	for idx := range witnesses {
		if idx < 0 || idx >= len(theirs.Inputs) {
			return fmt.Errorf("%w: witness for input %d", ErrProposalMismatch, idx)
		}
	}
	if err := VerifyProposal(s.Pset, theirs, witnesses); err != nil {
		return err
	}
	s.Pset = theirs
	for idx, stack := range witnesses {
		s.CovenantWitness[idx] = stack
	}
	return nil
}

// ApplySigned adopts a wallet-signed copy of the skeleton. The signed PSET
// must describe the same transaction. Claim signatures the wallet dropped
// are carried over, and anything the wallet put on an input the covenant
// unlocks is discarded.
func (s *Skeleton) ApplySigned(signed *psetv2.Pset) error {
	want, err := unsignedHash(s.Pset)
	if err != nil {
		return err
	}
	got, err := unsignedHash(signed)
	if err != nil {
		return err
	}
	if want != got {
		return fmt.Errorf("%w: signed transaction %s, want %s", ErrProposalMismatch, got, want)
	}

	for _, idx := range s.Layout.ClaimInputs {
		if len(signed.Inputs[idx].PartialSigs) == 0 && len(signed.Inputs[idx].FinalScriptWitness) == 0 {
			signed.Inputs[idx].PartialSigs = s.Pset.Inputs[idx].PartialSigs
		}
	}
	for idx := range s.CovenantWitness {
		signed.Inputs[idx].PartialSigs = s.Pset.Inputs[idx].PartialSigs
		signed.Inputs[idx].FinalScriptWitness = s.Pset.Inputs[idx].FinalScriptWitness
	}
	s.Pset = signed
	return nil
}

// serializeWitness encodes a witness stack the way a PSET stores a final
// script witness: a count followed by length-prefixed items.
func serializeWitness(stack [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(stack))); err != nil {
		return nil, err
	}
	for _, item := range stack {
		if err := wire.WriteVarBytes(&buf, 0, item); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
