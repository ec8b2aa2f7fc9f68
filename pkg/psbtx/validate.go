package psbtx

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// ValidationResult is the outcome of checking a signed packet against the
// unsigned template it originated from.
type ValidationResult struct {
	// Packet is the template with every verified signature merged in,
	// base64. Combining results from several signers is just validating
	// each against the same template in turn.
	Packet string
	// SignerFingerprints are the master fingerprints whose keys produced a
	// valid signature on every input, lexicographically sorted.
	SignerFingerprints []string
}

// Validate checks a packet returned by a signer against the unsigned template
// the platform built, and merges its signatures into the accumulated packet
// collected from earlier signers. currentB64 may be empty when this is the
// first signer. The signed packet is never trusted: the unsigned transaction
// must be the exact one sent out, and every signature is re-verified against
// the template's own witness scripts and utxo amounts before it is attributed
// to a key. A signer that covered only part of the inputs is rejected.
func (e *Engine) Validate(originalB64, currentB64, signedB64 string) (*ValidationResult, error) {
	original, err := Decode(originalB64)
	if err != nil {
		return nil, err
	}
	signed, err := Decode(signedB64)
	if err != nil {
		return nil, err
	}

	accumulated := original
	if currentB64 != "" && currentB64 != originalB64 {
		accumulated, err = Decode(currentB64)
		if err != nil {
			return nil, err
		}
		if accumulated.UnsignedTx.TxHash() != original.UnsignedTx.TxHash() {
			return nil, fmt.Errorf("accumulated packet does not match the template transaction")
		}
		for i := range accumulated.Inputs {
			in := &accumulated.Inputs[i]
			if in.FinalScriptSig != nil || in.FinalScriptWitness != nil {
				return nil, fmt.Errorf("accumulated input %d is already finalized", i)
			}
		}
	}

	for i := range original.Inputs {
		in := &original.Inputs[i]
		if in.FinalScriptSig != nil || in.FinalScriptWitness != nil {
			return nil, fmt.Errorf("template input %d is already finalized", i)
		}
		if in.WitnessScript == nil || in.WitnessUtxo == nil {
			return nil, fmt.Errorf("template input %d misses witness data", i)
		}
	}

	if original.UnsignedTx.TxHash() != signed.UnsignedTx.TxHash() {
		return nil, fmt.Errorf("signed packet does not match the template transaction")
	}
	if len(signed.Inputs) != len(original.Inputs) {
		return nil, fmt.Errorf("signed packet has %d inputs, template has %d",
			len(signed.Inputs), len(original.Inputs))
	}

	fetcher, err := prevOutFetcher(original)
	if err != nil {
		return nil, err
	}
	sigHashes := txscript.NewTxSigHashes(original.UnsignedTx, fetcher)

	// fingerprint -> number of inputs carrying a valid signature from it
	signerInputs := make(map[uint32]int)

	for i := range original.Inputs {
		template := &original.Inputs[i]
		acc := &accumulated.Inputs[i]
		input := &signed.Inputs[i]

		sigs, err := collectSignatures(input, template)
		if err != nil {
			return nil, fmt.Errorf("input %d: %s", i, err)
		}
		if len(sigs) == 0 {
			return nil, fmt.Errorf("input %d carries no signature", i)
		}

		seen := make(map[uint32]bool)
		for s := range sigs {
			sig := &sigs[s]
			fingerprint, err := e.verifySignature(
				original.UnsignedTx, sigHashes, i, template, sig,
			)
			if err != nil {
				return nil, fmt.Errorf("input %d: %s", i, err)
			}
			if seen[fingerprint] {
				return nil, fmt.Errorf("input %d carries duplicate signatures for fingerprint %s",
					i, FormatFingerprint(fingerprint))
			}
			seen[fingerprint] = true
			signerInputs[fingerprint]++

			if !hasPartialSig(acc.PartialSigs, sig.PubKey) {
				acc.PartialSigs = append(acc.PartialSigs, &psbt.PartialSig{
					PubKey:    sig.PubKey,
					Signature: sig.Signature,
				})
			}
		}
	}

	fingerprints := make([]string, 0, len(signerInputs))
	for fingerprint, inputs := range signerInputs {
		if inputs != len(original.Inputs) {
			return nil, fmt.Errorf("fingerprint %s signed %d of %d inputs",
				FormatFingerprint(fingerprint), inputs, len(original.Inputs))
		}
		fingerprints = append(fingerprints, FormatFingerprint(fingerprint))
	}
	sort.Strings(fingerprints)

	combined, err := Encode(accumulated)
	if err != nil {
		return nil, err
	}
	return &ValidationResult{Packet: combined, SignerFingerprints: fingerprints}, nil
}

// candidateSig is a signature extracted from a signed input. PubKey is empty
// when the signature came out of a final witness stack and still has to be
// attributed by replaying the sighash.
type candidateSig struct {
	PubKey    []byte
	Signature []byte
}

// collectSignatures gathers the signatures of one input, from partial
// signatures or, when a signer handed back a finalized input, from the final
// witness stack.
func collectSignatures(input, template *psbt.PInput) ([]candidateSig, error) {
	sigs := make([]candidateSig, 0, 2)
	for _, partial := range input.PartialSigs {
		sigs = append(sigs, candidateSig{PubKey: partial.PubKey, Signature: partial.Signature})
	}

	if input.FinalScriptWitness == nil {
		return sigs, nil
	}

	stack, err := parseWitnessStack(input.FinalScriptWitness)
	if err != nil {
		return nil, err
	}
	// 2-of-3 p2wsh stack: empty dummy, two signatures, witness script.
	if len(stack) < 3 {
		return nil, fmt.Errorf("unexpected witness stack of %d items", len(stack))
	}
	if !bytes.Equal(stack[len(stack)-1], template.WitnessScript) {
		return nil, fmt.Errorf("witness script does not match the template")
	}
	for _, item := range stack[1 : len(stack)-1] {
		if len(item) == 0 {
			continue
		}
		sigs = append(sigs, candidateSig{Signature: item})
	}
	return sigs, nil
}

func parseWitnessStack(witness []byte) ([][]byte, error) {
	r := bytes.NewReader(witness)
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid witness stack: %s", err)
	}
	stack := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		item, err := wire.ReadVarBytes(r, 0, txscript.MaxScriptSize, "witness item")
		if err != nil {
			return nil, fmt.Errorf("invalid witness stack: %s", err)
		}
		stack = append(stack, item)
	}
	return stack, nil
}

// verifySignature replays the input's sighash and verifies the signature.
// When the candidate carries a public key it must be one of the template's
// derivations; otherwise the signature is attributed by trying each of them.
// Returns the master fingerprint of the key that produced the signature.
func (e *Engine) verifySignature(
	tx *wire.MsgTx, sigHashes *txscript.TxSigHashes, idx int,
	template *psbt.PInput, sig *candidateSig,
) (uint32, error) {
	if len(sig.Signature) < 9 {
		return 0, fmt.Errorf("malformed signature")
	}
	hashType := txscript.SigHashType(sig.Signature[len(sig.Signature)-1])
	parsed, err := ecdsa.ParseDERSignature(sig.Signature[:len(sig.Signature)-1])
	if err != nil {
		return 0, fmt.Errorf("malformed signature: %s", err)
	}

	hash, err := txscript.CalcWitnessSigHash(
		template.WitnessScript, sigHashes, hashType, tx, idx, template.WitnessUtxo.Value,
	)
	if err != nil {
		return 0, err
	}

	if len(sig.PubKey) > 0 {
		derivation := derivationForPubKey(template.Bip32Derivation, sig.PubKey)
		if derivation == nil {
			return 0, fmt.Errorf("signature from a key outside the wallet")
		}
		pubkey, err := btcec.ParsePubKey(sig.PubKey)
		if err != nil {
			return 0, fmt.Errorf("malformed public key: %s", err)
		}
		if !parsed.Verify(hash, pubkey) {
			return 0, fmt.Errorf("invalid signature for key %x", sig.PubKey)
		}
		return derivation.MasterKeyFingerprint, nil
	}

	for _, derivation := range template.Bip32Derivation {
		pubkey, err := btcec.ParsePubKey(derivation.PubKey)
		if err != nil {
			continue
		}
		if parsed.Verify(hash, pubkey) {
			sig.PubKey = derivation.PubKey
			return derivation.MasterKeyFingerprint, nil
		}
	}
	return 0, fmt.Errorf("signature does not verify against any wallet key")
}

func derivationForPubKey(derivations []*psbt.Bip32Derivation, pubkey []byte) *psbt.Bip32Derivation {
	for _, derivation := range derivations {
		if bytes.Equal(derivation.PubKey, pubkey) {
			return derivation
		}
	}
	return nil
}
