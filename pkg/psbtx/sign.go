package psbtx

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
)

// Sign adds partial signatures for every input whose derivation matches the
// given extended private key. Inputs that are already finalized, or already
// carry a signature from this key, are left untouched. When the added
// signatures complete the 2-of-3 quorum the inputs are finalized in place.
func (e *Engine) Sign(packetB64, extendedPrivateKey string) (string, error) {
	packet, err := Decode(packetB64)
	if err != nil {
		return "", err
	}

	master, err := e.keyring.ParsePrivateKey(extendedPrivateKey)
	if err != nil {
		return "", err
	}
	masterPub, err := master.ECPubKey()
	if err != nil {
		return "", err
	}
	fingerprint, err := ParseFingerprint(
		fmt.Sprintf("%x", btcutil.Hash160(masterPub.SerializeCompressed())[:4]),
	)
	if err != nil {
		return "", err
	}

	fetcher, err := prevOutFetcher(packet)
	if err != nil {
		return "", err
	}
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	signed := 0
	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		if in.FinalScriptSig != nil || in.FinalScriptWitness != nil {
			continue
		}
		if in.WitnessScript == nil || in.WitnessUtxo == nil {
			return "", fmt.Errorf("input %d misses witness data", i)
		}

		derivation := findDerivation(in.Bip32Derivation, fingerprint)
		if derivation == nil {
			continue
		}
		if hasPartialSig(in.PartialSigs, derivation.PubKey) {
			continue
		}

		privKey, err := derivePrivKey(master, derivation.Bip32Path)
		if err != nil {
			return "", err
		}
		pubkey := privKey.PubKey().SerializeCompressed()
		if !bytes.Equal(pubkey, derivation.PubKey) {
			return "", fmt.Errorf("derivation of input %d does not match signing key", i)
		}

		hashType := in.SighashType
		if hashType == 0 {
			hashType = txscript.SigHashAll
		}
		sig, err := txscript.RawTxInWitnessSignature(
			packet.UnsignedTx, sigHashes, i, in.WitnessUtxo.Value,
			in.WitnessScript, hashType, privKey,
		)
		if err != nil {
			return "", fmt.Errorf("failed to sign input %d: %s", i, err)
		}

		in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
			PubKey:    pubkey,
			Signature: sig,
		})
		signed++
	}

	if signed == 0 {
		return "", fmt.Errorf("no input matches the signing key")
	}

	// Finalization only succeeds once the quorum is reached; a packet with a
	// single signature is returned as-is for the next signer.
	_ = psbt.MaybeFinalizeAll(packet)

	return Encode(packet)
}

func findDerivation(derivations []*psbt.Bip32Derivation, fingerprint uint32) *psbt.Bip32Derivation {
	for _, derivation := range derivations {
		if derivation.MasterKeyFingerprint == fingerprint {
			return derivation
		}
	}
	return nil
}

func hasPartialSig(sigs []*psbt.PartialSig, pubkey []byte) bool {
	for _, sig := range sigs {
		if bytes.Equal(sig.PubKey, pubkey) {
			return true
		}
	}
	return false
}

func derivePrivKey(master *hdkeychain.ExtendedKey, path []uint32) (*btcec.PrivateKey, error) {
	node := master
	var err error
	for _, index := range path {
		node, err = node.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("failed to derive signing key: %s", err)
		}
	}
	return node.ECPrivKey()
}

// prevOutFetcher builds a fetcher over the witness utxos carried by the
// packet itself.
func prevOutFetcher(packet *psbt.Packet) (*txscript.MultiPrevOutFetcher, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range packet.Inputs {
		if in.WitnessUtxo == nil {
			return nil, fmt.Errorf("input %d misses witness utxo", i)
		}
		fetcher.AddPrevOut(packet.UnsignedTx.TxIn[i].PreviousOutPoint, in.WitnessUtxo)
	}
	return fetcher, nil
}
