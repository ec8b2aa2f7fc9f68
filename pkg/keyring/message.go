package keyring

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const messageSignaturePrefix = "Bitcoin Signed Message:\n"

// messageHash computes the double-SHA256 digest signed by the standard
// signmessage scheme.
func messageHash(message string) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarString(&buf, 0, messageSignaturePrefix); err != nil {
		return nil, err
	}
	if err := wire.WriteVarString(&buf, 0, message); err != nil {
		return nil, err
	}
	return chainhash.DoubleHashB(buf.Bytes()), nil
}

// VerifyMessage checks a base64 compact signature over message against the
// given compressed public key. Both recoverable (65-byte) and plain (64-byte)
// compact signatures are accepted.
func VerifyMessage(pubkey []byte, message, signature string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("failed to decode signature: %s", err)
	}

	hash, err := messageHash(message)
	if err != nil {
		return false, err
	}

	expected, err := btcec.ParsePubKey(pubkey)
	if err != nil {
		return false, fmt.Errorf("failed to parse public key: %s", err)
	}

	switch len(sig) {
	case 65:
		recovered, _, err := ecdsa.RecoverCompact(sig, hash)
		if err != nil {
			return false, fmt.Errorf("failed to recover public key: %s", err)
		}
		return recovered.IsEqual(expected), nil
	case 64:
		var r, s btcec.ModNScalar
		if overflow := r.SetByteSlice(sig[:32]); overflow {
			return false, fmt.Errorf("invalid signature r value")
		}
		if overflow := s.SetByteSlice(sig[32:]); overflow {
			return false, fmt.Errorf("invalid signature s value")
		}
		return ecdsa.NewSignature(&r, &s).Verify(hash, expected), nil
	default:
		return false, fmt.Errorf("unexpected signature length %d", len(sig))
	}
}

// SignMessage produces a recoverable compact signature over message with the
// given private key, base64 encoded. Used by tests and tooling.
func SignMessage(privKey *btcec.PrivateKey, message string) (string, error) {
	hash, err := messageHash(message)
	if err != nil {
		return "", err
	}
	sig := ecdsa.SignCompact(privKey, hash, true)
	return base64.StdEncoding.EncodeToString(sig), nil
}
