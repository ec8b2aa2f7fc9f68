// Package psbtx builds, signs and validates the partially signed bitcoin
// transactions exchanged between the platform and the cosigners of a 2-of-3
// wallet. The platform never sees the cosigners' private keys: it prepares a
// fully annotated packet, each signer contributes signatures independently,
// and the validation step proves who signed what before anything is merged
// and broadcast.
package psbtx

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/covault/covaultd/pkg/keyring"
)

// globalXpubKeyType is the PSBT_GLOBAL_XPUB key type of BIP174.
const globalXpubKeyType = 0x01

// Engine builds and checks multisig packets for a single network.
type Engine struct {
	keyring *keyring.Keyring
	params  *chaincfg.Params
}

func NewEngine(params *chaincfg.Params) *Engine {
	return &Engine{keyring: keyring.New(params), params: params}
}

// AccountKey is one of the three account-level extended public keys of a
// wallet, together with the fingerprint of the master key it descends from.
type AccountKey struct {
	ExtendedPublicKey string
	MasterFingerprint string
}

// UTXO is an unspent multisig output to be consumed by a packet.
type UTXO struct {
	TxID   string
	Vout   uint32
	Value  int64
	Index  uint32
	Change bool
	// RawTx optionally carries the serialized funding transaction, embedded
	// as the non-witness utxo for signers that insist on full previous
	// transactions.
	RawTx []byte
}

// Recipient is a transaction output. Change outputs point back into the
// wallet and get their own derivation annotations so signers can verify the
// change address belongs to the same wallet.
type Recipient struct {
	Address string
	Amount  int64
	Change  bool
	Index   uint32
}

// BuildRequest describes the packet to prepare.
type BuildRequest struct {
	Keys    []AccountKey
	Account uint32
	Inputs  []UTXO
	Outputs []Recipient
}

// Build assembles an unsigned packet: version-2 transaction skeleton, witness
// script and utxo per input, full BIP32 derivations for every key on every
// input and change output, and the three account xpubs in the global map.
// The result is base64.
func (e *Engine) Build(req BuildRequest) (string, error) {
	if len(req.Keys) != 3 {
		return "", fmt.Errorf("expected 3 account keys, got %d", len(req.Keys))
	}
	if len(req.Inputs) == 0 {
		return "", fmt.Errorf("missing inputs")
	}
	if len(req.Outputs) == 0 {
		return "", fmt.Errorf("missing outputs")
	}

	unsignedTx := wire.NewMsgTx(2)
	for _, in := range req.Inputs {
		txHash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return "", fmt.Errorf("invalid input txid %s: %s", in.TxID, err)
		}
		unsignedTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(txHash, in.Vout), nil, nil))
	}
	for _, out := range req.Outputs {
		addr, err := btcutil.DecodeAddress(out.Address, e.params)
		if err != nil {
			return "", fmt.Errorf("invalid output address %s: %s", out.Address, err)
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return "", err
		}
		unsignedTx.AddTxOut(wire.NewTxOut(out.Amount, pkScript))
	}

	packet, err := psbt.NewFromUnsignedTx(unsignedTx)
	if err != nil {
		return "", fmt.Errorf("failed to create packet: %s", err)
	}

	accountPath, err := keyring.ParsePath(e.keyring.AccountPath(req.Account))
	if err != nil {
		return "", err
	}

	for i, in := range req.Inputs {
		derivations, witnessScript, err := e.deriveInput(req.Keys, accountPath, in.Index, in.Change)
		if err != nil {
			return "", err
		}

		scriptHash := chainhash.HashB(witnessScript)
		pkScript, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).AddData(scriptHash).Script()
		if err != nil {
			return "", err
		}

		packet.Inputs[i].WitnessScript = witnessScript
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(in.Value, pkScript)
		packet.Inputs[i].SighashType = txscript.SigHashAll
		packet.Inputs[i].Bip32Derivation = derivations

		if len(in.RawTx) > 0 {
			prevTx := wire.NewMsgTx(2)
			if err := prevTx.Deserialize(bytes.NewReader(in.RawTx)); err != nil {
				return "", fmt.Errorf("invalid raw tx for input %d: %s", i, err)
			}
			packet.Inputs[i].NonWitnessUtxo = prevTx
		}
	}

	for i, out := range req.Outputs {
		if !out.Change {
			continue
		}
		derivations, _, err := e.deriveInput(req.Keys, accountPath, out.Index, true)
		if err != nil {
			return "", err
		}
		packet.Outputs[i].Bip32Derivation = derivations
	}

	if err := attachGlobalXpubs(packet, req.Keys, accountPath); err != nil {
		return "", err
	}

	return Encode(packet)
}

// deriveInput returns the sorted derivations and the multisig witness script
// of the {change}/{index} child of the three account keys.
func (e *Engine) deriveInput(
	keys []AccountKey, accountPath []uint32, index uint32, change bool,
) ([]*psbt.Bip32Derivation, []byte, error) {
	branch := uint32(0)
	if change {
		branch = 1
	}

	derivations := make([]*psbt.Bip32Derivation, 0, len(keys))
	pubkeys := make([][]byte, 0, len(keys))
	for _, key := range keys {
		fingerprint, err := ParseFingerprint(key.MasterFingerprint)
		if err != nil {
			return nil, nil, err
		}
		node, err := e.keyring.ParsePublicKey(key.ExtendedPublicKey)
		if err != nil {
			return nil, nil, err
		}
		child, err := keyring.DerivePath(node, fmt.Sprintf("%d/%d", branch, index))
		if err != nil {
			return nil, nil, err
		}
		pubkey, err := child.ECPubKey()
		if err != nil {
			return nil, nil, err
		}

		path := make([]uint32, 0, len(accountPath)+2)
		path = append(path, accountPath...)
		path = append(path, branch, index)

		serialized := pubkey.SerializeCompressed()
		derivations = append(derivations, &psbt.Bip32Derivation{
			PubKey:               serialized,
			MasterKeyFingerprint: fingerprint,
			Bip32Path:            path,
		})
		pubkeys = append(pubkeys, serialized)
	}

	sort.Slice(derivations, func(i, j int) bool {
		return bytes.Compare(derivations[i].PubKey, derivations[j].PubKey) < 0
	})

	witnessScript, err := keyring.MultisigScript(pubkeys)
	if err != nil {
		return nil, nil, err
	}
	return derivations, witnessScript, nil
}

func attachGlobalXpubs(packet *psbt.Packet, keys []AccountKey, accountPath []uint32) error {
	type globalXpub struct {
		key   []byte
		value []byte
	}

	xpubs := make([]globalXpub, 0, len(keys))
	for _, key := range keys {
		raw, err := keyring.RawExtendedKey(key.ExtendedPublicKey)
		if err != nil {
			return err
		}
		fingerprint, err := ParseFingerprint(key.MasterFingerprint)
		if err != nil {
			return err
		}

		value := make([]byte, 4+4*len(accountPath))
		binary.LittleEndian.PutUint32(value[:4], fingerprint)
		for i, child := range accountPath {
			binary.LittleEndian.PutUint32(value[4+4*i:], child)
		}

		xpubs = append(xpubs, globalXpub{
			key:   append([]byte{globalXpubKeyType}, raw...),
			value: value,
		})
	}

	sort.Slice(xpubs, func(i, j int) bool {
		return bytes.Compare(xpubs[i].key, xpubs[j].key) < 0
	})
	for _, xpub := range xpubs {
		packet.Unknowns = append(packet.Unknowns, &psbt.Unknown{
			Key:   xpub.key,
			Value: xpub.value,
		})
	}
	return nil
}

// ExtractTransaction finalizes the packet and extracts the fully signed
// transaction, returning its serialized hex and txid.
func (e *Engine) ExtractTransaction(packetB64 string) (string, string, error) {
	packet, err := Decode(packetB64)
	if err != nil {
		return "", "", err
	}

	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return "", "", fmt.Errorf("failed to finalize packet: %s", err)
	}
	tx, err := psbt.Extract(packet)
	if err != nil {
		return "", "", fmt.Errorf("failed to extract transaction: %s", err)
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(buf.Bytes()), tx.TxHash().String(), nil
}

// Decode parses a base64 packet.
func Decode(packetB64 string) (*psbt.Packet, error) {
	packet, err := psbt.NewFromRawBytes(strings.NewReader(packetB64), true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse packet: %s", err)
	}
	return packet, nil
}

// Encode serializes a packet to base64.
func Encode(packet *psbt.Packet) (string, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize packet: %s", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// ParseFingerprint converts an 8-char hex fingerprint to the integer form
// stored in derivation fields.
func ParseFingerprint(fingerprint string) (uint32, error) {
	raw, err := hex.DecodeString(fingerprint)
	if err != nil || len(raw) != 4 {
		return 0, fmt.Errorf("invalid master fingerprint %q", fingerprint)
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// FormatFingerprint is the inverse of ParseFingerprint.
func FormatFingerprint(fingerprint uint32) string {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, fingerprint)
	return hex.EncodeToString(raw)
}
