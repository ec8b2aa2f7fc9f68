package keyring

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Keyring derives the hierarchical keys and the 2-of-3 P2WSH scripts of a
// wallet. It is pure: the only side effect is reading randomness when
// generating a new master key.
//
// All derivations follow the BIP48 multisig path m/48'/{coin}'/{account}'/2',
// with {change}/{index} below the account level. Address construction sorts
// the derived public keys lexicographically so that independent signers build
// the exact same script regardless of the order their keys are handed around
// in.
type Keyring struct {
	params *chaincfg.Params
}

func New(params *chaincfg.Params) *Keyring {
	return &Keyring{params: params}
}

func (k *Keyring) Params() *chaincfg.Params {
	return k.params
}

func (k *Keyring) isMainNet() bool {
	return k.params.Net == wire.MainNet
}

// AccountPath returns the BIP48 P2WSH derivation path for the given account.
func (k *Keyring) AccountPath(accountIndex uint32) string {
	coin := 1
	if k.isMainNet() {
		coin = 0
	}
	return fmt.Sprintf("m/48'/%d'/%d'/2'", coin, accountIndex)
}

func (k *Keyring) stdPrvPrefix() string {
	if k.isMainNet() {
		return "xprv"
	}
	return "tprv"
}

func (k *Keyring) stdPubPrefix() string {
	if k.isMainNet() {
		return "xpub"
	}
	return "tpub"
}

// keyLetter selects the SLIP-132 letter used for user-facing extended keys:
// Z (mainnet p2wsh) and V (testnet p2wsh), plain t on regtest.
func (k *Keyring) keyLetter() string {
	switch k.params.Net {
	case wire.MainNet:
		return "Z"
	case wire.TestNet3:
		return "V"
	default:
		return "t"
	}
}

// GeneratedKey is a freshly generated HD root for the platform key.
type GeneratedKey struct {
	ExtendedPrivateKey string
	ExtendedPublicKey  string
	MasterFingerprint  string
	DerivationPath     string
}

// GenerateKey creates a new random HD master key and returns its SLIP-132
// encoded private key, the account-level public key at the default account
// path, and the master fingerprint.
func (k *Keyring) GenerateKey() (*GeneratedKey, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to read seed: %s", err)
	}

	master, err := hdkeychain.NewMaster(seed, k.params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %s", err)
	}

	derivationPath := k.AccountPath(0)
	accountKey, err := DerivePath(master, derivationPath)
	if err != nil {
		return nil, err
	}
	accountPub, err := accountKey.Neuter()
	if err != nil {
		return nil, err
	}

	masterPub, err := master.ECPubKey()
	if err != nil {
		return nil, err
	}
	fingerprint := btcutil.Hash160(masterPub.SerializeCompressed())[:4]

	letter := k.keyLetter()
	prv, err := ConvertExtendedKey(master.String(), letter+"prv")
	if err != nil {
		return nil, err
	}
	pub, err := ConvertExtendedKey(accountPub.String(), letter+"pub")
	if err != nil {
		return nil, err
	}

	return &GeneratedKey{
		ExtendedPrivateKey: prv,
		ExtendedPublicKey:  pub,
		MasterFingerprint:  fmt.Sprintf("%x", fingerprint),
		DerivationPath:     derivationPath,
	}, nil
}

// ParsePrivateKey normalizes the version bytes of an extended private key and
// parses it.
func (k *Keyring) ParsePrivateKey(extendedKey string) (*hdkeychain.ExtendedKey, error) {
	converted, err := ConvertExtendedKey(extendedKey, k.stdPrvPrefix())
	if err != nil {
		return nil, err
	}
	key, err := hdkeychain.NewKeyFromString(converted)
	if err != nil {
		return nil, fmt.Errorf("failed to parse extended private key: %s", err)
	}
	if !key.IsPrivate() {
		return nil, fmt.Errorf("extended key is not private")
	}
	return key, nil
}

// ParsePublicKey normalizes the version bytes of an extended public key and
// parses it.
func (k *Keyring) ParsePublicKey(extendedKey string) (*hdkeychain.ExtendedKey, error) {
	converted, err := ConvertExtendedKey(extendedKey, k.stdPubPrefix())
	if err != nil {
		return nil, err
	}
	key, err := hdkeychain.NewKeyFromString(converted)
	if err != nil {
		return nil, fmt.Errorf("failed to parse extended public key: %s", err)
	}
	return key, nil
}

// DeriveAccountPublicKey derives the account-level public key of the given
// extended private key, SLIP-132 encoded. This is what watch-only consumers
// get instead of the private key.
func (k *Keyring) DeriveAccountPublicKey(extendedPrivateKey string, accountIndex uint32) (string, error) {
	master, err := k.ParsePrivateKey(extendedPrivateKey)
	if err != nil {
		return "", err
	}

	accountKey, err := DerivePath(master, k.AccountPath(accountIndex))
	if err != nil {
		return "", err
	}
	accountPub, err := accountKey.Neuter()
	if err != nil {
		return "", err
	}

	return ConvertExtendedKey(accountPub.String(), k.keyLetter()+"pub")
}

// MultisigScript builds the 2-of-3 witness script for the given compressed
// public keys. The keys are sorted lexicographically by byte value first, so
// the script is invariant under the caller's key ordering.
func MultisigScript(pubkeys [][]byte) ([]byte, error) {
	if len(pubkeys) != 3 {
		return nil, fmt.Errorf("expected 3 public keys, got %d", len(pubkeys))
	}

	sorted := make([][]byte, len(pubkeys))
	copy(sorted, pubkeys)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})

	builder := txscript.NewScriptBuilder().AddOp(txscript.OP_2)
	for _, pubkey := range sorted {
		builder.AddData(pubkey)
	}
	builder.AddOp(txscript.OP_3).AddOp(txscript.OP_CHECKMULTISIG)
	return builder.Script()
}

// NewMultisigAddress derives the {change}/{index} child of each account-level
// extended public key, sorts the resulting public keys and returns the 2-of-3
// P2WSH address. The result must byte-for-byte match what a hardware signer
// computes for the same keys and index.
func (k *Keyring) NewMultisigAddress(accountKeys []string, index uint32, change bool) (string, error) {
	pubkeys, err := k.deriveChildPubKeys(accountKeys, index, change)
	if err != nil {
		return "", err
	}

	script, err := MultisigScript(pubkeys)
	if err != nil {
		return "", err
	}

	scriptHash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], k.params)
	if err != nil {
		return "", fmt.Errorf("failed to build p2wsh address: %s", err)
	}
	return addr.EncodeAddress(), nil
}

func (k *Keyring) deriveChildPubKeys(accountKeys []string, index uint32, change bool) ([][]byte, error) {
	subPath := fmt.Sprintf("0/%d", index)
	if change {
		subPath = fmt.Sprintf("1/%d", index)
	}

	pubkeys := make([][]byte, 0, len(accountKeys))
	for _, accountKey := range accountKeys {
		node, err := k.ParsePublicKey(accountKey)
		if err != nil {
			return nil, err
		}
		child, err := DerivePath(node, subPath)
		if err != nil {
			return nil, err
		}
		pubkey, err := child.ECPubKey()
		if err != nil {
			return nil, err
		}
		pubkeys = append(pubkeys, pubkey.SerializeCompressed())
	}
	return pubkeys, nil
}

// ParsePath parses a derivation path like m/48'/1'/0'/2' or 0/5 into child
// indices, with ' or h marking hardened components.
func ParsePath(path string) ([]uint32, error) {
	parts := strings.Split(strings.TrimSpace(path), "/")
	indices := make([]uint32, 0, len(parts))
	for i, part := range parts {
		if i == 0 && (part == "m" || part == "M" || part == "") {
			continue
		}
		hardened := false
		if strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h") || strings.HasSuffix(part, "H") {
			hardened = true
			part = part[:len(part)-1]
		}
		index, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid derivation path component %q", part)
		}
		if index >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("derivation index %d out of range", index)
		}
		if hardened {
			index += hdkeychain.HardenedKeyStart
		}
		indices = append(indices, uint32(index))
	}
	return indices, nil
}

// DerivePath derives the child key at the given path below key.
func DerivePath(key *hdkeychain.ExtendedKey, path string) (*hdkeychain.ExtendedKey, error) {
	indices, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	node := key
	for _, index := range indices {
		node, err = node.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("failed to derive path %s: %s", path, err)
		}
	}
	return node, nil
}
