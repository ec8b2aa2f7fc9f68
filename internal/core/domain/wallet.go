package domain

import (
	"fmt"
	"time"
)

type KeyOrigin uint8

const (
	KeyOriginUser KeyOrigin = iota
	KeyOriginBackup
	KeyOriginPlatform
)

func (o KeyOrigin) String() string {
	return []string{"user", "backup", "platform"}[o]
}

func ParseKeyOrigin(origin string) (KeyOrigin, error) {
	switch origin {
	case "user":
		return KeyOriginUser, nil
	case "backup":
		return KeyOriginBackup, nil
	case "platform":
		return KeyOriginPlatform, nil
	default:
		return 0, fmt.Errorf("unknown key origin %q", origin)
	}
}

// WalletKey is one of the three account-level extended public keys of a
// wallet. Exactly one carries the platform origin.
type WalletKey struct {
	WalletID          string
	Origin            KeyOrigin
	ExtendedPublicKey string
	MasterFingerprint string
	DerivationPath    string
}

type Account struct {
	WalletID string
	Index    uint32
}

// Wallet is a 2-of-3 collaborative-custody wallet tracked by the ledger.
type Wallet struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Keys      []WalletKey
	Accounts  []Account
}

// AccountKeys returns the three extended public keys in stored order.
func (w Wallet) AccountKeys() []string {
	keys := make([]string, 0, len(w.Keys))
	for _, key := range w.Keys {
		keys = append(keys, key.ExtendedPublicKey)
	}
	return keys
}

// Key returns the wallet key with the given origin, or nil.
func (w Wallet) Key(origin KeyOrigin) *WalletKey {
	for i := range w.Keys {
		if w.Keys[i].Origin == origin {
			return &w.Keys[i]
		}
	}
	return nil
}

func (w Wallet) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("missing wallet id")
	}
	if len(w.Keys) != 3 {
		return fmt.Errorf("wallet %s has %d keys, expected 3", w.ID, len(w.Keys))
	}
	if w.Key(KeyOriginPlatform) == nil {
		return fmt.Errorf("wallet %s misses the platform key", w.ID)
	}
	if len(w.Accounts) == 0 {
		return fmt.Errorf("wallet %s has no account", w.ID)
	}
	return nil
}
