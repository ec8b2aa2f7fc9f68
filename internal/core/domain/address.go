package domain

import "time"

// Address is a derived multisig address of a wallet account. Whether it has
// been used is not stored: an address is used once an output paying it exists
// in the ledger.
type Address struct {
	WalletID  string
	Account   uint32
	Change    bool
	Index     uint32
	Address   string
	CreatedAt time.Time
}
