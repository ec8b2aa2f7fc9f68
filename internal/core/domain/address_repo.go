package domain

import "context"

type AddressRepository interface {
	AddAddresses(ctx context.Context, addresses []Address) error
	// FindTracked returns the subset of the given address strings that belong
	// to a tracked wallet.
	FindTracked(ctx context.Context, addresses []string) ([]Address, error)
	// LastIndex returns the highest derivation index of the branch, or -1
	// when no address has been derived yet.
	LastIndex(ctx context.Context, walletID string, account uint32, change bool) (int64, error)
	// CountUnused counts the addresses of the branch that no output pays.
	CountUnused(ctx context.Context, walletID string, account uint32, change bool) (int64, error)
	Close()
}
