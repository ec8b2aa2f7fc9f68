package ports

import (
	"context"

	"github.com/covault/covaultd/internal/core/domain"
)

type RepoManager interface {
	Wallets() domain.WalletRepository
	Addresses() domain.AddressRepository
	Transactions() domain.TransactionRepository
	PlatformKeys() domain.PlatformKeyRepository
	ChainInfo() domain.ChainInfoRepository
	// Transaction runs fn against repositories bound to a single database
	// transaction, committed when fn returns nil and rolled back otherwise.
	// Block indexing runs in such a scope so a crash mid-block never leaves
	// a half-indexed block behind.
	Transaction(ctx context.Context, fn func(RepoManager) error) error
	Close()
}
