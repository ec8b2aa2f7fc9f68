package domain

import "context"

type WalletRepository interface {
	AddWallet(ctx context.Context, wallet Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	GetAllWallets(ctx context.Context) ([]Wallet, error)
	AddAccount(ctx context.Context, account Account) error
	Close()
}
