package domain

import (
	"context"
	"time"
)

type TransactionRepository interface {
	AddTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, walletID, txid string) (*Transaction, error)
	// HasTransaction reports whether the txid exists for any wallet.
	HasTransaction(ctx context.Context, txid string) (bool, error)
	// ConfirmTransaction records the block of a transaction and settles its
	// provenance on the block source. The height is only written when none
	// is recorded yet, so reprocessing a block never moves a confirmation.
	ConfirmTransaction(
		ctx context.Context, walletID, txid string, height int64, blockTime time.Time,
	) error
	// FindOutputs returns the tracked outputs among the given outpoints.
	FindOutputs(ctx context.Context, outpoints []Outpoint) ([]Output, error)
	MarkOutputSpent(ctx context.Context, outpoint Outpoint, spentByTxid string) error
	// ConfirmedInflow sums the confirmed output values paying the wallet's
	// billing address since the given time.
	ConfirmedInflow(ctx context.Context, walletID string, since time.Time) (int64, error)
	// PendingBroadcasts returns app-built transactions that were never
	// confirmed and have no broadcast error recorded.
	PendingBroadcasts(ctx context.Context) ([]Transaction, error)
	SetBroadcastError(ctx context.Context, walletID, txid, reason string) error
	Close()
}
