package domain

import (
	"context"
	"time"
)

type PlatformKeyRepository interface {
	AddKey(ctx context.Context, key PlatformKey) error
	GetKeyByWallet(ctx context.Context, walletID string) (*PlatformKey, error)
	// FindByBillingAddresses returns the keys whose billing address is among
	// the given addresses.
	FindByBillingAddresses(ctx context.Context, addresses []string) ([]PlatformKey, error)
	// SettleBilling advances the wallet's paid-until anchor and records the
	// corresponding billing entry atomically.
	SettleBilling(
		ctx context.Context, walletID string,
		paidUntil, billingUpdatedAt time.Time, entry BillingEntry,
	) error
	GetBillingEntries(ctx context.Context, walletID string) ([]BillingEntry, error)

	AddSignRequest(ctx context.Context, request SignRequest) error
	GetSignRequest(ctx context.Context, id string) (*SignRequest, error)
	// DueSignRequests returns the pending requests whose delay has elapsed
	// and that have not expired yet.
	DueSignRequests(ctx context.Context, now time.Time) ([]SignRequest, error)
	UpdateSignRequestCurrent(ctx context.Context, id, current string) error
	MarkSignRequestSigned(ctx context.Context, id, current string, signedAt time.Time) error
	MarkSignRequestFailed(ctx context.Context, id, reason string) error
	Close()
}
