package application

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/covault/covaultd/internal/core/domain"
	"github.com/covault/covaultd/internal/core/ports"
)

// discount terms: wallets funding at least ten discounted months in one
// window pay 80% of the base price, unless they let the subscription lapse
// by more than a month.
const (
	discountNumerator   = 80
	discountDenominator = 100
	discountMinMonths   = 10
	maxOverdue          = time.Hour * 24 * 31
)

// billingService converts confirmed inflows into subscription months.
type billingService struct {
	repoManager  ports.RepoManager
	monthlyPrice int64
	trialPeriod  time.Duration
}

func newBillingService(
	repoManager ports.RepoManager, monthlyPrice, trialPeriodDays int64,
) *billingService {
	return &billingService{
		repoManager, monthlyPrice, time.Duration(trialPeriodDays) * 24 * time.Hour,
	}
}

// settle counts the wallet's confirmed inflow since the last settlement and
// buys as many whole months as it covers. The remainder below one month is
// forfeited, never carried over: billingUpdatedAt moves to now regardless.
// Settling twice over the same window is harmless because the window is
// anchored on billingUpdatedAt.
func (b *billingService) settle(ctx context.Context, repos ports.RepoManager, walletID string) error {
	if b.monthlyPrice <= 0 {
		return nil
	}
	key, err := repos.PlatformKeys().GetKeyByWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if key == nil {
		return nil
	}

	inflow, err := repos.Transactions().ConfirmedInflow(ctx, walletID, key.BillingUpdatedAt)
	if err != nil {
		return err
	}
	if inflow < b.monthlyPrice {
		return nil
	}

	// a wallet that never settled is covered by its trial grant
	paidUntil := key.PaidUntil
	if paidUntil.IsZero() {
		paidUntil = key.CreatedAt.Add(b.trialPeriod)
	}

	now := time.Now()
	price := b.monthlyPrice
	discounted := b.monthlyPrice * discountNumerator / discountDenominator
	overdue := now.Sub(paidUntil) > maxOverdue
	applyDiscount := inflow >= discountMinMonths*discounted && !overdue
	if applyDiscount {
		price = discounted
	}

	months := inflow / price
	if months == 0 {
		return nil
	}

	base := paidUntil
	if base.Before(now) {
		base = now
	}
	paidUntil = base.AddDate(0, int(months), 0)

	entry := domain.BillingEntry{
		ID:        uuid.NewString(),
		WalletID:  walletID,
		Amount:    months * price,
		BasePrice: b.monthlyPrice,
		Months:    months,
		Discount:  applyDiscount,
		CreatedAt: now,
	}
	if err := repos.PlatformKeys().SettleBilling(ctx, walletID, paidUntil, now, entry); err != nil {
		return err
	}
	log.Infof(
		"settled billing of wallet %s: %d months for %d sats (discount %t)",
		walletID, months, entry.Amount, applyDiscount,
	)
	return nil
}
