package application

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/covault/covaultd/internal/core/domain"
	"github.com/covault/covaultd/internal/core/ports"
)

const initialAddressBatch = 20

// maintainWalletAddresses keeps both branches of every account of the wallet
// stocked with at least one unused address.
func (s *TrackerService) maintainWalletAddresses(
	ctx context.Context, repos ports.RepoManager, wallet domain.Wallet,
) error {
	if err := wallet.Validate(); err != nil {
		return err
	}
	for _, account := range wallet.Accounts {
		for _, change := range []bool{false, true} {
			if err := s.maintainBranch(ctx, repos, wallet.ID, account.Index, change); err != nil {
				return err
			}
		}
	}
	return nil
}

// maintainBranch derives addresses for one (account, change) branch until an
// unused one exists. The very first call seeds the branch with a batch of
// addresses; afterwards indices grow one at a time, so the derivation chain
// stays contiguous.
func (s *TrackerService) maintainBranch(
	ctx context.Context, repos ports.RepoManager, walletID string, account uint32, change bool,
) error {
	wallet, err := repos.Wallets().GetWallet(ctx, walletID)
	if err != nil {
		return err
	}

	last, err := repos.Addresses().LastIndex(ctx, walletID, account, change)
	if err != nil {
		return err
	}
	if last < 0 {
		return s.deriveAddresses(ctx, repos, *wallet, account, change, 0, initialAddressBatch)
	}

	unused, err := repos.Addresses().CountUnused(ctx, walletID, account, change)
	if err != nil {
		return err
	}
	if unused > 0 {
		return nil
	}
	return s.deriveAddresses(ctx, repos, *wallet, account, change, uint32(last)+1, 1)
}

func (s *TrackerService) deriveAddresses(
	ctx context.Context, repos ports.RepoManager, wallet domain.Wallet,
	account uint32, change bool, from uint32, count int,
) error {
	keys := wallet.AccountKeys()
	addresses := make([]domain.Address, 0, count)
	for i := 0; i < count; i++ {
		index := from + uint32(i)
		addr, err := s.keyring.NewMultisigAddress(keys, index, change)
		if err != nil {
			// a single bad index must not block the rest of the batch
			log.Warnf(
				"skipping address index %d of wallet %s account %d change %t: %s",
				index, wallet.ID, account, change, err,
			)
			continue
		}
		addresses = append(addresses, domain.Address{
			WalletID:  wallet.ID,
			Account:   account,
			Change:    change,
			Index:     index,
			Address:   addr,
			CreatedAt: time.Now(),
		})
	}
	if err := repos.Addresses().AddAddresses(ctx, addresses); err != nil {
		return err
	}
	log.Debugf(
		"derived %d addresses for wallet %s account %d change %t from index %d",
		count, wallet.ID, account, change, from,
	)
	return nil
}
