package application

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"

	"github.com/covault/covaultd/internal/core/domain"
	"github.com/covault/covaultd/internal/core/ports"
)

// processTx indexes a single transaction. A transaction is relevant when it
// pays a tracked address or spends an output already in the ledger; anything
// else is a no-op. Relevant transactions are recorded once per touched wallet,
// confirmed idempotently when seen in a block, and followed by an
// address-maintenance pass so every branch keeps a spare address.
func (s *TrackerService) processTx(
	ctx context.Context, repos ports.RepoManager, tx *wire.MsgTx,
	source domain.TxSource, height *int64, blockTime *time.Time,
) error {
	txid := tx.TxHash().String()

	outAddrs := make([]string, len(tx.TxOut))
	addrList := make([]string, 0, len(tx.TxOut))
	for i, txOut := range tx.TxOut {
		addr := s.pkScriptAddress(txOut.PkScript)
		outAddrs[i] = addr
		if addr != "" {
			addrList = append(addrList, addr)
		}
	}

	tracked, err := repos.Addresses().FindTracked(ctx, addrList)
	if err != nil {
		return err
	}
	trackedByAddr := make(map[string]domain.Address, len(tracked))
	for _, addr := range tracked {
		trackedByAddr[addr.Address] = addr
	}

	billingKeys, err := repos.PlatformKeys().FindByBillingAddresses(ctx, addrList)
	if err != nil {
		return err
	}
	billingByAddr := make(map[string]string, len(billingKeys))
	for _, key := range billingKeys {
		billingByAddr[key.BillingAddress] = key.WalletID
	}

	outpoints := make([]domain.Outpoint, 0, len(tx.TxIn))
	for _, txIn := range tx.TxIn {
		outpoints = append(outpoints, domain.Outpoint{
			Txid: txIn.PreviousOutPoint.Hash.String(),
			VOut: txIn.PreviousOutPoint.Index,
		})
	}
	spent, err := repos.Transactions().FindOutputs(ctx, outpoints)
	if err != nil {
		return err
	}

	spentAddrs := make([]string, 0, len(spent))
	for _, out := range spent {
		if out.Address != nil {
			spentAddrs = append(spentAddrs, *out.Address)
		}
	}
	spentOwners, err := repos.Addresses().FindTracked(ctx, spentAddrs)
	if err != nil {
		return err
	}

	walletIDs := make(map[string]struct{})
	for _, addr := range tracked {
		walletIDs[addr.WalletID] = struct{}{}
	}
	for _, addr := range spentOwners {
		walletIDs[addr.WalletID] = struct{}{}
	}
	for _, walletID := range billingByAddr {
		walletIDs[walletID] = struct{}{}
	}

	if len(walletIDs) == 0 {
		s.markSeen(txid)
		return nil
	}

	outputs := make([]domain.Output, 0, len(tx.TxOut))
	touchedBranches := make(map[branchKey]struct{})
	billingWallets := make(map[string]struct{})
	for i, txOut := range tx.TxOut {
		out := domain.Output{
			Outpoint: domain.Outpoint{Txid: txid, VOut: uint32(i)},
			Value:    txOut.Value,
		}
		if addr, ok := trackedByAddr[outAddrs[i]]; ok {
			out.Address = &addr.Address
			touchedBranches[branchKey{addr.WalletID, addr.Account, addr.Change}] = struct{}{}
		}
		if walletID, ok := billingByAddr[outAddrs[i]]; ok {
			addr := outAddrs[i]
			out.Address = &addr
			billingWallets[walletID] = struct{}{}
		}
		outputs = append(outputs, out)
	}

	for walletID := range walletIDs {
		existing, err := repos.Transactions().GetTransaction(ctx, walletID, txid)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := repos.Transactions().AddTransaction(ctx, domain.Transaction{
				Txid:      txid,
				WalletID:  walletID,
				Source:    source,
				CreatedAt: time.Now(),
				Outputs:   outputs,
			}); err != nil {
				return err
			}
			log.Debugf("indexed tx %s for wallet %s (%s)", txid, walletID, source)
		}

		if height != nil && blockTime != nil {
			if err := repos.Transactions().ConfirmTransaction(
				ctx, walletID, txid, *height, *blockTime,
			); err != nil {
				return err
			}
		}
	}

	for _, out := range spent {
		if out.Spent() && *out.SpentByTxid == txid {
			continue
		}
		if err := repos.Transactions().MarkOutputSpent(ctx, out.Outpoint, txid); err != nil {
			return err
		}
	}

	for key := range touchedBranches {
		if err := s.maintainBranch(ctx, repos, key.walletID, key.account, key.change); err != nil {
			return err
		}
	}

	// billing only moves on confirmed payments to a platform key's own
	// billing address; deposits to the wallet's tracked addresses never
	// count towards the subscription.
	if height != nil {
		for walletID := range billingWallets {
			if err := s.billing.settle(ctx, repos, walletID); err != nil {
				log.WithError(err).Errorf("failed to settle billing of wallet %s", walletID)
			}
		}
	}

	accounts := make(map[accountKey]struct{})
	for key := range touchedBranches {
		accounts[accountKey{key.walletID, key.account}] = struct{}{}
	}
	for _, addr := range spentOwners {
		accounts[accountKey{addr.WalletID, addr.Account}] = struct{}{}
	}
	for key := range accounts {
		topic := fmt.Sprintf("%s/%s/%d", TopicAccountBalance, key.walletID, key.account)
		if err := s.bus.Publish(ctx, topic, txid); err != nil {
			log.WithError(err).Warnf(
				"failed to publish balance event for wallet %s account %d",
				key.walletID, key.account,
			)
		}
	}
	return nil
}

type accountKey struct {
	walletID string
	account  uint32
}

type branchKey struct {
	walletID string
	account  uint32
	change   bool
}

// pkScriptAddress decodes the address paid by a script, or "" for scripts
// that don't map to one (op_return, bare multisig, non-standard).
func (s *TrackerService) pkScriptAddress(pkScript []byte) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, s.network)
	if err != nil || len(addrs) != 1 {
		return ""
	}
	return addrs[0].EncodeAddress()
}

func decodeTx(rawTx []byte) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}
