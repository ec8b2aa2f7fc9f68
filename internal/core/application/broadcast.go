package application

import (
	"context"
	"encoding/hex"

	log "github.com/sirupsen/logrus"
)

// broadcastTransaction extracts the final transaction from a stored packet
// and pushes it to the network. A node rejection is recorded on the
// transaction so it is never retried blindly.
func (s *TrackerService) broadcastTransaction(ctx context.Context, walletID, txid string) {
	tx, err := s.repoManager.Transactions().GetTransaction(ctx, walletID, txid)
	if err != nil {
		log.WithError(err).Errorf("failed to load tx %s", txid)
		return
	}
	if tx == nil {
		log.Warnf("dropping broadcast order for unknown tx %s", txid)
		return
	}
	if tx.Confirmed() {
		return
	}

	txHex, extractedTxid, err := s.engine.ExtractTransaction(tx.Packet)
	if err != nil {
		log.WithError(err).Errorf("failed to extract tx %s from packet", txid)
		if dbErr := s.repoManager.Transactions().SetBroadcastError(
			ctx, walletID, txid, err.Error(),
		); dbErr != nil {
			log.WithError(dbErr).Errorf("failed to record broadcast error of %s", txid)
		}
		return
	}
	if extractedTxid != txid {
		log.Errorf("packet of tx %s extracts to %s, refusing to broadcast", txid, extractedTxid)
		return
	}

	rawTx, err := hex.DecodeString(txHex)
	if err != nil {
		log.WithError(err).Errorf("failed to decode extracted tx %s", txid)
		return
	}
	msgTx, err := decodeTx(rawTx)
	if err != nil {
		log.WithError(err).Errorf("failed to decode extracted tx %s", txid)
		return
	}

	if _, err := s.chain.SendRawTransaction(ctx, msgTx); err != nil {
		log.WithError(err).Errorf("node rejected tx %s", txid)
		if dbErr := s.repoManager.Transactions().SetBroadcastError(
			ctx, walletID, txid, err.Error(),
		); dbErr != nil {
			log.WithError(dbErr).Errorf("failed to record broadcast error of %s", txid)
		}
		return
	}
	log.Infof("broadcasted tx %s for wallet %s", txid, walletID)
}

// rebroadcastPending re-submits every platform-built transaction that is
// neither confirmed nor rejected. Run once at startup: the node may have
// been restarted with an empty mempool while we were down.
func (s *TrackerService) rebroadcastPending(ctx context.Context) {
	pending, err := s.repoManager.Transactions().PendingBroadcasts(ctx)
	if err != nil {
		log.WithError(err).Error("failed to list pending broadcasts")
		return
	}
	for _, tx := range pending {
		s.broadcastTransaction(ctx, tx.WalletID, tx.Txid)
	}
}
