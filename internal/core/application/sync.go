package application

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"

	"github.com/covault/covaultd/internal/core/domain"
	"github.com/covault/covaultd/internal/core/ports"
)

// syncToTip walks the chain from the last indexed block to the node's tip,
// indexing every block in its own ledger transaction. Before moving forward
// it re-fetches the hash at the last indexed height: a mismatch means the
// chain reorganized under us and the pass halts so an operator can intervene.
func (s *TrackerService) syncToTip(ctx context.Context) {
	count, err := s.chain.GetBlockCount(ctx)
	if err != nil {
		log.WithError(err).Error("failed to get block count")
		return
	}

	info, err := s.repoManager.ChainInfo().GetChainInfo(ctx)
	if err != nil {
		log.WithError(err).Error("failed to load chain info")
		return
	}
	if info == nil {
		// first run, start tracking from the current tip
		hash, err := s.chain.GetBlockHash(ctx, count)
		if err != nil {
			log.WithError(err).Error("failed to get tip hash")
			return
		}
		if err := s.repoManager.ChainInfo().UpsertChainInfo(ctx, domain.ChainInfo{
			Network:       s.networkName,
			LastBlock:     count,
			LastBlockHash: hash,
			FeeRates:      make(map[int64]int64),
			UpdatedAt:     time.Now(),
		}); err != nil {
			log.WithError(err).Error("failed to initialize chain info")
		}
		return
	}
	if count <= info.LastBlock {
		return
	}

	if info.LastBlockHash != "" {
		hash, err := s.chain.GetBlockHash(ctx, info.LastBlock)
		if err != nil {
			log.WithError(err).Errorf("failed to get hash of block %d", info.LastBlock)
			return
		}
		if hash != info.LastBlockHash {
			log.Errorf(
				"block %d hash changed from %s to %s, chain reorganized, halting sync",
				info.LastBlock, info.LastBlockHash, hash,
			)
			return
		}
	}

	for height := info.LastBlock + 1; height <= count; height++ {
		hash, err := s.chain.GetBlockHash(ctx, height)
		if err != nil {
			log.WithError(err).Errorf("failed to get hash of block %d", height)
			return
		}
		block, err := s.chain.GetBlock(ctx, hash)
		if err != nil {
			log.WithError(err).Errorf("failed to fetch block %d", height)
			return
		}
		if err := s.processBlock(ctx, block, height, hash); err != nil {
			log.WithError(err).Errorf("failed to index block %d", height)
			return
		}
		log.Debugf("indexed block %d (%s)", height, hash)
	}
}

// processBlock indexes all transactions of a block and advances the sync
// cursor, atomically.
func (s *TrackerService) processBlock(
	ctx context.Context, block *wire.MsgBlock, height int64, hash string,
) error {
	ctx, cancel := context.WithTimeout(ctx, blockWriteTimeout)
	defer cancel()

	blockTime := block.Header.Timestamp
	return s.repoManager.Transaction(ctx, func(repos ports.RepoManager) error {
		for _, tx := range block.Transactions {
			if err := s.processTx(ctx, repos, tx, domain.TxSourceBlock, &height, &blockTime); err != nil {
				return err
			}
		}
		return repos.ChainInfo().UpdateLastBlock(ctx, height, hash)
	})
}

// scanMempool runs the mempool through the indexer, skipping txids already
// known to be irrelevant.
func (s *TrackerService) scanMempool(ctx context.Context) {
	txids, err := s.chain.GetRawMempool(ctx)
	if err != nil {
		log.WithError(err).Error("failed to fetch mempool")
		return
	}
	for _, txid := range txids {
		if s.isSeen(txid) {
			continue
		}
		has, err := s.repoManager.Transactions().HasTransaction(ctx, txid)
		if err != nil {
			log.WithError(err).Errorf("failed to check tx %s", txid)
			continue
		}
		if has {
			s.markSeen(txid)
			continue
		}
		tx, err := s.chain.GetRawTransaction(ctx, txid)
		if err != nil {
			log.WithError(err).Warnf("failed to fetch mempool tx %s", txid)
			continue
		}
		if err := s.processTx(ctx, s.repoManager, tx, domain.TxSourceMempool, nil, nil); err != nil {
			log.WithError(err).Errorf("failed to index mempool tx %s", txid)
		}
	}
}

func (s *TrackerService) processRawMempoolTx(ctx context.Context, rawTx []byte) {
	tx, err := decodeTx(rawTx)
	if err != nil {
		log.WithError(err).Warn("dropping undecodable mempool tx")
		return
	}
	txid := tx.TxHash().String()
	if s.isSeen(txid) {
		return
	}
	if err := s.processTx(ctx, s.repoManager, tx, domain.TxSourceMempool, nil, nil); err != nil {
		log.WithError(err).Errorf("failed to index mempool tx %s", txid)
	}
}
