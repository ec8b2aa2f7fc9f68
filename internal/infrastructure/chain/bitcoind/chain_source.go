package bitcoind

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/covault/covaultd/internal/core/ports"
)

type chainSource struct {
	client *rpcclient.Client
}

// NewChainSource connects to a bitcoind node over HTTP POST RPC.
func NewChainSource(host, user, pass string) (ports.ChainSource, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bitcoind: %s", err)
	}
	return &chainSource{client}, nil
}

func (s *chainSource) GetBlockCount(_ context.Context) (int64, error) {
	count, err := s.client.GetBlockCount()
	if err != nil {
		return 0, fmt.Errorf("[getblockcount]: %s", err)
	}
	return count, nil
}

func (s *chainSource) GetBlockHash(_ context.Context, height int64) (string, error) {
	hash, err := s.client.GetBlockHash(height)
	if err != nil {
		return "", fmt.Errorf("[getblockhash] %d: %s", height, err)
	}
	return hash.String(), nil
}

func (s *chainSource) GetBlock(_ context.Context, hash string) (*wire.MsgBlock, error) {
	blockHash, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return nil, fmt.Errorf("invalid block hash %s: %s", hash, err)
	}
	block, err := s.client.GetBlock(blockHash)
	if err != nil {
		return nil, fmt.Errorf("[getblock] %s: %s", hash, err)
	}
	return block, nil
}

func (s *chainSource) GetRawMempool(_ context.Context) ([]string, error) {
	hashes, err := s.client.GetRawMempool()
	if err != nil {
		return nil, fmt.Errorf("[getrawmempool]: %s", err)
	}
	txids := make([]string, 0, len(hashes))
	for _, hash := range hashes {
		txids = append(txids, hash.String())
	}
	return txids, nil
}

func (s *chainSource) GetRawTransaction(_ context.Context, txid string) (*wire.MsgTx, error) {
	txHash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %s: %s", txid, err)
	}
	tx, err := s.client.GetRawTransaction(txHash)
	if err != nil {
		return nil, fmt.Errorf("[getrawtransaction] %s: %s", txid, err)
	}
	return tx.MsgTx(), nil
}

func (s *chainSource) SendRawTransaction(_ context.Context, tx *wire.MsgTx) (string, error) {
	txHash, err := s.client.SendRawTransaction(tx, false)
	if err != nil {
		return "", fmt.Errorf("[sendrawtransaction]: %s", err)
	}
	return txHash.String(), nil
}

func (s *chainSource) EstimateFeeRate(_ context.Context, target int64) (int64, error) {
	mode := btcjson.EstimateModeConservative
	result, err := s.client.EstimateSmartFee(target, &mode)
	if err != nil {
		return 0, fmt.Errorf("[estimatesmartfee] %d: %s", target, err)
	}
	if result.FeeRate == nil || *result.FeeRate <= 0 {
		// the node has not seen enough blocks yet
		return 1, nil
	}
	// BTC/kvB -> sat/vB
	rate := int64(*result.FeeRate * 1e8 / 1000)
	if rate < 1 {
		rate = 1
	}
	return rate, nil
}

func (s *chainSource) Close() {
	s.client.Shutdown()
}
