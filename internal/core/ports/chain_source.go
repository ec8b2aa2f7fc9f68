package ports

import (
	"context"

	"github.com/btcsuite/btcd/wire"
)

// ChainSource is the pull interface to the bitcoin node. Implementations wrap
// the node's RPC surface; every error is wrapped with the failing method name.
type ChainSource interface {
	GetBlockCount(ctx context.Context) (int64, error)
	GetBlockHash(ctx context.Context, height int64) (string, error)
	GetBlock(ctx context.Context, hash string) (*wire.MsgBlock, error)
	GetRawMempool(ctx context.Context) ([]string, error)
	GetRawTransaction(ctx context.Context, txid string) (*wire.MsgTx, error)
	SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (string, error)
	// EstimateFeeRate returns a sat/vB estimate for the confirmation target,
	// never below 1.
	EstimateFeeRate(ctx context.Context, target int64) (int64, error)
	Close()
}

// BlockNotifier is the push feed from the node. Either channel may be left
// unconsumed; the notifier drops nothing on its side.
type BlockNotifier interface {
	Start() error
	Stop()
	// BlockHashes emits the hash of every newly connected block.
	BlockHashes() <-chan string
	// RawTxs emits every transaction the node accepts, serialized.
	RawTxs() <-chan []byte
}

// PriceSource quotes the fiat price of a coin. Failures are expected and
// non-fatal; callers keep the last known quote.
type PriceSource interface {
	GetUSDPrice(ctx context.Context) (float64, error)
}
