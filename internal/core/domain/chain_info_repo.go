package domain

import "context"

type ChainInfoRepository interface {
	// GetChainInfo returns nil when nothing has been indexed yet.
	GetChainInfo(ctx context.Context) (*ChainInfo, error)
	UpsertChainInfo(ctx context.Context, info ChainInfo) error
	UpdateLastBlock(ctx context.Context, height int64, hash string) error
	Close()
}
