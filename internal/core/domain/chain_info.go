package domain

import "time"

// ChainInfo is the singleton row describing where the indexer stands and what
// the chain currently looks like.
type ChainInfo struct {
	Network       string
	LastBlock     int64
	LastBlockHash string
	// FeeRates maps confirmation targets to sat/vB estimates.
	FeeRates  map[int64]int64
	USDPrice  float64
	UpdatedAt time.Time
}
