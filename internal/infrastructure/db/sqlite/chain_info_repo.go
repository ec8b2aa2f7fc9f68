package sqlitedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/covault/covaultd/internal/core/domain"
)

type chainInfoRepository struct {
	db Querier
}

func NewChainInfoRepository(config ...interface{}) (domain.ChainInfoRepository, error) {
	db, err := querierFromConfig(config...)
	if err != nil {
		return nil, fmt.Errorf("cannot open chain info repository: %w", err)
	}
	return &chainInfoRepository{db}, nil
}

func (r *chainInfoRepository) GetChainInfo(ctx context.Context) (*domain.ChainInfo, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT network, last_block, last_block_hash, fee_rates, usd_price, updated_at
		FROM chain_info WHERE id = 1`,
	)

	var info domain.ChainInfo
	var feeRates string
	var updatedAt int64
	if err := row.Scan(
		&info.Network, &info.LastBlock, &info.LastBlockHash,
		&feeRates, &info.USDPrice, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chain info: %w", err)
	}

	rates, err := decodeFeeRates(feeRates)
	if err != nil {
		return nil, err
	}
	info.FeeRates = rates
	info.UpdatedAt = time.Unix(updatedAt, 0)
	return &info, nil
}

func (r *chainInfoRepository) UpsertChainInfo(ctx context.Context, info domain.ChainInfo) error {
	feeRates, err := encodeFeeRates(info.FeeRates)
	if err != nil {
		return err
	}

	if _, err := r.db.ExecContext(
		ctx,
		`INSERT INTO chain_info
		(id, network, last_block, last_block_hash, fee_rates, usd_price, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
		network = excluded.network,
		last_block = excluded.last_block,
		last_block_hash = excluded.last_block_hash,
		fee_rates = excluded.fee_rates,
		usd_price = excluded.usd_price,
		updated_at = excluded.updated_at`,
		info.Network, info.LastBlock, info.LastBlockHash,
		feeRates, info.USDPrice, info.UpdatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("failed to upsert chain info: %w", err)
	}
	return nil
}

func (r *chainInfoRepository) UpdateLastBlock(ctx context.Context, height int64, hash string) error {
	result, err := r.db.ExecContext(
		ctx,
		"UPDATE chain_info SET last_block = ?, last_block_hash = ?, updated_at = ? WHERE id = 1",
		height, hash, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to update last block: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("chain info not initialized")
	}
	return nil
}

func (r *chainInfoRepository) Close() {}

func encodeFeeRates(rates map[int64]int64) (string, error) {
	encoded := make(map[string]int64, len(rates))
	for target, rate := range rates {
		encoded[strconv.FormatInt(target, 10)] = rate
	}
	buf, err := json.Marshal(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to encode fee rates: %w", err)
	}
	return string(buf), nil
}

func decodeFeeRates(raw string) (map[int64]int64, error) {
	encoded := make(map[string]int64)
	if err := json.Unmarshal([]byte(raw), &encoded); err != nil {
		return nil, fmt.Errorf("failed to decode fee rates: %w", err)
	}
	rates := make(map[int64]int64, len(encoded))
	for target, rate := range encoded {
		parsed, err := strconv.ParseInt(target, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode fee rates: %w", err)
		}
		rates[parsed] = rate
	}
	return rates, nil
}
