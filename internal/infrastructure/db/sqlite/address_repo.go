package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/covault/covaultd/internal/core/domain"
)

type addressRepository struct {
	db Querier
}

func NewAddressRepository(config ...interface{}) (domain.AddressRepository, error) {
	db, err := querierFromConfig(config...)
	if err != nil {
		return nil, fmt.Errorf("cannot open address repository: %w", err)
	}
	return &addressRepository{db}, nil
}

func (r *addressRepository) AddAddresses(ctx context.Context, addresses []domain.Address) error {
	for _, addr := range addresses {
		if _, err := r.db.ExecContext(
			ctx,
			`INSERT INTO address
			(wallet_id, account_index, change, derivation_index, address, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			addr.WalletID, addr.Account, boolToInt(addr.Change),
			addr.Index, addr.Address, addr.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("failed to add address %s: %w", addr.Address, err)
		}
	}
	return nil
}

func (r *addressRepository) FindTracked(
	ctx context.Context, addresses []string,
) ([]domain.Address, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(addresses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(addresses))
	for _, addr := range addresses {
		args = append(args, addr)
	}

	rows, err := r.db.QueryContext(
		ctx,
		fmt.Sprintf(
			`SELECT wallet_id, account_index, change, derivation_index, address, created_at
			FROM address WHERE address IN (%s)`, placeholders,
		),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find addresses: %w", err)
	}
	// nolint:errcheck
	defer rows.Close()

	found := make([]domain.Address, 0)
	for rows.Next() {
		var addr domain.Address
		var change int
		var createdAt int64
		if err := rows.Scan(
			&addr.WalletID, &addr.Account, &change, &addr.Index, &addr.Address, &createdAt,
		); err != nil {
			return nil, err
		}
		addr.Change = change != 0
		addr.CreatedAt = time.Unix(createdAt, 0)
		found = append(found, addr)
	}
	return found, rows.Err()
}

func (r *addressRepository) LastIndex(
	ctx context.Context, walletID string, account uint32, change bool,
) (int64, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT MAX(derivation_index) FROM address
		WHERE wallet_id = ? AND account_index = ? AND change = ?`,
		walletID, account, boolToInt(change),
	)

	var last sql.NullInt64
	if err := row.Scan(&last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return -1, nil
		}
		return 0, fmt.Errorf("failed to get last address index: %w", err)
	}
	if !last.Valid {
		return -1, nil
	}
	return last.Int64, nil
}

func (r *addressRepository) CountUnused(
	ctx context.Context, walletID string, account uint32, change bool,
) (int64, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM address a
		WHERE a.wallet_id = ? AND a.account_index = ? AND a.change = ?
		AND NOT EXISTS (SELECT 1 FROM tx_output o WHERE o.address = a.address)`,
		walletID, account, boolToInt(change),
	)

	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unused addresses: %w", err)
	}
	return count, nil
}

func (r *addressRepository) Close() {}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
