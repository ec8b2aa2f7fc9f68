package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/covault/covaultd/internal/core/domain"
)

type transactionRepository struct {
	db Querier
}

func NewTransactionRepository(config ...interface{}) (domain.TransactionRepository, error) {
	db, err := querierFromConfig(config...)
	if err != nil {
		return nil, fmt.Errorf("cannot open transaction repository: %w", err)
	}
	return &transactionRepository{db}, nil
}

func (r *transactionRepository) AddTransaction(ctx context.Context, tx domain.Transaction) error {
	var height, blockTimestamp sql.NullInt64
	if tx.Height != nil {
		height = sql.NullInt64{Int64: *tx.Height, Valid: true}
	}
	if tx.BlockTimestamp != nil {
		blockTimestamp = sql.NullInt64{Int64: tx.BlockTimestamp.Unix(), Valid: true}
	}
	var broadcastError sql.NullString
	if tx.BroadcastError != nil {
		broadcastError = sql.NullString{String: *tx.BroadcastError, Valid: true}
	}

	if _, err := r.db.ExecContext(
		ctx,
		`INSERT INTO tx
		(txid, wallet_id, source, height, block_timestamp, packet, broadcast_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.Txid, tx.WalletID, tx.Source.String(), height, blockTimestamp,
		tx.Packet, broadcastError, tx.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("failed to add transaction %s: %w", tx.Txid, err)
	}

	for _, out := range tx.Outputs {
		var address sql.NullString
		if out.Address != nil {
			address = sql.NullString{String: *out.Address, Valid: true}
		}
		if _, err := r.db.ExecContext(
			ctx,
			`INSERT INTO tx_output (txid, vout, value, address, spent_by_txid)
			VALUES (?, ?, ?, ?, NULL)
			ON CONFLICT (txid, vout) DO NOTHING`,
			out.Txid, out.VOut, out.Value, address,
		); err != nil {
			return fmt.Errorf("failed to add output %s: %w", out.Outpoint, err)
		}
	}
	return nil
}

func (r *transactionRepository) GetTransaction(
	ctx context.Context, walletID, txid string,
) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT txid, wallet_id, source, height, block_timestamp, packet,
		broadcast_error, created_at
		FROM tx WHERE wallet_id = ? AND txid = ?`,
		walletID, txid,
	)

	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	outputs, err := r.transactionOutputs(ctx, txid)
	if err != nil {
		return nil, err
	}
	tx.Outputs = outputs
	return tx, nil
}

func (r *transactionRepository) HasTransaction(ctx context.Context, txid string) (bool, error) {
	row := r.db.QueryRowContext(
		ctx, "SELECT EXISTS (SELECT 1 FROM tx WHERE txid = ?)", txid,
	)
	var exists int
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check transaction: %w", err)
	}
	return exists != 0, nil
}

func (r *transactionRepository) ConfirmTransaction(
	ctx context.Context, walletID, txid string, height int64, blockTime time.Time,
) error {
	// COALESCE keeps the first recorded confirmation if a block is ever
	// processed twice. The source always settles on the block once the
	// transaction is confirmed, whoever observed it first.
	if _, err := r.db.ExecContext(
		ctx,
		`UPDATE tx SET height = COALESCE(height, ?),
		block_timestamp = COALESCE(block_timestamp, ?),
		source = ?
		WHERE wallet_id = ? AND txid = ?`,
		height, blockTime.Unix(), domain.TxSourceBlock.String(), walletID, txid,
	); err != nil {
		return fmt.Errorf("failed to confirm transaction %s: %w", txid, err)
	}
	return nil
}

func (r *transactionRepository) FindOutputs(
	ctx context.Context, outpoints []domain.Outpoint,
) ([]domain.Output, error) {
	outputs := make([]domain.Output, 0, len(outpoints))
	for _, outpoint := range outpoints {
		row := r.db.QueryRowContext(
			ctx,
			`SELECT txid, vout, value, address, spent_by_txid
			FROM tx_output WHERE txid = ? AND vout = ?`,
			outpoint.Txid, outpoint.VOut,
		)

		var out domain.Output
		var address, spentBy sql.NullString
		if err := row.Scan(&out.Txid, &out.VOut, &out.Value, &address, &spentBy); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("failed to get output %s: %w", outpoint, err)
		}
		if address.Valid {
			out.Address = &address.String
		}
		if spentBy.Valid {
			out.SpentByTxid = &spentBy.String
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (r *transactionRepository) MarkOutputSpent(
	ctx context.Context, outpoint domain.Outpoint, spentByTxid string,
) error {
	if _, err := r.db.ExecContext(
		ctx,
		"UPDATE tx_output SET spent_by_txid = ? WHERE txid = ? AND vout = ?",
		spentByTxid, outpoint.Txid, outpoint.VOut,
	); err != nil {
		return fmt.Errorf("failed to mark output %s spent: %w", outpoint, err)
	}
	return nil
}

func (r *transactionRepository) ConfirmedInflow(
	ctx context.Context, walletID string, since time.Time,
) (int64, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(o.value), 0)
		FROM tx_output o
		JOIN platform_key pk ON pk.billing_address = o.address
		JOIN tx t ON t.txid = o.txid AND t.wallet_id = pk.wallet_id
		WHERE pk.wallet_id = ? AND t.height IS NOT NULL AND t.block_timestamp >= ?`,
		walletID, since.Unix(),
	)

	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum confirmed inflow: %w", err)
	}
	return total, nil
}

func (r *transactionRepository) PendingBroadcasts(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT txid, wallet_id, source, height, block_timestamp, packet,
		broadcast_error, created_at
		FROM tx
		WHERE source = 'app' AND height IS NULL AND broadcast_error IS NULL
		ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending broadcasts: %w", err)
	}
	// nolint:errcheck
	defer rows.Close()

	txs := make([]domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

func (r *transactionRepository) SetBroadcastError(
	ctx context.Context, walletID, txid, reason string,
) error {
	if _, err := r.db.ExecContext(
		ctx,
		"UPDATE tx SET broadcast_error = ? WHERE wallet_id = ? AND txid = ?",
		reason, walletID, txid,
	); err != nil {
		return fmt.Errorf("failed to set broadcast error on %s: %w", txid, err)
	}
	return nil
}

func (r *transactionRepository) transactionOutputs(
	ctx context.Context, txid string,
) ([]domain.Output, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT txid, vout, value, address, spent_by_txid
		FROM tx_output WHERE txid = ? ORDER BY vout`,
		txid,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get outputs: %w", err)
	}
	// nolint:errcheck
	defer rows.Close()

	outputs := make([]domain.Output, 0)
	for rows.Next() {
		var out domain.Output
		var address, spentBy sql.NullString
		if err := rows.Scan(&out.Txid, &out.VOut, &out.Value, &address, &spentBy); err != nil {
			return nil, err
		}
		if address.Valid {
			out.Address = &address.String
		}
		if spentBy.Valid {
			out.SpentByTxid = &spentBy.String
		}
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

func (r *transactionRepository) Close() {}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var source string
	var height, blockTimestamp sql.NullInt64
	var broadcastError sql.NullString
	var createdAt int64

	if err := row.Scan(
		&tx.Txid, &tx.WalletID, &source, &height, &blockTimestamp,
		&tx.Packet, &broadcastError, &createdAt,
	); err != nil {
		return nil, err
	}

	parsed, err := domain.ParseTxSource(source)
	if err != nil {
		return nil, err
	}
	tx.Source = parsed
	if height.Valid {
		tx.Height = &height.Int64
	}
	if blockTimestamp.Valid {
		ts := time.Unix(blockTimestamp.Int64, 0)
		tx.BlockTimestamp = &ts
	}
	if broadcastError.Valid {
		tx.BroadcastError = &broadcastError.String
	}
	tx.CreatedAt = time.Unix(createdAt, 0)
	return &tx, nil
}
