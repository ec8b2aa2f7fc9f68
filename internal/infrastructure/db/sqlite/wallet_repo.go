package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/covault/covaultd/internal/core/domain"
)

type walletRepository struct {
	db Querier
}

func NewWalletRepository(config ...interface{}) (domain.WalletRepository, error) {
	db, err := querierFromConfig(config...)
	if err != nil {
		return nil, fmt.Errorf("cannot open wallet repository: %w", err)
	}
	return &walletRepository{db}, nil
}

func (r *walletRepository) AddWallet(ctx context.Context, wallet domain.Wallet) error {
	if err := wallet.Validate(); err != nil {
		return err
	}

	if _, err := r.db.ExecContext(
		ctx,
		"INSERT INTO wallet (id, name, created_at) VALUES (?, ?, ?)",
		wallet.ID, wallet.Name, wallet.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("failed to add wallet: %w", err)
	}

	for _, key := range wallet.Keys {
		if _, err := r.db.ExecContext(
			ctx,
			`INSERT INTO wallet_key
			(wallet_id, origin, extended_public_key, master_fingerprint, derivation_path)
			VALUES (?, ?, ?, ?, ?)`,
			wallet.ID, key.Origin.String(), key.ExtendedPublicKey,
			key.MasterFingerprint, key.DerivationPath,
		); err != nil {
			return fmt.Errorf("failed to add wallet key: %w", err)
		}
	}

	for _, account := range wallet.Accounts {
		if err := r.AddAccount(ctx, domain.Account{
			WalletID: wallet.ID, Index: account.Index,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *walletRepository) AddAccount(ctx context.Context, account domain.Account) error {
	if _, err := r.db.ExecContext(
		ctx,
		"INSERT INTO account (wallet_id, account_index) VALUES (?, ?)",
		account.WalletID, account.Index,
	); err != nil {
		return fmt.Errorf("failed to add account: %w", err)
	}
	return nil
}

func (r *walletRepository) GetWallet(ctx context.Context, id string) (*domain.Wallet, error) {
	row := r.db.QueryRowContext(
		ctx, "SELECT id, name, created_at FROM wallet WHERE id = ?", id,
	)

	var wallet domain.Wallet
	var createdAt int64
	if err := row.Scan(&wallet.ID, &wallet.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("wallet %s not found", id)
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	wallet.CreatedAt = time.Unix(createdAt, 0)

	keys, err := r.walletKeys(ctx, wallet.ID)
	if err != nil {
		return nil, err
	}
	wallet.Keys = keys

	accounts, err := r.walletAccounts(ctx, wallet.ID)
	if err != nil {
		return nil, err
	}
	wallet.Accounts = accounts

	return &wallet, nil
}

func (r *walletRepository) GetAllWallets(ctx context.Context) ([]domain.Wallet, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM wallet ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	// nolint:errcheck
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	wallets := make([]domain.Wallet, 0, len(ids))
	for _, id := range ids {
		wallet, err := r.GetWallet(ctx, id)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *wallet)
	}
	return wallets, nil
}

func (r *walletRepository) walletKeys(ctx context.Context, walletID string) ([]domain.WalletKey, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT origin, extended_public_key, master_fingerprint, derivation_path
		FROM wallet_key WHERE wallet_id = ? ORDER BY origin`,
		walletID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet keys: %w", err)
	}
	// nolint:errcheck
	defer rows.Close()

	keys := make([]domain.WalletKey, 0, 3)
	for rows.Next() {
		key := domain.WalletKey{WalletID: walletID}
		var origin string
		if err := rows.Scan(
			&origin, &key.ExtendedPublicKey, &key.MasterFingerprint, &key.DerivationPath,
		); err != nil {
			return nil, err
		}
		key.Origin, err = domain.ParseKeyOrigin(origin)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r *walletRepository) walletAccounts(ctx context.Context, walletID string) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(
		ctx,
		"SELECT account_index FROM account WHERE wallet_id = ? ORDER BY account_index",
		walletID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	// nolint:errcheck
	defer rows.Close()

	accounts := make([]domain.Account, 0, 1)
	for rows.Next() {
		account := domain.Account{WalletID: walletID}
		if err := rows.Scan(&account.Index); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (r *walletRepository) Close() {}
