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

type platformKeyRepository struct {
	db Querier
}

func NewPlatformKeyRepository(config ...interface{}) (domain.PlatformKeyRepository, error) {
	db, err := querierFromConfig(config...)
	if err != nil {
		return nil, fmt.Errorf("cannot open platform key repository: %w", err)
	}
	return &platformKeyRepository{db}, nil
}

func (r *platformKeyRepository) AddKey(ctx context.Context, key domain.PlatformKey) error {
	if _, err := r.db.ExecContext(
		ctx,
		`INSERT INTO platform_key
		(id, wallet_id, extended_private_key, master_fingerprint, billing_address,
		verification_method, verification_period, paid_until, billing_updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.WalletID, key.ExtendedPrivateKey, key.MasterFingerprint,
		key.BillingAddress, key.VerificationMethod, int64(key.VerificationPeriod/time.Second),
		unixOrZero(key.PaidUntil), key.BillingUpdatedAt.Unix(), key.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("failed to add platform key: %w", err)
	}
	return nil
}

func (r *platformKeyRepository) GetKeyByWallet(
	ctx context.Context, walletID string,
) (*domain.PlatformKey, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT id, wallet_id, extended_private_key, master_fingerprint, billing_address,
		verification_method, verification_period, paid_until, billing_updated_at, created_at
		FROM platform_key WHERE wallet_id = ?`,
		walletID,
	)
	key, err := scanPlatformKey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get platform key: %w", err)
	}
	return key, nil
}

func (r *platformKeyRepository) FindByBillingAddresses(
	ctx context.Context, addresses []string,
) ([]domain.PlatformKey, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(addresses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(addresses))
	for _, addr := range addresses {
		args = append(args, addr)
	}

	rows, err := r.db.QueryContext(
		ctx,
		fmt.Sprintf(
			`SELECT id, wallet_id, extended_private_key, master_fingerprint, billing_address,
			verification_method, verification_period, paid_until, billing_updated_at, created_at
			FROM platform_key WHERE billing_address IN (%s)`,
			placeholders,
		),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find platform keys: %w", err)
	}
	// nolint:errcheck
	defer rows.Close()

	keys := make([]domain.PlatformKey, 0)
	for rows.Next() {
		key, err := scanPlatformKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	return keys, rows.Err()
}

func scanPlatformKey(row rowScanner) (*domain.PlatformKey, error) {
	var key domain.PlatformKey
	var verificationPeriod, paidUntil, billingUpdatedAt, createdAt int64
	if err := row.Scan(
		&key.ID, &key.WalletID, &key.ExtendedPrivateKey, &key.MasterFingerprint,
		&key.BillingAddress, &key.VerificationMethod, &verificationPeriod,
		&paidUntil, &billingUpdatedAt, &createdAt,
	); err != nil {
		return nil, err
	}
	key.VerificationPeriod = time.Duration(verificationPeriod) * time.Second
	if paidUntil > 0 {
		key.PaidUntil = time.Unix(paidUntil, 0)
	}
	key.BillingUpdatedAt = time.Unix(billingUpdatedAt, 0)
	key.CreatedAt = time.Unix(createdAt, 0)
	return &key, nil
}

// unixOrZero keeps a zero time zero across the db round trip; a key that
// never settled must read back with a zero paid-until.
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func (r *platformKeyRepository) SettleBilling(
	ctx context.Context, walletID string,
	paidUntil, billingUpdatedAt time.Time, entry domain.BillingEntry,
) error {
	if _, err := r.db.ExecContext(
		ctx,
		"UPDATE platform_key SET paid_until = ?, billing_updated_at = ? WHERE wallet_id = ?",
		paidUntil.Unix(), billingUpdatedAt.Unix(), walletID,
	); err != nil {
		return fmt.Errorf("failed to settle billing: %w", err)
	}

	if _, err := r.db.ExecContext(
		ctx,
		`INSERT INTO billing_entry
		(id, wallet_id, amount, base_price, months, discount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.WalletID, entry.Amount, entry.BasePrice,
		entry.Months, boolToInt(entry.Discount), entry.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("failed to add billing entry: %w", err)
	}
	return nil
}

func (r *platformKeyRepository) GetBillingEntries(
	ctx context.Context, walletID string,
) ([]domain.BillingEntry, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, wallet_id, amount, base_price, months, discount, created_at
		FROM billing_entry WHERE wallet_id = ? ORDER BY created_at`,
		walletID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing entries: %w", err)
	}
	// nolint:errcheck
	defer rows.Close()

	entries := make([]domain.BillingEntry, 0)
	for rows.Next() {
		var entry domain.BillingEntry
		var discount int
		var createdAt int64
		if err := rows.Scan(
			&entry.ID, &entry.WalletID, &entry.Amount, &entry.BasePrice,
			&entry.Months, &discount, &createdAt,
		); err != nil {
			return nil, err
		}
		entry.Discount = discount != 0
		entry.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *platformKeyRepository) AddSignRequest(
	ctx context.Context, request domain.SignRequest,
) error {
	if _, err := r.db.ExecContext(
		ctx,
		`INSERT INTO sign_request
		(id, wallet_id, packet, current, due_at, expires_at, signed_at, failure_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?)`,
		request.ID, request.WalletID, request.Packet, request.Current,
		request.DueAt.Unix(), unixOrZero(request.ExpiresAt), request.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("failed to add sign request: %w", err)
	}
	return nil
}

func (r *platformKeyRepository) GetSignRequest(
	ctx context.Context, id string,
) (*domain.SignRequest, error) {
	row := r.db.QueryRowContext(
		ctx,
		`SELECT id, wallet_id, packet, current, due_at, expires_at, signed_at, failure_reason,
		created_at
		FROM sign_request WHERE id = ?`,
		id,
	)
	request, err := scanSignRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sign request: %w", err)
	}
	return request, nil
}

func (r *platformKeyRepository) DueSignRequests(
	ctx context.Context, now time.Time,
) ([]domain.SignRequest, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, wallet_id, packet, current, due_at, expires_at, signed_at, failure_reason,
		created_at
		FROM sign_request
		WHERE signed_at IS NULL AND failure_reason IS NULL AND due_at <= ?
		AND (expires_at = 0 OR expires_at > ?)
		ORDER BY due_at`,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due sign requests: %w", err)
	}
	// nolint:errcheck
	defer rows.Close()

	requests := make([]domain.SignRequest, 0)
	for rows.Next() {
		request, err := scanSignRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *request)
	}
	return requests, rows.Err()
}

func (r *platformKeyRepository) UpdateSignRequestCurrent(
	ctx context.Context, id, current string,
) error {
	if _, err := r.db.ExecContext(
		ctx, "UPDATE sign_request SET current = ? WHERE id = ?", current, id,
	); err != nil {
		return fmt.Errorf("failed to update sign request: %w", err)
	}
	return nil
}

func (r *platformKeyRepository) MarkSignRequestSigned(
	ctx context.Context, id, current string, signedAt time.Time,
) error {
	if _, err := r.db.ExecContext(
		ctx,
		"UPDATE sign_request SET current = ?, signed_at = ? WHERE id = ?",
		current, signedAt.Unix(), id,
	); err != nil {
		return fmt.Errorf("failed to mark sign request signed: %w", err)
	}
	return nil
}

func (r *platformKeyRepository) MarkSignRequestFailed(
	ctx context.Context, id, reason string,
) error {
	if _, err := r.db.ExecContext(
		ctx,
		"UPDATE sign_request SET failure_reason = ? WHERE id = ?",
		reason, id,
	); err != nil {
		return fmt.Errorf("failed to mark sign request failed: %w", err)
	}
	return nil
}

func (r *platformKeyRepository) Close() {}

func scanSignRequest(row rowScanner) (*domain.SignRequest, error) {
	var request domain.SignRequest
	var dueAt, expiresAt, createdAt int64
	var signedAt sql.NullInt64
	var failureReason sql.NullString

	if err := row.Scan(
		&request.ID, &request.WalletID, &request.Packet, &request.Current,
		&dueAt, &expiresAt, &signedAt, &failureReason, &createdAt,
	); err != nil {
		return nil, err
	}
	request.DueAt = time.Unix(dueAt, 0)
	if expiresAt > 0 {
		request.ExpiresAt = time.Unix(expiresAt, 0)
	}
	request.CreatedAt = time.Unix(createdAt, 0)
	if signedAt.Valid {
		ts := time.Unix(signedAt.Int64, 0)
		request.SignedAt = &ts
	}
	if failureReason.Valid {
		request.FailureReason = &failureReason.String
	}
	return &request, nil
}
