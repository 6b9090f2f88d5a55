package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// TRANSACTION LOG + BALANCES (ledger.Store interface)
// =============================================================================

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return appendTransaction(ctx, s.db, tx)
}

func (s *Store) PutBalance(ctx context.Context, rec ledger.BalanceRecord) error {
	return putBalance(ctx, s.db, rec)
}

func (s *Store) GetBalance(ctx context.Context, key ledger.Key) (ledger.BalanceRecord, error) {
	return getBalance(ctx, s.db, key)
}

func (s *Store) Transactions(ctx context.Context, key ledger.Key, limit int) ([]ledger.Transaction, error) {
	return transactions(ctx, s.db, key, limit)
}

func (s *Store) IdempotencyKeyExists(ctx context.Context, idempotencyKey string) (bool, error) {
	return idempotencyKeyExists(ctx, s.db, idempotencyKey)
}

func appendTransaction(ctx context.Context, q querier, tx ledger.Transaction) error {
	var metadataJSON sql.NullString
	if len(tx.Metadata) > 0 {
		b, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO transactions
		(id, account_id, meter_id, tx_type, amount, balance_before, balance_after,
		 reference_number, vendor, payment_method, idempotency_key, metadata_json,
		 status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		tx.ID,
		tx.AccountID,
		tx.MeterID,
		tx.Type,
		tx.Amount.String(),
		tx.BalanceBefore.String(),
		tx.BalanceAfter.String(),
		nullString(tx.ReferenceNumber),
		nullString(tx.Vendor),
		nullString(tx.PaymentMethod),
		nullString(tx.IdempotencyKey),
		metadataJSON,
		tx.Status,
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Errorf(ledger.ErrDuplicate, "transaction %s", tx.ID)
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func putBalance(ctx context.Context, q querier, rec ledger.BalanceRecord) error {
	query := `
		INSERT INTO balances
		(account_id, meter_id, current_balance, daily_consumption_avg,
		 estimated_days_remaining, low_balance_threshold, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, meter_id) DO UPDATE SET
			current_balance = excluded.current_balance,
			daily_consumption_avg = excluded.daily_consumption_avg,
			estimated_days_remaining = excluded.estimated_days_remaining,
			low_balance_threshold = excluded.low_balance_threshold,
			last_updated = excluded.last_updated
	`
	_, err := q.ExecContext(ctx, query,
		rec.AccountID,
		rec.MeterID,
		rec.CurrentBalance.String(),
		rec.DailyConsumptionAvg.String(),
		rec.EstimatedDaysRemaining,
		rec.LowBalanceThreshold.String(),
		formatTime(rec.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

func getBalance(ctx context.Context, q querier, key ledger.Key) (ledger.BalanceRecord, error) {
	query := `
		SELECT current_balance, daily_consumption_avg, estimated_days_remaining,
		       low_balance_threshold, last_updated
		FROM balances
		WHERE account_id = ? AND meter_id = ?
	`
	var (
		balance, avg, threshold, updated string
		days                             int
	)
	err := q.QueryRowContext(ctx, query, key.AccountID, key.MeterID).
		Scan(&balance, &avg, &days, &threshold, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.BalanceRecord{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.BalanceRecord{}, fmt.Errorf("failed to load balance: %w", err)
	}

	rec := ledger.BalanceRecord{
		AccountID:              key.AccountID,
		MeterID:                key.MeterID,
		EstimatedDaysRemaining: days,
	}
	if rec.CurrentBalance, err = parseDecimal("current_balance", balance); err != nil {
		return ledger.BalanceRecord{}, err
	}
	if rec.DailyConsumptionAvg, err = parseDecimal("daily_consumption_avg", avg); err != nil {
		return ledger.BalanceRecord{}, err
	}
	if rec.LowBalanceThreshold, err = parseDecimal("low_balance_threshold", threshold); err != nil {
		return ledger.BalanceRecord{}, err
	}
	if rec.LastUpdated, err = parseTime(updated); err != nil {
		return ledger.BalanceRecord{}, fmt.Errorf("corrupt last_updated %q: %w", updated, err)
	}
	return rec, nil
}

// transactions returns the newest limit entries for key, oldest first.
func transactions(ctx context.Context, q querier, key ledger.Key, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query := `
		SELECT id, account_id, meter_id, tx_type, amount, balance_before, balance_after,
		       reference_number, vendor, payment_method, idempotency_key, metadata_json,
		       status, created_at
		FROM (
			SELECT * FROM transactions
			WHERE account_id = ? AND meter_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`
	rows, err := q.QueryContext(ctx, query, key.AccountID, key.MeterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx                                  ledger.Transaction
		amount, before, after, created      string
		reference, vendor, payment, idemKey sql.NullString
		metadataJSON                        sql.NullString
	)
	err := rows.Scan(
		&tx.ID, &tx.AccountID, &tx.MeterID, &tx.Type,
		&amount, &before, &after,
		&reference, &vendor, &payment, &idemKey, &metadataJSON,
		&tx.Status, &created,
	)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.Amount, err = parseDecimal("amount", amount); err != nil {
		return ledger.Transaction{}, err
	}
	if tx.BalanceBefore, err = parseDecimal("balance_before", before); err != nil {
		return ledger.Transaction{}, err
	}
	if tx.BalanceAfter, err = parseDecimal("balance_after", after); err != nil {
		return ledger.Transaction{}, err
	}
	if tx.CreatedAt, err = parseTime(created); err != nil {
		return ledger.Transaction{}, fmt.Errorf("corrupt created_at %q: %w", created, err)
	}
	tx.ReferenceNumber = reference.String
	tx.Vendor = vendor.String
	tx.PaymentMethod = payment.String
	tx.IdempotencyKey = idemKey.String
	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return ledger.Transaction{}, fmt.Errorf("corrupt metadata for %s: %w", tx.ID, err)
		}
	}
	return tx, nil
}

func idempotencyKeyExists(ctx context.Context, q querier, idempotencyKey string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?", idempotencyKey,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return count > 0, nil
}

// =============================================================================
// METER DIRECTORY (ledger.Directory interface)
// =============================================================================

func (s *Store) Owns(ctx context.Context, accountID ledger.AccountID, meterID ledger.MeterID) (bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, "SELECT account_id FROM meters WHERE meter_id = ?", meterID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up meter: %w", err)
	}
	return ledger.AccountID(owner) == accountID, nil
}

// RegisterMeter assigns meterID to accountID. Registering a meter again for
// the same account is a no-op; a meter owned by another account is rejected
// with ledger.ErrOwnership.
func (s *Store) RegisterMeter(ctx context.Context, m ledger.Meter) error {
	if m.MeterID == "" || m.AccountID == "" {
		return ledger.Errorf(ledger.ErrInvalidArgument, "account and meter ids are required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO meters (meter_id, account_id, label, created_at) VALUES (?, ?, ?, datetime('now'))",
		m.MeterID, m.AccountID, nullString(m.Label),
	)
	if err == nil {
		return nil
	}
	if !isUniqueConstraintError(err) {
		return fmt.Errorf("failed to register meter: %w", err)
	}
	owns, ownErr := s.Owns(ctx, m.AccountID, m.MeterID)
	if ownErr != nil {
		return ownErr
	}
	if !owns {
		return ledger.Errorf(ledger.ErrOwnership, "meter %s is registered to another account", m.MeterID)
	}
	return nil
}

// ListMeters returns the meters registered to accountID.
func (s *Store) ListMeters(ctx context.Context, accountID ledger.AccountID) ([]ledger.Meter, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT meter_id, label FROM meters WHERE account_id = ? ORDER BY meter_id", accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list meters: %w", err)
	}
	defer rows.Close()

	var meters []ledger.Meter
	for rows.Next() {
		var (
			m     = ledger.Meter{AccountID: accountID}
			label sql.NullString
		)
		if err := rows.Scan(&m.MeterID, &label); err != nil {
			return nil, fmt.Errorf("failed to scan meter: %w", err)
		}
		m.Label = label.String
		meters = append(meters, m)
	}
	return meters, rows.Err()
}
