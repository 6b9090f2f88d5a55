/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Durable home of the transaction log, the balance records, the meter
  directory and the notifications. One Store value serves every interface.

INTERFACES IMPLEMENTED:
  ledger.TxStore:   transaction log + balance records, WithTx for the atomic apply
  ledger.MeterRegistry: meter ownership (meters table)
  notify.Store:     notifications and their read state
  notify.PreferenceStore: per-account notification preferences

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements on the transactions table
  - Corrections are new transactions

KEY TABLES:
  transactions:  immutable log, seq gives insertion order
  balances:      one mutable row per (account, meter)
  meters:        meter -> owning account
  notifications: low balance notifications, optional expires_at for the sweep
  notification_preferences: enabled flag and muted severities per account

CONCURRENCY:
  The pool is capped at one connection. SQLite has a single writer anyway,
  and ":memory:" databases exist per connection, so one connection keeps
  every caller on the same database. Inside WithTx every statement must go
  through the transaction, never s.db, or it waits on itself.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, store, ledger.ServiceOptions{})

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: the interfaces
  - ledger/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/token-ledger/ledger"
)

// timeFormat keeps fractional seconds fixed-width so text ordering is time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Transactions (append-only log)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		meter_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		reference_number TEXT,
		vendor TEXT,
		payment_method TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Log replay and history (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_key_seq
		ON transactions(account_id, meter_id, seq);

	-- Balance records (materialized projection of the log)
	CREATE TABLE IF NOT EXISTS balances (
		account_id TEXT NOT NULL,
		meter_id TEXT NOT NULL,
		current_balance TEXT NOT NULL,
		daily_consumption_avg TEXT NOT NULL,
		estimated_days_remaining INTEGER NOT NULL,
		low_balance_threshold TEXT NOT NULL,
		last_updated TEXT NOT NULL,
		PRIMARY KEY (account_id, meter_id)
	);

	-- Meter directory
	CREATE TABLE IF NOT EXISTS meters (
		meter_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		label TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_meters_account
		ON meters(account_id);

	-- Notifications
	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		meter_id TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0,
		related_balance TEXT NOT NULL,
		estimated_days INTEGER NOT NULL,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_account_created
		ON notifications(account_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_notifications_key_type
		ON notifications(account_id, meter_id, type, created_at DESC);

	-- For the expiry sweep
	CREATE INDEX IF NOT EXISTS idx_notifications_expires
		ON notifications(expires_at) WHERE expires_at IS NOT NULL;

	-- One row per account that saved preferences
	CREATE TABLE IF NOT EXISTS notification_preferences (
		account_id TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL,
		muted_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// querier is the part of *sql.DB and *sql.Tx the stores use.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs the ledger.Store methods against an open transaction.
type txStore struct {
	q querier
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return appendTransaction(ctx, ts.q, tx)
}

func (ts *txStore) PutBalance(ctx context.Context, rec ledger.BalanceRecord) error {
	return putBalance(ctx, ts.q, rec)
}

func (ts *txStore) GetBalance(ctx context.Context, key ledger.Key) (ledger.BalanceRecord, error) {
	return getBalance(ctx, ts.q, key)
}

func (ts *txStore) Transactions(ctx context.Context, key ledger.Key, limit int) ([]ledger.Transaction, error) {
	return transactions(ctx, ts.q, key, limit)
}

func (ts *txStore) IdempotencyKeyExists(ctx context.Context, idempotencyKey string) (bool, error) {
	return idempotencyKeyExists(ctx, ts.q, idempotencyKey)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func parseDecimal(column, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("corrupt %s %q: %w", column, value, err)
	}
	return d, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}
