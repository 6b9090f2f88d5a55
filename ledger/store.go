/*
store.go - Persistence interfaces for the transaction log and balance store

PURPOSE:
  Defines the interface between the ledger service and the database.
  The transaction log is append-only; the balance record is the single
  mutable row per Key and is only ever written together with a log entry.

KEY INTERFACES:
  Store:     reads plus the two writes (append a transaction, put a record)
  TxStore:   WithTx for the all-or-nothing apply
  Directory: account/meter ownership, resolved outside the ledger

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: durable SQLite store
  - ledger/store/memory.go: in-memory store for tests and development
*/
package ledger

import "context"

// Store persists transactions and balance records.
// Transactions are APPEND-ONLY: there is no Update or Delete.
type Store interface {
	// AppendTransaction writes a log entry. Returns ErrDuplicate if its
	// idempotency key is already present.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// PutBalance creates or replaces the record for its key.
	PutBalance(ctx context.Context, rec BalanceRecord) error

	// GetBalance returns the record for key, or ErrNotFound.
	GetBalance(ctx context.Context, key Key) (BalanceRecord, error)

	// Transactions returns the log for key, oldest first. limit <= 0 means all.
	Transactions(ctx context.Context, key Key, limit int) ([]Transaction, error)

	// IdempotencyKeyExists checks if a transaction already used the key.
	IdempotencyKeyExists(ctx context.Context, idempotencyKey string) (bool, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the inner Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Directory resolves meter ownership. It is the only part of the
// account/meter directory the ledger depends on.
type Directory interface {
	Owns(ctx context.Context, accountID AccountID, meterID MeterID) (bool, error)
}

// MeterRegistry is the writable directory. Registering a meter owned by
// another account fails with ErrOwnership.
type MeterRegistry interface {
	Directory
	RegisterMeter(ctx context.Context, m Meter) error

	// ListMeters returns the account's meters ordered by id.
	ListMeters(ctx context.Context, accountID AccountID) ([]Meter, error)
}
