/*
Package ledger provides the prepaid token ledger for utility meters.

PURPOSE:
  Tracks a token balance per (account, meter). Every purchase, consumption
  and refund is written to an append-only transaction log, and the balance
  record is a materialized projection of that log that also carries the
  consumption analytics (moving average, estimated days remaining).

KEY CONCEPTS IN THIS FILE (types.go):
  - Key: the (account, meter) pair every balance is tracked under
  - Transaction: an immutable log entry with before/after balances
  - BalanceRecord: the mutable projection, one row per Key
  - Meta: optional transaction attributes (reference, vendor, idempotency)

DESIGN PRINCIPLES:
  1. Immutability: transactions are never modified
  2. Precision: amounts use decimal.Decimal, never float64
  3. No negative balances: consumption clips at zero
  4. Reconstructable: Replay(log) always yields the stored BalanceRecord

SEE ALSO:
  - service.go: the only writer of BalanceRecord
  - analytics.go: balance math, EMA and days-remaining estimate
  - store.go: persistence interfaces
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type MeterID string
type TransactionID string

// Key identifies a balance: one record and one serialized writer per Key.
type Key struct {
	AccountID AccountID
	MeterID   MeterID
}

func NewKey(accountID, meterID string) Key {
	return Key{AccountID: AccountID(accountID), MeterID: MeterID(meterID)}
}

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.AccountID, k.MeterID) }

// Valid reports whether both halves of the key are set.
func (k Key) Valid() bool { return k.AccountID != "" && k.MeterID != "" }

// =============================================================================
// TRANSACTION - Immutable log entry
// =============================================================================

type TransactionType string

const (
	TxPurchase    TransactionType = "purchase"    // Tokens bought from a vendor
	TxConsumption TransactionType = "consumption" // Tokens used by the meter
	TxRefund      TransactionType = "refund"      // Tokens returned to the balance
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TxPurchase, TxConsumption, TxRefund:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

type Transaction struct {
	ID              TransactionID
	AccountID       AccountID
	MeterID         MeterID
	Type            TransactionType
	Amount          decimal.Decimal // always > 0; direction comes from Type
	BalanceBefore   decimal.Decimal
	BalanceAfter    decimal.Decimal
	ReferenceNumber string
	Vendor          string
	PaymentMethod   string
	IdempotencyKey  string
	Metadata        map[string]string
	Status          TransactionStatus
	CreatedAt       time.Time
}

func (t Transaction) Key() Key { return Key{AccountID: t.AccountID, MeterID: t.MeterID} }

// =============================================================================
// BALANCE RECORD - Materialized projection of the log
// =============================================================================

// UnknownDaysRemaining is reported while no consumption has been observed.
const UnknownDaysRemaining = 999

// DefaultLowBalanceThreshold applies to records that never had a threshold set.
var DefaultLowBalanceThreshold = decimal.NewFromInt(50)

type BalanceRecord struct {
	AccountID              AccountID
	MeterID                MeterID
	CurrentBalance         decimal.Decimal
	DailyConsumptionAvg    decimal.Decimal
	EstimatedDaysRemaining int
	LowBalanceThreshold    decimal.Decimal
	LastUpdated            time.Time
}

func (r BalanceRecord) Key() Key { return Key{AccountID: r.AccountID, MeterID: r.MeterID} }

// NewBalanceRecord returns the zero-state record created lazily on first transaction.
func NewBalanceRecord(key Key) BalanceRecord {
	return BalanceRecord{
		AccountID:              key.AccountID,
		MeterID:                key.MeterID,
		CurrentBalance:         decimal.Zero,
		DailyConsumptionAvg:    decimal.Zero,
		EstimatedDaysRemaining: UnknownDaysRemaining,
		LowBalanceThreshold:    DefaultLowBalanceThreshold,
	}
}

// Meter is an entry of the account/meter directory.
type Meter struct {
	MeterID   MeterID
	AccountID AccountID
	Label     string
}

// =============================================================================
// META / RESULT
// =============================================================================

// Meta carries the optional attributes of a transaction.
type Meta struct {
	ReferenceNumber string
	Vendor          string
	PaymentMethod   string
	Metadata        map[string]string

	// IdempotencyKey, when set, makes a retried write fail with ErrDuplicate
	// instead of applying twice.
	IdempotencyKey string

	// Force marks administrative corrections; no notification is raised.
	Force bool
}

// Result is returned by ApplyTransaction.
type Result struct {
	Success       bool
	NewBalance    decimal.Decimal
	TransactionID TransactionID
	Record        BalanceRecord
	Transaction   Transaction
}
