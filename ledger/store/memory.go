// Package store provides in-memory ledger.Store and ledger.Directory implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	transactions map[ledger.Key][]ledger.Transaction
	balances     map[ledger.Key]ledger.BalanceRecord
	idempotency  map[string]bool

	// FailPutBalance makes every PutBalance fail. Tests use it to force rollbacks.
	FailPutBalance error
}

func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[ledger.Key][]ledger.Transaction),
		balances:     make(map[ledger.Key]ledger.BalanceRecord),
		idempotency:  make(map[string]bool),
	}
}

// AppendTransaction adds a single transaction. Append-only.
func (m *Memory) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) appendLocked(tx ledger.Transaction) error {
	if tx.IdempotencyKey != "" && m.idempotency[tx.IdempotencyKey] {
		return ledger.ErrDuplicate
	}
	k := tx.Key()
	m.transactions[k] = append(m.transactions[k], tx)
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) PutBalance(_ context.Context, rec ledger.BalanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(rec)
}

func (m *Memory) putLocked(rec ledger.BalanceRecord) error {
	if m.FailPutBalance != nil {
		return m.FailPutBalance
	}
	m.balances[rec.Key()] = rec
	return nil
}

func (m *Memory) GetBalance(_ context.Context, key ledger.Key) (ledger.BalanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(key)
}

func (m *Memory) getLocked(key ledger.Key) (ledger.BalanceRecord, error) {
	rec, ok := m.balances[key]
	if !ok {
		return ledger.BalanceRecord{}, ledger.ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Transactions(_ context.Context, key ledger.Key, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactionsLocked(key, limit), nil
}

// transactionsLocked returns the newest limit entries, oldest first.
func (m *Memory) transactionsLocked(key ledger.Key, limit int) []ledger.Transaction {
	txs := m.transactions[key]
	if limit > 0 && len(txs) > limit {
		txs = txs[len(txs)-limit:]
	}
	result := make([]ledger.Transaction, len(txs))
	copy(result, txs)
	return result
}

func (m *Memory) IdempotencyKeyExists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	transactions map[ledger.Key][]ledger.Transaction
	balances     map[ledger.Key]ledger.BalanceRecord
	idempotency  map[string]bool
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		transactions: make(map[ledger.Key][]ledger.Transaction, len(m.transactions)),
		balances:     make(map[ledger.Key]ledger.BalanceRecord, len(m.balances)),
		idempotency:  make(map[string]bool, len(m.idempotency)),
	}
	for k, v := range m.transactions {
		s.transactions[k] = append([]ledger.Transaction{}, v...)
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.transactions = s.transactions
	m.balances = s.balances
	m.idempotency = s.idempotency
}

// txView writes through to the parent, whose lock WithTx already holds.
type txView struct {
	parent *Memory
}

func (v *txView) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	return v.parent.appendLocked(tx)
}

func (v *txView) PutBalance(_ context.Context, rec ledger.BalanceRecord) error {
	return v.parent.putLocked(rec)
}

func (v *txView) GetBalance(_ context.Context, key ledger.Key) (ledger.BalanceRecord, error) {
	return v.parent.getLocked(key)
}

func (v *txView) Transactions(_ context.Context, key ledger.Key, limit int) ([]ledger.Transaction, error) {
	return v.parent.transactionsLocked(key, limit), nil
}

func (v *txView) IdempotencyKeyExists(_ context.Context, idempotencyKey string) (bool, error) {
	return v.parent.idempotency[idempotencyKey], nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

// Directory is an in-memory account/meter ownership table.
type Directory struct {
	mu     sync.RWMutex
	owners map[ledger.MeterID]ledger.AccountID
	labels map[ledger.MeterID]string
}

var _ ledger.MeterRegistry = (*Directory)(nil)

func NewDirectory() *Directory {
	return &Directory{
		owners: make(map[ledger.MeterID]ledger.AccountID),
		labels: make(map[ledger.MeterID]string),
	}
}

// Register assigns meterID to accountID, replacing any previous owner.
func (d *Directory) Register(accountID ledger.AccountID, meterID ledger.MeterID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owners[meterID] = accountID
}

func (d *Directory) RegisterMeter(_ context.Context, m ledger.Meter) error {
	if m.MeterID == "" || m.AccountID == "" {
		return ledger.Errorf(ledger.ErrInvalidArgument, "account and meter ids are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner, ok := d.owners[m.MeterID]; ok {
		if owner != m.AccountID {
			return ledger.Errorf(ledger.ErrOwnership, "meter %s is registered to another account", m.MeterID)
		}
		return nil
	}
	d.owners[m.MeterID] = m.AccountID
	d.labels[m.MeterID] = m.Label
	return nil
}

func (d *Directory) ListMeters(_ context.Context, accountID ledger.AccountID) ([]ledger.Meter, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var meters []ledger.Meter
	for id, owner := range d.owners {
		if owner == accountID {
			meters = append(meters, ledger.Meter{MeterID: id, AccountID: owner, Label: d.labels[id]})
		}
	}
	sort.Slice(meters, func(i, j int) bool { return meters[i].MeterID < meters[j].MeterID })
	return meters, nil
}

func (d *Directory) Owns(_ context.Context, accountID ledger.AccountID, meterID ledger.MeterID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	owner, ok := d.owners[meterID]
	return ok && owner == accountID, nil
}
