/*
service.go - Balance Update Service

PURPOSE:
  The only writer of balance records. Applies one transaction at a time per
  Key, recomputes analytics, and emits a BalanceChanged event.

FLOW (ApplyTransaction):
  VALIDATING   ids, amount, type, ownership. Failure here has no effect.
  LOCKED(key)  per-key lock, bounded by LockTimeout (ErrConcurrencyTimeout)
  APPLIED      transaction row + balance record in one WithTx
  best-effort  cache invalidation, then event publish (notifications)
  DONE

  Best-effort steps never unwind a committed transaction. Their failures
  are logged as ErrSecondaryEffect.

IDEMPOTENCY:
  Meta.IdempotencyKey is optional. A reused key is rejected with
  ErrDuplicate and nothing is applied. Writes without a key are never
  deduplicated.

SEE ALSO:
  - analytics.go: the balance math
  - events.go: the bus notify.Engine subscribes to
  - cache/cache.go: the Invalidator implementation
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/token-ledger/logging"
	"github.com/warp/token-ledger/metrics"
)

// Invalidator drops every cached read for a key.
type Invalidator interface {
	InvalidateKey(key Key) error
}

// ServiceOptions configures a Service. Zero values pick the defaults.
type ServiceOptions struct {
	LockTimeout time.Duration // default 5s
	Invalidator Invalidator
	Bus         *Bus
	Logger      logging.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
	NewID       func() string
}

// Service applies transactions. Construct once at startup and share.
type Service struct {
	store       TxStore
	directory   Directory
	locks       *KeyLock
	bus         *Bus
	invalidator Invalidator
	lockTimeout time.Duration
	log         logging.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	newID       func() string
}

func NewService(store TxStore, directory Directory, opts ServiceOptions) *Service {
	s := &Service{
		store:       store,
		directory:   directory,
		locks:       NewKeyLock(),
		bus:         opts.Bus,
		invalidator: opts.Invalidator,
		lockTimeout: opts.LockTimeout,
		log:         logging.OrDiscard(opts.Logger),
		metrics:     opts.Metrics,
		now:         opts.Now,
		newID:       opts.NewID,
	}
	if s.bus == nil {
		s.bus = NewBus()
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = 5 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Bus returns the event bus the service publishes to.
func (s *Service) Bus() *Bus { return s.bus }

// ApplyTransaction validates, applies and records one transaction.
func (s *Service) ApplyTransaction(
	ctx context.Context,
	accountID, meterID string,
	amount decimal.Decimal,
	txType TransactionType,
	meta Meta,
) (Result, error) {
	key := NewKey(accountID, meterID)
	if err := s.validate(ctx, key, amount, txType); err != nil {
		s.metrics.IncTransaction(string(txType), "rejected")
		return Result{}, err
	}

	unlock, err := s.locks.Lock(ctx, key, s.lockTimeout)
	if err != nil {
		s.metrics.IncTransaction(string(txType), "lock_timeout")
		return Result{}, err
	}
	defer unlock()

	if meta.IdempotencyKey != "" {
		exists, err := s.store.IdempotencyKeyExists(ctx, meta.IdempotencyKey)
		if err != nil {
			return Result{}, err
		}
		if exists {
			s.metrics.IncTransaction(string(txType), "duplicate")
			return Result{}, Errorf(ErrDuplicate, "idempotency key %q already applied", meta.IdempotencyKey)
		}
	}

	prev, err := s.loadOrNew(ctx, key)
	if err != nil {
		return Result{}, err
	}

	now := s.now().UTC()
	next := Next(prev, amount, txType, now)
	tx := Transaction{
		ID:              TransactionID(s.newID()),
		AccountID:       key.AccountID,
		MeterID:         key.MeterID,
		Type:            txType,
		Amount:          amount,
		BalanceBefore:   prev.CurrentBalance,
		BalanceAfter:    next.CurrentBalance,
		ReferenceNumber: meta.ReferenceNumber,
		Vendor:          meta.Vendor,
		PaymentMethod:   meta.PaymentMethod,
		IdempotencyKey:  meta.IdempotencyKey,
		Metadata:        meta.Metadata,
		Status:          StatusCompleted,
		CreatedAt:       now,
	}

	err = s.store.WithTx(ctx, func(st Store) error {
		if err := st.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		return st.PutBalance(ctx, next)
	})
	if err != nil {
		s.metrics.IncTransaction(string(txType), "failed")
		s.log.WithError(err).WithFields(logging.Fields{
			"key":  key.String(),
			"type": txType,
		}).Error("transaction rolled back")
		return Result{}, err
	}
	s.metrics.IncTransaction(string(txType), "applied")

	s.afterCommit(ctx, BalanceChanged{
		Key:             key,
		TransactionID:   tx.ID,
		Type:            txType,
		PreviousBalance: prev.CurrentBalance,
		NewBalance:      next.CurrentBalance,
		Record:          next,
		Force:           meta.Force,
	})

	return Result{
		Success:       true,
		NewBalance:    next.CurrentBalance,
		TransactionID: tx.ID,
		Record:        next,
		Transaction:   tx,
	}, nil
}

func (s *Service) validate(ctx context.Context, key Key, amount decimal.Decimal, txType TransactionType) error {
	if !key.Valid() {
		return Errorf(ErrInvalidArgument, "account and meter ids are required")
	}
	if !amount.IsPositive() {
		return Errorf(ErrInvalidArgument, "amount must be greater than zero, got %s", amount)
	}
	if !txType.Valid() {
		return Errorf(ErrInvalidArgument, "unknown transaction type %q", txType)
	}
	return s.checkOwnership(ctx, key)
}

func (s *Service) checkOwnership(ctx context.Context, key Key) error {
	owns, err := s.directory.Owns(ctx, key.AccountID, key.MeterID)
	if err != nil {
		return err
	}
	if !owns {
		return Errorf(ErrOwnership, "meter %s does not belong to account %s", key.MeterID, key.AccountID)
	}
	return nil
}

func (s *Service) loadOrNew(ctx context.Context, key Key) (BalanceRecord, error) {
	rec, err := s.store.GetBalance(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return NewBalanceRecord(key), nil
	}
	return rec, err
}

// afterCommit runs the best-effort side effects. The per-key lock is still
// held, so events for one key are published in apply order.
func (s *Service) afterCommit(ctx context.Context, ev BalanceChanged) {
	fields := logging.Fields{"key": ev.Key.String(), "transaction_id": ev.TransactionID}

	if s.invalidator != nil {
		if err := s.invalidator.InvalidateKey(ev.Key); err != nil {
			s.log.WithError(Wrap(ErrSecondaryEffect, err, "cache invalidation")).WithFields(fields).Warn("secondary effect failed")
		}
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.WithError(Wrap(ErrSecondaryEffect, err, "event publish")).WithFields(fields).Warn("secondary effect failed")
	}
}

// =============================================================================
// THRESHOLD / READS
// =============================================================================

// SetThreshold changes the low balance threshold for key. The record is
// created if the key has no transactions yet.
func (s *Service) SetThreshold(ctx context.Context, key Key, threshold decimal.Decimal) (BalanceRecord, error) {
	if !key.Valid() {
		return BalanceRecord{}, Errorf(ErrInvalidArgument, "account and meter ids are required")
	}
	if threshold.IsNegative() {
		return BalanceRecord{}, Errorf(ErrInvalidArgument, "threshold must not be negative")
	}
	if err := s.checkOwnership(ctx, key); err != nil {
		return BalanceRecord{}, err
	}

	unlock, err := s.locks.Lock(ctx, key, s.lockTimeout)
	if err != nil {
		return BalanceRecord{}, err
	}
	defer unlock()

	rec, err := s.loadOrNew(ctx, key)
	if err != nil {
		return BalanceRecord{}, err
	}
	rec.LowBalanceThreshold = threshold
	rec.LastUpdated = s.now().UTC()
	if err := s.store.PutBalance(ctx, rec); err != nil {
		return BalanceRecord{}, err
	}
	if s.invalidator != nil {
		if err := s.invalidator.InvalidateKey(key); err != nil {
			s.log.WithError(err).WithField("key", key.String()).Warn("cache invalidation failed")
		}
	}
	return rec, nil
}

// Record returns the stored balance record, or ErrNotFound.
func (s *Service) Record(ctx context.Context, key Key) (BalanceRecord, error) {
	return s.store.GetBalance(ctx, key)
}

// History returns up to limit transactions for key, oldest first.
func (s *Service) History(ctx context.Context, key Key, limit int) ([]Transaction, error) {
	return s.store.Transactions(ctx, key, limit)
}

// Verify replays the log for key and reports whether it matches the stored record.
func (s *Service) Verify(ctx context.Context, key Key) (bool, error) {
	rec, err := s.store.GetBalance(ctx, key)
	if err != nil {
		return false, err
	}
	txs, err := s.store.Transactions(ctx, key, 0)
	if err != nil {
		return false, err
	}
	return MatchesLog(rec, txs), nil
}
