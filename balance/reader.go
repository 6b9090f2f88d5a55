/*
Package balance is the read side of the ledger.

PURPOSE:
  Answers "what is the balance of this meter" and "how is it being used"
  through the cache. Writes never go through here; ledger.Service
  invalidates the cache after every commit so the next read reloads.

READ PATH:
  GetBalance tries each Strategy in order and returns the first that has
  data. ErrNoData moves on to the next; any other error stops the chain.
  The default order is the stored record, then the external source.

SEE ALSO:
  - strategy.go: LedgerStrategy, ExternalStrategy
  - cache/cache.go: TTLs per Kind, stale fallback
*/
package balance

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/token-ledger/cache"
	"github.com/warp/token-ledger/fetch"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/logging"
)

const (
	SourceLedger   = "ledger"
	SourceExternal = "external"

	// DefaultTrendWindow is how many recent transactions the trend looks at.
	DefaultTrendWindow = 20
)

// View is a balance as returned to callers.
type View struct {
	AccountID     ledger.AccountID
	MeterID       ledger.MeterID
	Balance       decimal.Decimal
	DailyAvg      decimal.Decimal
	EstimatedDays int
	Threshold     decimal.Decimal
	Trend         ledger.Trend
	Source        string
	LastUpdated   time.Time
	CacheHit      bool
	Stale         bool
}

// Analytics aggregates a key's whole transaction log.
type Analytics struct {
	AccountID          ledger.AccountID
	MeterID            ledger.MeterID
	Balance            decimal.Decimal
	TotalPurchased     decimal.Decimal
	TotalRefunded      decimal.Decimal
	TotalConsumed      decimal.Decimal
	TransactionCount   int
	AverageConsumption decimal.Decimal
	DailyAvg           decimal.Decimal
	EstimatedDays      int
	Trend              ledger.Trend
	Consistent         bool
	ComputedAt         time.Time
	CacheHit           bool
	Stale              bool
}

type Options struct {
	Cache       *cache.Cache     // nil disables caching
	Directory   ledger.Directory // nil skips ownership checks
	Strategies  []Strategy       // default: ledger, then external
	TrendWindow int
	Logger      logging.Logger
	Now         func() time.Time
}

type Reader struct {
	ledger     Ledger
	fetcher    Fetcher
	strategies []Strategy
	cache      *cache.Cache
	dir        ledger.Directory
	log        logging.Logger
	now        func() time.Time
}

// NewReader builds a Reader over l. fetcher may be nil when no external
// source is configured.
func NewReader(l Ledger, fetcher Fetcher, opts Options) *Reader {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logging.OrDiscard(opts.Logger)
	strategies := opts.Strategies
	if len(strategies) == 0 {
		strategies = []Strategy{LedgerStrategy{Ledger: l, TrendWindow: opts.TrendWindow}}
		if fetcher != nil {
			strategies = append(strategies, ExternalStrategy{Fetcher: fetcher, Logger: log})
		}
	}
	return &Reader{
		ledger:     l,
		fetcher:    fetcher,
		strategies: strategies,
		cache:      opts.Cache,
		dir:        opts.Directory,
		log:        log,
		now:        opts.Now,
	}
}

func (r *Reader) check(ctx context.Context, key ledger.Key) error {
	if !key.Valid() {
		return ledger.Errorf(ledger.ErrInvalidArgument, "account and meter ids are required")
	}
	if r.dir == nil {
		return nil
	}
	ok, err := r.dir.Owns(ctx, key.AccountID, key.MeterID)
	if err != nil {
		return err
	}
	if !ok {
		return ledger.Errorf(ledger.ErrOwnership, "meter %s does not belong to account %s", key.MeterID, key.AccountID)
	}
	return nil
}

// =============================================================================
// BALANCE
// =============================================================================

// GetBalance returns the current balance view for key.
func (r *Reader) GetBalance(ctx context.Context, key ledger.Key, force bool) (View, error) {
	if err := r.check(ctx, key); err != nil {
		return View{}, err
	}
	// force only bypasses the cache; forcing the external source past its
	// cooldown is CheckExternal's job
	load := func(ctx context.Context) (View, error) {
		return r.resolve(ctx, key)
	}
	if r.cache == nil {
		return load(ctx)
	}
	v, res, err := cache.GetAs(ctx, r.cache, key, cache.KindBalance, force, load)
	if err != nil {
		return View{}, err
	}
	v.CacheHit = res.CacheHit
	v.Stale = v.Stale || res.Stale
	return v, nil
}

func (r *Reader) resolve(ctx context.Context, key ledger.Key) (View, error) {
	for _, s := range r.strategies {
		v, err := s.Read(ctx, key)
		if errors.Is(err, ErrNoData) {
			continue
		}
		if err != nil {
			r.log.WithError(err).WithFields(logging.Fields{
				"key":      key.String(),
				"strategy": s.Name(),
			}).Warn("balance read failed")
			return View{}, err
		}
		return v, nil
	}
	return View{}, ledger.Errorf(ledger.ErrNotFound, "no balance for %s", key)
}

// CheckExternal asks the external source for key directly. The reading is
// cached and the key's other cached views are dropped.
func (r *Reader) CheckExternal(ctx context.Context, key ledger.Key, force bool) (fetch.Reading, error) {
	if err := r.check(ctx, key); err != nil {
		return fetch.Reading{}, err
	}
	if r.fetcher == nil {
		return fetch.Reading{}, ledger.Errorf(ledger.ErrExternalFetchFailed, "no external source configured")
	}
	reading, err := r.fetcher.Fetch(ctx, key, force)
	if err != nil {
		return fetch.Reading{}, err
	}
	if r.cache != nil {
		_ = r.cache.InvalidateKey(key)
		r.cache.Set(key, cache.KindExternal, reading)
	}
	return reading, nil
}

// =============================================================================
// ANALYTICS
// =============================================================================

// Analytics aggregates the full log of key.
func (r *Reader) Analytics(ctx context.Context, key ledger.Key, force bool) (Analytics, error) {
	if err := r.check(ctx, key); err != nil {
		return Analytics{}, err
	}
	load := func(ctx context.Context) (Analytics, error) {
		return r.computeAnalytics(ctx, key)
	}
	if r.cache == nil {
		return load(ctx)
	}
	a, res, err := cache.GetAs(ctx, r.cache, key, cache.KindAnalytics, force, load)
	if err != nil {
		return Analytics{}, err
	}
	a.CacheHit = res.CacheHit
	a.Stale = res.Stale
	return a, nil
}

func (r *Reader) computeAnalytics(ctx context.Context, key ledger.Key) (Analytics, error) {
	rec, err := r.ledger.Record(ctx, key)
	if err != nil {
		return Analytics{}, err
	}
	txs, err := r.ledger.History(ctx, key, 0)
	if err != nil {
		return Analytics{}, err
	}

	a := Analytics{
		AccountID:      key.AccountID,
		MeterID:        key.MeterID,
		Balance:        rec.CurrentBalance,
		TotalPurchased: decimal.Zero,
		TotalRefunded:  decimal.Zero,
		TotalConsumed:  decimal.Zero,
		DailyAvg:       rec.DailyConsumptionAvg,
		EstimatedDays:  rec.EstimatedDaysRemaining,
		Trend:          ledger.ConsumptionTrend(txs, rec.DailyConsumptionAvg),
		ComputedAt:     r.now().UTC(),
	}
	consumptions := 0
	for _, tx := range txs {
		if tx.Status == ledger.StatusFailed {
			continue
		}
		a.TransactionCount++
		switch tx.Type {
		case ledger.TxPurchase:
			a.TotalPurchased = a.TotalPurchased.Add(tx.Amount)
		case ledger.TxRefund:
			a.TotalRefunded = a.TotalRefunded.Add(tx.Amount)
		case ledger.TxConsumption:
			a.TotalConsumed = a.TotalConsumed.Add(tx.Amount)
			consumptions++
		}
	}
	if consumptions > 0 {
		a.AverageConsumption = a.TotalConsumed.Div(decimal.NewFromInt(int64(consumptions)))
	}

	a.Consistent = ledger.MatchesLog(rec, txs)
	if !a.Consistent {
		r.log.WithFields(logging.Fields{
			"key":    key.String(),
			"stored": rec.CurrentBalance.String(),
		}).Error("balance record does not match transaction log")
	}
	return a, nil
}
