package balance

import (
	"context"
	"errors"

	"github.com/warp/token-ledger/fetch"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/logging"
)

// ErrNoData means a strategy has nothing for the key; the Reader moves on
// to the next one.
var ErrNoData = errors.New("balance: no data")

// Strategy is one way of producing a balance view.
type Strategy interface {
	Name() string
	Read(ctx context.Context, key ledger.Key) (View, error)
}

// Ledger is the part of ledger.Service the read path needs.
type Ledger interface {
	Record(ctx context.Context, key ledger.Key) (ledger.BalanceRecord, error)
	History(ctx context.Context, key ledger.Key, limit int) ([]ledger.Transaction, error)
}

// Fetcher is the part of fetch.Coordinator the read path needs.
type Fetcher interface {
	Fetch(ctx context.Context, key ledger.Key, force bool) (fetch.Reading, error)
	LastReading(key ledger.Key) (fetch.Reading, bool)
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerStrategy reads the stored balance record.
type LedgerStrategy struct {
	Ledger      Ledger
	TrendWindow int
}

func (s LedgerStrategy) Name() string { return SourceLedger }

func (s LedgerStrategy) Read(ctx context.Context, key ledger.Key) (View, error) {
	rec, err := s.Ledger.Record(ctx, key)
	if errors.Is(err, ledger.ErrNotFound) {
		return View{}, ErrNoData
	}
	if err != nil {
		return View{}, err
	}
	window := s.TrendWindow
	if window <= 0 {
		window = DefaultTrendWindow
	}
	txs, err := s.Ledger.History(ctx, key, window)
	if err != nil {
		return View{}, err
	}
	return View{
		AccountID:     rec.AccountID,
		MeterID:       rec.MeterID,
		Balance:       rec.CurrentBalance,
		DailyAvg:      rec.DailyConsumptionAvg,
		EstimatedDays: rec.EstimatedDaysRemaining,
		Threshold:     rec.LowBalanceThreshold,
		Trend:         ledger.ConsumptionTrend(txs, rec.DailyConsumptionAvg),
		Source:        SourceLedger,
		LastUpdated:   rec.LastUpdated,
	}, nil
}

// =============================================================================
// EXTERNAL
// =============================================================================

// ExternalStrategy asks the external source through the fetch coordinator.
// When the coordinator refuses or fails and an earlier reading exists, that
// reading is returned marked stale.
type ExternalStrategy struct {
	Fetcher Fetcher
	Logger  logging.Logger
}

func (s ExternalStrategy) Name() string { return SourceExternal }

func (s ExternalStrategy) Read(ctx context.Context, key ledger.Key) (View, error) {
	if s.Fetcher == nil {
		return View{}, ErrNoData
	}
	reading, err := s.Fetcher.Fetch(ctx, key, false)
	if err == nil {
		return externalView(key, reading, false), nil
	}
	if errors.Is(err, ledger.ErrRateLimited) || errors.Is(err, ledger.ErrExternalFetchFailed) {
		if last, ok := s.Fetcher.LastReading(key); ok {
			logging.OrDiscard(s.Logger).WithError(err).WithField("key", key.String()).
				Debug("serving last external reading")
			return externalView(key, last, true), nil
		}
	}
	return View{}, err
}

func externalView(key ledger.Key, r fetch.Reading, stale bool) View {
	return View{
		AccountID:     key.AccountID,
		MeterID:       key.MeterID,
		Balance:       r.Balance,
		EstimatedDays: ledger.UnknownDaysRemaining,
		Trend:         ledger.TrendUnknown,
		Source:        SourceExternal,
		LastUpdated:   r.ReadAt,
		Stale:         stale,
	}
}
