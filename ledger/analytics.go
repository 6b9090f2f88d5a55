/*
analytics.go - Balance math and consumption analytics

RULES:
  purchase, refund:  after = before + amount
  consumption:       after = max(0, before - amount)
                     avg   = avg*0.9 + amount*0.1   (EMA, consumption only)
  days remaining:    floor(after / avg) when avg > 0, else UnknownDaysRemaining

The same functions drive ApplyTransaction and Replay, so a record rebuilt
from the log is always identical to the stored projection.
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	emaDecay  = decimal.RequireFromString("0.9")
	emaWeight = decimal.RequireFromString("0.1")
)

// ApplyAmount returns the balance after applying amount of type t to before.
func ApplyAmount(before, amount decimal.Decimal, t TransactionType) decimal.Decimal {
	if t == TxConsumption {
		after := before.Sub(amount)
		if after.IsNegative() {
			return decimal.Zero
		}
		return after
	}
	return before.Add(amount)
}

// UpdateAverage folds one consumption sample into the moving average.
func UpdateAverage(avg, sample decimal.Decimal) decimal.Decimal {
	return avg.Mul(emaDecay).Add(sample.Mul(emaWeight))
}

// EstimateDays returns whole days of balance left at the average rate.
func EstimateDays(balance, avg decimal.Decimal) int {
	if !avg.IsPositive() {
		return UnknownDaysRemaining
	}
	return int(balance.Div(avg).Floor().IntPart())
}

// Next computes the record that results from applying one transaction.
// The returned record keeps rec's threshold.
func Next(rec BalanceRecord, amount decimal.Decimal, t TransactionType, at time.Time) BalanceRecord {
	next := rec
	next.CurrentBalance = ApplyAmount(rec.CurrentBalance, amount, t)
	if t == TxConsumption {
		next.DailyConsumptionAvg = UpdateAverage(rec.DailyConsumptionAvg, amount)
	}
	next.EstimatedDaysRemaining = EstimateDays(next.CurrentBalance, next.DailyConsumptionAvg)
	next.LastUpdated = at
	return next
}

// Replay rebuilds the record for key from its log, oldest first.
// Failed transactions are skipped.
func Replay(key Key, txs []Transaction) BalanceRecord {
	rec := NewBalanceRecord(key)
	for _, tx := range txs {
		if tx.Status == StatusFailed {
			continue
		}
		rec = Next(rec, tx.Amount, tx.Type, tx.CreatedAt)
	}
	return rec
}

// MatchesLog reports whether rec is what replaying txs produces.
func MatchesLog(rec BalanceRecord, txs []Transaction) bool {
	replayed := Replay(rec.Key(), txs)
	return replayed.CurrentBalance.Equal(rec.CurrentBalance) &&
		replayed.DailyConsumptionAvg.Equal(rec.DailyConsumptionAvg) &&
		replayed.EstimatedDaysRemaining == rec.EstimatedDaysRemaining
}

// =============================================================================
// TREND
// =============================================================================

type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
	TrendUnknown Trend = "unknown"
)

var trendBand = decimal.RequireFromString("0.1")

// ConsumptionTrend compares the most recent consumption with the average.
// A sample more than 10% above the average is rising, more than 10% below
// is falling.
func ConsumptionTrend(txs []Transaction, avg decimal.Decimal) Trend {
	if !avg.IsPositive() {
		return TrendUnknown
	}
	for i := len(txs) - 1; i >= 0; i-- {
		if txs[i].Type != TxConsumption || txs[i].Status == StatusFailed {
			continue
		}
		delta := txs[i].Amount.Sub(avg).Div(avg)
		switch {
		case delta.GreaterThan(trendBand):
			return TrendRising
		case delta.LessThan(trendBand.Neg()):
			return TrendFalling
		default:
			return TrendStable
		}
	}
	return TrendUnknown
}
