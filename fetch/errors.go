package fetch

import (
	"fmt"
	"math"
	"time"

	"github.com/warp/token-ledger/ledger"
)

var (
	// ErrRetryPending: the last attempt failed and RetryDelay has not passed.
	ErrRetryPending = &ledger.Error{
		Sentinel: ledger.ErrExternalFetchFailed,
		Message:  "previous attempt failed, waiting before the next automatic retry",
	}

	// ErrFallbackMode: MaxAttempts consecutive failures; only a forced fetch retries.
	ErrFallbackMode = &ledger.Error{
		Sentinel: ledger.ErrExternalFetchFailed,
		Message:  "external source unavailable, automatic retries stopped until a forced refresh",
	}
)

// RateLimitedError is returned when a fetch is requested inside the cooldown.
type RateLimitedError struct {
	Remaining   time.Duration
	WaitMinutes int
}

func newRateLimited(remaining time.Duration) *RateLimitedError {
	return &RateLimitedError{
		Remaining:   remaining,
		WaitMinutes: int(math.Ceil(remaining.Minutes())),
	}
}

func (e *RateLimitedError) Error() string {
	unit := "minutes"
	if e.WaitMinutes == 1 {
		unit = "minute"
	}
	return fmt.Sprintf("%s: try again in %d %s", ledger.ErrRateLimited, e.WaitMinutes, unit)
}

func (e *RateLimitedError) Unwrap() error { return ledger.ErrRateLimited }
