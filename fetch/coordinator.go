/*
Package fetch coordinates calls to the external balance source.

PURPOSE:
  The external source is slow and rate limited. The Coordinator makes sure
  each key has at most one call in flight, spaces successful calls by a
  cooldown, bounds each call with a timeout, and stops retrying on its own
  after repeated failures.

STATE PER KEY:
  IDLE      no call in flight
  FETCHING  a call is in flight; new callers wait on the same result
  FALLBACK  MaxAttempts consecutive failures; only force=true tries again

RULES (non-forced Fetch):
  in flight                          join it
  success within Cooldown            *RateLimitedError
  in FALLBACK                        ErrFallbackMode
  last attempt failed < RetryDelay   ErrRetryPending
  otherwise                          start a call
  force=true skips the last three checks.

CANCELLATION:
  The shared call runs on a context detached from every caller, bounded by
  Timeout. A caller whose ctx ends gets ctx.Err() back; the call keeps
  going for the remaining waiters.
*/
package fetch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/logging"
	"github.com/warp/token-ledger/metrics"
)

// Reading is a balance reported by the external source.
type Reading struct {
	MeterID ledger.MeterID
	Balance decimal.Decimal
	ReadAt  time.Time
	Source  string
}

// Source is the external balance source.
type Source interface {
	FetchExternalBalance(ctx context.Context, meterID ledger.MeterID) (Reading, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, meterID ledger.MeterID) (Reading, error)

func (f SourceFunc) FetchExternalBalance(ctx context.Context, meterID ledger.MeterID) (Reading, error) {
	return f(ctx, meterID)
}

type State string

const (
	StateIdle     State = "IDLE"
	StateFetching State = "FETCHING"
	StateFallback State = "FALLBACK"
)

type Options struct {
	Cooldown    time.Duration // default 5m
	Timeout     time.Duration // default 8s
	RetryDelay  time.Duration // default 30s
	MaxAttempts int           // default 3
	Logger      logging.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

type keyState struct {
	fetching    bool
	flight      uint64
	lastSuccess time.Time
	lastReading *Reading
	failures    int
	lastFailure time.Time
}

type Coordinator struct {
	source Source
	opts   Options
	log    logging.Logger

	mu     sync.Mutex
	states map[ledger.Key]*keyState
	sf     singleflight.Group
}

func NewCoordinator(source Source, opts Options) *Coordinator {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 5 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		source: source,
		opts:   opts,
		log:    logging.OrDiscard(opts.Logger),
		states: make(map[ledger.Key]*keyState),
	}
}

// stateLocked returns the state for key, creating it. c.mu must be held.
func (c *Coordinator) stateLocked(key ledger.Key) *keyState {
	st, ok := c.states[key]
	if !ok {
		st = &keyState{}
		c.states[key] = st
	}
	return st
}

// CanFetch reports whether no successful fetch for key completed within the cooldown.
func (c *Coordinator) CanFetch(key ledger.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	if !ok || st.lastSuccess.IsZero() {
		return true
	}
	return c.opts.Now().Sub(st.lastSuccess) >= c.opts.Cooldown
}

// State returns the fetch state of key.
func (c *Coordinator) State(key ledger.Key) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	switch {
	case !ok:
		return StateIdle
	case st.fetching:
		return StateFetching
	case st.failures >= c.opts.MaxAttempts:
		return StateFallback
	}
	return StateIdle
}

// LastReading returns the last successful reading for key.
func (c *Coordinator) LastReading(key ledger.Key) (Reading, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	if !ok || st.lastReading == nil {
		return Reading{}, false
	}
	return *st.lastReading, true
}

// Fetch returns the external reading for key, sharing any call in flight.
func (c *Coordinator) Fetch(ctx context.Context, key ledger.Key, force bool) (Reading, error) {
	if !key.Valid() {
		return Reading{}, ledger.Errorf(ledger.ErrInvalidArgument, "account and meter ids are required")
	}

	c.mu.Lock()
	st := c.stateLocked(key)
	if !st.fetching {
		if err := c.admitLocked(st, force); err != nil {
			c.mu.Unlock()
			return Reading{}, err
		}
		st.fetching = true
		st.flight++
	} else {
		c.opts.Metrics.IncFetch("joined")
	}
	// DoChan under c.mu so admission and flight registration are one step.
	// Each call gets its own flight key, so a new call never joins one that
	// has already finished.
	flightKey := key.String() + "#" + strconv.FormatUint(st.flight, 10)
	ch := c.sf.DoChan(flightKey, func() (any, error) {
		return c.run(context.WithoutCancel(ctx), key)
	})
	c.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return Reading{}, res.Err
		}
		return res.Val.(Reading), nil
	case <-ctx.Done():
		return Reading{}, ctx.Err()
	}
}

func (c *Coordinator) admitLocked(st *keyState, force bool) error {
	if force {
		return nil
	}
	now := c.opts.Now()
	if !st.lastSuccess.IsZero() {
		if elapsed := now.Sub(st.lastSuccess); elapsed < c.opts.Cooldown {
			c.opts.Metrics.IncFetch("rate_limited")
			return newRateLimited(c.opts.Cooldown - elapsed)
		}
	}
	if st.failures >= c.opts.MaxAttempts {
		c.opts.Metrics.IncFetch("fallback")
		return ErrFallbackMode
	}
	if st.failures > 0 && now.Sub(st.lastFailure) < c.opts.RetryDelay {
		c.opts.Metrics.IncFetch("retry_pending")
		return ErrRetryPending
	}
	return nil
}

// run performs the shared call. ctx carries no caller cancellation.
func (c *Coordinator) run(ctx context.Context, key ledger.Key) (Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	started := c.opts.Now()
	reading, err := c.source.FetchExternalBalance(ctx, key.MeterID)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(key)
	st.fetching = false
	fields := logging.Fields{"key": key.String(), "duration": c.opts.Now().Sub(started).String()}

	if err != nil {
		st.failures++
		st.lastFailure = c.opts.Now()
		fields["failures"] = st.failures
		if errors.Is(err, context.DeadlineExceeded) {
			c.opts.Metrics.IncFetch("timeout")
			c.log.WithFields(fields).Warn("external fetch timed out")
			return Reading{}, ledger.Wrap(ledger.ErrExternalFetchFailed, err,
				"external source did not answer within "+c.opts.Timeout.String())
		}
		c.opts.Metrics.IncFetch("failure")
		c.log.WithError(err).WithFields(fields).Warn("external fetch failed")
		return Reading{}, ledger.Wrap(ledger.ErrExternalFetchFailed, err, "external source error")
	}

	if reading.MeterID == "" {
		reading.MeterID = key.MeterID
	}
	if reading.ReadAt.IsZero() {
		reading.ReadAt = c.opts.Now()
	}
	st.failures = 0
	st.lastFailure = time.Time{}
	st.lastSuccess = c.opts.Now()
	st.lastReading = &reading
	c.opts.Metrics.IncFetch("success")
	c.log.WithFields(fields).Debug("external fetch succeeded")
	return reading, nil
}
