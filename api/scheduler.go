/*
scheduler.go - Notification expiry sweeper

PURPOSE:
  Periodically deletes notifications whose ExpiresAt has passed. Clients
  subscribed to an affected account see the removal through the hub.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - A failed sweep is logged and retried on the next tick

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewExpirySweeper(engine, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - notify/engine.go: PurgeExpired
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/token-ledger/logging"
)

// Purger deletes expired notifications.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// ExpirySweeper purges expired notifications on a ticker.
type ExpirySweeper struct {
	Purger        Purger
	CheckInterval time.Duration
	Enabled       bool
	Now           func() time.Time

	log    logging.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpirySweeper creates a new sweeper.
func NewExpirySweeper(purger Purger, logger logging.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		Purger:        purger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Now:           time.Now,
		log:           logging.OrDiscard(logger).WithField("component", "expiry_sweeper"),
	}
}

// Start begins the sweeper.
func (s *ExpirySweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.log.WithField("interval", s.CheckInterval.String()).Info("started")
}

// Stop stops the sweeper and waits for a running sweep to finish.
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.log.Info("stopped")
	}
}

func (s *ExpirySweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.Sweep(context.Background())

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-stop:
			return
		}
	}
}

// Sweep purges once and returns the number of notifications removed.
func (s *ExpirySweeper) Sweep(ctx context.Context) int {
	n, err := s.Purger.PurgeExpired(ctx, s.Now())
	if err != nil {
		s.log.WithError(err).Error("sweep failed")
		return 0
	}
	if n > 0 {
		s.log.WithField("removed", n).Info("purged expired notifications")
	}
	return n
}
