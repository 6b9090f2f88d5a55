package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/ledger/store"
	"github.com/warp/token-ledger/notify"
)

type countingPurger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingPurger) PurgeExpired(context.Context, time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return 0, p.err
}

func (p *countingPurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestExpirySweeper_StartRunsImmediatelyAndStops(t *testing.T) {
	p := &countingPurger{}
	s := NewExpirySweeper(p, nil)
	s.CheckInterval = 10 * time.Millisecond

	s.Start()
	require.Eventually(t, func() bool { return p.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	after := p.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, p.count())
}

func TestExpirySweeper_Disabled(t *testing.T) {
	p := &countingPurger{}
	s := NewExpirySweeper(p, nil)
	s.Enabled = false
	s.Start()
	s.Stop()
	assert.Equal(t, 0, p.count())
}

func TestExpirySweeper_FailureIsNotFatal(t *testing.T) {
	p := &countingPurger{err: errors.New("disk I/O error")}
	s := NewExpirySweeper(p, nil)
	assert.Equal(t, 0, s.Sweep(context.Background()))
	assert.Equal(t, 1, p.count())
}

func TestExpirySweeper_PurgesExpiredNotifications(t *testing.T) {
	// GIVEN: a notification raised now with the default 30 day retention
	// WHEN: the sweeper runs 31 days later
	// THEN: the notification is gone

	dir := store.NewDirectory()
	dir.Register("acct-1", "meter-1")
	bus := ledger.NewBus()
	ns := notify.NewMemoryStore()
	engine := notify.NewEngine(ns, notify.Options{})
	engine.Attach(bus)
	svc := ledger.NewService(store.NewMemory(), dir, ledger.ServiceOptions{Bus: bus})

	ctx := context.Background()
	_, err := svc.ApplyTransaction(ctx, "acct-1", "meter-1", decimal.NewFromInt(30), ledger.TxPurchase, ledger.Meta{})
	require.NoError(t, err)
	_, err = svc.ApplyTransaction(ctx, "acct-1", "meter-1", decimal.NewFromInt(5), ledger.TxConsumption, ledger.Meta{})
	require.NoError(t, err)

	list, err := engine.List(ctx, "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	s := NewExpirySweeper(engine, nil)
	assert.Equal(t, 0, s.Sweep(ctx))

	s.Now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	assert.Equal(t, 1, s.Sweep(ctx))

	list, err = engine.List(ctx, "acct-1", 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}
