package sqlite

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
	"github.com/warp/token-ledger/notify"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.RegisterMeter(context.Background(), ledger.Meter{AccountID: "acct-1", MeterID: "meter-1", Label: "Kitchen"}))
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// LEDGER
// =============================================================================

func TestStore_ServiceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	svc := ledger.NewService(s, s, ledger.ServiceOptions{})

	_, err := svc.ApplyTransaction(ctx, "acct-1", "meter-1", dec("100"), ledger.TxPurchase,
		ledger.Meta{ReferenceNumber: "REF-1", Vendor: "grid-co", PaymentMethod: "card", Metadata: map[string]string{"channel": "app"}})
	require.NoError(t, err)
	_, err = svc.ApplyTransaction(ctx, "acct-1", "meter-1", dec("60.5"), ledger.TxConsumption, ledger.Meta{})
	require.NoError(t, err)

	key := ledger.NewKey("acct-1", "meter-1")
	rec, err := s.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.True(t, rec.CurrentBalance.Equal(dec("39.5")))
	assert.True(t, rec.DailyConsumptionAvg.Equal(dec("6.05")))
	assert.Equal(t, 6, rec.EstimatedDaysRemaining)
	assert.True(t, rec.LowBalanceThreshold.Equal(ledger.DefaultLowBalanceThreshold))

	txs, err := s.Transactions(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.TxPurchase, txs[0].Type)
	assert.Equal(t, "REF-1", txs[0].ReferenceNumber)
	assert.Equal(t, "grid-co", txs[0].Vendor)
	assert.Equal(t, map[string]string{"channel": "app"}, txs[0].Metadata)
	assert.True(t, txs[1].BalanceBefore.Equal(dec("100")))
	assert.True(t, txs[1].BalanceAfter.Equal(dec("39.5")))

	last, err := s.Transactions(ctx, key, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, ledger.TxConsumption, last[0].Type)

	ok, err := svc.Verify(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_GetBalanceNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetBalance(context.Background(), ledger.NewKey("acct-1", "nope"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStore_WithTxRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := ledger.NewKey("acct-1", "meter-1")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(st ledger.Store) error {
		require.NoError(t, st.AppendTransaction(ctx, ledger.Transaction{
			ID: "t1", AccountID: "acct-1", MeterID: "meter-1", Type: ledger.TxPurchase,
			Amount: dec("5"), BalanceBefore: dec("0"), BalanceAfter: dec("5"),
			IdempotencyKey: "idem-1", Status: ledger.StatusCompleted, CreatedAt: time.Now(),
		}))
		rec := ledger.NewBalanceRecord(key)
		rec.CurrentBalance = dec("5")
		require.NoError(t, st.PutBalance(ctx, rec))

		// reads inside the transaction see its own writes
		got, err := st.GetBalance(ctx, key)
		require.NoError(t, err)
		assert.True(t, got.CurrentBalance.Equal(dec("5")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	txs, err := s.Transactions(ctx, key, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
	_, err = s.GetBalance(ctx, key)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	exists, err := s.IdempotencyKeyExists(ctx, "idem-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_DuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	svc := ledger.NewService(s, s, ledger.ServiceOptions{})
	meta := ledger.Meta{IdempotencyKey: "receipt-1"}

	_, err := svc.ApplyTransaction(ctx, "acct-1", "meter-1", dec("20"), ledger.TxPurchase, meta)
	require.NoError(t, err)
	_, err = svc.ApplyTransaction(ctx, "acct-1", "meter-1", dec("20"), ledger.TxPurchase, meta)
	assert.ErrorIs(t, err, ledger.ErrDuplicate)

	// the unique index backs the service check
	err = s.AppendTransaction(ctx, ledger.Transaction{
		ID: "other", AccountID: "acct-1", MeterID: "meter-1", Type: ledger.TxPurchase,
		Amount: dec("1"), BalanceBefore: dec("0"), BalanceAfter: dec("1"),
		IdempotencyKey: "receipt-1", Status: ledger.StatusCompleted, CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicate)
}

func TestStore_ConcurrentPurchases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	svc := ledger.NewService(s, s, ledger.ServiceOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyTransaction(ctx, "acct-1", "meter-1", dec("50"), ledger.TxPurchase, ledger.Meta{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := s.GetBalance(ctx, ledger.NewKey("acct-1", "meter-1"))
	require.NoError(t, err)
	assert.True(t, rec.CurrentBalance.Equal(dec("500")), "got %s", rec.CurrentBalance)
}

// =============================================================================
// METERS
// =============================================================================

func TestStore_Meters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	owns, err := s.Owns(ctx, "acct-1", "meter-1")
	require.NoError(t, err)
	assert.True(t, owns)
	owns, err = s.Owns(ctx, "acct-2", "meter-1")
	require.NoError(t, err)
	assert.False(t, owns)
	owns, err = s.Owns(ctx, "acct-1", "unknown")
	require.NoError(t, err)
	assert.False(t, owns)

	assert.NoError(t, s.RegisterMeter(ctx, ledger.Meter{AccountID: "acct-1", MeterID: "meter-1"}), "re-register is a no-op")
	assert.ErrorIs(t, s.RegisterMeter(ctx, ledger.Meter{AccountID: "acct-2", MeterID: "meter-1"}), ledger.ErrOwnership)
	assert.ErrorIs(t, s.RegisterMeter(ctx, ledger.Meter{AccountID: "acct-2"}), ledger.ErrInvalidArgument)

	require.NoError(t, s.RegisterMeter(ctx, ledger.Meter{AccountID: "acct-1", MeterID: "meter-0"}))
	meters, err := s.ListMeters(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, meters, 2)
	assert.Equal(t, ledger.MeterID("meter-0"), meters[0].MeterID)
	assert.Equal(t, "Kitchen", meters[1].Label)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestStore_NotificationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	mk := func(id string, typ notify.Type, at time.Time) notify.Notification {
		exp := at.Add(time.Hour)
		return notify.Notification{
			ID: notify.ID(id), AccountID: "acct-1", MeterID: "meter-1",
			Title: "t", Message: "m", Type: typ, Severity: notify.SeverityMedium,
			RelatedBalance: dec("40"), EstimatedDays: 6,
			Metadata:  map[string]string{"threshold": "50"},
			CreatedAt: at, ExpiresAt: &exp,
		}
	}
	require.NoError(t, s.InsertNotification(ctx, mk("n1", notify.TypeLowBalance, base)))
	require.NoError(t, s.InsertNotification(ctx, mk("n2", notify.TypeLowBalance, base.Add(time.Minute))))
	require.NoError(t, s.InsertNotification(ctx, mk("n3", notify.TypeDepleted, base.Add(2*time.Hour))))
	assert.ErrorIs(t, s.InsertNotification(ctx, mk("n1", notify.TypeLowBalance, base)), ledger.ErrDuplicate)

	list, err := s.ListNotifications(ctx, "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, notify.ID("n3"), list[0].ID, "newest first")
	assert.Equal(t, map[string]string{"threshold": "50"}, list[0].Metadata)
	assert.True(t, list[0].RelatedBalance.Equal(dec("40")))

	latest, err := s.LatestNotification(ctx, ledger.NewKey("acct-1", "meter-1"), notify.TypeLowBalance)
	require.NoError(t, err)
	assert.Equal(t, notify.ID("n2"), latest.ID)
	_, err = s.LatestNotification(ctx, ledger.NewKey("acct-1", "meter-1"), notify.TypeCriticalLow)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	require.NoError(t, s.MarkNotificationRead(ctx, "n1"))
	got, err := s.GetNotification(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, got.IsRead)
	assert.ErrorIs(t, s.MarkNotificationRead(ctx, "missing"), ledger.ErrNotFound)

	deleted, err := s.DeleteReadNotifications(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	marked, err := s.MarkAllNotificationsRead(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	// n2 expires at base+61m, n3 at base+3h
	expired, err := s.DeleteExpiredNotifications(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, notify.ID("n2"), expired[0].ID)

	require.NoError(t, s.DeleteNotification(ctx, "n3"))
	assert.ErrorIs(t, s.DeleteNotification(ctx, "n3"), ledger.ErrNotFound)
}

func TestStore_BacksNotificationEngine(t *testing.T) {
	// GIVEN: service, engine and the sqlite store wired together
	// WHEN: a consumption drops the balance from 100 to 40
	// THEN: the persisted notification is medium with relatedBalance 40

	ctx := context.Background()
	s := newTestStore(t)
	bus := ledger.NewBus()
	engine := notify.NewEngine(s, notify.Options{})
	engine.Attach(bus)
	svc := ledger.NewService(s, s, ledger.ServiceOptions{Bus: bus})

	_, err := svc.ApplyTransaction(ctx, "acct-1", "meter-1", dec("100"), ledger.TxPurchase, ledger.Meta{})
	require.NoError(t, err)
	_, err = svc.ApplyTransaction(ctx, "acct-1", "meter-1", dec("60"), ledger.TxConsumption, ledger.Meta{})
	require.NoError(t, err)

	ns, err := engine.List(ctx, "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, notify.SeverityMedium, ns[0].Severity)
	assert.True(t, ns[0].RelatedBalance.Equal(dec("40")))
	require.NotNil(t, ns[0].ExpiresAt)
}

func TestStore_Preferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetPreferences(ctx, "acct-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	want := notify.Preferences{Enabled: true, Muted: []notify.Severity{notify.SeverityLow, notify.SeverityMedium}}
	require.NoError(t, s.PutPreferences(ctx, "acct-1", want))
	got, err := s.GetPreferences(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, s.PutPreferences(ctx, "acct-1", notify.Preferences{Enabled: false}))
	got, err = s.GetPreferences(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Empty(t, got.Muted)
}
