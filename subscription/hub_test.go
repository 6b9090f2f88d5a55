package subscription_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/ledger/store"
	"github.com/warp/token-ledger/notify"
	"github.com/warp/token-ledger/subscription"
)

type system struct {
	svc    *ledger.Service
	engine *notify.Engine
	hub    *subscription.Hub
}

func newSystem(t *testing.T) system {
	t.Helper()
	dir := store.NewDirectory()
	dir.Register("acct-1", "meter-1")

	bus := ledger.NewBus()
	ns := notify.NewMemoryStore()

	var engine *notify.Engine
	hub := subscription.NewHub(func(ctx context.Context, accountID ledger.AccountID) ([]notify.Notification, error) {
		return engine.List(ctx, accountID, 0)
	}, subscription.HubOptions{})
	engine = notify.NewEngine(ns, notify.Options{Publisher: hub, Preferences: hub})
	engine.Attach(bus)

	svc := ledger.NewService(store.NewMemory(), dir, ledger.ServiceOptions{Bus: bus})
	return system{svc: svc, engine: engine, hub: hub}
}

func (s system) apply(t *testing.T, typ ledger.TransactionType, amount int64) {
	t.Helper()
	_, err := s.svc.ApplyTransaction(context.Background(), "acct-1", "meter-1", decimal.NewFromInt(amount), typ, ledger.Meta{})
	require.NoError(t, err)
}

func TestHub_SubscriberSeesNotificationsAsTheyAreRaised(t *testing.T) {
	// GIVEN: a subscriber on acct-1
	// WHEN: consumption drops the balance below the threshold
	// THEN: the subscriber receives the new notification and an updated status

	s := newSystem(t)
	ctx := context.Background()

	var lists [][]notify.Notification
	var statuses []subscription.Status
	unsubscribe := s.hub.Subscribe(ctx, "acct-1", subscription.Callbacks{
		OnNotifications: func(ns []notify.Notification) { lists = append(lists, ns) },
		OnStatus:        func(st subscription.Status) { statuses = append(statuses, st) },
	})
	defer unsubscribe()
	require.NotEmpty(t, lists)
	assert.Empty(t, lists[len(lists)-1])

	s.apply(t, ledger.TxPurchase, 100)
	s.apply(t, ledger.TxConsumption, 60)

	latest := lists[len(lists)-1]
	require.Len(t, latest, 1)
	assert.Equal(t, notify.SeverityMedium, latest[0].Severity)
	assert.Equal(t, 1, statuses[len(statuses)-1].Unread)

	_, err := s.engine.MarkRead(ctx, latest[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 0, statuses[len(statuses)-1].Unread)
	assert.True(t, lists[len(lists)-1][0].IsRead)
}

func TestHub_SeedsFromStore(t *testing.T) {
	// GIVEN: notifications raised before anyone subscribed
	// WHEN: the first subscriber arrives
	// THEN: the registry is loaded from the store and replayed

	s := newSystem(t)
	s.apply(t, ledger.TxPurchase, 100)
	s.apply(t, ledger.TxConsumption, 90)

	var loading []bool
	var got []notify.Notification
	s.hub.Subscribe(context.Background(), "acct-1", subscription.Callbacks{
		OnNotifications: func(ns []notify.Notification) { got = ns },
		OnLoading:       func(b bool) { loading = append(loading, b) },
	})

	require.Len(t, got, 1)
	assert.Equal(t, notify.TypeCriticalLow, got[0].Type)
	assert.Equal(t, []bool{false}, loading)
}

func TestHub_PreferencesReachTheEngine(t *testing.T) {
	s := newSystem(t)
	ctx := context.Background()
	p, err := s.hub.PreferencesFor(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, p.Enabled)

	var prefs []notify.Preferences
	unsubscribe := s.hub.Subscribe(ctx, "acct-1", subscription.Callbacks{
		OnPreferences: func(p notify.Preferences) { prefs = append(prefs, p) },
	})
	defer unsubscribe()
	require.NoError(t, s.hub.SetPreferences(ctx, "acct-1", notify.Preferences{Enabled: false}))
	require.Len(t, prefs, 2)
	assert.False(t, prefs[1].Enabled)

	s.apply(t, ledger.TxPurchase, 100)
	s.apply(t, ledger.TxConsumption, 99)

	ns, err := s.engine.List(ctx, "acct-1", 0)
	require.NoError(t, err)
	assert.Empty(t, ns)
}

func TestHub_PreferencesOutliveTheRegistry(t *testing.T) {
	// GIVEN: preferences saved while nobody is subscribed
	// WHEN: a new hub over the same store gets its first subscriber
	// THEN: the saved preferences are loaded and replayed

	ctx := context.Background()
	saved := notify.NewMemoryStore()
	hub := subscription.NewHub(nil, subscription.HubOptions{Preferences: saved})
	muted := notify.Preferences{Enabled: true, Muted: []notify.Severity{notify.SeverityLow}}
	require.NoError(t, hub.SetPreferences(ctx, "acct-1", muted))

	p, err := hub.PreferencesFor(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, muted, p)

	restarted := subscription.NewHub(nil, subscription.HubOptions{Preferences: saved})
	var seen []notify.Preferences
	unsubscribe := restarted.Subscribe(ctx, "acct-1", subscription.Callbacks{
		OnPreferences: func(p notify.Preferences) { seen = append(seen, p) },
	})
	defer unsubscribe()
	require.NotEmpty(t, seen)
	assert.Equal(t, muted, seen[len(seen)-1])
}

func TestHub_LoadFailureIsReported(t *testing.T) {
	boom := errors.New("database is locked")
	hub := subscription.NewHub(func(context.Context, ledger.AccountID) ([]notify.Notification, error) {
		return nil, boom
	}, subscription.HubOptions{Now: func() time.Time { return time.Unix(0, 0) }})

	var errs []error
	unsubscribe := hub.Subscribe(context.Background(), "acct-9", subscription.Callbacks{
		OnError: func(err error) { errs = append(errs, err) },
	})
	defer unsubscribe()
	assert.Equal(t, []error{boom}, errs)
	assert.ErrorIs(t, hub.Registry(context.Background(), "acct-9").Snapshot().Err, boom)
}

func TestHub_ChangesForUnseenAccountsAreDropped(t *testing.T) {
	hub := subscription.NewHub(nil, subscription.HubOptions{})
	hub.NotificationAdded(notify.Notification{ID: "n1", AccountID: "acct-2"})

	r := hub.Registry(context.Background(), "acct-2")
	assert.Empty(t, r.Snapshot().Notifications)
}

func TestHub_ChangeDuringSeedIsKept(t *testing.T) {
	// GIVEN: a first subscriber whose seed has already read the store
	// WHEN: a notification is added before the seed finishes
	// THEN: the registry holds it once the seed is done

	read := make(chan struct{})
	release := make(chan struct{})
	hub := subscription.NewHub(func(context.Context, ledger.AccountID) ([]notify.Notification, error) {
		close(read)
		<-release
		return nil, nil
	}, subscription.HubOptions{})

	var got []notify.Notification
	subscribed := make(chan func())
	go func() {
		subscribed <- hub.Subscribe(context.Background(), "acct-1", subscription.Callbacks{
			OnNotifications: func(ns []notify.Notification) { got = ns },
		})
	}()

	<-read
	hub.NotificationAdded(notify.Notification{ID: "n1", AccountID: "acct-1", Severity: notify.SeverityHigh})
	close(release)
	unsubscribe := <-subscribed
	defer unsubscribe()

	require.Len(t, got, 1)
	assert.Equal(t, notify.ID("n1"), got[0].ID)
	assert.Equal(t, 1, hub.Registry(context.Background(), "acct-1").Snapshot().Status.Unread)
}

func TestHub_RegistryDroppedAfterLastSubscriber(t *testing.T) {
	hub := subscription.NewHub(nil, subscription.HubOptions{})
	ctx := context.Background()

	first := hub.Subscribe(ctx, "acct-1", subscription.Callbacks{})
	second := hub.Subscribe(ctx, "acct-1", subscription.Callbacks{})
	assert.Equal(t, 2, hub.Subscribers("acct-1"))

	first()
	first()
	assert.Equal(t, 1, hub.Subscribers("acct-1"))
	second()
	assert.Equal(t, 0, hub.Subscribers("acct-1"))

	hub.NotificationAdded(notify.Notification{ID: "n1", AccountID: "acct-1"})
	assert.Empty(t, hub.Registry(ctx, "acct-1").Snapshot().Notifications)
}
