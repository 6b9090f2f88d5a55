package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/logging"
	"github.com/warp/token-ledger/notify"
)

// Loader reads an account's stored notifications, newest first.
type Loader func(ctx context.Context, accountID ledger.AccountID) ([]notify.Notification, error)

type HubOptions struct {
	// Preferences persists notification preferences. Defaults to an
	// in-memory store.
	Preferences notify.PreferenceStore
	Logger      logging.Logger
	Now         func() time.Time
}

// Hub keeps one live Registry per account with subscribers. It receives
// notification changes from notify.Engine and answers the engine's
// preference lookups.
//
// A registry is kept while it has subscribers, or while it is being seeded.
// Changes that arrive during a seed are held and replayed after the loaded
// list replaces the registry's, so a load that read the store before the
// change cannot hide it.
type Hub struct {
	load  Loader
	prefs notify.PreferenceStore
	log   logging.Logger
	now   func() time.Time

	mu       sync.Mutex
	accounts map[ledger.AccountID]*account
}

type account struct {
	registry *Registry
	subs     int
	seeders  int

	// pending holds changes routed while seeders > 0; every seeder replays
	// the whole list after its Reset
	pending []func(*Registry)
}

var (
	_ notify.Publisher        = (*Hub)(nil)
	_ notify.PreferenceSource = (*Hub)(nil)
)

func NewHub(load Loader, opts HubOptions) *Hub {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Preferences == nil {
		opts.Preferences = notify.NewMemoryStore()
	}
	return &Hub{
		load:     load,
		prefs:    opts.Preferences,
		log:      logging.OrDiscard(opts.Logger),
		now:      opts.Now,
		accounts: make(map[ledger.AccountID]*account),
	}
}

// Subscribe registers cb on the account's live registry, creating and
// seeding it first if needed. The registry is dropped after the last
// subscriber leaves.
func (h *Hub) Subscribe(ctx context.Context, accountID ledger.AccountID, cb Callbacks) func() {
	h.mu.Lock()
	a, ok := h.accounts[accountID]
	if !ok {
		a = &account{registry: NewRegistry(h.now), seeders: 1}
		h.accounts[accountID] = a
	}
	a.subs++
	h.mu.Unlock()

	if !ok {
		h.seed(ctx, accountID, a)
	}
	unsubscribe := a.registry.Subscribe(cb)

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			h.mu.Lock()
			a.subs--
			h.pruneLocked(accountID, a)
			h.mu.Unlock()
		})
	}
}

// Registry returns the account's live registry, or a freshly seeded one
// that is not kept when the account has no subscribers.
func (h *Hub) Registry(ctx context.Context, accountID ledger.AccountID) *Registry {
	h.mu.Lock()
	a, ok := h.accounts[accountID]
	h.mu.Unlock()
	if ok {
		return a.registry
	}

	a = &account{registry: NewRegistry(h.now), seeders: 1}
	h.seed(ctx, accountID, a)
	return a.registry
}

// Subscribers returns the number of subscribers on the account's live
// registry.
func (h *Hub) Subscribers(accountID ledger.AccountID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.accounts[accountID]; ok {
		return a.registry.Len()
	}
	return 0
}

// Refresh reloads a live registry from the loader.
func (h *Hub) Refresh(ctx context.Context, accountID ledger.AccountID) {
	h.mu.Lock()
	a, ok := h.accounts[accountID]
	if ok {
		a.seeders++
	}
	h.mu.Unlock()
	if ok {
		h.seed(ctx, accountID, a)
	}
}

// pruneLocked drops a's registry once nobody uses it.
func (h *Hub) pruneLocked(accountID ledger.AccountID, a *account) {
	if a.subs > 0 || a.seeders > 0 {
		return
	}
	if h.accounts[accountID] == a {
		delete(h.accounts, accountID)
	}
}

// =============================================================================
// SEEDING
// =============================================================================

// seed loads the account's notifications and preferences into a.registry.
// The caller has already counted itself in a.seeders.
func (h *Hub) seed(ctx context.Context, accountID ledger.AccountID, a *account) {
	r := a.registry
	r.SetLoading(true)

	if h.load != nil {
		ns, err := h.load(ctx, accountID)
		if err != nil {
			h.log.WithError(err).WithField("account_id", accountID).Warn("failed to load notifications")
			r.SetError(err)
		} else {
			r.SetError(nil)
			r.Reset(ns)
		}
	}
	if p, err := h.PreferencesFor(ctx, accountID); err != nil {
		h.log.WithError(err).WithField("account_id", accountID).Warn("failed to load preferences")
	} else {
		r.SetPreferences(p)
	}

	h.replayPending(accountID, a)
	r.SetLoading(false)
}

// replayPending applies the changes held during the seed, including any that
// arrive while replaying, then releases the seeder.
func (h *Hub) replayPending(accountID ledger.AccountID, a *account) {
	applied := 0
	for {
		h.mu.Lock()
		if applied == len(a.pending) {
			a.seeders--
			if a.seeders == 0 {
				a.pending = nil
			}
			h.pruneLocked(accountID, a)
			h.mu.Unlock()
			return
		}
		ops := a.pending[applied:]
		applied = len(a.pending)
		h.mu.Unlock()

		for _, op := range ops {
			op(a.registry)
		}
	}
}

// route applies op to the account's live registry. Accounts without one are
// skipped: their registry is seeded from the store when first used.
func (h *Hub) route(accountID ledger.AccountID, op func(*Registry)) {
	h.mu.Lock()
	a, ok := h.accounts[accountID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if a.seeders > 0 {
		a.pending = append(a.pending, op)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	op(a.registry)
}

// =============================================================================
// PREFERENCES
// =============================================================================

// SetPreferences saves p for the account and tells its subscribers.
func (h *Hub) SetPreferences(ctx context.Context, accountID ledger.AccountID, p notify.Preferences) error {
	if err := h.prefs.PutPreferences(ctx, accountID, p); err != nil {
		return err
	}
	h.route(accountID, func(r *Registry) { r.SetPreferences(p) })
	return nil
}

// PreferencesFor returns the account's saved preferences, or the defaults if
// it has none.
func (h *Hub) PreferencesFor(ctx context.Context, accountID ledger.AccountID) (notify.Preferences, error) {
	p, err := h.prefs.GetPreferences(ctx, accountID)
	if errors.Is(err, ledger.ErrNotFound) {
		return notify.DefaultPreferences(), nil
	}
	return p, err
}

// =============================================================================
// notify.Publisher
// =============================================================================

func (h *Hub) NotificationAdded(n notify.Notification) {
	h.route(n.AccountID, func(r *Registry) { r.Add(n) })
}

func (h *Hub) NotificationUpdated(n notify.Notification) {
	h.route(n.AccountID, func(r *Registry) { r.Update(n) })
}

func (h *Hub) NotificationsRemoved(accountID ledger.AccountID, ids []notify.ID) {
	h.route(accountID, func(r *Registry) { r.Remove(ids...) })
}

func (h *Hub) NotificationsReset(accountID ledger.AccountID, ns []notify.Notification) {
	h.route(accountID, func(r *Registry) { r.Reset(ns) })
}
