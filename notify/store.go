package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/token-ledger/ledger"
)

// Store persists notifications. Unknown ids return ledger.ErrNotFound.
type Store interface {
	InsertNotification(ctx context.Context, n Notification) error
	GetNotification(ctx context.Context, id ID) (Notification, error)

	// ListNotifications returns up to limit notifications, newest first.
	ListNotifications(ctx context.Context, accountID ledger.AccountID, limit int) ([]Notification, error)

	// LatestNotification returns the newest notification of typ for key.
	LatestNotification(ctx context.Context, key ledger.Key, typ Type) (Notification, error)

	MarkNotificationRead(ctx context.Context, id ID) error
	MarkAllNotificationsRead(ctx context.Context, accountID ledger.AccountID) (int, error)
	DeleteNotification(ctx context.Context, id ID) error
	DeleteReadNotifications(ctx context.Context, accountID ledger.AccountID) (int, error)

	// DeleteExpiredNotifications removes every notification expired at now
	// and returns what it removed.
	DeleteExpiredNotifications(ctx context.Context, now time.Time) ([]Notification, error)
}

// PreferenceStore persists notification preferences. An account that never
// saved any returns ledger.ErrNotFound.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, accountID ledger.AccountID) (Preferences, error)
	PutPreferences(ctx context.Context, accountID ledger.AccountID, p Preferences) error
}

// =============================================================================
// MEMORY STORE
// =============================================================================

type MemoryStore struct {
	mu    sync.RWMutex
	items map[ID]Notification
	prefs map[ledger.AccountID]Preferences
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[ID]Notification),
		prefs: make(map[ledger.AccountID]Preferences),
	}
}

func (m *MemoryStore) GetPreferences(_ context.Context, accountID ledger.AccountID) (Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prefs[accountID]
	if !ok {
		return Preferences{}, ledger.Errorf(ledger.ErrNotFound, "no preferences for %s", accountID)
	}
	p.Muted = append([]Severity(nil), p.Muted...)
	return p, nil
}

func (m *MemoryStore) PutPreferences(_ context.Context, accountID ledger.AccountID, p Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Muted = append([]Severity(nil), p.Muted...)
	m.prefs[accountID] = p
	return nil
}

func (m *MemoryStore) InsertNotification(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[n.ID]; ok {
		return ledger.Errorf(ledger.ErrDuplicate, "notification %s already exists", n.ID)
	}
	m.items[n.ID] = n
	return nil
}

func (m *MemoryStore) GetNotification(_ context.Context, id ID) (Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.items[id]
	if !ok {
		return Notification{}, ledger.Errorf(ledger.ErrNotFound, "notification %s", id)
	}
	return n, nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, accountID ledger.AccountID, limit int) ([]Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Notification
	for _, n := range m.items {
		if n.AccountID == accountID {
			out = append(out, n)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) LatestNotification(_ context.Context, key ledger.Key, typ Type) (Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest Notification
		found  bool
	)
	for _, n := range m.items {
		if n.Key() != key || n.Type != typ {
			continue
		}
		if !found || n.CreatedAt.After(latest.CreatedAt) {
			latest, found = n, true
		}
	}
	if !found {
		return Notification{}, ledger.ErrNotFound
	}
	return latest, nil
}

func (m *MemoryStore) MarkNotificationRead(_ context.Context, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.items[id]
	if !ok {
		return ledger.Errorf(ledger.ErrNotFound, "notification %s", id)
	}
	n.IsRead = true
	m.items[id] = n
	return nil
}

func (m *MemoryStore) MarkAllNotificationsRead(_ context.Context, accountID ledger.AccountID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, n := range m.items {
		if n.AccountID == accountID && !n.IsRead {
			n.IsRead = true
			m.items[id] = n
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) DeleteNotification(_ context.Context, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ledger.Errorf(ledger.ErrNotFound, "notification %s", id)
	}
	delete(m.items, id)
	return nil
}

func (m *MemoryStore) DeleteReadNotifications(_ context.Context, accountID ledger.AccountID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, n := range m.items {
		if n.AccountID == accountID && n.IsRead {
			delete(m.items, id)
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) DeleteExpiredNotifications(_ context.Context, now time.Time) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []Notification
	for id, n := range m.items {
		if n.Expired(now) {
			removed = append(removed, n)
			delete(m.items, id)
		}
	}
	return removed, nil
}

func sortNewestFirst(ns []Notification) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
			return ns[i].ID > ns[j].ID
		}
		return ns[i].CreatedAt.After(ns[j].CreatedAt)
	})
}
