/*
Package subscription keeps the live notification state of an account and
pushes every change to its subscribers.

PURPOSE:
  A Registry holds one account's notifications, the status summary derived
  from them, the notification preferences, and the loading and error
  flags. Subscribers register callbacks and receive the current state
  immediately, then every change in order.

DELIVERY:
  - Subscribe replays the full state to the new subscriber before it can
    see any later change
  - Changes are delivered synchronously, to subscribers in registration
    order, one change at a time
  - Callbacks must not call Subscribe or change the registry; they may
    unsubscribe
  - The unsubscribe func is idempotent

SEE ALSO:
  - hub.go: one live Registry per subscribed account, fed by notify.Engine
  - api/events.go: the SSE stream built on Subscribe
*/
package subscription

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/token-ledger/notify"
)

// MaxNotifications bounds the list a Registry keeps, newest first.
const MaxNotifications = notify.DefaultListLimit

// Status summarizes the notification list.
type Status struct {
	Total       int
	Unread      int
	BySeverity  map[notify.Severity]int
	LastUpdated time.Time
}

// Callbacks are the subscriber hooks. Nil hooks are skipped.
type Callbacks struct {
	OnNotifications func([]notify.Notification)
	OnStatus        func(Status)
	OnPreferences   func(notify.Preferences)
	OnLoading       func(bool)
	OnError         func(error)
}

// State is a point-in-time copy of a Registry.
type State struct {
	Notifications []notify.Notification
	Status        Status
	Preferences   notify.Preferences
	Loading       bool
	Err           error
}

type subscriber struct {
	id     uint64
	cb     Callbacks
	active atomic.Bool
}

type Registry struct {
	// emitMu serializes change + delivery so subscribers see changes in order.
	emitMu sync.Mutex

	mu     sync.Mutex
	state  State
	subs   []*subscriber
	nextID uint64
	now    func() time.Time
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	r := &Registry{now: now}
	r.state.Preferences = notify.DefaultPreferences()
	r.state.Status = summarize(nil, now())
	return r
}

// Subscribe registers cb, replays the current state to it, and returns the
// func that removes it.
func (r *Registry) Subscribe(cb Callbacks) func() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	r.nextID++
	sub := &subscriber{id: r.nextID, cb: cb}
	sub.active.Store(true)
	r.subs = append(r.subs, sub)
	snap := r.snapshotLocked()
	r.mu.Unlock()

	replay(sub, snap)

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(sub) })
	}
}

func replay(sub *subscriber, s State) {
	if !sub.active.Load() {
		return
	}
	cb := sub.cb
	if cb.OnNotifications != nil {
		cb.OnNotifications(s.Notifications)
	}
	if cb.OnStatus != nil {
		cb.OnStatus(s.Status)
	}
	if cb.OnPreferences != nil {
		cb.OnPreferences(s.Preferences)
	}
	if cb.OnLoading != nil {
		cb.OnLoading(s.Loading)
	}
	if cb.OnError != nil && s.Err != nil {
		cb.OnError(s.Err)
	}
}

func (r *Registry) remove(sub *subscriber) {
	sub.active.Store(false)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == sub.id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Snapshot returns a copy of the current state.
func (r *Registry) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() State {
	s := r.state
	s.Notifications = append([]notify.Notification(nil), r.state.Notifications...)
	s.Status.BySeverity = make(map[notify.Severity]int, len(r.state.Status.BySeverity))
	for k, v := range r.state.Status.BySeverity {
		s.Status.BySeverity[k] = v
	}
	s.Preferences.Muted = append([]notify.Severity(nil), r.state.Preferences.Muted...)
	return s
}

// =============================================================================
// CHANGES
// =============================================================================

// change applies mutate under the lock, then delivers to every subscriber
// with deliver.
func (r *Registry) change(mutate func(*State), deliver func(Callbacks, State)) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	mutate(&r.state)
	snap := r.snapshotLocked()
	subs := append([]*subscriber(nil), r.subs...)
	r.mu.Unlock()

	for _, sub := range subs {
		if sub.active.Load() {
			deliver(sub.cb, snap)
		}
	}
}

func deliverList(cb Callbacks, s State) {
	if cb.OnNotifications != nil {
		cb.OnNotifications(s.Notifications)
	}
	if cb.OnStatus != nil {
		cb.OnStatus(s.Status)
	}
}

// setNotifications replaces the list and recomputes the status.
func (r *Registry) setNotifications(edit func([]notify.Notification) []notify.Notification) {
	r.change(func(s *State) {
		list := edit(s.Notifications)
		if len(list) > MaxNotifications {
			list = list[:MaxNotifications]
		}
		s.Notifications = list
		s.Status = summarize(list, r.now())
	}, deliverList)
}

// Add inserts n at the front of the list.
func (r *Registry) Add(n notify.Notification) {
	r.setNotifications(func(list []notify.Notification) []notify.Notification {
		out := make([]notify.Notification, 0, len(list)+1)
		out = append(out, n)
		for _, existing := range list {
			if existing.ID != n.ID {
				out = append(out, existing)
			}
		}
		return out
	})
}

// Update replaces the notification with n's id, if present.
func (r *Registry) Update(n notify.Notification) {
	r.setNotifications(func(list []notify.Notification) []notify.Notification {
		out := append([]notify.Notification(nil), list...)
		for i := range out {
			if out[i].ID == n.ID {
				out[i] = n
			}
		}
		return out
	})
}

// Remove drops the notifications with the given ids.
func (r *Registry) Remove(ids ...notify.ID) {
	drop := make(map[notify.ID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	r.setNotifications(func(list []notify.Notification) []notify.Notification {
		out := make([]notify.Notification, 0, len(list))
		for _, n := range list {
			if !drop[n.ID] {
				out = append(out, n)
			}
		}
		return out
	})
}

// Reset replaces the whole list.
func (r *Registry) Reset(ns []notify.Notification) {
	r.setNotifications(func([]notify.Notification) []notify.Notification {
		return append([]notify.Notification(nil), ns...)
	})
}

func (r *Registry) SetPreferences(p notify.Preferences) {
	r.change(func(s *State) {
		s.Preferences = p
	}, func(cb Callbacks, s State) {
		if cb.OnPreferences != nil {
			cb.OnPreferences(s.Preferences)
		}
	})
}

// Preferences returns the current preferences.
func (r *Registry) Preferences() notify.Preferences {
	return r.Snapshot().Preferences
}

func (r *Registry) SetLoading(loading bool) {
	r.change(func(s *State) {
		s.Loading = loading
	}, func(cb Callbacks, s State) {
		if cb.OnLoading != nil {
			cb.OnLoading(s.Loading)
		}
	})
}

// SetError records err; nil clears it. Subscribers are told about non-nil errors.
func (r *Registry) SetError(err error) {
	r.change(func(s *State) {
		s.Err = err
	}, func(cb Callbacks, s State) {
		if cb.OnError != nil && s.Err != nil {
			cb.OnError(s.Err)
		}
	})
}

func summarize(ns []notify.Notification, now time.Time) Status {
	st := Status{
		Total:       len(ns),
		BySeverity:  make(map[notify.Severity]int),
		LastUpdated: now,
	}
	for _, n := range ns {
		if !n.IsRead {
			st.Unread++
		}
		st.BySeverity[n.Severity]++
	}
	return st
}
