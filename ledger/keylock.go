package ledger

import (
	"context"
	"sync"
	"time"
)

// KeyLock serializes work per Key. Different keys never contend.
// Each key holds a one-slot channel so acquisition can honor a context
// and a deadline, which sync.Mutex cannot.
type KeyLock struct {
	mu    sync.Mutex
	slots map[Key]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyLock() *KeyLock {
	return &KeyLock{slots: make(map[Key]*slot)}
}

// Lock blocks until key is free, ctx ends, or timeout elapses (timeout <= 0
// waits on ctx only). On success the returned func releases the key.
func (l *KeyLock) Lock(ctx context.Context, key Key, timeout time.Duration) (func(), error) {
	s := l.acquireSlot(key)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.releaseSlot(key)
			})
		}, nil
	case <-deadline:
		l.releaseSlot(key)
		return nil, Errorf(ErrConcurrencyTimeout, "balance %s busy for %s", key, timeout)
	case <-ctx.Done():
		l.releaseSlot(key)
		return nil, Wrap(ErrConcurrencyTimeout, ctx.Err(), "gave up waiting for balance "+key.String())
	}
}

func (l *KeyLock) acquireSlot(key Key) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

// releaseSlot drops the entry once nobody holds or waits on it.
func (l *KeyLock) releaseSlot(key Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (l *KeyLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
