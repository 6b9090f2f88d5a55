/*
Package cache is the read-through cache in front of balance and analytics reads.

PURPOSE:
  Short-lived, in-process copies of query results keyed by
  (account, meter, kind). Never the source of truth: every entry can be
  dropped at any time and is recomputed by its loader.

RULES:
  - TTL per Kind (balance 2m, analytics 5m, external 2m by default)
  - Miss or forceRefresh: the loader runs once per cache key even with many
    concurrent callers (singleflight), and its result is written through
  - A caller whose ctx ends stops waiting; the shared load keeps running for
    the others and still writes its result
  - InvalidateKey drops every kind for a key; loads that started before the
    invalidation never write their result back
  - Loader failure with an entry present (even expired): the entry is
    returned with Stale=true, unless the caller asked for RequireFresh
  - MaxEntries bounds the cache with FIFO eviction

SEE ALSO:
  - ledger/service.go: calls InvalidateKey after every committed transaction
  - balance/reader.go: the loaders
*/
package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/metrics"
)

// Kind names a query whose results are cached under a key.
type Kind string

const (
	KindBalance   Kind = "balance"
	KindAnalytics Kind = "analytics"
	KindExternal  Kind = "external"
)

type Options struct {
	TTLs       map[Kind]time.Duration
	DefaultTTL time.Duration // kinds missing from TTLs; default 2m
	MaxEntries int           // 0 means unbounded
	Now        func() time.Time
}

// DefaultTTLs are the TTLs used for kinds the caller does not configure.
func DefaultTTLs() map[Kind]time.Duration {
	return map[Kind]time.Duration{
		KindBalance:   2 * time.Minute,
		KindAnalytics: 5 * time.Minute,
		KindExternal:  2 * time.Minute,
	}
}

type MetricsHooks struct {
	OnHit   func(labels map[string]string)
	OnMiss  func(labels map[string]string)
	OnStale func(labels map[string]string)
	OnStore func(labels map[string]string)
	OnError func(labels map[string]string)
}

// PrometheusHooks reports cache events to m.CacheEvents.
func PrometheusHooks(m *metrics.Metrics) MetricsHooks {
	hook := func(event string) func(map[string]string) {
		return func(labels map[string]string) { m.IncCache(labels["kind"], event) }
	}
	return MetricsHooks{
		OnHit:   hook("hit"),
		OnMiss:  hook("miss"),
		OnStale: hook("stale"),
		OnStore: hook("store"),
		OnError: hook("error"),
	}
}

// Loader computes a fresh payload.
type Loader func(ctx context.Context) (any, error)

// Result is what Get returns alongside the payload.
type Result struct {
	Payload  any
	CacheHit bool
	Stale    bool
	StoredAt time.Time
}

type GetOption func(*getOptions)

type getOptions struct {
	requireFresh bool
}

// RequireFresh makes Get return the loader error instead of a stale entry.
func RequireFresh() GetOption {
	return func(o *getOptions) { o.requireFresh = true }
}

type entry struct {
	value     any
	storedAt  time.Time
	expiresAt time.Time
}

type Cache struct {
	mu      sync.RWMutex
	items   map[string]*entry
	order   []string
	gen     map[ledger.Key]uint64
	kinds   map[Kind]struct{}
	opts    Options
	metrics MetricsHooks
	sf      singleflight.Group
}

func New(opts Options, hooks MetricsHooks) *Cache {
	ttls := DefaultTTLs()
	for k, v := range opts.TTLs {
		if v > 0 {
			ttls[k] = v
		}
	}
	opts.TTLs = ttls
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		items:   make(map[string]*entry),
		order:   make([]string, 0, 128),
		gen:     make(map[ledger.Key]uint64),
		kinds:   make(map[Kind]struct{}),
		opts:    opts,
		metrics: hooks,
	}
	for k := range ttls {
		c.kinds[k] = struct{}{}
	}
	return c
}

func cacheKey(key ledger.Key, kind Kind) string {
	return fmt.Sprintf("%s/%s/%s", key.AccountID, key.MeterID, kind)
}

func (c *Cache) ttl(kind Kind) time.Duration {
	if ttl, ok := c.opts.TTLs[kind]; ok {
		return ttl
	}
	return c.opts.DefaultTTL
}

type loadResult struct {
	val      any
	storedAt time.Time
	err      error
}

// Get returns the cached payload for (key, kind), loading it on a miss or
// when forceRefresh is set.
func (c *Cache) Get(ctx context.Context, key ledger.Key, kind Kind, forceRefresh bool, loader Loader, opts ...GetOption) (Result, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	ck := cacheKey(key, kind)
	labels := map[string]string{"kind": string(kind)}
	now := c.opts.Now()

	c.mu.RLock()
	e, found := c.items[ck]
	gen := c.gen[key]
	c.mu.RUnlock()

	if found && !forceRefresh && now.Before(e.expiresAt) {
		c.fire(c.metrics.OnHit, labels)
		return Result{Payload: e.value, CacheHit: true, StoredAt: e.storedAt}, nil
	}

	c.fire(c.metrics.OnMiss, labels)
	// the generation is part of the flight key so callers arriving after an
	// invalidation never join a load that started before it
	flight := ck + "#" + strconv.FormatUint(gen, 10)
	if forceRefresh {
		flight += "#force"
	}
	// the shared load must outlive any one caller; each caller waits on its own ctx
	ch := c.sf.DoChan(flight, func() (any, error) {
		val, err := loader(context.WithoutCancel(ctx))
		if err != nil {
			c.fire(c.metrics.OnError, labels)
			return loadResult{err: err}, nil
		}
		storedAt := c.store(key, kind, gen, val)
		return loadResult{val: val, storedAt: storedAt}, nil
	})
	var res loadResult
	select {
	case v := <-ch:
		res = v.Val.(loadResult)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if res.err == nil {
		return Result{Payload: res.val, StoredAt: res.storedAt}, nil
	}

	if !o.requireFresh {
		c.mu.RLock()
		e, found = c.items[ck]
		c.mu.RUnlock()
		if found {
			c.fire(c.metrics.OnStale, labels)
			return Result{Payload: e.value, CacheHit: true, Stale: true, StoredAt: e.storedAt}, nil
		}
	}
	return Result{}, res.err
}

// GetAs is Get with a typed loader and payload.
func GetAs[T any](ctx context.Context, c *Cache, key ledger.Key, kind Kind, forceRefresh bool, load func(context.Context) (T, error), opts ...GetOption) (T, Result, error) {
	res, err := c.Get(ctx, key, kind, forceRefresh, func(ctx context.Context) (any, error) {
		return load(ctx)
	}, opts...)
	if err != nil {
		var zero T
		return zero, res, err
	}
	v, ok := res.Payload.(T)
	if !ok {
		var zero T
		return zero, res, fmt.Errorf("cache: %s holds %T", cacheKey(key, kind), res.Payload)
	}
	return v, res, nil
}

// store writes val unless key was invalidated since gen was read.
func (c *Cache) store(key ledger.Key, kind Kind, gen uint64, val any) time.Time {
	now := c.opts.Now()
	ck := cacheKey(key, kind)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[key] != gen {
		return now
	}
	if _, exists := c.items[ck]; !exists {
		c.order = append(c.order, ck)
	}
	c.items[ck] = &entry{value: val, storedAt: now, expiresAt: now.Add(c.ttl(kind))}
	c.kinds[kind] = struct{}{}
	c.evictIfNeeded()
	c.fire(c.metrics.OnStore, map[string]string{"kind": string(kind)})
	return now
}

// Set writes val for (key, kind) directly.
func (c *Cache) Set(key ledger.Key, kind Kind, val any) {
	c.mu.RLock()
	gen := c.gen[key]
	c.mu.RUnlock()
	c.store(key, kind, gen, val)
}

// Peek returns a cached payload without loading. Expired entries are returned
// with stale=true.
func (c *Cache) Peek(key ledger.Key, kind Kind) (val any, stale bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, found := c.items[cacheKey(key, kind)]
	if !found {
		return nil, false, false
	}
	return e.value, !c.opts.Now().Before(e.expiresAt), true
}

// InvalidateKey deletes every cached kind for key.
func (c *Cache) InvalidateKey(key ledger.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[key]++
	for kind := range c.kinds {
		ck := cacheKey(key, kind)
		if _, ok := c.items[ck]; ok {
			delete(c.items, ck)
			c.removeFromOrder(ck)
		}
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache) removeFromOrder(ck string) {
	for i, k := range c.order {
		if k == ck {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Cache) evictIfNeeded() {
	if c.opts.MaxEntries <= 0 || len(c.items) <= c.opts.MaxEntries {
		return
	}
	// Simple FIFO eviction
	excess := len(c.items) - c.opts.MaxEntries
	for excess > 0 && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
		excess--
	}
}

func (c *Cache) fire(hook func(map[string]string), labels map[string]string) {
	if hook != nil {
		hook(labels)
	}
}

var _ ledger.Invalidator = (*Cache)(nil)
