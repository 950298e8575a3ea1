package client

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultEntitlementTTL is how long a fetched entitlement is served without
// asking the server again.
const DefaultEntitlementTTL = 5 * time.Minute

// Entitlement mirrors the server's payment entitlement payload.
type Entitlement struct {
	PaymentStatus       string     `json:"payment_status"`
	PaymentType         string     `json:"payment_type,omitempty"`
	SubscriptionEndDate *time.Time `json:"subscription_end_date,omitempty"`
	HasValidInvite      bool       `json:"has_valid_invite"`
	PaymentRequired     bool       `json:"payment_required"`
}

// EntitlementCache serves the entitlement from memory inside its staleness
// window and refreshes it through fetch otherwise. Concurrent refreshes are
// coalesced into one fetch.
type EntitlementCache struct {
	fetch func(ctx context.Context) (*Entitlement, error)
	ttl   time.Duration
	now   func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	entry CacheEntry[*Entitlement]
}

// NewEntitlementCache creates a cache. ttl <= 0 selects DefaultEntitlementTTL.
func NewEntitlementCache(fetch func(ctx context.Context) (*Entitlement, error), ttl time.Duration, now func() time.Time) *EntitlementCache {
	if ttl <= 0 {
		ttl = DefaultEntitlementTTL
	}
	if now == nil {
		now = time.Now
	}
	return &EntitlementCache{fetch: fetch, ttl: ttl, now: now}
}

// Get returns the cached entitlement, refreshing it first when stale.
func (c *EntitlementCache) Get(ctx context.Context) (*Entitlement, error) {
	c.mu.RLock()
	entry := c.entry
	c.mu.RUnlock()
	if entry.Value != nil && !entry.IsStale(c.ttl, c.now()) {
		return entry.Value, nil
	}
	return c.Refresh(ctx)
}

// NeedsPayment reports whether the signed-in user must pay before using
// protected features.
func (c *EntitlementCache) NeedsPayment(ctx context.Context) (bool, error) {
	ent, err := c.Get(ctx)
	if err != nil {
		return false, err
	}
	return ent.PaymentRequired, nil
}

// Refresh fetches the entitlement now, sharing one in-flight fetch among
// concurrent callers. A caller that gives up does not cancel the fetch for
// the others.
func (c *EntitlementCache) Refresh(ctx context.Context) (*Entitlement, error) {
	return shared(ctx, &c.group, "entitlement", func(ctx context.Context) (*Entitlement, error) {
		ent, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ent)
		return ent, nil
	})
}

// sharedCallTimeout bounds a call whose result several callers wait on.
const sharedCallTimeout = 30 * time.Second

// shared runs fn once per key among concurrent callers. fn gets a context
// detached from the first caller's cancellation; every caller still stops
// waiting when its own ctx is done.
func shared[T any](ctx context.Context, g *singleflight.Group, key string, fn func(context.Context) (T, error)) (T, error) {
	ch := g.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedCallTimeout)
		defer cancel()
		return fn(callCtx)
	})
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		v, _ := r.Val.(T)
		return v, nil
	}
}

// Set seeds the cache, typically from a sign-in response.
func (c *EntitlementCache) Set(ent *Entitlement) {
	if ent == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = CacheEntry[*Entitlement]{Value: ent, FetchedAt: c.now()}
}

// Invalidate drops the cached value.
func (c *EntitlementCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = CacheEntry[*Entitlement]{}
}
