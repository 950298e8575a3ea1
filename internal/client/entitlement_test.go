package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestEntitlementCache_ServesWithinTTL(t *testing.T) {
	clock := newManualClock()
	var fetches atomic.Int32
	cache := NewEntitlementCache(func(context.Context) (*Entitlement, error) {
		fetches.Add(1)
		return &Entitlement{PaymentStatus: "pending", PaymentRequired: true}, nil
	}, time.Minute, clock.Now)
	ctx := context.Background()

	needs, err := cache.NeedsPayment(ctx)
	require.NoError(t, err)
	assert.True(t, needs)
	_, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetches.Load())

	clock.Advance(59 * time.Second)
	_, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetches.Load())

	clock.Advance(time.Second)
	_, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load())

	cache.Invalidate()
	_, err = cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), fetches.Load())
}

func TestEntitlementCache_SeededValueSkipsFetch(t *testing.T) {
	cache := NewEntitlementCache(func(context.Context) (*Entitlement, error) {
		return nil, errors.New("must not fetch")
	}, time.Minute, nil)
	cache.Set(&Entitlement{PaymentStatus: "active"})
	cache.Set(nil)

	ent, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "active", ent.PaymentStatus)
}

func TestEntitlementCache_FetchErrorIsNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	cache := NewEntitlementCache(func(context.Context) (*Entitlement, error) {
		if fail.Load() {
			return nil, errors.New("server down")
		}
		return &Entitlement{PaymentStatus: "active"}, nil
	}, time.Minute, nil)

	_, err := cache.Get(context.Background())
	require.Error(t, err)

	fail.Store(false)
	ent, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "active", ent.PaymentStatus)
}

func TestEntitlementCache_CoalescesConcurrentRefreshes(t *testing.T) {
	release := make(chan struct{})
	var fetches atomic.Int32
	cache := NewEntitlementCache(func(context.Context) (*Entitlement, error) {
		fetches.Add(1)
		<-release
		return &Entitlement{PaymentStatus: "active"}, nil
	}, time.Minute, nil)

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan *Entitlement, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ent, err := cache.Get(context.Background())
			if err == nil {
				results <- ent
			}
		}()
	}
	// Let every caller reach the in-flight fetch before it returns.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, int32(1), fetches.Load())
	n := 0
	for ent := range results {
		assert.Equal(t, "active", ent.PaymentStatus)
		n++
	}
	assert.Equal(t, callers, n)
}

func TestEntitlementCache_CancelledCallerDoesNotFailOthers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var fetches atomic.Int32
	var fetchErr atomic.Value
	cache := NewEntitlementCache(func(ctx context.Context) (*Entitlement, error) {
		if fetches.Add(1) == 1 {
			close(started)
		}
		<-release
		if err := ctx.Err(); err != nil {
			fetchErr.Store(err)
			return nil, err
		}
		return &Entitlement{PaymentStatus: "active"}, nil
	}, time.Minute, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := cache.Refresh(firstCtx)
		firstDone <- err
	}()
	<-started

	type result struct {
		ent *Entitlement
		err error
	}
	secondDone := make(chan result, 1)
	go func() {
		ent, err := cache.Refresh(context.Background())
		secondDone <- result{ent, err}
	}()
	// Let the second caller join the in-flight fetch.
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstDone, context.Canceled, "the first caller stops waiting at once")

	close(release)
	second := <-secondDone
	require.NoError(t, second.err)
	assert.Equal(t, "active", second.ent.PaymentStatus)
	assert.Nil(t, fetchErr.Load(), "the shared fetch outlives the caller that started it")
	assert.Equal(t, int32(1), fetches.Load())

	ent, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "active", ent.PaymentStatus, "the result was cached")
}
