// Package ratelimit throttles unauthenticated credential endpoints per client.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Tier selects the bucket parameters for an endpoint group.
type Tier int

const (
	// TierCredential covers login, register and password reset.
	TierCredential Tier = iota
	// TierPoll covers CLI flow polling, which legitimately runs in a loop.
	TierPoll
)

func (t Tier) String() string {
	switch t {
	case TierCredential:
		return "credential"
	case TierPoll:
		return "poll"
	default:
		return "unknown"
	}
}

// Config defines the rate limiting configuration.
type Config struct {
	CredentialRPS   float64
	CredentialBurst int
	PollRPS         float64
	PollBurst       int
	CleanupInterval time.Duration // How often to drop idle limiters
}

// DefaultConfig provides sensible defaults for rate limiting.
var DefaultConfig = Config{
	CredentialRPS:   1,
	CredentialBurst: 10,
	PollRPS:         2,
	PollBurst:       10,
	CleanupInterval: time.Hour,
}

type limiterKey struct {
	client string
	tier   Tier
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// RateLimiter manages one token bucket per (client, tier).
type RateLimiter struct {
	limiters map[limiterKey]*rateLimiterEntry
	mu       sync.Mutex
	config   Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRateLimiter creates a new rate limiter and starts its cleanup goroutine.
func NewRateLimiter(config Config) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig.CleanupInterval
	}
	rl := &RateLimiter{
		limiters: make(map[limiterKey]*rateLimiterEntry),
		config:   config,
		stopCh:   make(chan struct{}),
	}

	rl.wg.Add(1)
	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from client in tier is within limits.
func (rl *RateLimiter) Allow(client string, tier Tier) bool {
	return rl.GetLimiter(client, tier).Allow()
}

// GetLimiter returns the limiter for (client, tier), creating one if necessary.
func (rl *RateLimiter) GetLimiter(client string, tier Tier) *rate.Limiter {
	key := limiterKey{client: client, tier: tier}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if entry, ok := rl.limiters[key]; ok {
		entry.lastUsed = time.Now()
		return entry.limiter
	}

	rps, burst := rl.config.CredentialRPS, rl.config.CredentialBurst
	if tier == TierPoll {
		rps, burst = rl.config.PollRPS, rl.config.PollBurst
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	rl.limiters[key] = &rateLimiterEntry{limiter: limiter, lastUsed: time.Now()}
	return limiter
}

// Cleanup removes limiters idle for longer than the cleanup interval.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.config.CleanupInterval)
	for key, entry := range rl.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

func (rl *RateLimiter) cleanupLoop() {
	defer rl.wg.Done()

	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine and waits for it to finish. Safe to call twice.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
	rl.wg.Wait()
}

// Len returns the number of live limiters.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
