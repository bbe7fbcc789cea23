// Package ratelimit admits API requests through per-client token buckets.
//
// Every client id owns a pair of buckets: a normal bucket debited by every
// request and a heavy bucket additionally debited by the expensive endpoints
// (chat and skill calls). Tiers set the per-minute budgets; refill is lazy.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Tier names a rate-limit preset.
type Tier string

const (
	TierFree      Tier = "free"
	TierStandard  Tier = "standard"
	TierPremium   Tier = "premium"
	TierUnlimited Tier = "unlimited"
)

// tierBudgets maps each tier to (requests, heavy requests) per minute.
var tierBudgets = map[Tier]struct{ RPM, HeavyRPM float64 }{
	TierFree:      {20, 5},
	TierStandard:  {60, 10},
	TierPremium:   {600, 120},
	TierUnlimited: {100000, 100000},
}

const (
	// defaultBurstMultiplier sizes bucket capacity relative to the
	// per-minute budget so short bursts can exceed the steady rate.
	defaultBurstMultiplier = 1.5

	// reapAfter is how long a client may sit idle before its buckets
	// are dropped to bound memory.
	reapAfter = time.Hour
)

// endpointCosts maps "METHOD PATH" to token cost. These two are also the
// heavy endpoints; everything else costs one token from the normal bucket
// only.
var endpointCosts = map[string]float64{
	"POST /v1/chat":        2,
	"POST /v1/skills/call": 3,
}

// exemptPaths bypass rate limiting entirely.
var exemptPaths = map[string]bool{
	"/":        true,
	"/health":  true,
	"/docs":    true,
	"/metrics": true,
}

// CostFor returns the token cost of an endpoint and whether it also debits
// the heavy bucket.
func CostFor(method, path string) (cost float64, heavy bool) {
	if c, ok := endpointCosts[method+" "+path]; ok {
		return c, true
	}
	return 1, false
}

// Exempt reports whether a path bypasses rate limiting.
func Exempt(path string) bool {
	return exemptPaths[path]
}

// KnownTier reports whether t names one of the presets.
func KnownTier(t Tier) bool {
	_, ok := tierBudgets[t]
	return ok
}

// Config configures the limiter.
type Config struct {
	Tier            Tier    `yaml:"tier"`
	BurstMultiplier float64 `yaml:"burst_multiplier"`
}

// DefaultConfig returns the standard-tier configuration.
func DefaultConfig() Config {
	return Config{Tier: TierStandard, BurstMultiplier: defaultBurstMultiplier}
}

// bucket is one token pool. The owning client's lock guards it.
type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(rpm, burst float64, now time.Time) bucket {
	capacity := rpm * burst
	return bucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: rpm / 60,
		lastRefill: now,
	}
}

// refill adds tokens for the time elapsed since the last refill.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
}

// retryAfter reports how long until cost tokens are available.
func (b *bucket) retryAfter(cost float64) time.Duration {
	need := cost - b.tokens
	if need <= 0 {
		return 0
	}
	return time.Duration(need / b.refillRate * float64(time.Second))
}

// untilFull reports how long until the bucket refills completely.
func (b *bucket) untilFull() time.Duration {
	missing := b.capacity - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / b.refillRate * float64(time.Second))
}

// client holds the bucket pair for one caller. A single lock covers both
// buckets so a dual consume is atomic.
type client struct {
	mu       sync.Mutex
	normal   bucket
	heavy    bucket
	lastSeen time.Time
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // populated on denial
	Limit      int           // tier requests per minute
	Remaining  int           // whole tokens left in the normal bucket
	Reset      time.Duration // time until the normal bucket is full again
}

// Limiter tracks bucket pairs across client ids.
type Limiter struct {
	mu      sync.RWMutex
	clients map[string]*client
	cfg     Config
	rpm     float64
	heavy   float64
	now     func() time.Time
}

// NewLimiter creates a limiter for the configured tier. Unknown tiers fall
// back to standard.
func NewLimiter(cfg Config) *Limiter {
	if cfg.BurstMultiplier <= 0 {
		cfg.BurstMultiplier = defaultBurstMultiplier
	}
	budget, ok := tierBudgets[cfg.Tier]
	if !ok {
		cfg.Tier = TierStandard
		budget = tierBudgets[TierStandard]
	}
	return &Limiter{
		clients: make(map[string]*client),
		cfg:     cfg,
		rpm:     budget.RPM,
		heavy:   budget.HeavyRPM,
		now:     time.Now,
	}
}

// Tier reports the active tier.
func (l *Limiter) Tier() Tier { return l.cfg.Tier }

// Check admits or rejects one request for the client. Heavy requests debit
// both buckets or neither; a denial consumes nothing.
func (l *Limiter) Check(clientID string, cost float64, heavy bool) Decision {
	c := l.getClient(clientID)
	now := l.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSeen = now
	c.normal.refill(now)
	c.heavy.refill(now)

	allowed := c.normal.tokens >= cost
	if heavy && c.heavy.tokens < cost {
		allowed = false
	}
	if !allowed {
		retry := c.normal.retryAfter(cost)
		if heavy {
			if hr := c.heavy.retryAfter(cost); hr > retry {
				retry = hr
			}
		}
		return Decision{
			RetryAfter: retry,
			Limit:      int(l.rpm),
			Remaining:  int(c.normal.tokens),
			Reset:      c.normal.untilFull(),
		}
	}

	c.normal.tokens -= cost
	if heavy {
		c.heavy.tokens -= cost
	}
	return Decision{
		Allowed:   true,
		Limit:     int(l.rpm),
		Remaining: int(c.normal.tokens),
		Reset:     c.normal.untilFull(),
	}
}

// getClient returns or creates the bucket pair for a client id.
func (l *Limiter) getClient(id string) *client {
	l.mu.RLock()
	c, ok := l.clients[id]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.clients[id]; ok {
		return c
	}
	now := l.now()
	c = &client{
		normal:   newBucket(l.rpm, l.cfg.BurstMultiplier, now),
		heavy:    newBucket(l.heavy, l.cfg.BurstMultiplier, now),
		lastSeen: now,
	}
	l.clients[id] = c
	return c
}

// Reap drops clients idle for longer than an hour and reports how many
// went. The housekeeping scheduler calls this periodically.
func (l *Limiter) Reap() int {
	cutoff := l.now().Add(-reapAfter)

	l.mu.Lock()
	defer l.mu.Unlock()
	reaped := 0
	for id, c := range l.clients {
		c.mu.Lock()
		idle := c.lastSeen.Before(cutoff)
		c.mu.Unlock()
		if idle {
			delete(l.clients, id)
			reaped++
		}
	}
	return reaped
}

// Clients reports how many bucket pairs are live.
func (l *Limiter) Clients() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}
