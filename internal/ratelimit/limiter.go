// Package ratelimit throttles API requests per client, in-process or shared through Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

const defaultIdleExpiry = 5 * time.Minute

// Config holds in-memory limiter configuration.
type Config struct {
	RPS   float64
	Burst int
	// IdleExpiry drops buckets not touched for this long. Zero uses five minutes.
	IdleExpiry time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Memory keeps one token bucket per key.
type Memory struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      rate.Limit
	burst     int
	expiry    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewMemory creates an in-memory Limiter. A non-positive RPS disables limiting.
func NewMemory(cfg Config) *Memory {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	expiry := cfg.IdleExpiry
	if expiry <= 0 {
		expiry = defaultIdleExpiry
	}
	return &Memory{
		buckets: make(map[string]*bucket),
		rate:    r,
		burst:   burst,
		expiry:  expiry,
		now:     time.Now,
	}
}

// Allow consumes a token for key if one is available.
func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(m.rate, m.burst)}
		m.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

// Len reports the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

func (m *Memory) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < m.expiry {
		return
	}
	m.lastSweep = now
	for key, b := range m.buckets {
		if now.Sub(b.lastSeen) >= m.expiry {
			delete(m.buckets, key)
		}
	}
}
