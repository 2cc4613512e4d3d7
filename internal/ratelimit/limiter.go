package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limit is the request budget of one upstream source
type Limit struct {
	// PerSecond is the sustained request rate. Zero or negative means unlimited.
	PerSecond float64 `mapstructure:"per_second"`
	// Burst is the number of requests allowed at once
	Burst int `mapstructure:"burst"`
}

// Limiter manages rate limits for the upstream sources, keyed by source ID
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// New creates a Limiter with one token bucket per configured source.
// Sources without an entry are not limited.
func New(limits map[string]Limit) *Limiter {
	l := &Limiter{
		limiters: make(map[string]*rate.Limiter, len(limits)),
	}
	for source, limit := range limits {
		l.Set(source, limit)
	}
	return l
}

// Set installs or replaces the limit of a source
func (l *Limiter) Set(source string, limit Limit) {
	r := rate.Inf
	if limit.PerSecond > 0 {
		r = rate.Limit(limit.PerSecond)
	}
	burst := limit.Burst
	if burst <= 0 {
		burst = 1
	}

	l.mu.Lock()
	l.limiters[source] = rate.NewLimiter(r, burst)
	l.mu.Unlock()
}

// Wait blocks until the rate limiter permits a request to the given source.
// It returns an error if the context is canceled before the request can proceed.
// A nil Limiter never blocks.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	if l == nil {
		return nil
	}

	l.mu.RLock()
	limiter, exists := l.limiters[source]
	l.mu.RUnlock()

	if !exists {
		return nil
	}

	return limiter.Wait(ctx)
}
