// Package ratelimit provides token bucket rate limiting for MCP tools.
// Requests are limited per tool, and simulation tools additionally draw
// from a shared work budget measured in site-steps (sites × RK4 steps).
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is wrapped by every rejection.
var ErrRateLimited = errors.New("rate limit exceeded")

// Tool names served by the MCP server.
const (
	ToolRun    = "anderson_run"
	ToolRuns   = "anderson_runs"
	ToolSeries = "anderson_series"
)

// Work budget defaults, in site-steps. A 1000-site chain run to the N/5
// horizon at h = 0.01 costs 2e7.
const (
	DefaultWorkRate  = 1e7 // refill per second
	DefaultWorkBurst = 1e9
)

// Limiter implements a per-key token bucket rate limiter.
// Each key gets its own bucket with the configured rate and burst.
// It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64          // tokens per second
	burst   float64          // bucket capacity and initial token count
	nowFunc func() time.Time // injectable clock for testing
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewLimiter creates a rate limiter with the given rate (tokens/sec) and burst size.
func NewLimiter(rate, burst float64) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		nowFunc: time.Now,
	}
}

// Allow takes one token for key.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN takes n tokens for key if they are all available. A request
// larger than the burst can never succeed.
func (l *Limiter) AllowN(key string, n float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key)
	if n > b.tokens {
		return false
	}
	b.tokens -= n
	return true
}

// Available reports the tokens currently in key's bucket.
func (l *Limiter) Available(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refill(key).tokens
}

// refill must be called with l.mu held.
func (l *Limiter) refill(key string) *bucket {
	now := l.nowFunc()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastCheck: now}
		l.buckets[key] = b
		return b
	}

	if elapsed := now.Sub(b.lastCheck).Seconds(); elapsed > 0 {
		b.tokens = min(b.tokens+l.rate*elapsed, l.burst)
		b.lastCheck = now
	}
	return b
}

// ToolLimiters holds the request limiters for each tool and the shared
// simulation work budget.
type ToolLimiters struct {
	requests map[string]*Limiter
	work     *Limiter
}

// NewToolLimiters creates the default limits. They are generous for
// interactive use but keep a client from saturating the CPU.
func NewToolLimiters() *ToolLimiters {
	return &ToolLimiters{
		requests: map[string]*Limiter{
			ToolRun:    NewLimiter(10.0/60.0, 3), // 10/minute, burst 3
			ToolRuns:   NewLimiter(1.0, 10),      // 60/minute, burst 10
			ToolSeries: NewLimiter(1.0, 10),      // 60/minute, burst 10
		},
		work: NewLimiter(DefaultWorkRate, DefaultWorkBurst),
	}
}

// Check takes one request token for tool. Tools without a configured
// limiter are always allowed.
func (t *ToolLimiters) Check(tool string) error {
	limiter, ok := t.requests[tool]
	if !ok {
		return nil
	}
	if !limiter.Allow(tool) {
		return fmt.Errorf("%w for %s, please try again shortly", ErrRateLimited, tool)
	}
	return nil
}

// CheckWork charges siteSteps against the shared work budget. A negative
// or NaN cost is rejected so it cannot credit the budget.
func (t *ToolLimiters) CheckWork(tool string, siteSteps float64) error {
	if !(siteSteps >= 0) {
		return fmt.Errorf("%w: %s reported an invalid cost of %g site-steps", ErrRateLimited, tool, siteSteps)
	}
	if siteSteps > t.work.burst {
		return fmt.Errorf("%w: %s needs %.3g site-steps, more than the budget of %.3g",
			ErrRateLimited, tool, siteSteps, t.work.burst)
	}
	if !t.work.AllowN("work", siteSteps) {
		return fmt.Errorf("%w: simulation budget exhausted for %s, please try again shortly", ErrRateLimited, tool)
	}
	return nil
}
