// Package ratelimit implements the engine's per-provider rate limiting
// layer: a token bucket plus a sliding-window request log for
// predictive throttling, and the rate-limit backoff schedule used once a
// provider starts returning 429s.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Reason explains why can_request did not immediately proceed.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonCurrentlyLimited   Reason = "currently_limited"
	ReasonBucketExhausted    Reason = "bucket_exhausted"
	ReasonPredictiveThrottle Reason = "predictive_throttle"
)

// Decision is the result of CanRequest.
type Decision struct {
	Proceed bool
	WaitMS  int64
	Reason  Reason
}

// Config tunes one provider's limiter.
type Config struct {
	// MaxTokens is the token bucket capacity.
	MaxTokens float64
	// RefillRate is tokens added per second.
	RefillRate float64
	// WindowSize is the sliding window used for predictive throttling.
	WindowSize time.Duration
	// WindowCapacity is the number of requests the window is expected to
	// hold at the provider's documented rate; predictive throttling kicks
	// in once usage reaches 80% of this.
	WindowCapacity int
	// BaseBackoff is the initial backoff delay after a rate-limit error.
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential backoff delay.
	MaxBackoff time.Duration
}

// DefaultConfig returns conservative defaults suitable for an embedding
// provider's default tier.
func DefaultConfig() Config {
	return Config{
		MaxTokens:      60,
		RefillRate:     1,
		WindowSize:     time.Minute,
		WindowCapacity: 60,
		BaseBackoff:    time.Second,
		MaxBackoff:     time.Minute,
	}
}

// providerState tracks one provider's bucket, request log, and backoff
// schedule.
type providerState struct {
	mu sync.Mutex

	limiter *rate.Limiter
	cfg     Config

	window []time.Time // request timestamps within the sliding window

	isLimited       bool
	resetTime       time.Time
	consecutiveHits int
}

// Limiter is a registry of per-provider rate limiters. Callers obtain one
// via Provider(name) and never construct providerState directly — this
// keeps limiter state per workspace rather than in a global.
type Limiter struct {
	mu        sync.Mutex
	providers map[string]*providerState
	newCfg    func(provider string) Config
}

// New constructs a Limiter. cfgFn, if non-nil, supplies a per-provider
// Config; otherwise DefaultConfig() is used for every provider.
func New(cfgFn func(provider string) Config) *Limiter {
	return &Limiter{
		providers: make(map[string]*providerState),
		newCfg:    cfgFn,
	}
}

func (l *Limiter) state(provider string) *providerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ps, ok := l.providers[provider]; ok {
		return ps
	}
	cfg := DefaultConfig()
	if l.newCfg != nil {
		cfg = l.newCfg(provider)
	}
	ps := &providerState{
		limiter: rate.NewLimiter(rate.Limit(cfg.RefillRate), int(cfg.MaxTokens)),
		cfg:     cfg,
	}
	l.providers[provider] = ps
	return ps
}

// CanRequest reports whether a request of the given token cost may
// proceed now. Reason precedence: an active
// rate-limit penalty first, then bucket exhaustion, then predictive
// throttling when the sliding window is heavily used.
func (l *Limiter) CanRequest(provider string, tokens int) Decision {
	ps := l.state(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()

	if ps.isLimited {
		if now.Before(ps.resetTime) {
			return Decision{Proceed: false, WaitMS: ps.resetTime.Sub(now).Milliseconds(), Reason: ReasonCurrentlyLimited}
		}
		ps.isLimited = false
		ps.consecutiveHits = 0
	}

	ps.pruneWindowLocked(now)

	if !ps.limiter.AllowN(now, tokens) {
		deficit := float64(tokens) - ps.limiter.Tokens()
		waitSeconds := deficit / float64(ps.cfg.RefillRate)
		if waitSeconds < 0 {
			waitSeconds = 0
		}
		return Decision{Proceed: false, WaitMS: int64(waitSeconds * 1000), Reason: ReasonBucketExhausted}
	}

	ps.window = append(ps.window, now)

	if ps.cfg.WindowCapacity > 0 {
		usage := float64(len(ps.window)) / float64(ps.cfg.WindowCapacity)
		if usage >= 0.8 {
			return Decision{Proceed: true, WaitMS: 0, Reason: ReasonPredictiveThrottle}
		}
	}

	return Decision{Proceed: true, WaitMS: 0, Reason: ReasonNone}
}

// pruneWindowLocked drops timestamps older than the sliding window.
// Callers must hold ps.mu.
func (ps *providerState) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-ps.cfg.WindowSize)
	i := 0
	for ; i < len(ps.window); i++ {
		if ps.window[i].After(cutoff) {
			break
		}
	}
	ps.window = ps.window[i:]
}

// RecordRateLimitError marks a provider as limited following a 429 (or
// equivalent) response, applying exponential backoff with jitter:
// base * 2^(consecutive-1), capped at MaxBackoff, plus up to 10% jitter.
func (l *Limiter) RecordRateLimitError(provider string) time.Time {
	ps := l.state(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.consecutiveHits++
	backoff := ps.cfg.BaseBackoff * time.Duration(1<<uint(ps.consecutiveHits-1))
	if backoff > ps.cfg.MaxBackoff || backoff <= 0 {
		backoff = ps.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Float64() * 0.1 * float64(backoff))
	ps.isLimited = true
	ps.resetTime = time.Now().Add(backoff + jitter)
	return ps.resetTime
}

// ResetTime reports the provider's current reset time, if limited.
func (l *Limiter) ResetTime(provider string) (time.Time, bool) {
	ps := l.state(provider)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !ps.isLimited {
		return time.Time{}, false
	}
	return ps.resetTime, true
}

// WaitForReset suspends the caller until now >= resetTime, or until ctx is
// cancelled. Returns ctx.Err() on cancellation.
func (l *Limiter) WaitForReset(ctx context.Context, provider string) error {
	reset, limited := l.ResetTime(provider)
	if !limited {
		return nil
	}
	wait := time.Until(reset)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
