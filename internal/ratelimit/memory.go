package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/parlorhq/parlor/internal/config"
	"github.com/parlorhq/parlor/internal/identity"
)

// MemoryLimiter is the fast in-process tier: a token bucket per identity
// smoothing the daily quota over the day. It answers immediately and never
// errors; the durable tier remains the counter of record.
type MemoryLimiter struct {
	cfg config.RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewMemoryLimiter(cfg config.RateLimitConfig) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:     cfg,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *MemoryLimiter) Check(_ context.Context, id identity.Identity) (Decision, error) {
	limit := dailyLimitFor(l.cfg, id)
	bucket := l.bucket(id.Key(), limit)

	now := time.Now()
	if !bucket.Allow() {
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   nextUTCMidnight(now),
			Reason:    "request rate exceeded",
		}, nil
	}
	return Decision{
		Allowed:   true,
		Remaining: int(bucket.Tokens()),
		ResetAt:   nextUTCMidnight(now),
	}, nil
}

func (l *MemoryLimiter) bucket(key string, limit int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	// Spread the daily quota across the day, allowing a burst of a
	// quarter of it up front.
	burst := limit / 4
	if burst < 1 {
		burst = 1
	}
	b := rate.NewLimiter(rate.Every(24*time.Hour/time.Duration(limit)), burst)
	l.buckets[key] = b
	return b
}

func dailyLimitFor(cfg config.RateLimitConfig, id identity.Identity) int {
	if id.IsAuthenticated() {
		if cfg.DailyLimit > 0 {
			return cfg.DailyLimit
		}
		return config.DefaultDailyLimit
	}
	if cfg.AnonDailyLimit > 0 {
		return cfg.AnonDailyLimit
	}
	return config.DefaultAnonDaily
}

func nextUTCMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
