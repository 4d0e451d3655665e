package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/parlorhq/parlor/internal/config"
	"github.com/parlorhq/parlor/internal/identity"
)

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	t.Parallel()

	// Daily limit 8 gives a burst of 2; the refill interval is hours, so
	// the third immediate request must be denied.
	l := NewMemoryLimiter(config.RateLimitConfig{DailyLimit: 8})
	id := identity.Identity{UserID: "u1"}

	for i := 0; i < 2; i++ {
		d, err := l.Check(context.Background(), id)
		if err != nil {
			t.Fatalf("check %d failed: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d inside the burst should pass", i)
		}
	}
	d, err := l.Check(context.Background(), id)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if d.Allowed {
		t.Fatalf("request beyond the burst should be denied")
	}
	if d.ResetAt.IsZero() {
		t.Fatalf("denial must carry a reset time")
	}
}

func TestMemoryLimiterSeparateIdentities(t *testing.T) {
	t.Parallel()

	l := NewMemoryLimiter(config.RateLimitConfig{DailyLimit: 4, AnonDailyLimit: 4})
	if d, _ := l.Check(context.Background(), identity.Identity{UserID: "u1"}); !d.Allowed {
		t.Fatalf("first identity should pass")
	}
	if d, _ := l.Check(context.Background(), identity.Identity{AnonHash: "h1"}); !d.Allowed {
		t.Fatalf("second identity has its own bucket")
	}
}

func TestDailyLimitFor(t *testing.T) {
	t.Parallel()

	cfg := config.RateLimitConfig{DailyLimit: 100, AnonDailyLimit: 10}
	if got := dailyLimitFor(cfg, identity.Identity{UserID: "u1"}); got != 100 {
		t.Fatalf("authenticated limit = %d, want 100", got)
	}
	if got := dailyLimitFor(cfg, identity.Identity{AnonHash: "h"}); got != 10 {
		t.Fatalf("anonymous limit = %d, want 10", got)
	}
	if got := dailyLimitFor(config.RateLimitConfig{}, identity.Identity{UserID: "u1"}); got != config.DefaultDailyLimit {
		t.Fatalf("zero config should fall back to the default, got %d", got)
	}
}

type stubLimiter struct {
	decision Decision
	err      error
	calls    int
}

func (s *stubLimiter) Check(_ context.Context, _ identity.Identity) (Decision, error) {
	s.calls++
	return s.decision, s.err
}

func TestTieredFastDenyShortCircuits(t *testing.T) {
	t.Parallel()

	fast := &stubLimiter{decision: Decision{Allowed: false, Reason: "request rate exceeded"}}
	durable := &stubLimiter{decision: Decision{Allowed: true}}
	l := NewTieredLimiter(nil, fast, durable)

	d, err := l.Check(context.Background(), identity.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if d.Allowed {
		t.Fatalf("fast deny must stand")
	}
	if durable.calls != 0 {
		t.Fatalf("durable tier must not be consulted after a fast deny")
	}
}

func TestTieredDurableIsDecisionOfRecord(t *testing.T) {
	t.Parallel()

	fast := &stubLimiter{decision: Decision{Allowed: true, Remaining: 99}}
	durable := &stubLimiter{decision: Decision{Allowed: false, Reason: "daily limit"}}
	l := NewTieredLimiter(nil, fast, durable)

	d, err := l.Check(context.Background(), identity.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if d.Allowed {
		t.Fatalf("the durable tier's deny is the decision of record")
	}
}

func TestTieredFastErrorIgnored(t *testing.T) {
	t.Parallel()

	fast := &stubLimiter{err: errors.New("poisoned")}
	durable := &stubLimiter{decision: Decision{Allowed: true, Remaining: 5}}
	l := NewTieredLimiter(nil, fast, durable)

	d, err := l.Check(context.Background(), identity.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("a fast tier failure must not surface: %v", err)
	}
	if !d.Allowed || d.Remaining != 5 {
		t.Fatalf("durable answer expected, got %+v", d)
	}
}

func TestTieredNilDurableAllows(t *testing.T) {
	t.Parallel()

	fast := &stubLimiter{decision: Decision{Allowed: true}}
	l := NewTieredLimiter(nil, fast, nil)
	if d, err := l.Check(context.Background(), identity.Identity{UserID: "u1"}); err != nil || !d.Allowed {
		t.Fatalf("nil durable tier should allow, got %+v err=%v", d, err)
	}
}
