// Package access composes entitlement and rate-limit checks into one
// allow/deny decision per chat turn.
package access

import (
	"context"
	"log/slog"
	"time"

	"github.com/parlorhq/parlor/internal/identity"
	"github.com/parlorhq/parlor/internal/ratelimit"
)

// Reason classifies why a request was denied.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonAuthRequired         Reason = "auth_required"
	ReasonSubscriptionRequired Reason = "subscription_required"
	ReasonRateLimited          Reason = "rate_limited"
)

// Decision is the gate's verdict for one request.
type Decision struct {
	Allowed   bool
	Reason    Reason
	Detail    string
	Remaining int
	ResetAt   time.Time
}

// Requirements describes what a requested model demands of the caller.
type Requirements struct {
	RequireAuth         bool
	RequireSubscription bool
}

// ModelPolicy maps a requested model to its access requirements.
type ModelPolicy interface {
	Requirements(model string) Requirements
}

// ModelPolicyFunc adapts a function to ModelPolicy.
type ModelPolicyFunc func(model string) Requirements

func (f ModelPolicyFunc) Requirements(model string) Requirements { return f(model) }

// Gate runs the per-request checks in fixed order, cheapest first:
// authentication, subscription, then the rate limiter. Each short-circuits
// so a denied request never touches the limiter counters.
type Gate struct {
	policy         ModelPolicy
	limiter        ratelimit.Limiter
	limiterTimeout time.Duration
	logger         *slog.Logger
}

// NewGate creates an access gate.
func NewGate(log *slog.Logger, policy ModelPolicy, limiter ratelimit.Limiter, limiterTimeout time.Duration) *Gate {
	if log == nil {
		log = slog.Default()
	}
	if limiterTimeout <= 0 {
		limiterTimeout = 500 * time.Millisecond
	}
	return &Gate{
		policy:         policy,
		limiter:        limiter,
		limiterTimeout: limiterTimeout,
		logger:         log.With(slog.String("service", "access_gate")),
	}
}

// Check decides whether the identity may run a turn against the requested
// model. Allow has no side effects; deny mutates nothing here (the
// limiter's own counters belong to the limiter).
func (g *Gate) Check(ctx context.Context, id identity.Identity, requestedModel string) Decision {
	var req Requirements
	if g.policy != nil {
		req = g.policy.Requirements(requestedModel)
	}

	if req.RequireAuth && !id.IsAuthenticated() {
		return Decision{Reason: ReasonAuthRequired, Detail: "sign in required for this model"}
	}
	if req.RequireSubscription && !id.Entitled {
		return Decision{Reason: ReasonSubscriptionRequired, Detail: "subscription required for this model"}
	}

	if g.limiter == nil {
		return Decision{Allowed: true}
	}

	// Limiter outages fail open after a bounded wait.
	limitCtx, cancel := context.WithTimeout(ctx, g.limiterTimeout)
	defer cancel()
	decision, err := g.limiter.Check(limitCtx, id)
	if err != nil {
		g.logger.Warn("limiter unavailable, allowing request",
			slog.String("identity", id.Key()),
			slog.Any("error", err),
		)
		return Decision{Allowed: true}
	}
	if !decision.Allowed {
		return Decision{
			Reason:    ReasonRateLimited,
			Detail:    decision.Reason,
			Remaining: decision.Remaining,
			ResetAt:   decision.ResetAt,
		}
	}
	return Decision{
		Allowed:   true,
		Remaining: decision.Remaining,
		ResetAt:   decision.ResetAt,
	}
}
