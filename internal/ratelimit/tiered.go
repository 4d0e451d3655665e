package ratelimit

import (
	"context"
	"log/slog"

	"github.com/parlorhq/parlor/internal/identity"
)

// TieredLimiter consults the fast in-memory tier first and lets the durable
// tier's answer stand as the decision of record. Callers are agnostic to
// which tier answered.
type TieredLimiter struct {
	fast    Limiter
	durable Limiter
	logger  *slog.Logger
}

func NewTieredLimiter(log *slog.Logger, fast, durable Limiter) *TieredLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &TieredLimiter{
		fast:    fast,
		durable: durable,
		logger:  log.With(slog.String("service", "rate_limiter")),
	}
}

func (l *TieredLimiter) Check(ctx context.Context, id identity.Identity) (Decision, error) {
	if l.fast != nil {
		decision, err := l.fast.Check(ctx, id)
		if err == nil && !decision.Allowed {
			// Cheap ceiling hit; skip the durable round-trip.
			return decision, nil
		}
		if err != nil {
			l.logger.Warn("fast limiter tier failed", slog.Any("error", err))
		}
	}
	if l.durable == nil {
		return Decision{Allowed: true}, nil
	}
	return l.durable.Check(ctx, id)
}
