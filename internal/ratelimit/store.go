package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/parlorhq/parlor/internal/config"
	"github.com/parlorhq/parlor/internal/identity"
)

// Querier is the subset of pgxpool.Pool the limiter needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// StoreLimiter is the durable tier of record: a time-bucketed counter in
// postgres incremented atomically per request.
type StoreLimiter struct {
	pool Querier
	cfg  config.RateLimitConfig
}

func NewStoreLimiter(pool Querier, cfg config.RateLimitConfig) *StoreLimiter {
	return &StoreLimiter{pool: pool, cfg: cfg}
}

const incrementCounterSQL = `
INSERT INTO rate_limit_counters (bucket_key, count, reset_at)
VALUES ($1, 1, $2)
ON CONFLICT (bucket_key)
DO UPDATE SET count = rate_limit_counters.count + 1
RETURNING count, reset_at`

func (l *StoreLimiter) Check(ctx context.Context, id identity.Identity) (Decision, error) {
	limit := dailyLimitFor(l.cfg, id)
	now := time.Now().UTC()
	resetAt := nextUTCMidnight(now)
	key := fmt.Sprintf("%s:%s", id.Key(), now.Format("2006-01-02"))

	var count int
	var storedReset pgtype.Timestamptz
	if err := l.pool.QueryRow(ctx, incrementCounterSQL,
		key, pgtype.Timestamptz{Time: resetAt, Valid: true},
	).Scan(&count, &storedReset); err != nil {
		return Decision{}, fmt.Errorf("rate counter increment: %w", err)
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	if count > limit {
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   storedReset.Time,
			Reason:    "daily limit",
		}, nil
	}
	return Decision{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   storedReset.Time,
	}, nil
}

const pruneCountersSQL = `DELETE FROM rate_limit_counters WHERE reset_at < now()`

// PruneExpired drops counter buckets whose window has passed. Run from the
// daily maintenance schedule; counters accrete one row per identity per day
// otherwise.
func (l *StoreLimiter) PruneExpired(ctx context.Context) (int64, error) {
	tag, err := l.pool.Exec(ctx, pruneCountersSQL)
	if err != nil {
		return 0, fmt.Errorf("rate counter prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
