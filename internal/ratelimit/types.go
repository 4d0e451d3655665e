// Package ratelimit implements the tiered request limiter.
package ratelimit

import (
	"context"
	"time"

	"github.com/parlorhq/parlor/internal/identity"
)

// Decision is the limiter's answer for one request.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Reason    string    `json:"reason,omitempty"`
}

// Limiter answers allow/deny for an identity. Implementations mutate their
// own counters; callers never do.
type Limiter interface {
	Check(ctx context.Context, id identity.Identity) (Decision, error)
}
