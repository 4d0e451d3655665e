// Package stream owns the lifecycle of one generation turn.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/parlorhq/parlor/internal/generator"
	"github.com/parlorhq/parlor/internal/identity"
	"github.com/parlorhq/parlor/internal/message"
)

// AbortCause records which path signalled cancellation.
type AbortCause string

const (
	AbortRequest  AbortCause = "request"  // inbound connection closed
	AbortStop     AbortCause = "stop"     // explicit stop from the caller
	AbortProvider AbortCause = "provider" // generator-reported abort
)

// Bridge converges every abort path onto one cancellation token. Abort is
// monotonic and safe to signal repeatedly; downstream logic never needs to
// distinguish the cause except for logging.
type Bridge struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	aborted  bool
	cause    AbortCause
	abortAts map[AbortCause]time.Time
}

// NewBridge derives the generation's cancellation token from the request
// context.
func NewBridge(parent context.Context) *Bridge {
	ctx, cancel := context.WithCancel(parent)
	return &Bridge{
		ctx:      ctx,
		cancel:   cancel,
		abortAts: make(map[AbortCause]time.Time),
	}
}

// Context is the token threaded into the generator.
func (b *Bridge) Context() context.Context { return b.ctx }

// Abort marks the turn aborted and cancels the token. The first cause is
// recorded as primary; every cause's timestamp is kept for diagnosis.
func (b *Bridge) Abort(cause AbortCause) {
	b.mu.Lock()
	if _, seen := b.abortAts[cause]; !seen {
		b.abortAts[cause] = time.Now().UTC()
	}
	if !b.aborted {
		b.aborted = true
		b.cause = cause
	}
	b.mu.Unlock()
	b.cancel()
}

// Aborted reports whether any abort path fired.
func (b *Bridge) Aborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted
}

// Cause returns the primary abort cause.
func (b *Bridge) Cause() AbortCause {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cause
}

// AbortedAt returns when the given cause fired, if it did.
func (b *Bridge) AbortedAt(cause AbortCause) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.abortAts[cause]
	return at, ok
}

// Release cancels the token unconditionally; called when the turn ends.
func (b *Bridge) Release() { b.cancel() }

// Turn is the transient unit of work for one request. It exists only for
// the lifetime of the request and is never persisted.
type Turn struct {
	Identity       identity.Identity
	ConversationID string // as supplied; possibly a placeholder
	Title          string
	UserParts      []message.ContentPart
	Messages       []generator.Message
	Config         generator.Config

	Bridge *Bridge
}

// Registry tracks in-flight turns so an explicit stop request can reach the
// right bridge.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Bridge // keyed by durable conversation id
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Bridge)}
}

func (r *Registry) Register(conversationID string, b *Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[conversationID] = b
}

func (r *Registry) Unregister(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, conversationID)
}

// Stop signals the explicit-stop abort for a conversation's in-flight turn.
// Returns false when none is active.
func (r *Registry) Stop(conversationID string) bool {
	r.mu.Lock()
	b, ok := r.active[conversationID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Abort(AbortStop)
	return true
}
