package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/parlorhq/parlor/internal/message"
)

// Decision thresholds. Conservative on purpose: a false positive silently
// drops a real response, a false negative merely leaves a duplicate row.
const (
	textAloneThreshold      = 0.85
	textWithReasoningText   = 0.70
	textWithReasoningReason = 0.80
	stopMarkerTextThreshold = 0.75
	sharedPrefixTextMin     = 0.70
)

// Resolver decides whether two assistant messages are the same logical
// response and which copy to keep.
type Resolver struct {
	window time.Duration
	logger *slog.Logger
}

// NewResolver creates a duplicate resolver with the candidate time window.
func NewResolver(log *slog.Logger, window time.Duration) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Resolver{
		window: window,
		logger: log.With(slog.String("service", "dedup")),
	}
}

// IsDuplicate reports whether a and b represent the same logical assistant
// response. Symmetric: IsDuplicate(a, b) == IsDuplicate(b, a).
func (r *Resolver) IsDuplicate(a, b message.Message) bool {
	if a.ConversationID != b.ConversationID {
		return false
	}
	if a.Role != message.RoleAssistant || b.Role != message.RoleAssistant {
		return false
	}
	gap := a.CreatedAt.Sub(b.CreatedAt)
	if gap < 0 {
		gap = -gap
	}
	if gap > r.window {
		return false
	}

	text := TextSimilarity(a.PlainText, b.PlainText)
	if text > textAloneThreshold {
		return true
	}
	reasoning := ReasoningSimilarity(a.ReasoningText(), b.ReasoningText())
	if text > textWithReasoningText && reasoning > textWithReasoningReason {
		return true
	}
	if a.HasStopMarker() != b.HasStopMarker() && text > stopMarkerTextThreshold {
		return true
	}
	if SharedReasoningPrefix(a.ReasoningText(), b.ReasoningText()) && text > sharedPrefixTextMin {
		return true
	}
	return false
}

// Choose picks which of two duplicate copies survives: the stop-marker copy
// (it reflects what the user actually saw), else the longer text, else the
// earlier row. Always returns one of its arguments as keep and the other as
// discard.
func (r *Resolver) Choose(a, b message.Message) (keep, discard message.Message) {
	aStop, bStop := a.HasStopMarker(), b.HasStopMarker()
	if aStop != bStop {
		if aStop {
			return a, b
		}
		return b, a
	}
	if len(a.PlainText) != len(b.PlainText) {
		if len(a.PlainText) > len(b.PlainText) {
			return a, b
		}
		return b, a
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.Before(b.CreatedAt) {
			return a, b
		}
		return b, a
	}
	// Full tie: order by id so the outcome is argument-order independent.
	if a.ID <= b.ID {
		return a, b
	}
	return b, a
}

// PriorStore looks up the most recent prior assistant message.
type PriorStore interface {
	LatestAssistant(ctx context.Context, conversationID string) (message.Message, bool, error)
}

// ShouldSkip is the inline deployment: before a save, compare the candidate
// against the most recent prior assistant message and skip the save when it
// would duplicate it.
func (r *Resolver) ShouldSkip(ctx context.Context, store PriorStore, candidate message.Message) (bool, error) {
	prior, found, err := store.LatestAssistant(ctx, candidate.ConversationID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if !r.IsDuplicate(prior, candidate) {
		return false, nil
	}
	r.logger.Info("duplicate assistant save skipped",
		slog.String("conversation_id", candidate.ConversationID),
		slog.String("prior_message_id", prior.ID),
	)
	return true, nil
}
