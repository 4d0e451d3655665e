package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parlorhq/parlor/internal/message"
)

// SweepStore is the persistence surface the offline sweep needs.
type SweepStore interface {
	ListAssistantSince(ctx context.Context, cutoff time.Time) ([]message.Message, error)
	Delete(ctx context.Context, id string) error
}

const sweepConcurrency = 4

// Sweeper is the offline deployment of the resolver: a periodic batch job
// over a trailing window, deleting the losing copy of each duplicate pair.
// Kept as a safety net for duplicates that predate the inline check or
// arrive through paths it does not cover.
type Sweeper struct {
	store     SweepStore
	resolver  *Resolver
	retention time.Duration
	logger    *slog.Logger
}

// NewSweeper creates the reconciliation sweep.
func NewSweeper(log *slog.Logger, store SweepStore, resolver *Resolver, retention time.Duration) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Sweeper{
		store:     store,
		resolver:  resolver,
		retention: retention,
		logger:    log.With(slog.String("service", "dedup_sweep")),
	}
}

// Run scans assistant messages in the trailing retention window and removes
// duplicates, one conversation at a time with bounded parallelism. Returns
// the number of rows deleted.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	msgs, err := s.store.ListAssistantSince(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep list: %w", err)
	}

	var deleted atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	// Rows arrive grouped by conversation in creation order; conversations
	// are independent of one another.
	for _, group := range groupByConversation(msgs) {
		g.Go(func() error {
			n, err := s.sweepConversation(gctx, group)
			deleted.Add(int64(n))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return int(deleted.Load()), err
	}
	return int(deleted.Load()), nil
}

func (s *Sweeper) sweepConversation(ctx context.Context, msgs []message.Message) (int, error) {
	deleted := 0
	removed := map[string]bool{}
	// Only pairs inside the resolver window need comparing.
	for i := 0; i < len(msgs); i++ {
		if removed[msgs[i].ID] {
			continue
		}
		for j := i + 1; j < len(msgs); j++ {
			if removed[msgs[j].ID] {
				continue
			}
			if msgs[j].CreatedAt.Sub(msgs[i].CreatedAt) > s.resolver.window {
				break
			}
			if !s.resolver.IsDuplicate(msgs[i], msgs[j]) {
				continue
			}
			keep, discard := s.resolver.Choose(msgs[i], msgs[j])
			if err := s.store.Delete(ctx, discard.ID); err != nil {
				if ctx.Err() != nil {
					return deleted, ctx.Err()
				}
				s.logger.Warn("sweep delete failed",
					slog.String("message_id", discard.ID),
					slog.Any("error", err),
				)
				continue
			}
			removed[discard.ID] = true
			deleted++
			s.logger.Info("duplicate removed",
				slog.String("conversation_id", keep.ConversationID),
				slog.String("kept", keep.ID),
				slog.String("discarded", discard.ID),
			)
			if removed[msgs[i].ID] {
				break
			}
		}
	}
	return deleted, nil
}

func groupByConversation(msgs []message.Message) [][]message.Message {
	var groups [][]message.Message
	start := 0
	for i := 1; i <= len(msgs); i++ {
		if i == len(msgs) || msgs[i].ConversationID != msgs[start].ConversationID {
			groups = append(groups, msgs[start:i])
			start = i
		}
	}
	return groups
}
