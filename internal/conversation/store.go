package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Rows is the row-level persistence consumed by the store: select-by-id and
// insert with unique-violation reporting. Implemented by PGRows and by
// in-memory fakes in tests.
type Rows interface {
	Get(ctx context.Context, id string) (Conversation, bool, error)
	Insert(ctx context.Context, conv Conversation) error
	UpdateTitle(ctx context.Context, id, title string) error
}

// Store idempotently ensures conversation rows exist and are owned by the
// caller. The database unique constraint on id is the only concurrency
// primitive relied upon; races resolve by insert, then on conflict re-read
// and verify.
type Store struct {
	rows     Rows
	logger   *slog.Logger
	titleMax int
}

// NewStore creates a conversation store.
func NewStore(log *slog.Logger, rows Rows, titleMax int) *Store {
	if log == nil {
		log = slog.Default()
	}
	if titleMax <= 0 {
		titleMax = 80
	}
	return &Store{
		rows:     rows,
		logger:   log.With(slog.String("service", "conversation_store")),
		titleMax: titleMax,
	}
}

// Ensure returns the durable id of a conversation owned by owner, creating
// the row when needed, and whether this call created it. Placeholder ids
// always mint a fresh durable id. An existing row owned by a different
// identity fails closed.
func (s *Store) Ensure(ctx context.Context, owner Owner, conversationID, title string) (string, bool, error) {
	if err := owner.Validate(); err != nil {
		return "", false, err
	}
	title = TruncateTitle(title, s.titleMax)

	if IsPlaceholderID(conversationID) {
		id := uuid.NewString()
		if err := s.insert(ctx, owner, id, title); err != nil {
			return "", false, err
		}
		return id, true, nil
	}

	// Common case: the conversation already exists. Look it up first to
	// avoid a doomed insert on every follow-up turn.
	existing, found, err := s.rows.Get(ctx, conversationID)
	if err != nil {
		return "", false, fmt.Errorf("lookup conversation: %w", err)
	}
	if found {
		if !owner.Matches(existing.Owner) {
			return "", false, ErrAccessDenied
		}
		return existing.ID, false, nil
	}

	err = s.insert(ctx, owner, conversationID, title)
	if errors.Is(err, ErrConflict) {
		// A concurrent request created the row between our lookup and
		// insert (a client retry, typically). Re-read and verify.
		id, err := s.resolveConflict(ctx, owner, conversationID)
		return id, false, err
	}
	if err != nil {
		return "", false, err
	}
	return conversationID, true, nil
}

func (s *Store) insert(ctx context.Context, owner Owner, id, title string) error {
	now := time.Now().UTC()
	err := s.rows.Insert(ctx, Conversation{
		ID:        id,
		Owner:     owner,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return err
	}
	s.logger.Debug("conversation created", slog.String("conversation_id", id))
	return nil
}

func (s *Store) resolveConflict(ctx context.Context, owner Owner, conversationID string) (string, error) {
	existing, found, err := s.rows.Get(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("re-read after conflict: %w", err)
	}
	if !found {
		return "", fmt.Errorf("conversation %s vanished after insert conflict", conversationID)
	}
	if !owner.Matches(existing.Owner) {
		return "", ErrAccessDenied
	}
	// Same identity raced itself; treat as success.
	return existing.ID, nil
}

// Get returns a conversation the owner may read.
func (s *Store) Get(ctx context.Context, owner Owner, conversationID string) (Conversation, error) {
	conv, found, err := s.rows.Get(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !found {
		return Conversation{}, ErrNotFound
	}
	if !owner.Matches(conv.Owner) {
		return Conversation{}, ErrAccessDenied
	}
	return conv, nil
}

// TruncateTitle derives the default display title from the first user
// message: collapse whitespace and cut at a word boundary.
func TruncateTitle(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := text[:max]
	if idx := strings.LastIndexFunc(cut, unicode.IsSpace); idx > max/2 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " ") + "…"
}
