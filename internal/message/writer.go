package message

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store is the row-level persistence consumed by the writer. Implemented by
// PGStore in this package and by in-memory fakes in tests.
type Store interface {
	Insert(ctx context.Context, msg Message) (Message, error)
	ListByConversation(ctx context.Context, conversationID string) ([]Message, error)
	LatestAssistant(ctx context.Context, conversationID string) (Message, bool, error)
}

// Writer persists single messages attached to a conversation.
type Writer struct {
	store  Store
	logger *slog.Logger
}

// NewWriter creates a message writer.
func NewWriter(log *slog.Logger, store Store) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		store:  store,
		logger: log.With(slog.String("service", "message_writer")),
	}
}

// SaveUser persists a user message. Empty content is a no-op, not an error:
// tool-only or cancelled-before-any-token turns legitimately produce none.
func (w *Writer) SaveUser(ctx context.Context, conversationID string, parts []ContentPart) (bool, error) {
	return w.save(ctx, conversationID, RoleUser, parts, nil)
}

// SaveAssistant persists an assistant message with generation metadata.
// Callers gate this behind the duplicate resolver and cancellation state.
func (w *Writer) SaveAssistant(ctx context.Context, conversationID string, parts []ContentPart, meta *GenerationMetadata) (bool, error) {
	return w.save(ctx, conversationID, RoleAssistant, parts, meta)
}

func (w *Writer) save(ctx context.Context, conversationID, role string, parts []ContentPart, meta *GenerationMetadata) (bool, error) {
	if _, err := uuid.Parse(strings.TrimSpace(conversationID)); err != nil {
		return false, fmt.Errorf("conversation id is not durable: %w", err)
	}
	if !HasContent(parts) {
		return false, nil
	}
	if role != RoleAssistant {
		meta = nil
	}

	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Parts:          parts,
		PlainText:      ProjectPlainText(parts),
		Metadata:       meta,
		CreatedAt:      time.Now().UTC(),
	}
	saved, err := w.store.Insert(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("insert %s message: %w", role, err)
	}
	w.logger.Debug("message saved",
		slog.String("conversation_id", conversationID),
		slog.String("message_id", saved.ID),
		slog.String("role", role),
	)
	return true, nil
}

// History returns the messages of a conversation, oldest first.
func (w *Writer) History(ctx context.Context, conversationID string) ([]Message, error) {
	return w.store.ListByConversation(ctx, conversationID)
}

// LatestAssistant returns the most recent assistant message, if any.
func (w *Writer) LatestAssistant(ctx context.Context, conversationID string) (Message, bool, error) {
	return w.store.LatestAssistant(ctx, conversationID)
}
