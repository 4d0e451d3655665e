package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlorhq/parlor/internal/db"
)

// PGStore persists messages in postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const insertMessageSQL = `
INSERT INTO messages (id, conversation_id, role, parts, plain_text, model, input_tokens, output_tokens, total_tokens, completion_seconds, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING created_at`

// Insert writes a message row. Parts are stored as JSONB; the plain-text
// projection is stored alongside, already computed by the writer.
func (s *PGStore) Insert(ctx context.Context, msg Message) (Message, error) {
	pgID, err := db.ParseUUID(msg.ID)
	if err != nil {
		return Message{}, err
	}
	pgConvID, err := db.ParseUUID(msg.ConversationID)
	if err != nil {
		return Message{}, err
	}
	partsJSON, err := json.Marshal(msg.Parts)
	if err != nil {
		return Message{}, fmt.Errorf("marshal parts: %w", err)
	}

	var model pgtype.Text
	var inputTokens, outputTokens, totalTokens pgtype.Int4
	var completionSeconds pgtype.Float8
	if msg.Metadata != nil {
		model = db.ToPgText(msg.Metadata.Model)
		inputTokens = pgtype.Int4{Int32: int32(msg.Metadata.InputTokens), Valid: true}
		outputTokens = pgtype.Int4{Int32: int32(msg.Metadata.OutputTokens), Valid: true}
		totalTokens = pgtype.Int4{Int32: int32(msg.Metadata.TotalTokens), Valid: true}
		completionSeconds = pgtype.Float8{Float64: msg.Metadata.CompletionSeconds, Valid: true}
	}

	var createdAt pgtype.Timestamptz
	err = s.pool.QueryRow(ctx, insertMessageSQL,
		pgID, pgConvID, msg.Role, partsJSON, msg.PlainText,
		model, inputTokens, outputTokens, totalTokens, completionSeconds,
		pgtype.Timestamptz{Time: msg.CreatedAt, Valid: true},
	).Scan(&createdAt)
	if err != nil {
		return Message{}, err
	}
	msg.CreatedAt = createdAt.Time
	return msg, nil
}

const selectMessageColumns = `
SELECT id, conversation_id, role, parts, plain_text, model, input_tokens, output_tokens, total_tokens, completion_seconds, created_at
FROM messages`

// ListByConversation returns a conversation's messages, oldest first.
func (s *PGStore) ListByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	pgConvID, err := db.ParseUUID(conversationID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, selectMessageColumns+`
WHERE conversation_id = $1
ORDER BY created_at ASC`, pgConvID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// LatestAssistant returns the most recent assistant message in a
// conversation, reporting false when none exists.
func (s *PGStore) LatestAssistant(ctx context.Context, conversationID string) (Message, bool, error) {
	pgConvID, err := db.ParseUUID(conversationID)
	if err != nil {
		return Message{}, false, err
	}
	row := s.pool.QueryRow(ctx, selectMessageColumns+`
WHERE conversation_id = $1 AND role = 'assistant'
ORDER BY created_at DESC
LIMIT 1`, pgConvID)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return msg, true, nil
}

// ListAssistantSince returns assistant messages created after the cutoff,
// across all conversations, grouped by conversation in creation order.
// Used by the offline reconciliation sweep.
func (s *PGStore) ListAssistantSince(ctx context.Context, cutoff time.Time) ([]Message, error) {
	rows, err := s.pool.Query(ctx, selectMessageColumns+`
WHERE role = 'assistant' AND created_at >= $1
ORDER BY conversation_id, created_at ASC`, pgtype.Timestamptz{Time: cutoff, Valid: true})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Delete removes a message row.
func (s *PGStore) Delete(ctx context.Context, id string) error {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, pgID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		id, convID        pgtype.UUID
		role              string
		partsJSON         []byte
		plainText         string
		model             pgtype.Text
		inputTokens       pgtype.Int4
		outputTokens      pgtype.Int4
		totalTokens       pgtype.Int4
		completionSeconds pgtype.Float8
		createdAt         pgtype.Timestamptz
	)
	if err := row.Scan(&id, &convID, &role, &partsJSON, &plainText,
		&model, &inputTokens, &outputTokens, &totalTokens, &completionSeconds, &createdAt); err != nil {
		return Message{}, err
	}

	var parts []ContentPart
	if err := json.Unmarshal(partsJSON, &parts); err != nil {
		return Message{}, fmt.Errorf("unmarshal parts: %w", err)
	}

	msg := Message{
		ID:             id.String(),
		ConversationID: convID.String(),
		Role:           role,
		Parts:          parts,
		PlainText:      plainText,
		CreatedAt:      createdAt.Time,
	}
	if model.Valid || totalTokens.Valid {
		msg.Metadata = &GenerationMetadata{
			Model:             db.TextToString(model),
			InputTokens:       int(inputTokens.Int32),
			OutputTokens:      int(outputTokens.Int32),
			TotalTokens:       int(totalTokens.Int32),
			CompletionSeconds: completionSeconds.Float64,
		}
	}
	return msg, nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
