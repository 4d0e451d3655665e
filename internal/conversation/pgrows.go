package conversation

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlorhq/parlor/internal/db"
)

// uniqueViolation is the postgres error code for unique-constraint failures.
const uniqueViolation = "23505"

// PGRows persists conversations in postgres.
type PGRows struct {
	pool *pgxpool.Pool
}

func NewPGRows(pool *pgxpool.Pool) *PGRows {
	return &PGRows{pool: pool}
}

func (r *PGRows) Get(ctx context.Context, id string) (Conversation, bool, error) {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return Conversation{}, false, err
	}
	var (
		convID               pgtype.UUID
		ownerUser, ownerAnon pgtype.Text
		title                string
		createdAt, updatedAt pgtype.Timestamptz
	)
	err = r.pool.QueryRow(ctx, `
SELECT id, owner_user_id, owner_anon_hash, title, created_at, updated_at
FROM conversations
WHERE id = $1`, pgID).Scan(&convID, &ownerUser, &ownerAnon, &title, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, err
	}
	return Conversation{
		ID: convID.String(),
		Owner: Owner{
			UserID:   db.TextToString(ownerUser),
			AnonHash: db.TextToString(ownerAnon),
		},
		Title:     title,
		CreatedAt: createdAt.Time,
		UpdatedAt: updatedAt.Time,
	}, true, nil
}

func (r *PGRows) Insert(ctx context.Context, conv Conversation) error {
	pgID, err := db.ParseUUID(conv.ID)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO conversations (id, owner_user_id, owner_anon_hash, title, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		pgID,
		db.ToPgText(conv.Owner.UserID),
		db.ToPgText(conv.Owner.AnonHash),
		conv.Title,
		pgtype.Timestamptz{Time: conv.CreatedAt, Valid: true},
		pgtype.Timestamptz{Time: conv.UpdatedAt, Valid: true},
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrConflict
	}
	return err
}

func (r *PGRows) UpdateTitle(ctx context.Context, id, title string) error {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`, pgID, title)
	return err
}
