package conversation

import (
	"context"
	"log/slog"
	"strings"
)

// Titler produces a display title for a conversation from its opening
// message. Implementations may call a language model; the enricher treats
// them as best-effort.
type Titler interface {
	Title(ctx context.Context, text string) (string, error)
}

// Enricher sets a conversation's display title from the first substantial
// user message. Fire-and-forget: failures are logged, never surfaced, never
// retried.
type Enricher struct {
	rows      Rows
	titler    Titler
	logger    *slog.Logger
	minLength int
	maxLength int
}

// NewEnricher creates a title enricher. titler may be nil, in which case a
// word-boundary truncation is used.
func NewEnricher(log *slog.Logger, rows Rows, titler Titler, minLength, maxLength int) *Enricher {
	if log == nil {
		log = slog.Default()
	}
	if minLength <= 0 {
		minLength = 24
	}
	if maxLength <= 0 {
		maxLength = 80
	}
	return &Enricher{
		rows:      rows,
		titler:    titler,
		logger:    log.With(slog.String("service", "title_enricher")),
		minLength: minLength,
		maxLength: maxLength,
	}
}

// Enrich updates the conversation title when the first user message is long
// enough to improve on plain truncation. Short messages keep the truncation
// applied at creation.
func (e *Enricher) Enrich(ctx context.Context, conversationID, firstUserText string) {
	text := strings.TrimSpace(firstUserText)
	if len(text) < e.minLength {
		return
	}

	title := TruncateTitle(text, e.maxLength)
	if e.titler != nil {
		generated, err := e.titler.Title(ctx, text)
		if err != nil {
			e.logger.Warn("title generation failed, keeping truncation",
				slog.String("conversation_id", conversationID),
				slog.Any("error", err),
			)
		} else if strings.TrimSpace(generated) != "" {
			title = TruncateTitle(generated, e.maxLength)
		}
	}

	if err := e.rows.UpdateTitle(ctx, conversationID, title); err != nil {
		e.logger.Warn("title update failed",
			slog.String("conversation_id", conversationID),
			slog.Any("error", err),
		)
	}
}
