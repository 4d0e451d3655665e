package generator

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const titlePrompt = "Write a short title, at most six words, for a conversation that starts with the following message. Reply with the title only."

// StreamTitler derives a conversation title by running a single short
// generation and collecting the text deltas.
type StreamTitler struct {
	gen     Generator
	model   string
	timeout time.Duration
}

// NewStreamTitler creates a titler backed by gen. model may be empty to use
// the gateway's default.
func NewStreamTitler(gen Generator, model string, timeout time.Duration) *StreamTitler {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &StreamTitler{gen: gen, model: model, timeout: timeout}
}

func (t *StreamTitler) Title(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	events, err := t.gen.Stream(ctx, []Message{
		{Role: "system", Content: titlePrompt},
		{Role: "user", Content: text},
	}, Config{Model: t.model})
	if err != nil {
		return "", fmt.Errorf("title stream: %w", err)
	}

	var b strings.Builder
	for ev := range events {
		switch ev.Type {
		case EventTextDelta:
			b.WriteString(ev.Text)
		case EventError:
			if ev.Err != nil {
				return "", ev.Err
			}
			return "", ErrProvider
		}
	}
	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(b.String()), `"`))
	if title == "" {
		return "", fmt.Errorf("empty title: %w", ErrProvider)
	}
	return title, nil
}
