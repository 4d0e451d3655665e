// Package generator abstracts the language-model streaming provider.
package generator

import (
	"context"
	"errors"
)

// ErrProvider wraps failures the provider reports for a request that is not
// a cancellation (bad credentials, malformed request, quota). The raw
// provider message never reaches callers.
var ErrProvider = errors.New("generation provider error")

// Message is one entry of the outbound history sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config selects the model and mode for one generation.
type Config struct {
	Model    string `json:"model"`
	ChatMode string `json:"chat_mode,omitempty"`
}

// EventType discriminates stream events.
type EventType string

const (
	EventTextDelta      EventType = "text_delta"
	EventReasoningDelta EventType = "reasoning_delta"
	EventFinish         EventType = "finish"
	EventAbort          EventType = "abort"
	EventError          EventType = "error"
)

// Usage is the finish event's generation metadata.
type Usage struct {
	Model             string  `json:"model"`
	InputTokens       int     `json:"input_tokens"`
	OutputTokens      int     `json:"output_tokens"`
	TotalTokens       int     `json:"total_tokens"`
	CompletionSeconds float64 `json:"completion_seconds"`
}

// Event is one element of a token stream. Finish, Abort and Error are
// terminal; the channel closes after one of them (or on cancellation).
type Event struct {
	Type  EventType `json:"type"`
	Text  string    `json:"text,omitempty"`
	Usage *Usage    `json:"usage,omitempty"`
	Err   error     `json:"-"`
}

// Generator yields a cancellable token stream for a message history. The
// stream must observe ctx and terminate promptly once it is cancelled.
type Generator interface {
	Stream(ctx context.Context, messages []Message, cfg Config) (<-chan Event, error)
}
