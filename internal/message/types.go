// Package message defines the message domain and its persistence.
package message

import (
	"strings"
	"time"
)

// Role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StopMarker is the in-band sentinel appended by upstream layers when the
// user terminates generation early.
const StopMarker = "[stopped by user]"

// PartKind discriminates content part variants. The set is closed: adding a
// kind requires touching every switch below, which is deliberate.
type PartKind string

const (
	PartText      PartKind = "text"
	PartReasoning PartKind = "reasoning"
	PartToolCall  PartKind = "tool_call"
)

// ContentPart is one element of a message body.
type ContentPart struct {
	Kind     PartKind `json:"kind"`
	Text     string   `json:"text,omitempty"`
	ToolName string   `json:"tool_name,omitempty"`
	ToolArgs string   `json:"tool_args,omitempty"`
}

// HasValue reports whether the part carries a meaningful payload.
func (p ContentPart) HasValue() bool {
	switch p.Kind {
	case PartText, PartReasoning:
		return strings.TrimSpace(p.Text) != ""
	case PartToolCall:
		return strings.TrimSpace(p.ToolName) != ""
	default:
		return false
	}
}

// GenerationMetadata is attached to assistant messages only.
type GenerationMetadata struct {
	Model             string  `json:"model"`
	InputTokens       int     `json:"input_tokens"`
	OutputTokens      int     `json:"output_tokens"`
	TotalTokens       int     `json:"total_tokens"`
	CompletionSeconds float64 `json:"completion_seconds"`
}

// Message is a persisted conversation turn.
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversation_id"`
	Role           string              `json:"role"`
	Parts          []ContentPart       `json:"parts"`
	PlainText      string              `json:"plain_text"`
	Metadata       *GenerationMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// HasStopMarker reports whether the message body carries the stop sentinel.
func (m Message) HasStopMarker() bool {
	return strings.Contains(m.PlainText, StopMarker)
}

// ReasoningText joins all reasoning-typed parts.
func (m Message) ReasoningText() string {
	return joinParts(m.Parts, PartReasoning)
}

// ProjectPlainText derives the search/display projection from content
// parts. It is computed once at save time and never recomputed from stored
// parts, so display and search cannot drift.
func ProjectPlainText(parts []ContentPart) string {
	return joinParts(parts, PartText)
}

func joinParts(parts []ContentPart, kind PartKind) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case PartText, PartReasoning:
			if p.Kind == kind && strings.TrimSpace(p.Text) != "" {
				texts = append(texts, p.Text)
			}
		case PartToolCall:
			// Tool invocations never contribute to projections.
		}
	}
	return strings.Join(texts, "\n")
}

// HasContent reports whether any part carries a payload.
func HasContent(parts []ContentPart) bool {
	for _, p := range parts {
		if p.HasValue() {
			return true
		}
	}
	return false
}
