package message

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
)

type fakeStore struct {
	mu       sync.Mutex
	inserted []Message
	err      error
}

func (f *fakeStore) Insert(_ context.Context, msg Message) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Message{}, f.err
	}
	f.inserted = append(f.inserted, msg)
	return msg, nil
}

func (f *fakeStore) ListByConversation(_ context.Context, conversationID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.inserted {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) LatestAssistant(_ context.Context, conversationID string) (Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.inserted) - 1; i >= 0; i-- {
		m := f.inserted[i]
		if m.ConversationID == conversationID && m.Role == RoleAssistant {
			return m, true, nil
		}
	}
	return Message{}, false, nil
}

func TestSaveUserPersistsProjection(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	w := NewWriter(nil, store)
	convID := uuid.NewString()

	saved, err := w.SaveUser(context.Background(), convID, []ContentPart{
		{Kind: PartText, Text: "first line"},
		{Kind: PartToolCall, ToolName: "search", ToolArgs: `{"q":"x"}`},
		{Kind: PartText, Text: "second line"},
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if !saved {
		t.Fatalf("expected a saved message")
	}

	got := store.inserted[0]
	if got.PlainText != "first line\nsecond line" {
		t.Fatalf("unexpected projection: %q", got.PlainText)
	}
	if got.Role != RoleUser {
		t.Fatalf("unexpected role: %q", got.Role)
	}
	if got.Metadata != nil {
		t.Fatalf("user messages carry no generation metadata")
	}
	if _, err := uuid.Parse(got.ID); err != nil {
		t.Fatalf("message id should be a uuid: %v", err)
	}
}

func TestSaveEmptyContentIsNoOp(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	w := NewWriter(nil, store)
	convID := uuid.NewString()

	saved, err := w.SaveUser(context.Background(), convID, nil)
	if err != nil {
		t.Fatalf("empty save should not error: %v", err)
	}
	if saved {
		t.Fatalf("empty save should be a no-op")
	}

	saved, err = w.SaveAssistant(context.Background(), convID, []ContentPart{{Kind: PartText, Text: "   "}}, nil)
	if err != nil || saved {
		t.Fatalf("whitespace-only save should be a no-op, saved=%v err=%v", saved, err)
	}
	if len(store.inserted) != 0 {
		t.Fatalf("no rows should have been written")
	}
}

func TestSaveRejectsPlaceholderConversationID(t *testing.T) {
	t.Parallel()

	w := NewWriter(nil, &fakeStore{})
	parts := []ContentPart{{Kind: PartText, Text: "hello"}}

	for _, id := range []string{"", "local-1", "draft"} {
		if _, err := w.SaveUser(context.Background(), id, parts); err == nil {
			t.Fatalf("save with placeholder id %q must fail", id)
		}
	}
}

func TestSaveAssistantKeepsMetadata(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	w := NewWriter(nil, store)
	convID := uuid.NewString()
	meta := &GenerationMetadata{Model: "m1", OutputTokens: 42, CompletionSeconds: 1.5}

	saved, err := w.SaveAssistant(context.Background(), convID, []ContentPart{{Kind: PartText, Text: "answer"}}, meta)
	if err != nil || !saved {
		t.Fatalf("save failed: saved=%v err=%v", saved, err)
	}
	got := store.inserted[0]
	if got.Metadata == nil || got.Metadata.OutputTokens != 42 {
		t.Fatalf("metadata not persisted: %+v", got.Metadata)
	}
}

func TestProjectPlainTextSkipsReasoningAndTools(t *testing.T) {
	t.Parallel()

	parts := []ContentPart{
		{Kind: PartReasoning, Text: "thinking"},
		{Kind: PartText, Text: "visible"},
		{Kind: PartToolCall, ToolName: "calc"},
	}
	if got := ProjectPlainText(parts); got != "visible" {
		t.Fatalf("projection should keep text parts only, got %q", got)
	}
}

func TestReasoningText(t *testing.T) {
	t.Parallel()

	m := Message{Parts: []ContentPart{
		{Kind: PartReasoning, Text: "step one"},
		{Kind: PartText, Text: "answer"},
		{Kind: PartReasoning, Text: "step two"},
	}}
	if got := m.ReasoningText(); got != "step one\nstep two" {
		t.Fatalf("unexpected reasoning text: %q", got)
	}
}

func TestHasStopMarker(t *testing.T) {
	t.Parallel()

	m := Message{PlainText: "partial answer " + StopMarker}
	if !m.HasStopMarker() {
		t.Fatalf("stop marker not detected")
	}
	if (Message{PlainText: "complete answer"}).HasStopMarker() {
		t.Fatalf("false positive stop marker")
	}
}
