package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

type fakeRows struct {
	mu       sync.Mutex
	rows     map[string]Conversation
	getErr   error
	insertFn func(conv Conversation) error
	titles   map[string]string
}

func newFakeRows() *fakeRows {
	return &fakeRows{rows: map[string]Conversation{}, titles: map[string]string{}}
}

func (f *fakeRows) Get(_ context.Context, id string) (Conversation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return Conversation{}, false, f.getErr
	}
	conv, ok := f.rows[id]
	return conv, ok, nil
}

func (f *fakeRows) Insert(_ context.Context, conv Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertFn != nil {
		if err := f.insertFn(conv); err != nil {
			return err
		}
	}
	if _, exists := f.rows[conv.ID]; exists {
		return ErrConflict
	}
	f.rows[conv.ID] = conv
	return nil
}

func (f *fakeRows) UpdateTitle(_ context.Context, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.rows[id]
	if !ok {
		return ErrNotFound
	}
	conv.Title = title
	f.rows[id] = conv
	f.titles[id] = title
	return nil
}

func userOwner(id string) Owner { return Owner{UserID: id} }

func TestEnsurePlaceholderMintsDurableID(t *testing.T) {
	t.Parallel()

	rows := newFakeRows()
	store := NewStore(nil, rows, 80)

	for _, placeholder := range []string{"", "local-123", "draft"} {
		id, created, err := store.Ensure(context.Background(), userOwner("u1"), placeholder, "hello there")
		if err != nil {
			t.Fatalf("ensure(%q) failed: %v", placeholder, err)
		}
		if !created {
			t.Fatalf("ensure(%q) should create a row", placeholder)
		}
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("ensure(%q) returned non-durable id %q", placeholder, id)
		}
	}
}

func TestEnsurePlaceholderIDsNeverConverge(t *testing.T) {
	t.Parallel()

	// Non-UUID ids are client-local placeholders, not shared keys: two
	// callers ensuring the same placeholder each get their own row. Only
	// durable UUID ids converge through the conflict protocol.
	rows := newFakeRows()
	store := NewStore(nil, rows, 80)

	first, created, err := store.Ensure(context.Background(), userOwner("u1"), "conv-1", "hi")
	if err != nil || !created {
		t.Fatalf("first ensure failed: created=%v err=%v", created, err)
	}
	second, created, err := store.Ensure(context.Background(), userOwner("u1"), "conv-1", "hi")
	if err != nil || !created {
		t.Fatalf("second ensure failed: created=%v err=%v", created, err)
	}
	if first == second {
		t.Fatalf("placeholder id converged on one row: %q", first)
	}
	if len(rows.rows) != 2 {
		t.Fatalf("expected 2 independent rows, got %d", len(rows.rows))
	}
}

func TestEnsureExistingOwnedRowIsIdempotent(t *testing.T) {
	t.Parallel()

	rows := newFakeRows()
	store := NewStore(nil, rows, 80)

	id, created, err := store.Ensure(context.Background(), userOwner("u1"), "", "first turn")
	if err != nil || !created {
		t.Fatalf("initial ensure failed: %v", err)
	}

	again, created, err := store.Ensure(context.Background(), userOwner("u1"), id, "ignored title")
	if err != nil {
		t.Fatalf("repeat ensure failed: %v", err)
	}
	if created {
		t.Fatalf("repeat ensure must not create")
	}
	if again != id {
		t.Fatalf("repeat ensure returned %q, want %q", again, id)
	}
	if len(rows.rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows.rows))
	}
}

func TestEnsureClientSuppliedUUIDCreatesRow(t *testing.T) {
	t.Parallel()

	rows := newFakeRows()
	store := NewStore(nil, rows, 80)
	supplied := uuid.NewString()

	id, created, err := store.Ensure(context.Background(), userOwner("u1"), supplied, "hi")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if !created || id != supplied {
		t.Fatalf("client-supplied uuid should be kept, got %q created=%v", id, created)
	}
}

func TestEnsureForeignRowFailsClosed(t *testing.T) {
	t.Parallel()

	rows := newFakeRows()
	store := NewStore(nil, rows, 80)

	id, _, err := store.Ensure(context.Background(), userOwner("u1"), "", "mine")
	if err != nil {
		t.Fatalf("setup ensure failed: %v", err)
	}

	if _, _, err := store.Ensure(context.Background(), userOwner("u2"), id, "theirs"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if _, _, err := store.Ensure(context.Background(), Owner{AnonHash: "abc"}, id, "anon"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for anon caller, got %v", err)
	}
}

func TestEnsureInsertRaceResolvesIdempotently(t *testing.T) {
	t.Parallel()

	rows := newFakeRows()
	store := NewStore(nil, rows, 80)
	supplied := uuid.NewString()

	// Simulate a concurrent retry creating the row between the lookup and
	// the insert.
	raced := false
	rows.insertFn = func(conv Conversation) error {
		if !raced {
			raced = true
			rows.rows[conv.ID] = Conversation{ID: conv.ID, Owner: userOwner("u1")}
			return ErrConflict
		}
		return nil
	}

	id, created, err := store.Ensure(context.Background(), userOwner("u1"), supplied, "hi")
	if err != nil {
		t.Fatalf("racing ensure should succeed for the same identity: %v", err)
	}
	if created {
		t.Fatalf("conflict resolution is not a create")
	}
	if id != supplied {
		t.Fatalf("got %q, want %q", id, supplied)
	}
}

func TestEnsureInsertRaceForeignOwnerDenied(t *testing.T) {
	t.Parallel()

	rows := newFakeRows()
	store := NewStore(nil, rows, 80)
	supplied := uuid.NewString()

	rows.insertFn = func(conv Conversation) error {
		if _, exists := rows.rows[conv.ID]; !exists {
			rows.rows[conv.ID] = Conversation{ID: conv.ID, Owner: userOwner("intruder")}
			return ErrConflict
		}
		return nil
	}

	if _, _, err := store.Ensure(context.Background(), userOwner("u1"), supplied, "hi"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied after losing the race to another identity, got %v", err)
	}
}

func TestEnsureRejectsInvalidOwner(t *testing.T) {
	t.Parallel()

	store := NewStore(nil, newFakeRows(), 80)
	if _, _, err := store.Ensure(context.Background(), Owner{}, "", "hi"); err == nil {
		t.Fatalf("ownerless ensure must fail")
	}
	both := Owner{UserID: "u1", AnonHash: "h"}
	if _, _, err := store.Ensure(context.Background(), both, "", "hi"); err == nil {
		t.Fatalf("double-owner ensure must fail")
	}
}

func TestGetChecksOwnership(t *testing.T) {
	t.Parallel()

	rows := newFakeRows()
	store := NewStore(nil, rows, 80)
	id, _, err := store.Ensure(context.Background(), userOwner("u1"), "", "mine")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	if _, err := store.Get(context.Background(), userOwner("u1"), id); err != nil {
		t.Fatalf("owner read failed: %v", err)
	}
	if _, err := store.Get(context.Background(), userOwner("u2"), id); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if _, err := store.Get(context.Background(), userOwner("u1"), uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTruncateTitle(t *testing.T) {
	t.Parallel()

	if got := TruncateTitle("  hello   world  ", 80); got != "hello world" {
		t.Fatalf("whitespace should collapse, got %q", got)
	}

	long := strings.Repeat("word ", 30)
	got := TruncateTitle(long, 40)
	if len(got) > 44 {
		t.Fatalf("truncated title too long: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("truncated title should end with ellipsis, got %q", got)
	}
	if strings.Contains(got, "  ") {
		t.Fatalf("truncated title has doubled spaces: %q", got)
	}
}

func TestIsPlaceholderID(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"", "local-7", "not-a-uuid", "  "} {
		if !IsPlaceholderID(id) {
			t.Fatalf("%q should be a placeholder", id)
		}
	}
	if IsPlaceholderID(uuid.NewString()) {
		t.Fatalf("a uuid is not a placeholder")
	}
}
