// Package conversation defines the conversation domain and ownership rules.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("conversation not found")
	ErrAccessDenied = errors.New("conversation access denied")

	// ErrConflict is returned by Rows.Insert on a unique-constraint
	// violation; the store resolves it by re-reading the row.
	ErrConflict = errors.New("conversation id conflict")
)

// placeholderPrefix marks client-local ids that must never become durable keys.
const placeholderPrefix = "local-"

// Owner identifies who holds a conversation. Exactly one field is set.
type Owner struct {
	UserID   string
	AnonHash string
}

// Validate enforces the one-owner invariant.
func (o Owner) Validate() error {
	hasUser := strings.TrimSpace(o.UserID) != ""
	hasAnon := strings.TrimSpace(o.AnonHash) != ""
	if hasUser == hasAnon {
		return fmt.Errorf("exactly one of user id / anon hash must be set")
	}
	return nil
}

// Matches reports whether two owners are the same identity.
func (o Owner) Matches(other Owner) bool {
	if o.UserID != "" {
		return o.UserID == other.UserID
	}
	return o.AnonHash != "" && o.AnonHash == other.AnonHash
}

// Conversation is a durable thread of messages.
type Conversation struct {
	ID        string    `json:"id"`
	Owner     Owner     `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsPlaceholderID reports whether id is a client-local placeholder rather
// than a durable key.
func IsPlaceholderID(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return true
	}
	if strings.HasPrefix(id, placeholderPrefix) {
		return true
	}
	_, err := uuid.Parse(id)
	return err != nil
}
