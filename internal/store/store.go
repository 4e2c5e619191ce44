// ABOUTME: Store interface and data types for conversation history persistence
// ABOUTME: Defines Conversation, Message, ownership results and the Store interface

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested conversation or message does not exist
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when a conversation is owned by a different identity
var ErrForbidden = errors.New("forbidden")

// ErrUnavailable wraps every failure of the underlying database.
// Callers must surface it rather than treating it as an empty result.
var ErrUnavailable = errors.New("store unavailable")

// ErrInvalidInput is returned when a required argument is empty or malformed
var ErrInvalidInput = errors.New("invalid input")

// Role constants for message authors
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Order is the sort direction applied to updated_at.
type Order string

const (
	OrderAsc  Order = "ASC"
	OrderDesc Order = "DESC"
)

// ParseOrder converts a user-supplied sort string into an Order.
// Empty input yields def; anything other than asc/desc is rejected.
func ParseOrder(s string, def Order) (Order, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case "ASC":
		return OrderAsc, nil
	case "DESC":
		return OrderDesc, nil
	default:
		return "", fmt.Errorf("%w: sort must be ASC or DESC, got %q", ErrInvalidInput, s)
	}
}

// Conversation is a titled thread of messages owned by zero or one identity.
// An empty OwnerID marks a shared conversation.
type Conversation struct {
	ID        string
	OwnerID   string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single append-only entry in a conversation.
// Feedback is the only field that may change after insertion.
type Message struct {
	ID             string
	ConversationID string
	OwnerID        string
	Role           string
	ContentID      string // client-side id of the message, if any
	Content        string
	Citations      []string
	Feedback       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeleteResult is the outcome of DeleteConversation.
type DeleteResult int

const (
	DeleteNotFound DeleteResult = iota
	DeleteForbidden
	Deleted
)

func (r DeleteResult) String() string {
	switch r {
	case DeleteNotFound:
		return "not_found"
	case DeleteForbidden:
		return "forbidden"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("DeleteResult(%d)", int(r))
	}
}

// RenameResult is the outcome of RenameConversation.
type RenameResult int

const (
	RenameNotFound RenameResult = iota
	RenameForbidden
	Renamed
)

func (r RenameResult) String() string {
	switch r {
	case RenameNotFound:
		return "not_found"
	case RenameForbidden:
		return "forbidden"
	case Renamed:
		return "renamed"
	default:
		return fmt.Sprintf("RenameResult(%d)", int(r))
	}
}

// Store is the durable conversation/message store.
//
// Every method takes an owner id. An empty owner means "no ownership filter" for
// ListConversations, ReadMessages and DeleteAll; for the remaining operations a
// conversation is accessible when its owner is empty or equal to the caller.
type Store interface {
	// EnsureConversation returns the id of an existing conversation or creates it.
	// An empty conversationID generates a fresh id. Returns ErrForbidden when the
	// conversation belongs to another owner.
	EnsureConversation(ctx context.Context, ownerID, conversationID, title string) (string, error)

	// GetConversation returns a single conversation visible to ownerID.
	GetConversation(ctx context.Context, ownerID, conversationID string) (*Conversation, error)

	// AppendMessage inserts msg and advances the conversation's updated_at.
	AppendMessage(ctx context.Context, ownerID, conversationID string, msg *Message) error

	// ListConversations returns the window [offset, offset+limit) sorted by updated_at.
	ListConversations(ctx context.Context, ownerID string, offset, limit int, order Order) ([]*Conversation, error)

	// ReadMessages returns the messages of a conversation sorted by updated_at.
	// An empty conversationID yields an empty slice.
	ReadMessages(ctx context.Context, ownerID, conversationID string, order Order) ([]*Message, error)

	// DeleteConversation removes a conversation's messages, then the conversation.
	DeleteConversation(ctx context.Context, ownerID, conversationID string) (DeleteResult, error)

	// DeleteAll removes every conversation of ownerID, or every conversation in
	// the store when ownerID is empty. Returns the number of conversations removed.
	DeleteAll(ctx context.Context, ownerID string) (int, error)

	// RenameConversation sets a new title.
	RenameConversation(ctx context.Context, ownerID, conversationID, title string) (RenameResult, error)

	// SetFeedback records feedback on a message addressed by id or content id.
	SetFeedback(ctx context.Context, ownerID, messageID, feedback string) error

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// canAccess reports whether caller may act on a conversation owned by owner.
func canAccess(owner, caller string) bool {
	return owner == "" || owner == caller
}
