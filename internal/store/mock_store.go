// ABOUTME: In-memory Store implementation for tests and persistence-less development
// ABOUTME: A single map guarded by one lock; never held across calls into other components

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*memConversation // keyed by conversation ID
	clock         func() time.Time
	last          time.Time

	// FailWith, when set, is returned (wrapped in ErrUnavailable) by every call.
	FailWith error
}

type memConversation struct {
	conv     Conversation
	messages []*Message
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*memConversation),
		clock:         time.Now,
	}
}

// SetClock replaces the time source.
func (m *MockStore) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	m.last = time.Time{}
}

// now must be called with mu held for writing.
func (m *MockStore) now() time.Time {
	t := m.clock().UTC()
	if !t.After(m.last) {
		t = m.last.Add(time.Nanosecond)
	}
	m.last = t
	return t
}

func (m *MockStore) failure(op string) error {
	if m.FailWith == nil {
		return nil
	}
	return unavailable(op, m.FailWith)
}

// EnsureConversation creates the conversation if needed and verifies ownership otherwise.
func (m *MockStore) EnsureConversation(ctx context.Context, ownerID, conversationID, title string) (string, error) {
	if err := m.failure("ensuring conversation"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	if c, ok := m.conversations[conversationID]; ok {
		if !canAccess(c.conv.OwnerID, ownerID) {
			return "", ErrForbidden
		}
		return conversationID, nil
	}

	now := m.now()
	m.conversations[conversationID] = &memConversation{
		conv: Conversation{
			ID:        conversationID,
			OwnerID:   ownerID,
			Title:     title,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	return conversationID, nil
}

// GetConversation returns a copy of a conversation accessible to ownerID.
func (m *MockStore) GetConversation(ctx context.Context, ownerID, conversationID string) (*Conversation, error) {
	if err := m.failure("querying conversation"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if !canAccess(c.conv.OwnerID, ownerID) {
		return nil, ErrForbidden
	}
	result := c.conv
	return &result, nil
}

// AppendMessage stores a copy of msg and bumps the conversation's updated_at.
func (m *MockStore) AppendMessage(ctx context.Context, ownerID, conversationID string, msg *Message) error {
	if conversationID == "" || msg == nil || msg.Role == "" {
		return fmt.Errorf("%w: conversation id and message role are required", ErrInvalidInput)
	}
	if err := m.failure("inserting message"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if !canAccess(c.conv.OwnerID, ownerID) {
		return ErrForbidden
	}

	now := m.now()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Citations == nil {
		msg.Citations = []string{}
	}
	msg.ConversationID = conversationID
	msg.OwnerID = ownerID
	msg.CreatedAt = now
	msg.UpdatedAt = now

	c.messages = append(c.messages, copyMessage(msg))
	c.conv.UpdatedAt = now
	return nil
}

// ListConversations returns a window of conversations ordered by updated_at.
func (m *MockStore) ListConversations(ctx context.Context, ownerID string, offset, limit int, order Order) ([]*Conversation, error) {
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("%w: offset must be >= 0 and limit > 0", ErrInvalidInput)
	}
	dir, err := ParseOrder(string(order), OrderDesc)
	if err != nil {
		return nil, err
	}
	if err := m.failure("querying conversations"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		if ownerID != "" && c.conv.OwnerID != ownerID {
			continue
		}
		conv := c.conv
		all = append(all, &conv)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			if dir == OrderAsc {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if dir == OrderAsc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	if offset >= len(all) {
		return []*Conversation{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// ReadMessages returns copies of a conversation's messages.
func (m *MockStore) ReadMessages(ctx context.Context, ownerID, conversationID string, order Order) ([]*Message, error) {
	if conversationID == "" {
		return []*Message{}, nil
	}
	dir, err := ParseOrder(string(order), OrderAsc)
	if err != nil {
		return nil, err
	}
	if err := m.failure("querying messages"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[conversationID]
	if !ok || (ownerID != "" && !canAccess(c.conv.OwnerID, ownerID)) {
		return []*Message{}, nil
	}

	out := make([]*Message, len(c.messages))
	for i, msg := range c.messages {
		out[i] = copyMessage(msg)
	}
	if dir == OrderDesc {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// DeleteConversation removes a conversation and its messages.
func (m *MockStore) DeleteConversation(ctx context.Context, ownerID, conversationID string) (DeleteResult, error) {
	if err := m.failure("deleting conversation"); err != nil {
		return DeleteNotFound, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return DeleteNotFound, nil
	}
	if !canAccess(c.conv.OwnerID, ownerID) {
		return DeleteForbidden, nil
	}
	c.messages = nil
	delete(m.conversations, conversationID)
	return Deleted, nil
}

// DeleteAll removes an owner's conversations, or all of them when ownerID is empty.
func (m *MockStore) DeleteAll(ctx context.Context, ownerID string) (int, error) {
	if err := m.failure("deleting conversations"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, c := range m.conversations {
		if ownerID != "" && c.conv.OwnerID != ownerID {
			continue
		}
		delete(m.conversations, id)
		n++
	}
	return n, nil
}

// RenameConversation updates a conversation title.
func (m *MockStore) RenameConversation(ctx context.Context, ownerID, conversationID, title string) (RenameResult, error) {
	if err := m.failure("renaming conversation"); err != nil {
		return RenameNotFound, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return RenameNotFound, nil
	}
	if !canAccess(c.conv.OwnerID, ownerID) {
		return RenameForbidden, nil
	}
	c.conv.Title = title
	c.conv.UpdatedAt = m.now()
	return Renamed, nil
}

// SetFeedback records feedback on the first message matching messageID.
func (m *MockStore) SetFeedback(ctx context.Context, ownerID, messageID, feedback string) error {
	if messageID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidInput)
	}
	if err := m.failure("updating feedback"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.conversations {
		if !canAccess(c.conv.OwnerID, ownerID) {
			continue
		}
		for _, msg := range c.messages {
			if msg.ID == messageID || (msg.ContentID != "" && msg.ContentID == messageID) {
				msg.Feedback = feedback
				return nil
			}
		}
	}
	return ErrNotFound
}

// Ping always succeeds unless FailWith is set.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.failure("pinging store")
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

func copyMessage(msg *Message) *Message {
	cp := *msg
	cp.Citations = append([]string{}, msg.Citations...)
	return &cp
}
