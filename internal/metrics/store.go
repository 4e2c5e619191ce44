// ABOUTME: Store decorator that times every call and counts failures
// ABOUTME: Wraps any store.Store without changing its behavior

package metrics

import (
	"context"
	"time"

	"github.com/2389/rag-gateway/internal/store"
)

// InstrumentedStore records metrics for every call to the wrapped store.
type InstrumentedStore struct {
	store.Store
	m *Metrics
}

var _ store.Store = (*InstrumentedStore)(nil)

// WrapStore returns s instrumented with m.
func (m *Metrics) WrapStore(s store.Store) *InstrumentedStore {
	return &InstrumentedStore{Store: s, m: m}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	s.m.ObserveStore(op, err, time.Since(start))
}

func (s *InstrumentedStore) EnsureConversation(ctx context.Context, ownerID, conversationID, title string) (id string, err error) {
	defer func(start time.Time) { s.observe("ensure_conversation", start, err) }(time.Now())
	return s.Store.EnsureConversation(ctx, ownerID, conversationID, title)
}

func (s *InstrumentedStore) GetConversation(ctx context.Context, ownerID, conversationID string) (c *store.Conversation, err error) {
	defer func(start time.Time) { s.observe("get_conversation", start, err) }(time.Now())
	return s.Store.GetConversation(ctx, ownerID, conversationID)
}

func (s *InstrumentedStore) AppendMessage(ctx context.Context, ownerID, conversationID string, msg *store.Message) (err error) {
	defer func(start time.Time) { s.observe("append_message", start, err) }(time.Now())
	return s.Store.AppendMessage(ctx, ownerID, conversationID, msg)
}

func (s *InstrumentedStore) ListConversations(ctx context.Context, ownerID string, offset, limit int, order store.Order) (cs []*store.Conversation, err error) {
	defer func(start time.Time) { s.observe("list_conversations", start, err) }(time.Now())
	return s.Store.ListConversations(ctx, ownerID, offset, limit, order)
}

func (s *InstrumentedStore) ReadMessages(ctx context.Context, ownerID, conversationID string, order store.Order) (ms []*store.Message, err error) {
	defer func(start time.Time) { s.observe("read_messages", start, err) }(time.Now())
	return s.Store.ReadMessages(ctx, ownerID, conversationID, order)
}

func (s *InstrumentedStore) DeleteConversation(ctx context.Context, ownerID, conversationID string) (res store.DeleteResult, err error) {
	defer func(start time.Time) { s.observe("delete_conversation", start, err) }(time.Now())
	return s.Store.DeleteConversation(ctx, ownerID, conversationID)
}

func (s *InstrumentedStore) DeleteAll(ctx context.Context, ownerID string) (n int, err error) {
	defer func(start time.Time) { s.observe("delete_all", start, err) }(time.Now())
	return s.Store.DeleteAll(ctx, ownerID)
}

func (s *InstrumentedStore) RenameConversation(ctx context.Context, ownerID, conversationID, title string) (res store.RenameResult, err error) {
	defer func(start time.Time) { s.observe("rename_conversation", start, err) }(time.Now())
	return s.Store.RenameConversation(ctx, ownerID, conversationID, title)
}

func (s *InstrumentedStore) SetFeedback(ctx context.Context, ownerID, messageID, feedback string) (err error) {
	defer func(start time.Time) { s.observe("set_feedback", start, err) }(time.Now())
	return s.Store.SetFeedback(ctx, ownerID, messageID, feedback)
}
