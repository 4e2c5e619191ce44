// ABOUTME: Tests for the turn protocol: ordering of writes, envelopes and failure handling
// ABOUTME: Uses a scripted fake agent and the in-memory store

package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/rag-gateway/internal/auth"
	"github.com/2389/rag-gateway/internal/store"
)

// fakeAgent replays a scripted list of responses.
type fakeAgent struct {
	mu       sync.Mutex
	script   []*Response
	startErr error
	// block, when set, makes the agent wait on ctx after the script.
	block    bool
	requests []*Request
	released chan struct{}
}

func (f *fakeAgent) Stream(ctx context.Context, req *Request) (<-chan *Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	out := make(chan *Response)
	go func() {
		defer close(out)
		defer func() {
			if f.released != nil {
				close(f.released)
			}
		}()
		for _, r := range f.script {
			if !send(ctx, out, r) {
				return
			}
		}
		if f.block {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (f *fakeAgent) lastRequest() *Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func text(s string) *Response { return &Response{Event: EventText, Text: s} }

var done = &Response{Event: EventDone}

type recordingTurnObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingTurnObserver) ObserveTurn(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingTurnObserver) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		return ""
	}
	return r.outcomes[len(r.outcomes)-1]
}

func alice() auth.Identity { return auth.Identity{Subject: "alice", Source: auth.SourceToken} }

func collect(t *testing.T, ch <-chan *Envelope) []*Envelope {
	t.Helper()
	var envs []*Envelope
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return envs
			}
			envs = append(envs, env)
		case <-timeout:
			t.Fatal("stream did not close")
			return nil
		}
	}
}

// waitForMessages polls until the conversation holds n messages. The final
// write happens after the stream closes.
func waitForMessages(t *testing.T, s store.Store, owner, convID string, n int) []*store.Message {
	t.Helper()
	var msgs []*store.Message
	require.Eventually(t, func() bool {
		var err error
		msgs, err = s.ReadMessages(context.Background(), owner, convID, store.OrderAsc)
		return err == nil && len(msgs) == n
	}, 2*time.Second, 5*time.Millisecond)
	return msgs
}

func TestTurn_StreamsAccumulatedText(t *testing.T) {
	s := store.NewMockStore()
	agent := &fakeAgent{script: []*Response{text("Sales "), text("were "), text("up."), done}}
	obs := &recordingTurnObserver{}
	o := New(s, agent, WithObserver(obs))

	resp, err := o.Turn(context.Background(), &TurnRequest{Identity: alice(), Query: "How were sales?"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ConversationID)

	envs := collect(t, resp.Stream)
	require.Len(t, envs, 3)
	assert.Equal(t, "Sales ", envs[0].Content())
	assert.Equal(t, "Sales were ", envs[1].Content())
	assert.Equal(t, "Sales were up.", envs[2].Content())
	for _, env := range envs {
		assert.Equal(t, resp.ConversationID, env.ID)
		assert.Equal(t, ModelName, env.Model)
		assert.Equal(t, ObjectChunk, env.Object)
		m, ok := env.Message()
		require.True(t, ok)
		assert.Equal(t, resp.AssistantMessageID, m.ID)
	}

	msgs := waitForMessages(t, s, "alice", resp.ConversationID, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "How were sales?", msgs[0].Content)
	assert.Equal(t, resp.UserMessageID, msgs[0].ID)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Sales were up.", msgs[1].Content)
	assert.Equal(t, resp.AssistantMessageID, msgs[1].ID)

	conv, err := s.GetConversation(context.Background(), "alice", resp.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "How were sales?", conv.Title)

	require.Eventually(t, func() bool { return obs.last() == OutcomeCompleted }, time.Second, 5*time.Millisecond)
}

func TestTurn_EmptyQueryHasNoSideEffects(t *testing.T) {
	s := store.NewMockStore()
	agent := &fakeAgent{script: []*Response{done}}
	o := New(s, agent)

	for _, q := range []string{"", "   ", "\n\t"} {
		_, err := o.Turn(context.Background(), &TurnRequest{Identity: alice(), Query: q})
		assert.ErrorIs(t, err, ErrValidation)
	}

	convs, err := s.ListConversations(context.Background(), "", 0, 10, store.OrderDesc)
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.Nil(t, agent.lastRequest())
}

func TestTurn_ForbiddenAbortsBeforeModel(t *testing.T) {
	s := store.NewMockStore()
	ctx := context.Background()
	id, err := s.EnsureConversation(ctx, "bob", "", "bob's")
	require.NoError(t, err)

	agent := &fakeAgent{script: []*Response{text("leak"), done}}
	o := New(s, agent)

	_, err = o.Turn(ctx, &TurnRequest{Identity: alice(), ConversationID: id, Query: "hi"})
	assert.ErrorIs(t, err, store.ErrForbidden)
	assert.Nil(t, agent.lastRequest())

	msgs, err := s.ReadMessages(ctx, "bob", id, store.OrderAsc)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestTurn_StoreUnavailable(t *testing.T) {
	s := store.NewMockStore()
	s.FailWith = errors.New("disk on fire")
	o := New(s, &fakeAgent{script: []*Response{done}})

	_, err := o.Turn(context.Background(), &TurnRequest{Identity: alice(), Query: "hi"})
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestTurn_UserMessageRecordedBeforeAgent(t *testing.T) {
	s := store.NewMockStore()
	var seen []*store.Message
	agent := &hookAgent{onStream: func(req *Request) {
		seen, _ = s.ReadMessages(context.Background(), "alice", req.ConversationID, store.OrderAsc)
	}}
	o := New(s, agent)

	resp, err := o.Turn(context.Background(), &TurnRequest{Identity: alice(), Query: "first"})
	require.NoError(t, err)
	collect(t, resp.Stream)

	require.Len(t, seen, 1)
	assert.Equal(t, "first", seen[0].Content)
}

type hookAgent struct {
	onStream func(req *Request)
}

func (h *hookAgent) Stream(ctx context.Context, req *Request) (<-chan *Response, error) {
	h.onStream(req)
	out := make(chan *Response, 1)
	out <- done
	close(out)
	return out, nil
}

func TestTurn_EmptyAnswerFallback(t *testing.T) {
	s := store.NewMockStore()
	obs := &recordingTurnObserver{}
	o := New(s, &fakeAgent{script: []*Response{text(""), done}}, WithObserver(obs))

	resp, err := o.Turn(context.Background(), &TurnRequest{Identity: alice(), Query: "?"})
	require.NoError(t, err)

	envs := collect(t, resp.Stream)
	require.Len(t, envs, 1)
	assert.Equal(t, EmptyResponseText, envs[0].Content())

	msgs := waitForMessages(t, s, "alice", resp.ConversationID, 2)
	assert.Equal(t, EmptyResponseText, msgs[1].Content)
	require.Eventually(t, func() bool { return obs.last() == OutcomeEmpty }, time.Second, 5*time.Millisecond)
}

func TestTurn_MidStreamFailureKeepsPartialText(t *testing.T) {
	s := store.NewMockStore()
	agent := &fakeAgent{script: []*Response{
		text("partial "),
		text("answer"),
		{Event: EventError, Error: errors.New("connection reset")},
	}}
	obs := &recordingTurnObserver{}
	o := New(s, agent, WithObserver(obs))

	resp, err := o.Turn(context.Background(), &TurnRequest{Identity: alice(), Query: "q"})
	require.NoError(t, err)

	envs := collect(t, resp.Stream)
	require.Len(t, envs, 3)
	assert.Equal(t, "partial answer", envs[1].Content())
	assert.True(t, envs[2].IsError())
	assert.Equal(t, "An error occurred. Please try again later.", envs[2].Error)

	msgs := waitForMessages(t, s, "alice", resp.ConversationID, 2)
	assert.Equal(t, "partial answer", msgs[1].Content)
	require.Eventually(t, func() bool { return obs.last() == OutcomeFailed }, time.Second, 5*time.Millisecond)
}

func TestTurn_FailureWithoutTextStoresNothing(t *testing.T) {
	s := store.NewMockStore()
	agent := &fakeAgent{script: []*Response{
		{Event: EventError, Error: errors.New("Rate limit is exceeded. Try again in 17 seconds.")},
	}}
	o := New(s, agent)

	resp, err := o.Turn(context.Background(), &TurnRequest{Identity: alice(), Query: "q"})
	require.NoError(t, err)

	envs := collect(t, resp.Stream)
	require.Len(t, envs, 1)
	assert.Equal(t, "Rate limit is exceeded. Try again in 17 seconds.", envs[0].Error)

	// Give a stray write the chance to land before asserting its absence.
	time.Sleep(20 * time.Millisecond)
	msgs, err := s.ReadMessages(context.Background(), "alice", resp.ConversationID, store.OrderAsc)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestTurn_AgentStartFailure(t *testing.T) {
	s := store.NewMockStore()
	o := New(s, &fakeAgent{startErr: errors.New("no credentials")})

	resp, err := o.Turn(context.Background(), &TurnRequest{Identity: alice(), Query: "q"})
	require.NoError(t, err)

	envs := collect(t, resp.Stream)
	require.Len(t, envs, 1)
	assert.True(t, envs[0].IsError())

	msgs, err := s.ReadMessages(context.Background(), "alice", resp.ConversationID, store.OrderAsc)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "the question stays recorded")
}

func TestTurn_CancellationSkipsFinalWrite(t *testing.T) {
	s := store.NewMockStore()
	agent := &fakeAgent{script: []*Response{text("half")}, block: true, released: make(chan struct{})}
	obs := &recordingTurnObserver{}
	o := New(s, agent, WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := o.Turn(ctx, &TurnRequest{Identity: alice(), Query: "q"})
	require.NoError(t, err)

	first := <-resp.Stream
	require.NotNil(t, first)
	assert.Equal(t, "half", first.Content())

	cancel()
	collect(t, resp.Stream)

	select {
	case <-agent.released:
	case <-time.After(2 * time.Second):
		t.Fatal("agent was not released after cancellation")
	}

	require.Eventually(t, func() bool { return obs.last() == OutcomeCancelled }, time.Second, 5*time.Millisecond)
	msgs, err := s.ReadMessages(context.Background(), "alice", resp.ConversationID, store.OrderAsc)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
}

func TestTurn_AgentReleasedAfterCompletion(t *testing.T) {
	s := store.NewMockStore()
	agent := &fakeAgent{script: []*Response{text("a"), done}, released: make(chan struct{})}
	o := New(s, agent)

	resp, err := o.Turn(context.Background(), &TurnRequest{Identity: alice(), Query: "q"})
	require.NoError(t, err)
	collect(t, resp.Stream)

	select {
	case <-agent.released:
	case <-time.After(2 * time.Second):
		t.Fatal("agent goroutine still running")
	}
}

func TestTurn_HistoryAndLastResponse(t *testing.T) {
	s := store.NewMockStore()
	ctx := context.Background()
	id, err := s.EnsureConversation(ctx, "alice", "", "t")
	require.NoError(t, err)
	for i, content := range []string{"q1", "a1", "q2", "a2", "q3", "a3"} {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		require.NoError(t, s.AppendMessage(ctx, "alice", id, &store.Message{Role: role, Content: content}))
	}
	require.NoError(t, s.AppendMessage(ctx, "alice", id, &store.Message{Role: store.RoleTool, Content: "tool output"}))

	agent := &fakeAgent{script: []*Response{done}}
	o := New(s, agent, WithHistoryMessages(4))

	resp, err := o.Turn(ctx, &TurnRequest{Identity: alice(), ConversationID: id, Query: "q4", LastRAGResponse: "a3"})
	require.NoError(t, err)
	collect(t, resp.Stream)

	req := agent.lastRequest()
	require.NotNil(t, req)
	assert.Equal(t, id, req.ConversationID)
	assert.Equal(t, "q4", req.Query)
	assert.Equal(t, "a3", req.LastResponse)
	want := []HistoryTurn{
		{Role: "user", Content: "q2"},
		{Role: "assistant", Content: "a2"},
		{Role: "user", Content: "q3"},
		{Role: "assistant", Content: "a3"},
	}
	assert.Equal(t, want, req.History)
}

func TestTurn_AnonymousSharedMode(t *testing.T) {
	s := store.NewMockStore()
	o := New(s, &fakeAgent{script: []*Response{text("ok"), done}})

	resp, err := o.Turn(context.Background(), &TurnRequest{Identity: auth.Identity{}, Query: "q"})
	require.NoError(t, err)
	collect(t, resp.Stream)

	conv, err := s.GetConversation(context.Background(), "", resp.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "", conv.OwnerID)
	waitForMessages(t, s, "", resp.ConversationID, 2)
}

func TestTitleFrom(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "é"
	}
	tests := []struct {
		in   string
		want int
	}{
		{"short", 5},
		{"  padded  ", 6},
		{"first line\nsecond line", 10},
		{long, maxTitleRunes},
	}
	for _, tt := range tests {
		got := titleFrom(tt.in)
		if n := len([]rune(got)); n != tt.want {
			t.Errorf("titleFrom(%q) has %d runes, want %d", tt.in, n, tt.want)
		}
	}
}
