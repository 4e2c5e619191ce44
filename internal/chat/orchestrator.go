// ABOUTME: Orchestrator owns one conversational turn from query to persisted answer
// ABOUTME: Record first, then act: the question is stored before the agent is called

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/rag-gateway/internal/auth"
	"github.com/2389/rag-gateway/internal/store"
)

// EmptyResponseText is streamed and stored when the agent finishes without text.
const EmptyResponseText = "I cannot answer this question with the current data. Please rephrase or add more details."

// DefaultHistoryMessages is how many prior messages are handed to the agent.
const DefaultHistoryMessages = 4

// Turn outcomes reported to a TurnObserver.
const (
	OutcomeCompleted = "completed"
	OutcomeEmpty     = "empty"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// maxTitleRunes bounds titles derived from message text.
const maxTitleRunes = 80

// TurnObserver receives one callback per finished turn.
type TurnObserver interface {
	ObserveTurn(outcome string, elapsed time.Duration)
}

// Deduper remembers keys it has seen recently.
type Deduper interface {
	Check(key string) bool
	Mark(key string)
}

// Orchestrator runs turns. It holds no per-conversation state; any instance can
// serve any turn.
type Orchestrator struct {
	store           store.Store
	agent           Agent
	titler          Completer
	dedupe          Deduper
	observer        TurnObserver
	historyMessages int
	now             func() time.Time
	logger          *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTitler sets the Completer used to name conversations created by UpdateHistory.
func WithTitler(c Completer) Option {
	return func(o *Orchestrator) { o.titler = c }
}

// WithDeduper drops replayed history updates.
func WithDeduper(d Deduper) Option {
	return func(o *Orchestrator) { o.dedupe = d }
}

// WithObserver installs a TurnObserver.
func WithObserver(obs TurnObserver) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithHistoryMessages sets how many prior messages the agent sees. Zero disables history.
func WithHistoryMessages(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.historyMessages = n
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator.
func New(s store.Store, agent Agent, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:           s,
		agent:           agent,
		historyMessages: DefaultHistoryMessages,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "chat")
	return o
}

// TurnRequest is one user query.
type TurnRequest struct {
	Identity auth.Identity
	// ConversationID may be empty to start a new conversation.
	ConversationID  string
	Query           string
	LastRAGResponse string
}

// TurnResponse is returned once the question is recorded.
type TurnResponse struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string
	// Stream delivers envelopes until the turn ends. It is always closed.
	Stream <-chan *Envelope
}

type turn struct {
	owner          string
	conversationID string
	assistantID    string
	created        int64
	start          time.Time
}

// Turn validates and records the question, starts the agent and returns a
// stream of envelopes. Errors returned here happen before any model call:
// ErrValidation, store.ErrForbidden or store.ErrUnavailable.
//
// Cancelling ctx stops the stream; the final assistant message is then not stored.
func (o *Orchestrator) Turn(ctx context.Context, req *TurnRequest) (*TurnResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrValidation)
	}
	owner := req.Identity.Owner()

	// 1. Resolve or create the conversation
	convID, err := o.store.EnsureConversation(ctx, owner, req.ConversationID, titleFrom(query))
	if err != nil {
		return nil, fmt.Errorf("resolving conversation: %w", err)
	}

	history, err := o.loadHistory(ctx, owner, convID)
	if err != nil {
		return nil, err
	}

	// 2. Record the question before the model sees it
	userMsg := &store.Message{
		ID:      uuid.New().String(),
		Role:    store.RoleUser,
		Content: req.Query,
	}
	if err := o.store.AppendMessage(ctx, owner, convID, userMsg); err != nil {
		return nil, fmt.Errorf("recording user message: %w", err)
	}

	t := &turn{
		owner:          owner,
		conversationID: convID,
		assistantID:    uuid.New().String(),
		created:        o.now().Unix(),
		start:          o.now(),
	}
	o.logger.Debug("turn started",
		"conversation_id", convID,
		"identity", req.Identity.String(),
		"history", len(history))

	// 3. Start the agent; the derived context is cancelled when the turn ends
	// so the agent releases its upstream resources.
	turnCtx, cancel := context.WithCancel(ctx)
	in, startErr := o.agent.Stream(turnCtx, &Request{
		ConversationID: convID,
		Query:          req.Query,
		LastResponse:   req.LastRAGResponse,
		History:        history,
	})

	out := make(chan *Envelope, 16)
	go o.relay(turnCtx, cancel, t, in, startErr, out)

	return &TurnResponse{
		ConversationID:     convID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: t.assistantID,
		Stream:             out,
	}, nil
}

// relay accumulates agent text, emits one envelope per chunk and persists the
// final answer.
func (o *Orchestrator) relay(ctx context.Context, cancel context.CancelFunc, t *turn, in <-chan *Response, failure error, out chan<- *Envelope) {
	defer close(out)
	defer cancel()

	var acc strings.Builder
	emit := func(env *Envelope) bool {
		select {
		case out <- env:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if in != nil {
	loop:
		for {
			select {
			case resp, ok := <-in:
				if !ok {
					break loop
				}
				switch resp.Event {
				case EventText:
					if resp.Text == "" {
						continue
					}
					acc.WriteString(resp.Text)
					if !emit(NewEnvelope(t.conversationID, t.assistantID, t.created, acc.String())) {
						break loop
					}
				case EventError:
					failure = resp.Error
				}
			case <-ctx.Done():
				break loop
			}
		}
	}

	if ctx.Err() != nil {
		if in != nil {
			// Drain remaining events so the agent never blocks on send
			go func() {
				for range in {
				}
			}()
		}
		o.logger.Info("turn cancelled",
			"conversation_id", t.conversationID,
			"streamed_chars", acc.Len())
		o.observe(OutcomeCancelled, t)
		return
	}

	if failure != nil {
		failure = classifyUpstream(failure)
		o.logger.Error("turn failed",
			"conversation_id", t.conversationID,
			"error", failure,
			"streamed_chars", acc.Len())
		emit(ErrorEnvelope(UserMessage(failure)))
		if acc.Len() > 0 {
			o.saveAssistant(t, acc.String())
		}
		o.observe(OutcomeFailed, t)
		return
	}

	outcome := OutcomeCompleted
	content := acc.String()
	if content == "" {
		o.logger.Info("agent returned no text", "conversation_id", t.conversationID)
		content = EmptyResponseText
		outcome = OutcomeEmpty
		emit(NewEnvelope(t.conversationID, t.assistantID, t.created, content))
	}
	o.saveAssistant(t, content)
	o.observe(outcome, t)
}

// saveAssistant stores the answer with its own timeout so it survives the
// request context going away after the last envelope was written.
func (o *Orchestrator) saveAssistant(t *turn, content string) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := &store.Message{
		ID:      t.assistantID,
		Role:    store.RoleAssistant,
		Content: content,
	}
	if err := o.store.AppendMessage(saveCtx, t.owner, t.conversationID, msg); err != nil {
		o.logger.Error("failed to save assistant message",
			"error", err,
			"conversation_id", t.conversationID,
			"message_id", t.assistantID)
		return
	}
	o.logger.Debug("assistant message saved",
		"conversation_id", t.conversationID,
		"message_id", t.assistantID,
		"chars", len(content))
}

func (o *Orchestrator) observe(outcome string, t *turn) {
	if o.observer != nil {
		o.observer.ObserveTurn(outcome, o.now().Sub(t.start))
	}
}

// loadHistory returns up to historyMessages prior user/assistant messages, oldest first.
func (o *Orchestrator) loadHistory(ctx context.Context, owner, convID string) ([]HistoryTurn, error) {
	if o.historyMessages == 0 {
		return nil, nil
	}
	msgs, err := o.store.ReadMessages(ctx, owner, convID, store.OrderDesc)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	var turns []HistoryTurn
	for _, m := range msgs {
		if m.Role != store.RoleUser && m.Role != store.RoleAssistant {
			continue
		}
		turns = append(turns, HistoryTurn{Role: m.Role, Content: m.Content})
		if len(turns) == o.historyMessages {
			break
		}
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// titleFrom derives a title from message text: first line, trimmed to maxTitleRunes.
func titleFrom(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if utf8.RuneCountInString(s) <= maxTitleRunes {
		return s
	}
	return string([]rune(s)[:maxTitleRunes])
}
