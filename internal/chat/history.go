// ABOUTME: Records an externally produced user/assistant exchange into history
// ABOUTME: Creates the conversation with a generated title and ignores replays

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/rag-gateway/internal/auth"
	"github.com/2389/rag-gateway/internal/store"
)

// TitlePrompt asks a model to name a conversation.
const TitlePrompt = "Summarize the conversation so far into a 4-word or less title. " +
	"Do not use any quotation marks or punctuation. " +
	"Do not include any other commentary or description."

// UpdateMessage is one message of a history update, as sent by clients.
type UpdateMessage struct {
	ID        string   `json:"id,omitempty"`
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Citations []string `json:"citations,omitempty"`
}

// UpdateRequest appends the tail of a client-side exchange.
type UpdateRequest struct {
	Identity       auth.Identity
	ConversationID string
	Messages       []UpdateMessage
}

// UpdateResult summarizes the conversation after an update.
type UpdateResult struct {
	ConversationID string
	Title          string
	Date           time.Time
	// Replayed is set when the assistant message was already recorded.
	Replayed bool
}

// UpdateHistory ensures the conversation exists and appends the latest user
// message, an optional tool message and the final assistant message.
func (o *Orchestrator) UpdateHistory(ctx context.Context, req *UpdateRequest) (*UpdateResult, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", ErrValidation)
	}
	msgs := req.Messages
	if len(msgs) == 0 || msgs[0].Role != store.RoleUser {
		return nil, fmt.Errorf("%w: user message not found", ErrValidation)
	}
	last := msgs[len(msgs)-1]
	if last.Role != store.RoleAssistant {
		return nil, fmt.Errorf("%w: assistant message not found", ErrValidation)
	}
	var user UpdateMessage
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == store.RoleUser {
			user = msgs[i]
			break
		}
	}

	owner := req.Identity.Owner()
	_, err := o.store.GetConversation(ctx, owner, req.ConversationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		title := o.GenerateTitle(ctx, msgs)
		if _, err := o.store.EnsureConversation(ctx, owner, req.ConversationID, title); err != nil {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	key := req.ConversationID + ":" + last.ID
	replayed := last.ID != "" && o.dedupe != nil && o.dedupe.Check(key)
	if !replayed && last.ID != "" {
		replayed, err = o.alreadyRecorded(ctx, owner, req.ConversationID, last.ID)
		if err != nil {
			return nil, err
		}
	}

	if replayed {
		o.logger.Debug("history update already recorded",
			"conversation_id", req.ConversationID,
			"message_id", last.ID)
	} else {
		toAppend := []*store.Message{{Role: store.RoleUser, Content: user.Content, Citations: user.Citations}}
		if len(msgs) > 1 && msgs[len(msgs)-2].Role == store.RoleTool {
			tool := msgs[len(msgs)-2]
			toAppend = append(toAppend, &store.Message{Role: store.RoleTool, Content: tool.Content, Citations: tool.Citations})
		}
		toAppend = append(toAppend, &store.Message{
			Role:      store.RoleAssistant,
			ContentID: last.ID,
			Content:   last.Content,
			Citations: last.Citations,
		})
		for _, m := range toAppend {
			if err := o.store.AppendMessage(ctx, owner, req.ConversationID, m); err != nil {
				return nil, fmt.Errorf("appending %s message: %w", m.Role, err)
			}
		}
		if o.dedupe != nil && last.ID != "" {
			o.dedupe.Mark(key)
		}
	}

	conv, err := o.store.GetConversation(ctx, owner, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("reloading conversation: %w", err)
	}
	return &UpdateResult{
		ConversationID: conv.ID,
		Title:          conv.Title,
		Date:           conv.UpdatedAt,
		Replayed:       replayed,
	}, nil
}

// alreadyRecorded reports whether messageID is stored as an id or content id.
func (o *Orchestrator) alreadyRecorded(ctx context.Context, owner, convID, messageID string) (bool, error) {
	existing, err := o.store.ReadMessages(ctx, owner, convID, store.OrderDesc)
	if err != nil {
		return false, fmt.Errorf("checking for replay: %w", err)
	}
	for _, m := range existing {
		if m.ID == messageID || m.ContentID == messageID {
			return true, nil
		}
	}
	return false, nil
}

// GenerateTitle asks the titler for a short title built from the user messages.
// It falls back to the last user message when no titler is set or it fails.
func (o *Orchestrator) GenerateTitle(ctx context.Context, msgs []UpdateMessage) string {
	var users []string
	for _, m := range msgs {
		if m.Role == store.RoleUser && strings.TrimSpace(m.Content) != "" {
			users = append(users, m.Content)
		}
	}
	if len(users) == 0 {
		return ""
	}
	fallback := titleFrom(users[len(users)-1])
	if o.titler == nil {
		return fallback
	}

	prompt := strings.Join(users, "\n") + "\n\n" + TitlePrompt
	title, err := o.titler.Complete(ctx, "", prompt)
	if err != nil {
		o.logger.Error("error generating title", "error", err)
		return fallback
	}
	title = titleFrom(strings.Trim(strings.TrimSpace(title), `"'.`))
	if title == "" {
		return fallback
	}
	return title
}
