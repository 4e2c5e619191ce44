// ABOUTME: HTTP handlers for conversation history: list, read, rename, delete, update, feedback
// ABOUTME: Maps the store's tri-state results onto 404/403 and gates unfiltered operations

package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/rag-gateway/internal/auth"
	"github.com/2389/rag-gateway/internal/chat"
	"github.com/2389/rag-gateway/internal/store"
)

// Pagination bounds for /history/list.
const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// ConversationJSON is one entry of /history/list.
type ConversationJSON struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MessageJSON is one message of /history/read.
type MessageJSON struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ContentID string    `json:"content_id,omitempty"`
	Citations []string  `json:"citations"`
	Feedback  string    `json:"feedback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ReadResponse is the body of /history/read.
type ReadResponse struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []MessageJSON `json:"messages"`
}

// RenameRequest is the body of /history/rename.
type RenameRequest struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

// UpdateRequest is the body of /history/update.
type UpdateRequest struct {
	ConversationID string               `json:"conversation_id"`
	Messages       []chat.UpdateMessage `json:"messages"`
}

// UpdateResponse is the body returned by /history/update.
type UpdateResponse struct {
	Success bool       `json:"success"`
	Data    UpdateData `json:"data"`
}

// UpdateData summarizes the updated conversation.
type UpdateData struct {
	Title          string    `json:"title"`
	Date           time.Time `json:"date"`
	ConversationID string    `json:"conversation_id"`
}

// FeedbackRequest is the body of /history/message_feedback.
type FeedbackRequest struct {
	MessageID       string `json:"message_id"`
	MessageFeedback string `json:"message_feedback"`
}

// requireOwnerOrAdmin rejects anonymous callers of unfiltered operations
// unless they presented the admin credential.
func (g *Gateway) requireOwnerOrAdmin(w http.ResponseWriter, id auth.Identity) bool {
	if id.Anonymous() && !id.Admin {
		g.sendJSONError(w, http.StatusUnauthorized, "admin credential required for operations across all users")
		return false
	}
	return true
}

func (g *Gateway) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if !g.requireOwnerOrAdmin(w, id) {
		return
	}

	q := r.URL.Query()
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	limit, err := intParam(q.Get("limit"), DefaultPageSize)
	if err != nil || limit <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	limit = min(limit, MaxPageSize)
	order, err := store.ParseOrder(q.Get("sort"), store.OrderDesc)
	if err != nil {
		g.sendPipelineError(w, err)
		return
	}

	convs, err := g.store.ListConversations(r.Context(), id.Owner(), offset, limit, order)
	if err != nil {
		g.sendPipelineError(w, err)
		return
	}

	out := make([]ConversationJSON, 0, len(convs))
	for _, c := range convs {
		out = append(out, ConversationJSON{
			ConversationID: c.ID,
			UserID:         c.OwnerID,
			Title:          c.Title,
			CreatedAt:      c.CreatedAt,
			UpdatedAt:      c.UpdatedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleHistoryRead(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	q := r.URL.Query()
	convID := q.Get("id")
	if convID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "id is required")
		return
	}
	order, err := store.ParseOrder(q.Get("sort"), store.OrderAsc)
	if err != nil {
		g.sendPipelineError(w, err)
		return
	}

	// An empty owner reads unfiltered, so anonymous callers without the
	// admin credential are limited to shared conversations.
	if id.Anonymous() && !id.Admin {
		if _, err := g.store.GetConversation(r.Context(), "", convID); err != nil {
			if errors.Is(err, store.ErrForbidden) {
				err = store.ErrNotFound
			}
			g.sendPipelineError(w, err)
			return
		}
	}

	msgs, err := g.store.ReadMessages(r.Context(), id.Owner(), convID, order)
	if err != nil {
		g.sendPipelineError(w, err)
		return
	}
	if len(msgs) == 0 {
		g.sendJSONError(w, http.StatusNotFound, "conversation "+convID+" was not found")
		return
	}

	resp := ReadResponse{ConversationID: convID, Messages: make([]MessageJSON, 0, len(msgs))}
	for _, m := range msgs {
		citations := m.Citations
		if citations == nil {
			citations = []string{}
		}
		resp.Messages = append(resp.Messages, MessageJSON{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			ContentID: m.ContentID,
			Citations: citations,
			Feedback:  m.Feedback,
			CreatedAt: m.CreatedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	convID := r.URL.Query().Get("id")
	if convID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	res, err := g.store.DeleteConversation(r.Context(), id.Owner(), convID)
	if err != nil {
		g.sendPipelineError(w, err)
		return
	}
	switch res {
	case store.DeleteNotFound:
		g.sendJSONError(w, http.StatusNotFound, "conversation "+convID+" was not found")
	case store.DeleteForbidden:
		g.sendJSONError(w, http.StatusForbidden, "conversation belongs to another user")
	default:
		g.logger.Info("conversation deleted", "conversation_id", convID, "identity", id.String())
		g.writeJSON(w, http.StatusOK, map[string]string{
			"message":         "Successfully deleted conversation and messages",
			"conversation_id": convID,
		})
	}
}

func (g *Gateway) handleHistoryDeleteAll(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if !g.requireOwnerOrAdmin(w, id) {
		return
	}

	n, err := g.store.DeleteAll(r.Context(), id.Owner())
	if err != nil {
		g.sendPipelineError(w, err)
		return
	}
	if id.Anonymous() {
		g.logger.Warn("deleted conversations of all users", "deleted", n)
	} else {
		g.logger.Info("deleted all conversations", "identity", id.String(), "deleted", n)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"message": "Successfully deleted conversations and messages",
		"deleted": n,
	})
}

func (g *Gateway) handleHistoryRename(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	var req RenameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ConversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		g.sendJSONError(w, http.StatusBadRequest, "title is required")
		return
	}

	res, err := g.store.RenameConversation(r.Context(), id.Owner(), req.ConversationID, title)
	if err != nil {
		g.sendPipelineError(w, err)
		return
	}
	switch res {
	case store.RenameNotFound:
		g.sendJSONError(w, http.StatusNotFound, "conversation "+req.ConversationID+" was not found")
	case store.RenameForbidden:
		g.sendJSONError(w, http.StatusForbidden, "conversation belongs to another user")
	default:
		g.writeJSON(w, http.StatusOK, RenameRequest{ConversationID: req.ConversationID, Title: title})
	}
}

func (g *Gateway) handleHistoryUpdate(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	var req UpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := g.orchestrator.UpdateHistory(r.Context(), &chat.UpdateRequest{
		Identity:       id,
		ConversationID: req.ConversationID,
		Messages:       req.Messages,
	})
	if err != nil {
		g.sendPipelineError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, UpdateResponse{
		Success: true,
		Data: UpdateData{
			Title:          res.Title,
			Date:           res.Date,
			ConversationID: res.ConversationID,
		},
	})
}

func (g *Gateway) handleMessageFeedback(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	var req FeedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MessageID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "message_id is required")
		return
	}

	err := g.store.SetFeedback(r.Context(), id.Owner(), req.MessageID, req.MessageFeedback)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "Unable to update message "+req.MessageID+". It either does not exist or the user does not have access to it.")
		return
	}
	if err != nil {
		g.sendPipelineError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{
		"message":    "Successfully updated message with feedback " + req.MessageFeedback,
		"message_id": req.MessageID,
	})
}

func (g *Gateway) handleHistoryEnsure(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Error("history store ping failed", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "history store is not working")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "driver": g.driver})
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
