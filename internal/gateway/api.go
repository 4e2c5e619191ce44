// ABOUTME: HTTP API for chat turns and chart generation plus route registration
// ABOUTME: Streams turn envelopes as NDJSON and maps pipeline errors to status codes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/rag-gateway/internal/agentrun"
	"github.com/2389/rag-gateway/internal/auth"
	"github.com/2389/rag-gateway/internal/chat"
	"github.com/2389/rag-gateway/internal/store"
)

// maxBodyBytes bounds request bodies; history updates carry whole answers.
const maxBodyBytes = 4 << 20

// ChartModelName is reported in chart responses.
const ChartModelName = "azure-openai"

// ChatMessage is one message of a chat or chart request body.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /api/chat and POST /api/chart.
type ChatRequest struct {
	Messages        []ChatMessage `json:"messages"`
	ConversationID  *string       `json:"conversation_id"`
	LastRAGResponse *string       `json:"last_rag_response"`
}

// query returns the content of the last user message.
func (r *ChatRequest) query() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == store.RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ChartResponse is the body returned by POST /api/chart.
type ChartResponse struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Created int64           `json:"created"`
	Object  json.RawMessage `json:"object"`
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// No identity required
	g.route(mux, "GET /health", false, g.handleHealth)
	mux.Handle("GET /metrics", g.metrics.Handler())

	g.route(mux, "POST /api/chat", true, g.handleChat)
	g.route(mux, "POST /api/chart", true, g.handleChart)

	g.route(mux, "GET /history/list", true, g.handleHistoryList)
	g.route(mux, "GET /history/read", true, g.handleHistoryRead)
	g.route(mux, "DELETE /history/delete", true, g.handleHistoryDelete)
	g.route(mux, "DELETE /history/delete_all", true, g.handleHistoryDeleteAll)
	g.route(mux, "POST /history/rename", true, g.handleHistoryRename)
	g.route(mux, "POST /history/update", true, g.handleHistoryUpdate)
	g.route(mux, "POST /history/message_feedback", true, g.handleMessageFeedback)
	g.route(mux, "GET /history/ensure", true, g.handleHistoryEnsure)

	return mux
}

// route registers h under pattern with request metrics and, when authed,
// identity resolution.
func (g *Gateway) route(mux *http.ServeMux, pattern string, authed bool, h http.HandlerFunc) {
	var handler http.Handler = h
	if authed {
		handler = g.resolver.Middleware(handler)
	}
	mux.Handle(pattern, g.instrument(pattern, handler))
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (g *Gateway) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := g.now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		g.metrics.ObserveHTTP(route, rec.status, g.now().Sub(start))
	})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleChat runs one turn and streams its envelopes.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	g.turns.Add(1)
	defer g.turns.Done()

	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := auth.FromContext(r.Context())
	if ok, retry := g.limiter.allow(limiterKey(id, r)); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		g.sendJSONError(w, http.StatusTooManyRequests, chat.UserMessage(&chat.RateLimitError{RetryAfter: retry}))
		return
	}

	resp, err := g.orchestrator.Turn(r.Context(), &chat.TurnRequest{
		Identity:        id,
		ConversationID:  deref(req.ConversationID),
		Query:           req.query(),
		LastRAGResponse: deref(req.LastRAGResponse),
	})
	if err != nil {
		g.sendPipelineError(w, err)
		return
	}

	g.metrics.StreamsInFlight.Inc()
	defer g.metrics.StreamsInFlight.Dec()

	w.Header().Set("Content-Type", chat.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Conversation-Id", resp.ConversationID)
	w.WriteHeader(http.StatusOK)

	ew := chat.NewEnvelopeWriter(w)
	for env := range resp.Stream {
		if err := ew.Write(env); err != nil {
			// Returning cancels the request context, which stops the turn.
			g.logger.Debug("client went away mid-stream", "conversation_id", resp.ConversationID, "error", err)
			return
		}
	}
}

// handleChart asks the chart sub-agent for chart JSON about the previous answer.
func (g *Gateway) handleChart(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	last := strings.TrimSpace(deref(req.LastRAGResponse))
	if last == "" {
		g.sendJSONError(w, http.StatusBadRequest, "last_rag_response is required")
		return
	}
	query := strings.TrimSpace(req.query())
	if query == "" {
		g.sendJSONError(w, http.StatusBadRequest, "user message not found")
		return
	}
	if g.chart == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "chart generation is not configured")
		return
	}

	out, err := g.chart.Invoke(r.Context(), agentrun.ChartPrompt(query, last))
	if err != nil {
		g.logger.Warn("chart request abandoned", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "chart request cancelled")
		return
	}
	if out == agentrun.FallbackText || !json.Valid([]byte(out)) {
		g.logger.Error("chart agent returned unusable output", "output_len", len(out))
		g.sendJSONError(w, http.StatusBadGateway, "chart data could not be generated")
		return
	}

	id := deref(req.ConversationID)
	if id == "" {
		id = uuid.New().String()
	}
	g.writeJSON(w, http.StatusOK, ChartResponse{
		ID:      id,
		Model:   ChartModelName,
		Created: g.now().Unix(),
		Object:  json.RawMessage(out),
	})
}

// limiterKey buckets identified callers by identity and anonymous callers by address.
func limiterKey(id auth.Identity, r *http.Request) string {
	if !id.Anonymous() {
		return id.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// statusFor maps pipeline and store errors onto HTTP status codes.
func statusFor(err error) int {
	var rl *chat.RateLimitError
	switch {
	case errors.Is(err, chat.ErrValidation), errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendPipelineError writes err with its mapped status. Client errors carry
// their message; server errors are logged and replaced by a generic one.
func (g *Gateway) sendPipelineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusBadRequest:
		g.sendJSONError(w, status, err.Error())
	case http.StatusForbidden:
		g.sendJSONError(w, status, "conversation belongs to another user")
	case http.StatusNotFound:
		g.sendJSONError(w, status, "not found")
	case http.StatusTooManyRequests:
		g.sendJSONError(w, status, chat.UserMessage(err))
	case http.StatusServiceUnavailable:
		g.logger.Error("store unavailable", "error", err)
		g.sendJSONError(w, status, "history store is unavailable")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, chat.UserMessage(err))
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
