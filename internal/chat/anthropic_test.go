package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMessagesServer(t *testing.T, status int, reply string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		if captured != nil {
			_ = json.NewDecoder(r.Body).Decode(captured)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       "messages-test-model",
			"stop_reason": "end_turn",
			"content":     []any{map[string]any{"type": "text", "text": reply}},
			"usage":       map[string]any{"input_tokens": 3, "output_tokens": 5},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newAnthropicClient(url string) anthropic.Client {
	return anthropic.NewClient(
		option.WithBaseURL(url+"/"),
		option.WithAPIKey("test-key"),
		option.WithMaxRetries(0),
	)
}

func TestAnthropicAgent_SingleChunk(t *testing.T) {
	var body map[string]any
	srv := newMessagesServer(t, http.StatusOK, "All regions grew.", &body)

	agent := NewAnthropicAgent(newAnthropicClient(srv.URL), "messages-test-model", "", -1, nil)
	ch, err := agent.Stream(context.Background(), &Request{
		Query:        "growth?",
		LastResponse: "prior",
		History:      []HistoryTurn{{Role: "user", Content: "q0"}, {Role: "assistant", Content: "a0"}},
	})
	require.NoError(t, err)

	got, last := drainResponses(t, ch)
	assert.Equal(t, "All regions grew.", got)
	assert.Equal(t, EventDone, last.Event)

	assert.Equal(t, "messages-test-model", body["model"])
	assert.NotContains(t, body, "temperature")
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 3)
	system := body["system"].([]any)
	require.Len(t, system, 1)
	assert.Contains(t, system[0].(map[string]any)["text"], "prior")
}

func TestAnthropicAgent_ErrorIsRateLimited(t *testing.T) {
	srv := newMessagesServer(t, http.StatusTooManyRequests, "", nil)

	agent := NewAnthropicAgent(newAnthropicClient(srv.URL), "messages-test-model", "", 0, nil)
	ch, err := agent.Stream(context.Background(), &Request{Query: "q"})
	require.NoError(t, err)

	_, last := drainResponses(t, ch)
	require.Equal(t, EventError, last.Event)
	var rl *RateLimitError
	assert.ErrorAs(t, classifyUpstream(last.Error), &rl)
}

func TestAnthropicAgent_Complete(t *testing.T) {
	var body map[string]any
	srv := newMessagesServer(t, http.StatusOK, "Regional Growth", &body)

	agent := NewAnthropicAgent(newAnthropicClient(srv.URL), "messages-test-model", "", 0.5, nil)
	got, err := agent.Complete(context.Background(), "", "title please")
	require.NoError(t, err)
	assert.Equal(t, "Regional Growth", got)
	assert.Equal(t, float64(64), body["max_tokens"])
	assert.NotContains(t, body, "system")
}
