package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/rag-gateway/internal/agentrun"
)

// sseChunk encodes one chat.completion.chunk with the given delta.
func sseChunk(delta map[string]any, finish string) string {
	choice := map[string]any{"index": 0, "delta": delta}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	data, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"created": 1700000000,
		"model":   "gpt-test",
		"choices": []any{choice},
	})
	return "data: " + string(data) + "\n\n"
}

func writeSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, e := range events {
		_, _ = io.WriteString(w, e)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
}

func newTestClient(url string) openai.Client {
	return openai.NewClient(
		option.WithBaseURL(url+"/"),
		option.WithAPIKey("test-key"),
		option.WithMaxRetries(0),
	)
}

type stubCapability struct {
	name   string
	result string
	err    error
	inputs []string
	mu     sync.Mutex
}

func (s *stubCapability) Name() string        { return s.name }
func (s *stubCapability) Description() string { return "stub " + s.name }
func (s *stubCapability) Invoke(_ context.Context, input string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, input)
	return s.result, s.err
}

func drainResponses(t *testing.T, ch <-chan *Response) (string, *Response) {
	t.Helper()
	var sb strings.Builder
	var last *Response
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return sb.String(), last
			}
			if r.Event == EventText {
				sb.WriteString(r.Text)
			}
			last = r
		case <-timeout:
			t.Fatal("agent stream did not close")
		}
	}
}

func TestOpenAIAgent_StreamsText(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeSSE(w,
			sseChunk(map[string]any{"role": "assistant", "content": "Hel"}, ""),
			sseChunk(map[string]any{"content": "lo"}, ""),
			sseChunk(map[string]any{}, "stop"),
		)
	}))
	defer srv.Close()

	agent := NewOpenAIAgent(newTestClient(srv.URL), OpenAIConfig{Model: "gpt-test", Temperature: 0})
	ch, err := agent.Stream(context.Background(), &Request{
		Query:        "hi",
		LastResponse: "earlier answer",
		History:      []HistoryTurn{{Role: "user", Content: "q0"}, {Role: "assistant", Content: "a0"}},
	})
	require.NoError(t, err)

	got, last := drainResponses(t, ch)
	assert.Equal(t, "Hello", got)
	require.NotNil(t, last)
	assert.Equal(t, EventDone, last.Event)

	assert.Equal(t, "gpt-test", body["model"])
	assert.NotContains(t, body, "tools")
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 5)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "assistant", msgs[2].(map[string]any)["role"])
	assert.Contains(t, msgs[3].(map[string]any)["content"], "earlier answer")
	assert.Equal(t, "hi", msgs[4].(map[string]any)["content"])
}

func TestOpenAIAgent_ToolRoundTrip(t *testing.T) {
	var calls atomic.Int32
	var secondBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if calls.Add(1) == 1 {
			var body map[string]any
			_ = json.Unmarshal(raw, &body)
			tools, _ := body["tools"].([]any)
			if assert.Len(t, tools, 1) {
				fn := tools[0].(map[string]any)["function"].(map[string]any)
				assert.Equal(t, "query_sales_data", fn["name"])
			}

			writeSSE(w,
				sseChunk(map[string]any{"role": "assistant", "tool_calls": []any{map[string]any{
					"index": 0, "id": "call_1", "type": "function",
					"function": map[string]any{"name": "query_sales_data", "arguments": `{"input":`},
				}}}, ""),
				sseChunk(map[string]any{"tool_calls": []any{map[string]any{
					"index": 0, "function": map[string]any{"arguments": `"sales by region"}`},
				}}}, ""),
				sseChunk(map[string]any{}, "tool_calls"),
			)
			return
		}
		secondBody = string(raw)
		writeSSE(w,
			sseChunk(map[string]any{"role": "assistant", "content": "North: 40"}, ""),
			sseChunk(map[string]any{}, "stop"),
		)
	}))
	defer srv.Close()

	sql := &stubCapability{name: "query_sales_data", result: `[{"region":"North","total":40}]`}
	agent := NewOpenAIAgent(newTestClient(srv.URL), OpenAIConfig{Model: "gpt-test", Tools: []agentrun.Capability{sql}})

	ch, err := agent.Stream(context.Background(), &Request{Query: "sales by region?"})
	require.NoError(t, err)
	got, last := drainResponses(t, ch)

	assert.Equal(t, "North: 40", got)
	assert.Equal(t, EventDone, last.Event)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"sales by region"}, sql.inputs)
	assert.Contains(t, secondBody, `"tool_call_id":"call_1"`)
	assert.Contains(t, secondBody, `North`)
}

func TestOpenAIAgent_ToolRoundsBounded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		n := calls.Add(1)
		if _, hasTools := body["tools"]; !hasTools {
			writeSSE(w, sseChunk(map[string]any{"content": "giving up"}, "stop"))
			return
		}
		writeSSE(w,
			sseChunk(map[string]any{"tool_calls": []any{map[string]any{
				"index": 0, "id": fmt.Sprintf("call_%d", n), "type": "function",
				"function": map[string]any{"name": "query_sales_data", "arguments": `{"input":"again"}`},
			}}}, ""),
			sseChunk(map[string]any{}, "tool_calls"),
		)
	}))
	defer srv.Close()

	sql := &stubCapability{name: "query_sales_data", result: "[]"}
	agent := NewOpenAIAgent(newTestClient(srv.URL), OpenAIConfig{
		Model:         "gpt-test",
		Tools:         []agentrun.Capability{sql},
		MaxToolRounds: 2,
	})

	ch, err := agent.Stream(context.Background(), &Request{Query: "loop"})
	require.NoError(t, err)
	got, _ := drainResponses(t, ch)

	assert.Equal(t, "giving up", got)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, sql.inputs, 2)
}

func TestOpenAIAgent_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"Rate limit is exceeded. Try again in 9 seconds.","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	agent := NewOpenAIAgent(newTestClient(srv.URL), OpenAIConfig{Model: "gpt-test"})
	ch, err := agent.Stream(context.Background(), &Request{Query: "hi"})
	require.NoError(t, err)

	_, last := drainResponses(t, ch)
	require.NotNil(t, last)
	require.Equal(t, EventError, last.Event)

	var rl *RateLimitError
	require.ErrorAs(t, classifyUpstream(last.Error), &rl)
}

func TestOpenAIAgent_UnknownToolAndBadArguments(t *testing.T) {
	agent := NewOpenAIAgent(openai.NewClient(option.WithAPIKey("x")), OpenAIConfig{
		Tools: []agentrun.Capability{&stubCapability{name: "generate_chart_data", result: "{}"}},
	})

	out, err := agent.runTool(context.Background(), "drop_tables", `{"input":"x"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "unknown tool")

	out, err = agent.runTool(context.Background(), "generate_chart_data", `not json`)
	require.NoError(t, err)
	assert.Contains(t, out, "input")

	out, err = agent.runTool(context.Background(), "generate_chart_data", `{"input":"chart it"}`)
	require.NoError(t, err)
	assert.Equal(t, "{}", out)
}

func TestOpenAICompleter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, float64(64), body["max_tokens"])
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-2",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-test",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "Regional Sales"},
			}},
		})
	}))
	defer srv.Close()

	c := NewOpenAICompleter(newTestClient(srv.URL), "gpt-test")
	got, err := c.Complete(context.Background(), "sys", "name this")
	require.NoError(t, err)
	assert.Equal(t, "Regional Sales", got)
}
