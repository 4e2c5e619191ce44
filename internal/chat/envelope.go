// ABOUTME: Wire format of the streaming chat protocol (one JSON envelope per line)
// ABOUTME: Envelopes carry the full accumulated answer, never a delta

package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Protocol constants.
const (
	ModelName   = "rag-model"
	ObjectChunk = "extensions.chat.completion.chunk"
	ContentType = "application/x-ndjson"
	// Separator follows every encoded envelope.
	Separator = "\n\n"
)

// EnvelopeMessage is one message inside an envelope choice.
type EnvelopeMessage struct {
	// ID is the stable id of the assistant message being streamed. Every
	// envelope of one turn carries the same id.
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Choice groups the messages of one envelope.
type Choice struct {
	Messages []EnvelopeMessage `json:"messages"`
}

// Envelope is one unit of the streaming protocol. An envelope with Error set is
// an error chunk and encodes as {"error": "..."} only.
type Envelope struct {
	ID              string         `json:"id"`
	Model           string         `json:"model"`
	Created         int64          `json:"created"`
	Object          string         `json:"object"`
	Choices         []Choice       `json:"choices"`
	HistoryMetadata map[string]any `json:"history_metadata"`
	APIMRequestID   string         `json:"apim-request-id"`
	Error           string         `json:"error,omitempty"`
}

// NewEnvelope builds a content envelope carrying the accumulated text.
func NewEnvelope(conversationID, messageID string, created int64, content string) *Envelope {
	return &Envelope{
		ID:      conversationID,
		Model:   ModelName,
		Created: created,
		Object:  ObjectChunk,
		Choices: []Choice{{Messages: []EnvelopeMessage{{
			ID:      messageID,
			Role:    "assistant",
			Content: content,
		}}}},
		HistoryMetadata: map[string]any{},
	}
}

// ErrorEnvelope builds an error chunk.
func ErrorEnvelope(msg string) *Envelope {
	return &Envelope{Error: msg}
}

// IsError reports whether this is an error chunk.
func (e *Envelope) IsError() bool {
	return e.Error != ""
}

// Message returns the assistant message of the envelope, if any.
func (e *Envelope) Message() (EnvelopeMessage, bool) {
	for _, c := range e.Choices {
		for i := len(c.Messages) - 1; i >= 0; i-- {
			if c.Messages[i].Role == "assistant" {
				return c.Messages[i], true
			}
		}
	}
	return EnvelopeMessage{}, false
}

// Content returns the accumulated assistant text, or "".
func (e *Envelope) Content() string {
	m, _ := e.Message()
	return m.Content
}

// MarshalJSON emits only the error field for error chunks.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Error != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{e.Error})
	}
	type plain Envelope
	if e.HistoryMetadata == nil {
		e.HistoryMetadata = map[string]any{}
	}
	if e.Choices == nil {
		e.Choices = []Choice{}
	}
	return json.Marshal(plain(e))
}

// EnvelopeWriter writes envelopes to a streaming response, flushing after each.
type EnvelopeWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEnvelopeWriter wraps w. If w is an http.Flusher each envelope is flushed.
func NewEnvelopeWriter(w io.Writer) *EnvelopeWriter {
	f, _ := w.(http.Flusher)
	return &EnvelopeWriter{w: w, flusher: f}
}

// Write encodes env followed by Separator.
func (ew *EnvelopeWriter) Write(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	data = append(data, Separator...)
	if _, err := ew.w.Write(data); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	if ew.flusher != nil {
		ew.flusher.Flush()
	}
	return nil
}
