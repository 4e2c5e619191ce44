// ABOUTME: HTTP client for the gateway's chat and history endpoints
// ABOUTME: Decodes the NDJSON envelope stream and falls back to a snapshot for read-only history calls

package chatclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2389/rag-gateway/internal/chat"
)

// ErrNetwork wraps transport failures: the request never produced a response.
var ErrNetwork = errors.New("network error")

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Conversation is one entry of the history list.
type Conversation struct {
	ID        string    `json:"conversation_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one stored or streamed message.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ContentID string    `json:"content_id,omitempty"`
	Citations []string  `json:"citations,omitempty"`
	Feedback  string    `json:"feedback,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Page is a history page. FromSnapshot is true when the gateway was
// unreachable and the page came from the local snapshot.
type Page struct {
	Conversations []Conversation
	FromSnapshot  bool
}

// Transcript is the message list of one conversation.
type Transcript struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	FromSnapshot   bool      `json:"-"`
}

// Client talks to one gateway.
type Client struct {
	baseURL    string
	http       *http.Client
	token      string
	principal  string
	adminToken string
	snapshot   *Snapshot
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithPrincipal sends the principal header instead of a token.
func WithPrincipal(id string) Option {
	return func(c *Client) { c.principal = id }
}

// WithAdminToken sends the administrative credential.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

// WithSnapshot enables the read-only fallback for list and read.
func WithSnapshot(s *Snapshot) Option {
	return func(c *Client) { c.snapshot = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// PrincipalHeader is the identity header the gateway reads by default.
const PrincipalHeader = "X-Ms-Client-Principal-Id"

// New returns a client for the gateway at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "chatclient")
	return c
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages        []ChatMessage `json:"messages"`
	ConversationID  *string       `json:"conversation_id"`
	LastRAGResponse *string       `json:"last_rag_response"`
}

// ChatMessage is one message of a chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Ask builds the request for one question.
func Ask(conversationID, query, lastResponse string) *ChatRequest {
	req := &ChatRequest{Messages: []ChatMessage{{Role: "user", Content: query}}}
	if conversationID != "" {
		req.ConversationID = &conversationID
	}
	if lastResponse != "" {
		req.LastRAGResponse = &lastResponse
	}
	return req
}

// Chat sends one turn and calls fn for every envelope in order. It returns
// the first error from fn, the transport or the decoder.
func (c *Client) Chat(ctx context.Context, req *ChatRequest, fn func(*chat.Envelope) error) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/chat", nil, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := NewStreamDecoder(resp.Body)
	for {
		env, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}

// Chart asks for chart data about the previous answer.
func (c *Client) Chart(ctx context.Context, query, lastResponse string) (json.RawMessage, error) {
	var out struct {
		Object json.RawMessage `json:"object"`
	}
	if err := c.getJSON(ctx, http.MethodPost, "/api/chart", nil, Ask("", query, lastResponse), &out); err != nil {
		return nil, err
	}
	return out.Object, nil
}

// List fetches one page of conversations, newest first. Network failures
// are answered from the snapshot when one is configured.
func (c *Client) List(ctx context.Context, offset, limit int) (*Page, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	var convs []Conversation
	err := c.getJSON(ctx, http.MethodGet, "/history/list", q, nil, &convs)
	if errors.Is(err, ErrNetwork) && c.snapshot != nil {
		c.logger.Warn("gateway unreachable, listing from snapshot", "error", err)
		return &Page{Conversations: c.snapshot.List(offset, limit), FromSnapshot: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Page{Conversations: convs}, nil
}

// Read fetches the messages of a conversation in chronological order.
func (c *Client) Read(ctx context.Context, conversationID string) (*Transcript, error) {
	q := url.Values{}
	q.Set("id", conversationID)

	var t Transcript
	err := c.getJSON(ctx, http.MethodGet, "/history/read", q, nil, &t)
	if errors.Is(err, ErrNetwork) && c.snapshot != nil {
		if msgs, ok := c.snapshot.Read(conversationID); ok {
			c.logger.Warn("gateway unreachable, reading from snapshot", "conversation_id", conversationID, "error", err)
			return &Transcript{ConversationID: conversationID, Messages: msgs, FromSnapshot: true}, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Rename sets a conversation title.
func (c *Client) Rename(ctx context.Context, conversationID, title string) error {
	body := map[string]string{"conversation_id": conversationID, "title": title}
	return c.getJSON(ctx, http.MethodPost, "/history/rename", nil, body, nil)
}

// Delete removes one conversation.
func (c *Client) Delete(ctx context.Context, conversationID string) error {
	q := url.Values{}
	q.Set("id", conversationID)
	return c.getJSON(ctx, http.MethodDelete, "/history/delete", q, nil, nil)
}

// DeleteAll removes every conversation visible to the caller and returns
// how many were deleted.
func (c *Client) DeleteAll(ctx context.Context) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := c.getJSON(ctx, http.MethodDelete, "/history/delete_all", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// Feedback records feedback on a message.
func (c *Client) Feedback(ctx context.Context, messageID, feedback string) error {
	body := map[string]string{"message_id": messageID, "message_feedback": feedback}
	return c.getJSON(ctx, http.MethodPost, "/history/message_feedback", nil, body, nil)
}

// Ensure checks that the gateway's history store is reachable.
func (c *Client) Ensure(ctx context.Context) error {
	return c.getJSON(ctx, http.MethodGet, "/history/ensure", nil, nil, nil)
}

func (c *Client) getJSON(ctx context.Context, method, path string, q url.Values, body, out any) error {
	resp, err := c.do(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// do sends a request and returns the response only when it is 2xx.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body any) (*http.Response, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.principal != "" {
		req.Header.Set(PrincipalHeader, c.principal)
	}
	if c.adminToken != "" {
		req.Header.Set("X-Admin-Token", c.adminToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

// maxEnvelopeBytes bounds one encoded envelope. Envelopes carry the whole
// answer so far and outgrow bufio's default token size.
const maxEnvelopeBytes = 8 << 20

// StreamDecoder reads envelopes from an NDJSON chat stream.
type StreamDecoder struct {
	scanner *bufio.Scanner
}

// NewStreamDecoder wraps r.
func NewStreamDecoder(r io.Reader) *StreamDecoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), maxEnvelopeBytes)
	return &StreamDecoder{scanner: s}
}

// Next returns the next envelope, or io.EOF at the end of the stream.
// Blank separator lines are skipped.
func (d *StreamDecoder) Next() (*chat.Envelope, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var env chat.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("parsing envelope: %w", err)
		}
		return &env, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading stream: %v", ErrNetwork, err)
	}
	return nil, io.EOF
}
