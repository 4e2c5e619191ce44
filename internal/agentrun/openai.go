// ABOUTME: RunClient backed by the OpenAI Assistants API (threads, messages, runs)
// ABOUTME: Translates openai-go types into the invoker's Run and ThreadMessage values

package agentrun

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
)

// OpenAIRunClient implements RunClient with openai-go's Beta.Threads services.
type OpenAIRunClient struct {
	client openai.Client
}

var _ RunClient = (*OpenAIRunClient)(nil)

// NewOpenAIRunClient wraps an already configured client.
func NewOpenAIRunClient(client openai.Client) *OpenAIRunClient {
	return &OpenAIRunClient{client: client}
}

func (c *OpenAIRunClient) CreateThread(ctx context.Context) (string, error) {
	thread, err := c.client.Beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	if err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}
	return thread.ID, nil
}

func (c *OpenAIRunClient) PostMessage(ctx context.Context, threadID, content string) error {
	_, err := c.client.Beta.Threads.Messages.New(ctx, threadID, openai.BetaThreadMessageNewParams{
		Role: openai.BetaThreadMessageNewParamsRoleUser,
		Content: openai.BetaThreadMessageNewParamsContentUnion{
			OfString: openai.String(content),
		},
	})
	if err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	return nil
}

func (c *OpenAIRunClient) CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	run, err := c.client.Beta.Threads.Runs.New(ctx, threadID, openai.BetaThreadRunNewParams{
		AssistantID: assistantID,
	})
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	return toRun(run), nil
}

func (c *OpenAIRunClient) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	run, err := c.client.Beta.Threads.Runs.Get(ctx, threadID, runID)
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return toRun(run), nil
}

// ListMessages returns the thread's messages newest first.
func (c *OpenAIRunClient) ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	page, err := c.client.Beta.Threads.Messages.List(ctx, threadID, openai.BetaThreadMessageListParams{
		Order: openai.BetaThreadMessageListParamsOrderDesc,
	})
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	msgs := make([]ThreadMessage, 0, len(page.Data))
	for _, m := range page.Data {
		tm := ThreadMessage{Role: string(m.Role)}
		for _, content := range m.Content {
			if content.Type == "text" {
				tm.Texts = append(tm.Texts, content.Text.Value)
			}
		}
		msgs = append(msgs, tm)
	}
	return msgs, nil
}

func (c *OpenAIRunClient) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := c.client.Beta.Threads.Delete(ctx, threadID); err != nil {
		return fmt.Errorf("deleting thread: %w", err)
	}
	return nil
}

func toRun(r *openai.Run) *Run {
	return &Run{
		ID:        r.ID,
		ThreadID:  r.ThreadID,
		Status:    RunStatus(r.Status),
		LastError: r.LastError.Message,
	}
}
