// ABOUTME: Alternate provider on the Anthropic Messages API
// ABOUTME: Non-streaming: the whole answer is delivered as a single text event

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// DefaultAnthropicMaxTokens bounds answers from the Anthropic provider.
const DefaultAnthropicMaxTokens = 4096

// AnthropicAgent answers turns with one Messages.New call. It does not expose
// sub-agent tools.
type AnthropicAgent struct {
	client       anthropic.Client
	model        string
	systemPrompt string
	temperature  float64
	maxTokens    int64
	logger       *slog.Logger
}

var (
	_ Agent     = (*AnthropicAgent)(nil)
	_ Completer = (*AnthropicAgent)(nil)
)

// NewAnthropicAgent creates the agent. A negative temperature leaves it unset.
func NewAnthropicAgent(client anthropic.Client, model, systemPrompt string, temperature float64, logger *slog.Logger) *AnthropicAgent {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicAgent{
		client:       client,
		model:        model,
		systemPrompt: systemPrompt,
		temperature:  temperature,
		maxTokens:    DefaultAnthropicMaxTokens,
		logger:       logger.With("component", "anthropic-agent"),
	}
}

func (a *AnthropicAgent) Stream(ctx context.Context, req *Request) (<-chan *Response, error) {
	out := make(chan *Response, 2)

	var msgs []anthropic.MessageParam
	for _, h := range req.History {
		block := anthropic.NewTextBlock(h.Content)
		if h.Role == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Query)))

	system := a.systemPrompt
	if req.LastResponse != "" {
		system += "\n\nMost recent answer, for follow-up requests such as charts:\n" + req.LastResponse
	}

	go func() {
		defer close(out)
		text, err := a.create(ctx, system, msgs, a.maxTokens)
		if err != nil {
			if ctx.Err() == nil {
				send(ctx, out, &Response{Event: EventError, Error: err})
			}
			return
		}
		if text != "" && !send(ctx, out, &Response{Event: EventText, Text: text}) {
			return
		}
		send(ctx, out, &Response{Event: EventDone})
	}()

	return out, nil
}

// Complete answers a single prompt, used for titles.
func (a *AnthropicAgent) Complete(ctx context.Context, system, prompt string) (string, error) {
	msgs := []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))}
	return a.create(ctx, system, msgs, 64)
}

func (a *AnthropicAgent) create(ctx context.Context, system string, msgs []anthropic.MessageParam, maxTokens int64) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if a.temperature >= 0 {
		params.Temperature = anthropic.Float(a.temperature)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	return sb.String(), nil
}
