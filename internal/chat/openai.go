// ABOUTME: Primary agent on OpenAI chat completions with streaming and function tools
// ABOUTME: Sub-agent capabilities are exposed as tools; their output is fed back to the model

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"

	"github.com/2389/rag-gateway/internal/agentrun"
)

// DefaultMaxToolRounds bounds how many times the model may call tools in one turn.
const DefaultMaxToolRounds = 4

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = "You are a helpful assistant that answers questions about sales data. " +
	"Use query_sales_data to look up figures and generate_chart_data when the user asks for a chart. " +
	"If the data does not answer the question, say so."

// OpenAIConfig configures an OpenAIAgent.
type OpenAIConfig struct {
	Model        string
	SystemPrompt string
	// Temperature is sent only when non-negative.
	Temperature   float64
	MaxToolRounds int
	Tools         []agentrun.Capability
	Logger        *slog.Logger
}

// OpenAIAgent streams chat completions and resolves tool calls through capabilities.
type OpenAIAgent struct {
	client openai.Client
	cfg    OpenAIConfig
	tools  map[string]agentrun.Capability
	logger *slog.Logger
}

var _ Agent = (*OpenAIAgent)(nil)

// NewOpenAIAgent creates the primary agent.
func NewOpenAIAgent(client openai.Client, cfg OpenAIConfig) *OpenAIAgent {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tools := make(map[string]agentrun.Capability, len(cfg.Tools))
	for _, c := range cfg.Tools {
		tools[c.Name()] = c
	}
	return &OpenAIAgent{
		client: client,
		cfg:    cfg,
		tools:  tools,
		logger: logger.With("component", "openai-agent"),
	}
}

// toolArgs is the argument object of every capability tool.
type toolArgs struct {
	Input string `json:"input"`
}

func (a *OpenAIAgent) toolParams() []openai.ChatCompletionToolParam {
	params := make([]openai.ChatCompletionToolParam, 0, len(a.cfg.Tools))
	for _, c := range a.cfg.Tools {
		params = append(params, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        c.Name(),
				Description: openai.String(c.Description()),
				Parameters: openai.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"input": map[string]string{
							"type":        "string",
							"description": "The request for this tool, in natural language.",
						},
					},
					"required": []string{"input"},
				},
			},
		})
	}
	return params
}

func (a *OpenAIAgent) buildMessages(req *Request) []openai.ChatCompletionMessageParamUnion {
	msgs := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(a.cfg.SystemPrompt)}
	for _, h := range req.History {
		switch h.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(h.Content))
		default:
			msgs = append(msgs, openai.UserMessage(h.Content))
		}
	}
	if req.LastResponse != "" {
		msgs = append(msgs, openai.SystemMessage("Most recent answer, for follow-up requests such as charts:\n"+req.LastResponse))
	}
	return append(msgs, openai.UserMessage(req.Query))
}

// Stream runs the completion loop in a goroutine. Each round streams text to the
// caller; if the model asked for tools, their results are appended and another
// round starts.
func (a *OpenAIAgent) Stream(ctx context.Context, req *Request) (<-chan *Response, error) {
	out := make(chan *Response, 16)

	go func() {
		defer close(out)

		messages := a.buildMessages(req)
		for round := 0; ; round++ {
			params := openai.ChatCompletionNewParams{
				Model:    a.cfg.Model,
				Messages: messages,
			}
			if a.cfg.Temperature >= 0 {
				params.Temperature = openai.Float(a.cfg.Temperature)
			}
			if len(a.cfg.Tools) > 0 && round < a.cfg.MaxToolRounds {
				params.Tools = a.toolParams()
			}

			acc, ok := a.streamRound(ctx, params, out)
			if !ok {
				return
			}
			if len(acc.Choices) == 0 || len(acc.Choices[0].Message.ToolCalls) == 0 {
				send(ctx, out, &Response{Event: EventDone})
				return
			}

			messages = append(messages, acc.Choices[0].Message.ToParam())
			for _, call := range acc.Choices[0].Message.ToolCalls {
				result, err := a.runTool(ctx, call.Function.Name, call.Function.Arguments)
				if err != nil {
					send(ctx, out, &Response{Event: EventError, Error: err})
					return
				}
				messages = append(messages, openai.ToolMessage(result, call.ID))
			}
		}
	}()

	return out, nil
}

// streamRound streams one completion, forwarding content deltas. It returns
// false once a terminal event has been sent or ctx is done.
func (a *OpenAIAgent) streamRound(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- *Response) (openai.ChatCompletionAccumulator, bool) {
	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if !send(ctx, out, &Response{Event: EventText, Text: chunk.Choices[0].Delta.Content}) {
			return acc, false
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() == nil {
			send(ctx, out, &Response{Event: EventError, Error: fmt.Errorf("streaming completion: %w", err)})
		}
		return acc, false
	}
	return acc, true
}

// runTool invokes the named capability. Unknown tools and bad arguments are
// reported back to the model as text rather than failing the turn.
func (a *OpenAIAgent) runTool(ctx context.Context, name, arguments string) (string, error) {
	capability, ok := a.tools[name]
	if !ok {
		a.logger.Warn("model requested unknown tool", "tool", name)
		return fmt.Sprintf("unknown tool %q", name), nil
	}
	var args toolArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || args.Input == "" {
		a.logger.Warn("invalid tool arguments", "tool", name, "arguments", arguments)
		return "tool arguments must be a JSON object with a non-empty \"input\" string", nil
	}

	a.logger.Debug("invoking tool", "tool", name)
	result, err := capability.Invoke(ctx, args.Input)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}
	return result, nil
}

// OpenAICompleter answers single prompts with a non-streaming completion.
type OpenAICompleter struct {
	client openai.Client
	model  string
}

var _ Completer = (*OpenAICompleter)(nil)

// NewOpenAICompleter creates a Completer for model.
func NewOpenAICompleter(client openai.Client, model string) *OpenAICompleter {
	return &OpenAICompleter{client: client, model: model}
}

func (c *OpenAICompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	msgs = append(msgs, openai.UserMessage(prompt))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     c.model,
		Messages:  msgs,
		MaxTokens: openai.Int(64),
	})
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
