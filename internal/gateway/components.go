// ABOUTME: Builds the gateway's collaborators from configuration
// ABOUTME: Store, model clients, run-based sub-agents and the primary chat agent

package gateway

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"

	"github.com/2389/rag-gateway/internal/agentrun"
	"github.com/2389/rag-gateway/internal/chat"
	"github.com/2389/rag-gateway/internal/config"
	"github.com/2389/rag-gateway/internal/metrics"
	"github.com/2389/rag-gateway/internal/store"
)

// components are the collaborators a Gateway serves requests with. Tests build
// them directly; New builds them from configuration.
type components struct {
	store  store.Store
	driver string
	agent  chat.Agent
	titler chat.Completer
	// chart backs /api/chart. Nil disables the endpoint.
	chart   agentrun.Capability
	metrics *metrics.Metrics
	// closers are released on shutdown after the store.
	closers []func() error
}

func buildComponents(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*components, error) {
	sqlStore, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	c := &components{
		store:   m.WrapStore(sqlStore),
		driver:  sqlStore.Driver(),
		metrics: m,
	}

	if cfg.Agent.Provider == "anthropic" {
		client := anthropic.NewClient(anthropicOptions(cfg.Agent)...)
		a := chat.NewAnthropicAgent(client, cfg.Agent.Model, cfg.Agent.SystemPrompt, cfg.Agent.Temperature, logger)
		c.agent = a
		c.titler = a
		logger.Info("primary agent configured", "provider", "anthropic", "model", cfg.Agent.Model)
		return c, nil
	}

	client := openai.NewClient(openAIOptions(cfg.Agent)...)

	var dataDB *sql.DB
	if cfg.Database.DataDSN != "" {
		dataDB, err = store.OpenDataSource(cfg.Database.DataDriver, cfg.Database.DataDSN)
		if err != nil {
			_ = sqlStore.Close()
			return nil, err
		}
		c.closers = append(c.closers, dataDB.Close)
	}

	inv := agentrun.NewInvoker(agentrun.NewOpenAIRunClient(client),
		agentrun.WithPollInterval(cfg.Runs.PollInterval),
		agentrun.WithMaxPolls(cfg.Runs.MaxPolls),
		agentrun.WithObserver(m),
		agentrun.WithLogger(logger),
	)

	var tools []agentrun.Capability
	if cfg.Runs.SQLAssistantID != "" {
		tools = append(tools, agentrun.NewSQLAgent(inv, cfg.Runs.SQLAssistantID, dataDB, cfg.Runs.ResultLimit))
	}
	if cfg.Runs.ChartAssistantID != "" {
		chart := agentrun.NewChartAgent(inv, cfg.Runs.ChartAssistantID)
		tools = append(tools, chart)
		c.chart = chart
	}

	c.agent = chat.NewOpenAIAgent(client, chat.OpenAIConfig{
		Model:         cfg.Agent.Model,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		Temperature:   cfg.Agent.Temperature,
		MaxToolRounds: cfg.Agent.MaxToolRounds,
		Tools:         tools,
		Logger:        logger,
	})
	c.titler = chat.NewOpenAICompleter(client, cfg.Agent.Model)

	logger.Info("primary agent configured",
		"provider", "openai",
		"model", cfg.Agent.Model,
		"azure", cfg.Agent.AzureEndpoint != "",
		"tools", len(tools),
	)
	return c, nil
}

func openAIOptions(cfg config.AgentConfig) []option.RequestOption {
	if cfg.AzureEndpoint != "" {
		return []option.RequestOption{
			azure.WithEndpoint(cfg.AzureEndpoint, cfg.AzureAPIVersion),
			azure.WithAPIKey(cfg.APIKey),
		}
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return opts
}

func anthropicOptions(cfg config.AgentConfig) []anthropicopt.RequestOption {
	opts := []anthropicopt.RequestOption{anthropicopt.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(cfg.BaseURL))
	}
	return opts
}
