// Command defipilot runs the DefiPilot conversational server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/defipilot/defipilot/internal/config"
	"github.com/defipilot/defipilot/internal/feeds"
	"github.com/defipilot/defipilot/internal/gateway"
	"github.com/defipilot/defipilot/internal/llm"
	"github.com/defipilot/defipilot/internal/observability"
	"github.com/defipilot/defipilot/internal/orchestrator"
	"github.com/defipilot/defipilot/internal/retry"
	"github.com/defipilot/defipilot/internal/sessions"
	"github.com/defipilot/defipilot/internal/tools"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "defipilot",
		Short: "DefiPilot conversational DeFi assistant server",
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	var provider llm.Provider
	switch cfg.LLM.Provider {
	case "openai":
		provider, err = llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.Model,
		})
	default:
		provider, err = llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.Model,
		})
	}
	if err != nil {
		return err
	}

	adapter := llm.NewAdapter(provider, llm.AdapterConfig{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		Retry: retry.Config{
			MaxAttempts:  cfg.LLM.MaxRetries,
			InitialDelay: cfg.LLM.RetryDelay,
			MaxDelay:     30 * time.Second,
			Factor:       2.0,
			Jitter:       true,
		},
		FailureThreshold:      cfg.LLM.FailureThreshold,
		ResetTimeout:          cfg.LLM.ResetTimeout,
		MaxSystemPromptLength: cfg.LLM.MaxSystemPromptLength,
	}, logger, metrics)

	feedConfig := feeds.HTTPConfig{
		BaseURL: cfg.Feeds.BaseURL,
		APIKey:  cfg.Feeds.APIKey,
		Timeout: cfg.Feeds.Timeout,
	}
	registry := tools.NewRegistry()
	registry.MustRegister(tools.DeFiDefinitions(tools.Feeds{
		Gas:     feeds.NewHTTPGasOracle(feedConfig, logger),
		Prices:  feeds.NewHTTPPriceFeed(feedConfig, logger),
		Lending: feeds.NewHTTPLendingFeed(feedConfig, logger),
		Balance: feeds.NewHTTPBalanceFeed(feedConfig, logger),
	})...)

	executor := tools.NewExecutor(registry, tools.ExecutorConfig{
		MaxConcurrent: cfg.Tools.MaxConcurrent,
		Timeout:       cfg.Tools.Timeout,
	}, logger, metrics)

	store := sessions.NewStore(sessions.Config{
		MaxHistory:      cfg.Sessions.MaxHistory,
		Timeout:         cfg.Sessions.Timeout,
		CleanupInterval: cfg.Sessions.CleanupInterval,
	}, logger, metrics)
	defer store.Close()

	orch := orchestrator.New(orchestrator.Config{
		SystemPrompt:   cfg.LLM.SystemPrompt,
		MaxRounds:      cfg.LLM.MaxRounds,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, adapter, registry, executor, store, logger, metrics)

	server := gateway.NewServer(gateway.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		MaxConnections:   cfg.Server.MaxConnections,
		PingInterval:     cfg.Server.PingInterval,
		MessageQueueSize: cfg.Server.MessageQueueSize,
		CORSOrigin:       cfg.Server.CORSOrigin,
	}, orch, store, adapter, logger, metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}
