// Package main provides the dialectic binary entry point.
// Dialectic runs AI generation sessions through a thesis, antithesis and
// synthesis cycle, coordinating recipe-driven generation jobs over NATS.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/c360studio/dialectic/llm/providers"

	"github.com/c360studio/dialectic/config"
	"github.com/c360studio/dialectic/prompts"
	"github.com/c360studio/dialectic/storage"
	"github.com/c360studio/dialectic/transition"
	"github.com/c360studio/dialectic/worker"
	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/payloadregistry"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dialectic"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		promptsDir string
	)

	cmd := &cobra.Command{
		Use:   "dialectic",
		Short: "Dialectic generation engine",
		Long: `Dialectic runs AI generation sessions through a thesis, antithesis
and synthesis cycle.

It provides:
- A recipe-driven job scheduler fanning generation steps over model endpoints
- Continuation-chain document assembly
- Stage transition with consolidated user feedback and seed prompts

All state lives in NATS JetStream; the worker drains the job queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, promptsDir)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&promptsDir, "prompts", "", "Prompt template directory (overrides config)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel, promptsDir string) error {
	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if promptsDir != "" {
		cfg.Prompts.Dir = promptsDir
	}

	ctx := context.Background()
	natsClient, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	js, err := natsClient.JetStream()
	if err != nil {
		return fmt.Errorf("get jetstream: %w", err)
	}
	if err := ensureStream(ctx, js, cfg); err != nil {
		return err
	}

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Sync prompt templates into the store and watch for edits
	watcher, err := startPromptWatcher(signalCtx, js, cfg, logger)
	if err != nil {
		return err
	}
	if watcher != nil {
		defer func() { _ = watcher.Stop() }()
	}

	// Build and start the job worker
	workerConfig, err := json.Marshal(map[string]any{
		"stream_name":   cfg.Worker.StreamName,
		"consumer_name": cfg.Worker.ConsumerName,
		"job_subject":   cfg.Worker.JobSubject,
		"catalog_path":  cfg.Models.CatalogPath,
		"max_retries":   cfg.Worker.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("marshal worker config: %w", err)
	}

	registry := payloadregistry.New()
	if err := worker.RegisterPayloads(registry); err != nil {
		return fmt.Errorf("register payloads: %w", err)
	}

	comp, err := worker.NewComponent(workerConfig, component.Dependencies{
		NATSClient:      natsClient,
		Logger:          logger,
		PayloadRegistry: registry,
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	jobWorker := comp.(*worker.Component)
	if err := jobWorker.Initialize(); err != nil {
		return fmt.Errorf("initialize worker: %w", err)
	}
	if err := jobWorker.Start(signalCtx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	// Serve the stage-transition API
	apiServer, err := startAPIServer(signalCtx, js, cfg, logger)
	if err != nil {
		return err
	}

	slog.Info("Dialectic ready",
		"version", Version,
		"stream", cfg.Worker.StreamName,
		"job_subject", cfg.Worker.JobSubject)

	// Block until shutdown signal
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Error stopping API server", "error", err)
		}
		shutdownCancel()
	}

	if err := jobWorker.Stop(30 * time.Second); err != nil {
		slog.Error("Error stopping worker", "error", err)
	}

	slog.Info("Dialectic shutdown complete")
	return nil
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURL := "nats://localhost:4222"
	if cfg.NATS.URL != "" {
		natsURL = cfg.NATS.URL
	}

	logger.Info("Connecting to NATS", "url", natsURL)

	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	logger.Info("Connected to NATS", "url", natsURL)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg *config.Config) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Worker.StreamName,
		Subjects: []string{cfg.Worker.JobSubject},
		Storage:  jetstream.FileStorage,
		Replicas: 1,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.Worker.StreamName, err)
	}
	return nil
}

// startAPIServer exposes the stage-transition endpoints over HTTP. An empty
// api.addr disables the server; the worker still drains the job queue.
func startAPIServer(ctx context.Context, js jetstream.JetStream, cfg *config.Config, logger *slog.Logger) (*http.Server, error) {
	if cfg.API.Addr == "" {
		return nil, nil
	}

	store, err := storage.NewStore(ctx, js)
	if err != nil {
		return nil, fmt.Errorf("open row storage: %w", err)
	}
	gateway, err := storage.NewGateway(ctx, js, storage.BucketContent)
	if err != nil {
		return nil, fmt.Errorf("open content storage: %w", err)
	}

	mux := http.NewServeMux()
	transition.New(store, gateway, logger).RegisterHTTPHandlers("api/dialectic", mux)

	server := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("API server listening", "addr", cfg.API.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server stopped", "error", err)
		}
	}()
	return server, nil
}

// startPromptWatcher syncs the prompt directory once and keeps watching it.
// A missing directory is not fatal; prompts can be seeded directly in the
// store instead.
func startPromptWatcher(ctx context.Context, js jetstream.JetStream, cfg *config.Config, logger *slog.Logger) (*prompts.Watcher, error) {
	if cfg.Prompts.Dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(cfg.Prompts.Dir); os.IsNotExist(err) {
		logger.Warn("Prompt directory missing, skipping template sync",
			"dir", cfg.Prompts.Dir)
		return nil, nil
	}

	store, err := storage.NewStore(ctx, js)
	if err != nil {
		return nil, fmt.Errorf("open row storage: %w", err)
	}

	watcher, err := prompts.NewWatcher(prompts.WatcherConfig{
		Dir:      cfg.Prompts.Dir,
		Patterns: cfg.Prompts.Patterns,
		Logger:   logger,
	}, store)
	if err != nil {
		return nil, fmt.Errorf("create prompt watcher: %w", err)
	}
	if err := watcher.SyncDir(ctx); err != nil {
		return nil, fmt.Errorf("sync prompt templates: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("start prompt watcher: %w", err)
	}
	return watcher, nil
}
