// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-support/internal/config"
	"github.com/capitalize-ai/live-support/internal/handler"
	"github.com/capitalize-ai/live-support/internal/llm"
	natsclient "github.com/capitalize-ai/live-support/internal/nats"
	"github.com/capitalize-ai/live-support/internal/realtime"
	"github.com/capitalize-ai/live-support/internal/service"
	"github.com/capitalize-ai/live-support/internal/store"
	"github.com/capitalize-ai/live-support/pkg/logger"
	"github.com/capitalize-ai/live-support/pkg/tracing"
)

const serviceName = "live-support"

// backend is the store the server runs on.
type backend interface {
	store.Adapter
	store.Pinger
}

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting API server", zap.String("store", cfg.StoreBackend))

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Open the realtime store
	adapter, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	// Initialize LLM client
	llmClient, err := llm.NewClient(llm.Provider(cfg.DefaultLLM), llm.Keys{
		Anthropic: cfg.AnthropicAPIKey,
		OpenAI:    cfg.OpenAIAPIKey,
	})
	if err != nil {
		log.Warn("failed to create LLM client, reply drafting disabled", zap.Error(err))
		llmClient = nil
	}
	if llmClient != nil {
		log.Info("reply drafting enabled", zap.String("provider", llmClient.Name()))
	}

	// Initialize services
	supportSvc := service.NewSupportService(adapter, log)
	draftSvc := service.NewDraftService(supportSvc, llmClient, cfg.DraftModel, log)

	// Initialize handlers
	router := handler.NewRouter(handler.Handlers{
		Health:   handler.NewHealthHandler(adapter, cfg.StoreBackend),
		Visitor:  handler.NewVisitorHandler(supportSvc, adapter, realtime.NewPresence(), cfg.HeartbeatInterval, log),
		Operator: handler.NewOperatorHandler(supportSvc, draftSvc, adapter, log),
	}, handler.RouterOptions{
		AllowedOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	}, log)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// openStore connects the configured backend and returns it with its cleanup.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (backend, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreNATS:
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     serviceName,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		kv, err := natsclient.NewKVStore(ctx, client, cfg.NATSKVBucket, log)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return kv, client.Close, nil

	default:
		mem := store.NewMemory()
		log.Warn("using in-memory store; threads are lost on restart")
		return mem, mem.Close, nil
	}
}
