// QueryPilot - Supervised SQL Agent Orchestration Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/querypilot/querypilot/internal/api"
	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/identity"
	"github.com/querypilot/querypilot/internal/llm"
	"github.com/querypilot/querypilot/internal/middleware"
	"github.com/querypilot/querypilot/internal/orchestrator"
	"github.com/querypilot/querypilot/internal/store"
)

const archiveCleanupInterval = time.Hour

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	if cfg.OpenAI.APIKey == "" {
		slog.Error("OPENAI_API_KEY is required")
		os.Exit(1)
	}
	llmClient, err := llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	collaborators := llm.NewCollaborators(llmClient, logger)

	auditLogger, err := orchestrator.NewAuditLogger(orchestrator.AuditConfig{
		Enabled:   cfg.Audit.Enabled,
		Dir:       cfg.Audit.Dir,
		QueueSize: cfg.Audit.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize audit logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := auditLogger.Close(); closeErr != nil {
			slog.Error("Failed to close audit logger", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := orchestrator.NewEngine(ctx, collaborators, auditLogger, repo, orchestrator.Options{
		MaxRetries:  cfg.MaxRetries,
		GracePeriod: cfg.SessionGrace,
	}, logger)
	defer engine.Close()
	slog.Info("Orchestration engine initialized", "max_retries", cfg.MaxRetries, "session_grace", cfg.SessionGrace)

	// Initialize handlers.
	agentHandler := orchestrator.NewHandler(engine, repo, cfg)
	wsHandler := orchestrator.NewWSHandler(engine, cfg.FrontendURL)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	r.Get("/api/health", api.HealthHandler(repo, engine))

	// Agent routes.
	agentHandler.RegisterRoutes(r)

	// WebSocket event stream attach.
	r.Get("/ws/agent/sessions/{sessionID}", wsHandler.ServeHTTP)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	// Keepalive runs every 10s to maintain connection
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start archive retention worker.
	startArchiveCleanup(ctx, repo, cfg.ArchiveRetention)
	slog.Info("Archive cleanup worker started", "retention", cfg.ArchiveRetention)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// startArchiveCleanup periodically deletes archived sessions past retention.
func startArchiveCleanup(ctx context.Context, repo store.Repository, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(archiveCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deleted, err := repo.CleanupExpired(ctx, retention)
				if err != nil {
					slog.Warn("Archive cleanup failed", "error", err)
					continue
				}
				if deleted > 0 {
					slog.Info("Archive cleanup removed sessions", "count", deleted)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
