// Vibe - prompt-to-app server
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
	"github.com/vibelabs/vibe-server/internal/agent"
	"github.com/vibelabs/vibe-server/internal/api"
	"github.com/vibelabs/vibe-server/internal/config"
	"github.com/vibelabs/vibe-server/internal/identity"
	"github.com/vibelabs/vibe-server/internal/jobs"
	"github.com/vibelabs/vibe-server/internal/llm"
	"github.com/vibelabs/vibe-server/internal/middleware"
	"github.com/vibelabs/vibe-server/internal/sandbox"
	"github.com/vibelabs/vibe-server/internal/store"
)

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

	mgr, err := sandbox.NewDockerManager(cfg)
	if err != nil {
		slog.Error("Failed to initialize sandbox manager", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox manager initialized")

	// Ensure the bridge network for sandbox containers exists.
	networkID, err := mgr.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure sandbox network", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox network ready", "network_id", networkID)

	model := llm.NewHTTPClient(cfg.LLM)

	// Initialize the job runner and the agent workflow.
	runner := jobs.NewRunner(repo, cfg.Jobs)
	workflow := agent.NewWorkflow(repo, mgr, model, cfg.Agent)
	workflow.Register(runner)

	hub := api.NewEventHub()
	runner.OnEvent(hub.Publish)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, runner, cfg)
	projectHandler := api.NewProjectHandler(baseHandler)
	messageHandler := api.NewMessageHandler(baseHandler)
	usageHandler := api.NewUsageHandler(baseHandler)
	eventsHandler := api.NewEventsHandler(hub)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	// All routes use anonymous identity (no auth needed).
	projectHandler.RegisterRoutes(r)
	messageHandler.RegisterRoutes(r)
	usageHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/jobs", eventsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket streams stay open indefinitely.
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start background workers.
	runner.Start(ctx)
	sandbox.StartTTLWorker(ctx, mgr, cfg.Sandbox.TTL)

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
