// Maestro orchestrator server — classifies developer requests, runs durable
// workflows through the queue workers, and streams progress over SSE.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/maestro/pkg/agent"
	"github.com/codeready-toolchain/maestro/pkg/api"
	"github.com/codeready-toolchain/maestro/pkg/approval"
	"github.com/codeready-toolchain/maestro/pkg/chat"
	"github.com/codeready-toolchain/maestro/pkg/checkpoint"
	"github.com/codeready-toolchain/maestro/pkg/cleanup"
	"github.com/codeready-toolchain/maestro/pkg/config"
	"github.com/codeready-toolchain/maestro/pkg/database"
	"github.com/codeready-toolchain/maestro/pkg/intent"
	"github.com/codeready-toolchain/maestro/pkg/masking"
	"github.com/codeready-toolchain/maestro/pkg/mcp"
	"github.com/codeready-toolchain/maestro/pkg/notify"
	"github.com/codeready-toolchain/maestro/pkg/queue"
	"github.com/codeready-toolchain/maestro/pkg/stream"
	"github.com/codeready-toolchain/maestro/pkg/tools"
	"github.com/codeready-toolchain/maestro/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()
	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting maestro",
		"listen_addr", cfg.ListenAddr,
		"pod_id", podID,
		"config_dir", *configDir)

	// 2. Database + migrations
	dbClient, err := database.NewClient(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	if err := database.Migrate(dbClient.DB()); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database")

	store := checkpoint.NewStore(dbClient.DB())

	// 3. One-time startup orphan requeue
	if requeued, err := store.RequeueOrphans(ctx, cfg.Queue.OrphanThreshold); err != nil {
		slog.Error("Failed to requeue startup orphans", "error", err)
		// Non-fatal — continue
	} else if requeued > 0 {
		slog.Info("Requeued orphaned workflows from previous run", "count", requeued)
	}

	// 4. Masking and tool gateway
	masker := masking.NewMasker()

	gateway := mcp.NewClient(cfg.Tools.GatewayURL)
	if err := gateway.Connect(ctx); err != nil {
		slog.Error("Failed to connect to MCP gateway", "url", cfg.Tools.GatewayURL, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			slog.Error("Error closing MCP gateway client", "error", err)
		}
	}()

	gatewayTools, err := gateway.ListAllTools(ctx)
	if err != nil {
		slog.Error("Failed to list gateway tools", "error", err)
		os.Exit(1)
	}
	catalog, warnings, err := tools.BuildCatalog(gatewayTools, cfg.Profiles)
	if err != nil {
		slog.Error("Failed to build tool catalog", "error", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		slog.Warn("Tool catalog warning", "tool", w.Tool, "reason", w.Reason)
	}
	selector := tools.NewSelector(catalog, cfg.Profiles, cfg.Tools.Strategy, cfg.Tools.MaxPerRequest)
	slog.Info("Tool catalog built", "tools", catalog.Len(), "strategy", cfg.Tools.Strategy)

	// 5. Streaming infrastructure
	hub := stream.NewHub()
	listener := stream.NewListener(dbClient.DSN(), hub)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	hub.SetListener(listener)
	slog.Info("Streaming infrastructure initialized")

	// 6. LLM client and agent runner
	llm := agent.NewOpenAIClient(cfg.LLM)
	runner := agent.NewRunner(llm, cfg.LLM)

	// 7. Notifications (nil when unconfigured; callers no-op on nil)
	notifier := notify.NewService(cfg.Slack)
	if notifier == nil {
		slog.Info("Slack notifications disabled")
	}

	// 8. Approval manager + tracker polling
	tracker := approval.NewTrackerClient(cfg.Approval.TrackerURL, cfg.Approval.TrackerKey)
	approvals := approval.NewManager(store, tracker, cfg.Approval)
	approvals.Start()
	defer approvals.Stop()

	// 9. Workflow engine
	engine, err := workflow.NewEngine(store, &workflow.Deps{
		Runner:      runner,
		Roles:       cfg.Roles,
		Selector:    selector,
		Catalog:     catalog,
		Gateway:     gateway,
		Masker:      masker,
		Approvals:   approvals,
		LibCache:    tools.NewLibraryCache(time.Hour),
		Publisher:   stream.NewPublisher(dbClient.DB()),
		ToolCfg:     cfg.Tools,
		ApprovalCfg: cfg.Approval,
	}, cfg.Fingerprint())
	if err != nil {
		slog.Error("Failed to build workflow engine", "error", err)
		os.Exit(1)
	}

	// 10. Worker pool (before HTTP server)
	pool := queue.NewWorkerPool(podID, store, cfg.Queue, engine, notifier)
	pool.Start(ctx)

	// 11. Retention sweeper
	sweeper := cleanup.NewService(cfg.Retention, store)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 12. Intent classifier and chat handler
	var fallback *intent.LLMFallback
	if cfg.Intent.EnableLLMFallback {
		fallback = intent.NewLLMFallback(llm, cfg.LLM.ModelFor("classifier"))
	}
	classifier := intent.NewClassifier(cfg.Intent, fallback)
	chatHandler := chat.NewHandler(llm, selector, catalog, gateway, store, masker, cfg.LLM, cfg.Tools)

	// 13. HTTP server (non-blocking)
	server := api.NewServer(cfg, store, engine, pool, approvals, chatHandler, classifier, hub, listener)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Maestro started", "pod_id", podID, "workers", cfg.Queue.WorkerCount)

	// 14. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 15. Graceful shutdown: drain workers within the budget, then the rest.
	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer workerCancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-workerShutdownCtx.Done():
		slog.Warn("Worker pool shutdown timeout exceeded, claims will be recovered as orphans")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Maestro stopped")
}
