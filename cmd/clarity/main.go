// Clarity orchestrator server: ingests task events over HTTP, dispatches
// them through a Postgres-backed worker pool, runs automation workflows
// in per-project containers, and streams progress to WebSocket
// subscribers.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/clarity-dev/clarity/pkg/api"
	"github.com/clarity-dev/clarity/pkg/cleanup"
	"github.com/clarity-dev/clarity/pkg/config"
	"github.com/clarity-dev/clarity/pkg/container"
	"github.com/clarity-dev/clarity/pkg/database"
	"github.com/clarity-dev/clarity/pkg/events"
	"github.com/clarity-dev/clarity/pkg/executor"
	"github.com/clarity-dev/clarity/pkg/masking"
	"github.com/clarity-dev/clarity/pkg/models"
	"github.com/clarity-dev/clarity/pkg/queue"
	"github.com/clarity-dev/clarity/pkg/services"
	"github.com/clarity-dev/clarity/pkg/version"
	"github.com/clarity-dev/clarity/pkg/workflow"
)

// resolvePodID determines the pod identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local".
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
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured logging with secret redaction. The denylist is built
	// once from the VCS tokens forwarded into containers; nothing on it
	// ever reaches the log stream verbatim.
	maskingService := masking.NewService(config.GitTokenValues())
	logger := slog.New(masking.NewHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		maskingService,
	))
	slog.SetDefault(logger)

	podID := resolvePodID()
	slog.Info("Starting Clarity",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"pod_id", podID)

	ctx := context.Background()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// Domain services.
	eventService := services.NewEventService(dbClient)
	dispatchService := services.NewDispatchService(dbClient)
	retentionService := services.NewRetentionService(dbClient)
	automationService := services.NewAutomationService(eventService, dispatchService, logger)

	// Streaming infrastructure: transactional publisher, catchup store,
	// connection manager, and the dedicated LISTEN connection.
	publisher := events.NewPublisher(dbClient.DB())
	catchupStore := events.NewCatchupStore(dbClient.DB())
	connManager := events.NewConnectionManager(catchupStore, cfg.WebSocket.WriteTimeout)

	notifyListener := events.NewNotifyListener(dbConfig.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start NotifyListener", "error", err)
		os.Exit(1)
	}
	connManager.SetListener(notifyListener)
	slog.Info("Streaming infrastructure initialized")

	// Container manager and command executor.
	containerManager := container.NewManager(cfg.Container, config.GitTokenEnv(), logger)
	commandExecutor := executor.NewExecutor(containerManager, cfg.Executor, logger)

	// Workflow runtime. Node progress is streamed to the project's
	// subscribers as execution-update envelopes.
	workflow.RegisterBuiltins()
	workflowRunner := workflow.NewRunner(workflow.Deps{
		Containers: containerManager,
		Commands:   commandExecutor,
		Logger:     logger,
		Progress: func(nodeName, status string, tc *models.TaskContext) {
			projectID := tc.MetaString("project_id")
			if projectID == "" {
				return
			}
			pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := publisher.PublishExecutionUpdate(pubCtx, projectID, map[string]any{
				"kind":   "node",
				"node":   nodeName,
				"status": status,
			}); err != nil {
				slog.Warn("Failed to publish node progress",
					"project_id", projectID, "node", nodeName, "error", err)
			}
		},
	})

	// Worker pool (before the HTTP server, so status endpoints never see
	// a half-started pool).
	workerPool := queue.NewWorkerPool(podID, dbClient, eventService, cfg.Queue, workflowRunner, publisher)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// Retention loop: expired containers, ws_events, finished dispatch tasks.
	cleanupService := cleanup.NewService(cfg.Retention, retentionService, containerManager)
	cleanupService.Start(ctx)

	// HTTP server.
	httpServer := api.NewServer(cfg, dbClient, automationService, workerPool, connManager)
	httpServer.SetContainerRuntime(containerManager)
	httpServer.SetEventPublisher(publisher)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Clarity started successfully",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Shutting down after server error", "error", err)
	}

	// Shutdown order: stop claiming work, stop the retention loop, close
	// the LISTEN connection, then drain HTTP. In-flight tasks that miss
	// the window are orphan-recovered by the next pod.
	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped")
	case <-time.After(cfg.Queue.GracefulShutdownTimeout):
		slog.Warn("Worker pool shutdown timed out; in-flight tasks will be orphan-recovered")
	}

	cleanupService.Stop()

	listenerCtx, listenerCancel := context.WithTimeout(ctx, 5*time.Second)
	notifyListener.Stop(listenerCtx)
	listenerCancel()

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
