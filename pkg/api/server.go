// Package api exposes the HTTP surface: event ingestion, the automation
// lifecycle endpoints, the WebSocket subscription upgrade, and health.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/clarity-dev/clarity/pkg/config"
	"github.com/clarity-dev/clarity/pkg/database"
	"github.com/clarity-dev/clarity/pkg/events"
	"github.com/clarity-dev/clarity/pkg/models"
	"github.com/clarity-dev/clarity/pkg/queue"
	"github.com/clarity-dev/clarity/pkg/services"
)

// AutomationService is the slice of the automation service the HTTP
// layer consumes. Implemented by *services.AutomationService.
type AutomationService interface {
	SubmitEvent(ctx context.Context, sub *models.Submission) (*services.SubmitResult, error)
	Initialize(ctx context.Context, in services.InitializeInput) (*services.InitializeResult, error)
	Status(ctx context.Context, projectID string) (*models.StatusProjection, error)
	Transition(ctx context.Context, projectID string, target models.ExecutionStatus) (*models.StatusProjection, error)
}

// PoolReporter reports worker pool health. Implemented by *queue.WorkerPool.
type PoolReporter interface {
	Health() *queue.PoolHealth
}

// RuntimePinger probes container runtime reachability.
// Implemented by *container.Manager.
type RuntimePinger interface {
	Ping(ctx context.Context) error
}

// UpdatePublisher broadcasts lifecycle changes to WebSocket
// subscribers. Implemented by *events.Publisher.
type UpdatePublisher interface {
	PublishExecutionUpdate(ctx context.Context, projectID string, payload map[string]any) error
}

// Server is the HTTP server.
type Server struct {
	echo *echo.Echo
	http *http.Server

	cfg         *config.Config
	dbClient    *database.Client
	automation  AutomationService
	workerPool  PoolReporter
	connManager *events.ConnectionManager
	containers  RuntimePinger
	publisher   UpdatePublisher
}

// NewServer creates the HTTP server and registers all routes.
// Optional collaborators (container runtime, event publisher) are
// attached via setters before Start.
func NewServer(cfg *config.Config, dbClient *database.Client, automation AutomationService, workerPool PoolReporter, connManager *events.ConnectionManager) *Server {
	if automation == nil {
		panic("NewServer: automation must not be nil")
	}

	s := &Server{
		echo:        echo.New(),
		cfg:         cfg,
		dbClient:    dbClient,
		automation:  automation,
		workerPool:  workerPool,
		connManager: connManager,
	}
	s.setupRoutes()
	return s
}

// SetContainerRuntime attaches the container manager for health probes.
func (s *Server) SetContainerRuntime(r RuntimePinger) {
	s.containers = r
}

// SetEventPublisher attaches the publisher used to broadcast lifecycle
// transitions.
func (s *Server) SetEventPublisher(p UpdatePublisher) {
	s.publisher = p
}

func (s *Server) setupRoutes() {
	e := s.echo
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.POST("/events", s.submitEventHandler)

	// project_id may be customer/project, so lifecycle routes use a
	// match-any segment.
	e.POST("/api/devteam/automation/initialize", s.initializeHandler)
	e.GET("/api/devteam/automation/status/*", s.statusHandler)
	e.POST("/api/devteam/automation/pause/*", s.pauseHandler)
	e.POST("/api/devteam/automation/resume/*", s.resumeHandler)
	e.POST("/api/devteam/automation/stop/*", s.stopHandler)

	e.GET("/api/v1/ws/devteam", s.wsHandler)
}

// Start runs the HTTP server. Blocks until Shutdown or listen failure.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
		return err
	}
	return nil
}

// projectParam extracts the project id from a match-any route segment.
func projectParam(c *echo.Context) string {
	return strings.Trim(c.Param("*"), "/")
}
