// Package cleanup runs the background retention loop.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/clarity-dev/clarity/pkg/config"
	"github.com/clarity-dev/clarity/pkg/services"
)

// ContainerReclaimer removes expired project containers and volumes.
// Satisfied by *container.Manager.
type ContainerReclaimer interface {
	CleanupExpired(ctx context.Context, maxAgeDays int) (int, error)
}

// Service periodically enforces retention policies:
//   - Removes expired project containers and their volumes
//   - Purges delivered ws_events rows past their TTL
//   - Purges finished dispatch tasks
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	cfg        config.RetentionConfig
	retention  *services.RetentionService
	containers ContainerReclaimer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service. containers may be nil when the
// container runtime is unavailable (retention of DB rows still runs).
func NewService(cfg config.RetentionConfig, retention *services.RetentionService, containers ContainerReclaimer) *Service {
	if retention == nil {
		panic("retention service cannot be nil")
	}
	return &Service{
		cfg:        cfg,
		retention:  retention,
		containers: containers,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"container_max_age_days", s.cfg.ContainerMaxAgeDays,
		"event_ttl", s.cfg.EventTTL,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll executes one retention pass.
func (s *Service) RunAll(ctx context.Context) {
	s.reclaimContainers(ctx)
	s.purgeWSEvents(ctx)
	s.purgeDispatchTasks(ctx)
}

func (s *Service) reclaimContainers(ctx context.Context) {
	if s.containers == nil {
		return
	}
	count, err := s.containers.CleanupExpired(ctx, s.cfg.ContainerMaxAgeDays)
	if err != nil {
		slog.Error("Retention: container reclamation failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: reclaimed expired containers", "count", count)
	}
}

func (s *Service) purgeWSEvents(_ context.Context) {
	count, err := s.retention.PurgeWSEvents(context.Background(), s.cfg.EventTTL)
	if err != nil {
		slog.Error("Retention: ws_events purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged delivered envelopes", "count", count)
	}
}

func (s *Service) purgeDispatchTasks(_ context.Context) {
	count, err := s.retention.PurgeFinishedDispatchTasks(context.Background(), s.cfg.EventTTL)
	if err != nil {
		slog.Error("Retention: dispatch task purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged finished dispatch tasks", "count", count)
	}
}
