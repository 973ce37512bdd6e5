package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clarity-dev/clarity/pkg/config"
	"github.com/clarity-dev/clarity/pkg/database"
	"github.com/clarity-dev/clarity/pkg/models"
	"github.com/clarity-dev/clarity/pkg/services"
)

// WorkerPool manages the dispatch workers of one pod.
type WorkerPool struct {
	podID     string
	client    *database.Client
	events    *services.EventService
	cfg       config.QueueConfig
	runner    WorkflowRunner
	publisher EnvelopePublisher
	workers   []*Worker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Task cancel registry: dispatch task id -> cancel function.
	activeTasks map[int64]context.CancelFunc
	mu          sync.RWMutex
	started     bool

	orphans orphanState
}

// NewWorkerPool creates a worker pool. publisher may be nil.
func NewWorkerPool(podID string, client *database.Client, events *services.EventService, cfg config.QueueConfig, runner WorkflowRunner, publisher EnvelopePublisher) *WorkerPool {
	if client == nil {
		panic("database client cannot be nil")
	}
	if events == nil {
		panic("event service cannot be nil")
	}
	if runner == nil {
		panic("workflow runner cannot be nil")
	}
	return &WorkerPool{
		podID:       podID,
		client:      client,
		events:      events,
		cfg:         cfg,
		runner:      runner,
		publisher:   publisher,
		workers:     make([]*Worker, 0, cfg.WorkerCount),
		stopCh:      make(chan struct{}),
		activeTasks: make(map[int64]context.CancelFunc),
	}
}

// Start releases this pod's stale claims, spawns the workers, and
// starts orphan recovery. Safe to call multiple times; subsequent calls
// are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	if err := p.releaseStartupClaims(ctx); err != nil {
		return fmt.Errorf("failed to release startup claims: %w", err)
	}

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.cfg.WorkerCount)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.client.DB(), p.events, p.cfg, p.runner, p, p.publisher)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanRecovery(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish their
// current tasks.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.activeTaskIDs()
	if len(active) > 0 {
		slog.Info("Waiting for in-flight dispatch tasks", "count", len(active), "task_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterTask stores a cancel function for an in-flight task.
func (p *WorkerPool) RegisterTask(taskID int64, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeTasks[taskID] = cancel
}

// UnregisterTask removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterTask(taskID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeTasks, taskID)
}

// CancelTask cancels an in-flight task on this pod. Returns true when
// the task was found here.
func (p *WorkerPool) CancelTask(taskID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeTasks[taskID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the pool health snapshot.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()
	db := p.client.DB()

	var queueDepth int
	errQ := db.QueryRowContext(ctx,
		`SELECT count(*) FROM dispatch_tasks WHERE status = $1`, models.DispatchPending).Scan(&queueDepth)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check", "pod_id", p.podID, "error", errQ)
	}

	var inProgress int
	errA := db.QueryRowContext(ctx,
		`SELECT count(*) FROM dispatch_tasks WHERE status = $1 AND claimed_by = $2`,
		models.DispatchInProgress, p.podID).Scan(&inProgress)
	if errA != nil {
		slog.Error("Failed to query in-progress tasks for health check", "pod_id", p.podID, "error", errA)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	dbHealthy := errQ == nil && errA == nil
	var dbError string
	if errQ != nil {
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	} else if errA != nil {
		dbError = fmt.Sprintf("in-progress query failed: %v", errA)
	}

	p.orphans.mu.Lock()
	lastScan := p.orphans.lastScan
	requeued := p.orphans.requeued
	failed := p.orphans.failed
	p.orphans.mu.Unlock()

	return &PoolHealth{
		IsHealthy:      len(p.workers) > 0 && dbHealthy,
		DBReachable:    dbHealthy,
		DBError:        dbError,
		PodID:          p.podID,
		ActiveWorkers:  activeWorkers,
		TotalWorkers:   len(p.workers),
		QueueDepth:     queueDepth,
		InProgress:     inProgress,
		WorkerStats:    workerStats,
		LastOrphanScan: lastScan,
		TasksRequeued:  requeued,
		TasksFailed:    failed,
	}
}

// releaseStartupClaims returns tasks this pod held before a restart to
// pending for redelivery.
func (p *WorkerPool) releaseStartupClaims(ctx context.Context) error {
	res, err := p.client.DB().ExecContext(ctx, `
		UPDATE dispatch_tasks
		SET status = $1, claimed_by = NULL, claimed_at = NULL,
		    last_error = 'pod restarted while task was in progress'
		WHERE status = $2 AND claimed_by = $3`,
		models.DispatchPending, models.DispatchInProgress, p.podID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("Released startup claims from previous run", "pod_id", p.podID, "count", n)
	}
	return nil
}

func (p *WorkerPool) activeTaskIDs() []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]int64, 0, len(p.activeTasks))
	for id := range p.activeTasks {
		ids = append(ids, id)
	}
	return ids
}
