package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clarity-dev/clarity/pkg/models"
)

// orphanState tracks orphan recovery metrics.
type orphanState struct {
	mu       sync.Mutex
	lastScan time.Time
	requeued int
	failed   int
}

// runOrphanRecovery periodically requeues tasks whose worker stopped
// heartbeating. All pods run this independently; the statements are
// idempotent.
func (p *WorkerPool) runOrphanRecovery(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.recoverOrphans(ctx); err != nil {
				slog.Error("Orphan recovery failed", "error", err)
			}
		}
	}
}

// recoverOrphans returns stale in_progress tasks to pending while they
// still have claim attempts left, and fails the rest. Long builds are
// protected by the heartbeat, not by task age.
func (p *WorkerPool) recoverOrphans(ctx context.Context) error {
	threshold := time.Now().Add(-p.cfg.StaleClaimAfter)
	db := p.client.DB()

	requeuedRes, err := db.ExecContext(ctx, `
		UPDATE dispatch_tasks
		SET status = $1, claimed_by = NULL, claimed_at = NULL,
		    last_error = 'requeued: worker heartbeat lost'
		WHERE status = $2 AND heartbeat_at < $3 AND attempts < $4`,
		models.DispatchPending, models.DispatchInProgress, threshold, p.cfg.MaxClaimAttempts)
	if err != nil {
		return fmt.Errorf("failed to requeue stale tasks: %w", err)
	}
	requeued, _ := requeuedRes.RowsAffected()

	failedRes, err := db.ExecContext(ctx, `
		UPDATE dispatch_tasks
		SET status = $1, last_error = 'abandoned: worker heartbeat lost and claim attempts exhausted'
		WHERE status = $2 AND heartbeat_at < $3 AND attempts >= $4`,
		models.DispatchFailed, models.DispatchInProgress, threshold, p.cfg.MaxClaimAttempts)
	if err != nil {
		return fmt.Errorf("failed to abandon stale tasks: %w", err)
	}
	failed, _ := failedRes.RowsAffected()

	if requeued > 0 || failed > 0 {
		slog.Warn("Recovered orphaned dispatch tasks", "requeued", requeued, "failed", failed)
	}

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.requeued += int(requeued)
	p.orphans.failed += int(failed)
	p.orphans.mu.Unlock()
	return nil
}
