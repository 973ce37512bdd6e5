package container

import (
	"context"
	"strconv"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// CleanupExpired removes managed containers (and their volumes) older
// than maxAgeDays, selected by ownership label. maxAgeDays <= 0 removes
// every managed container. Idempotent; per-item failures are logged and
// skipped so one stuck container cannot block reclamation.
func (m *Manager) CleanupExpired(ctx context.Context, maxAgeDays int) (int, error) {
	return m.cleanup(ctx, maxAgeDays, "")
}

// CleanupProject removes the managed container for one project
// regardless of age. Used by the executor between failed attempts.
func (m *Manager) CleanupProject(ctx context.Context, projectID string) error {
	_, err := m.cleanup(ctx, 0, projectID)
	return err
}

func (m *Manager) cleanup(ctx context.Context, maxAgeDays int, onlyProject string) (int, error) {
	api, err := m.docker.get()
	if err != nil {
		return 0, err
	}

	args := filters.NewArgs(filters.Arg("label", LabelComponent+"="+ComponentValue))
	if onlyProject != "" {
		args.Add("label", LabelProjectID+"="+onlyProject)
	}
	list, err := api.ContainerList(ctx, containertypes.ListOptions{All: true, Filters: args})
	if err != nil {
		return 0, &Error{Op: "cleanup list", Err: err}
	}

	removed := 0
	for _, summary := range list {
		if maxAgeDays > 0 {
			// Per-container TTL label wins over the sweep default.
			ttl := ttlDaysOf(summary.Labels, maxAgeDays)
			cutoff := time.Now().Add(-time.Duration(ttl) * 24 * time.Hour)
			if !expired(summary.Labels[LabelCreated], summary.Created, cutoff) {
				continue
			}
		}

		projectID := summary.Labels[LabelProjectID]
		if err := api.ContainerRemove(ctx, summary.ID, containertypes.RemoveOptions{Force: true}); err != nil {
			m.logger.Warn("Failed to remove expired container",
				"container_id", summary.ID, "project_id", projectID, "error", err)
			continue
		}
		if projectID != "" {
			_, volumeName := DeterministicNames(projectID)
			if err := api.VolumeRemove(ctx, volumeName, true); err != nil {
				m.logger.Warn("Failed to remove expired volume",
					"volume", volumeName, "project_id", projectID, "error", err)
			}
		}

		m.mu.Lock()
		if info, ok := m.registry[projectID]; ok && info.ID == summary.ID {
			delete(m.registry, projectID)
		}
		m.mu.Unlock()

		removed++
		m.logger.Info("Reclaimed container",
			"container_id", summary.ID, "project_id", projectID)
	}
	return removed, nil
}

// expired decides age from the created label, falling back to the
// engine's creation timestamp when the label is missing or malformed.
func expired(createdLabel string, createdUnix int64, cutoff time.Time) bool {
	if t, err := time.Parse(time.RFC3339, createdLabel); err == nil {
		return t.Before(cutoff)
	}
	if createdUnix > 0 {
		return time.Unix(createdUnix, 0).Before(cutoff)
	}
	// Unknown age: treat as expired so unlabeled leftovers cannot
	// accumulate forever.
	return true
}

// ttlDaysOf parses a container's ttl label, defaulting when absent.
func ttlDaysOf(labels map[string]string, fallback int) int {
	if v, err := strconv.Atoi(labels[LabelTTLDays]); err == nil && v > 0 {
		return v
	}
	return fallback
}
