package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"

	"github.com/clarity-dev/clarity/pkg/config"
)

// workspaceDir is where the project volume is mounted inside the
// container. Clones, installs and builds all happen under it.
const workspaceDir = "/workspace"

// Info describes one managed container.
type Info struct {
	ID            string
	Name          string
	VolumeName    string
	ProjectID     string
	CreatedAt     time.Time
	Reused        bool
}

// Manager owns the per-project container registry. One live container
// per project, bounded total, deterministic names, docker connection
// established lazily on first use.
type Manager struct {
	cfg    config.ContainerConfig
	docker *lazyClient
	logger *slog.Logger

	// gitEnv is the whitelisted KEY=VALUE token set injected into every
	// container. Values never appear in logs (masking denylist).
	gitEnv []string

	mu       sync.Mutex
	registry map[string]*Info // projectID -> live container
}

// NewManager creates a container manager. gitEnv carries the
// whitelisted VCS token variables from config.GitTokenEnv.
func NewManager(cfg config.ContainerConfig, gitEnv []string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		docker:   newLazyClient(),
		logger:   logger.With("component", "container_manager"),
		gitEnv:   gitEnv,
		registry: make(map[string]*Info),
	}
}

// Ping reports whether the Docker Engine is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	api, err := m.docker.get()
	if err != nil {
		return err
	}
	if _, err := api.Ping(ctx); err != nil {
		return &Error{Op: "ping", Err: err}
	}
	return nil
}

// ActiveCount returns the number of registered live containers.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registry)
}

// Get returns the registered container for a project, if any.
func (m *Manager) Get(projectID string) (*Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.registry[projectID]
	return info, ok
}

// StartOrReuse returns a healthy container for the project, reusing the
// existing one when its health probes pass and recreating it otherwise.
// Containers left in the runtime by an earlier process run are adopted
// or replaced the same way. At most one container per project; at most
// cfg.MaxTotal across projects. When the global cap is hit, expired
// containers are reclaimed once before giving up.
func (m *Manager) StartOrReuse(ctx context.Context, projectID string) (*Info, error) {
	if !ValidProjectID(projectID) {
		return nil, &Error{Op: "validate", ProjectID: projectID,
			Err: fmt.Errorf("project id must match %s and be at most %d chars", projectIDPattern, maxProjectIDLen)}
	}

	m.mu.Lock()
	existing := m.registry[projectID]
	m.mu.Unlock()

	// The registry only knows containers started by this process. A
	// previous run (or a sibling pod) may have left one in the runtime
	// under the deterministic name; adopt it instead of colliding on
	// create.
	if existing == nil {
		adopted, err := m.discover(ctx, projectID)
		if err != nil {
			return nil, err
		}
		if adopted != nil {
			m.mu.Lock()
			m.registry[projectID] = adopted
			m.mu.Unlock()
			existing = adopted
			m.logger.Info("Adopted existing container",
				"project_id", projectID, "container_id", adopted.ID)
		}
	}

	if existing != nil {
		if err := m.healthCheck(ctx, existing.ID); err == nil {
			existing.Reused = true
			m.logger.Info("Reusing healthy container",
				"project_id", projectID, "container_id", existing.ID)
			return existing, nil
		}
		m.logger.Warn("Existing container unhealthy, recreating",
			"project_id", projectID, "container_id", existing.ID)
		if err := m.Remove(ctx, projectID); err != nil {
			return nil, err
		}
	}

	if err := m.ensureCapacity(ctx, projectID); err != nil {
		return nil, err
	}

	info, err := m.create(ctx, projectID)
	if err != nil {
		return nil, err
	}

	// Between create and register the caller may have been cancelled;
	// never leak the partial container.
	select {
	case <-ctx.Done():
		m.removeResources(context.Background(), info)
		return nil, ctx.Err()
	default:
	}

	// Re-check against the runtime: a concurrent create may have pushed
	// the population past the cap while ours was starting.
	count, err := m.liveCount(ctx)
	if err != nil {
		m.removeResources(context.Background(), info)
		return nil, err
	}
	if count > m.cfg.MaxTotal {
		m.removeResources(context.Background(), info)
		return nil, &Error{Op: "register", ProjectID: projectID,
			Err: fmt.Errorf("concurrency limits reached: container cap %d", m.cfg.MaxTotal)}
	}
	m.mu.Lock()
	m.registry[projectID] = info
	m.mu.Unlock()

	if err := m.healthCheck(ctx, info.ID); err != nil {
		_ = m.Remove(context.Background(), projectID)
		return nil, err
	}

	m.logger.Info("Container started",
		"project_id", projectID, "container_id", info.ID, "name", info.Name)
	return info, nil
}

// discover finds a runtime container carrying the project's
// deterministic name, regardless of which process created it.
func (m *Manager) discover(ctx context.Context, projectID string) (*Info, error) {
	api, err := m.docker.get()
	if err != nil {
		return nil, err
	}

	containerName, volumeName := DeterministicNames(projectID)
	list, err := api.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", containerName)),
	})
	if err != nil {
		return nil, &Error{Op: "discover", ProjectID: projectID, Err: err}
	}

	for _, summary := range list {
		for _, listed := range summary.Names {
			// The name filter matches substrings; require the exact name.
			if strings.TrimPrefix(listed, "/") != containerName {
				continue
			}
			created := time.Unix(summary.Created, 0).UTC()
			if t, perr := time.Parse(time.RFC3339, summary.Labels[LabelCreated]); perr == nil {
				created = t
			}
			return &Info{
				ID:         summary.ID,
				Name:       containerName,
				VolumeName: volumeName,
				ProjectID:  projectID,
				CreatedAt:  created,
			}, nil
		}
	}
	return nil, nil
}

// liveCount counts component-labeled containers in the runtime. The cap
// is enforced against the daemon's population, not this process's
// registry, so containers surviving a restart still occupy slots.
func (m *Manager) liveCount(ctx context.Context) (int, error) {
	api, err := m.docker.get()
	if err != nil {
		return 0, err
	}
	list, err := api.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelComponent+"="+ComponentValue)),
	})
	if err != nil {
		return 0, &Error{Op: "capacity list", Err: err}
	}
	return len(list), nil
}

// ensureCapacity verifies the global cap, reclaiming expired containers
// once when full.
func (m *Manager) ensureCapacity(ctx context.Context, projectID string) error {
	count, err := m.liveCount(ctx)
	if err != nil {
		return err
	}
	if count < m.cfg.MaxTotal {
		return nil
	}

	m.logger.Info("Container cap reached, reclaiming expired containers",
		"cap", m.cfg.MaxTotal)
	if _, err := m.CleanupExpired(ctx, m.cfg.TTLDays); err != nil {
		m.logger.Warn("Reclamation failed", "error", err)
	}

	count, err = m.liveCount(ctx)
	if err != nil {
		return err
	}
	if count >= m.cfg.MaxTotal {
		return &Error{Op: "capacity", ProjectID: projectID,
			Err: fmt.Errorf("concurrency limits reached: container cap %d", m.cfg.MaxTotal)}
	}
	return nil
}

// create provisions the volume, network and container for a project.
func (m *Manager) create(ctx context.Context, projectID string) (*Info, error) {
	api, err := m.docker.get()
	if err != nil {
		return nil, err
	}

	containerName, volumeName := DeterministicNames(projectID)
	labels := m.labels(projectID)

	if err := m.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	if err := m.ensureImage(ctx); err != nil {
		return nil, err
	}

	if _, err := api.VolumeCreate(ctx, volume.CreateOptions{
		Name:   volumeName,
		Labels: labels,
	}); err != nil {
		return nil, &Error{Op: "volume create", ProjectID: projectID, Err: err}
	}

	env := append([]string{
		"NODE_ENV=development",
		"CONTAINER_TYPE=" + ComponentValue,
		"CONTAINER_TTL_DAYS=" + strconv.Itoa(m.cfg.TTLDays),
	}, m.gitEnv...)

	created, err := api.ContainerCreate(ctx,
		&containertypes.Config{
			Image:      m.cfg.Image,
			Cmd:        []string{"sleep", "infinity"},
			Env:        env,
			Labels:     labels,
			WorkingDir: workspaceDir,
		},
		&containertypes.HostConfig{
			Mounts: []mount.Mount{{
				Type:   mount.TypeVolume,
				Source: volumeName,
				Target: workspaceDir,
			}},
			Resources: containertypes.Resources{
				NanoCPUs: m.cfg.NanoCPUs,
				Memory:   m.cfg.MemoryBytes,
			},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				m.cfg.Network: {},
			},
		},
		nil,
		containerName,
	)
	if err != nil {
		_ = api.VolumeRemove(context.Background(), volumeName, true)
		return nil, &Error{Op: "create", ProjectID: projectID, Err: err}
	}

	startCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()
	if err := api.ContainerStart(startCtx, created.ID, containertypes.StartOptions{}); err != nil {
		_ = api.ContainerRemove(context.Background(), created.ID, containertypes.RemoveOptions{Force: true})
		_ = api.VolumeRemove(context.Background(), volumeName, true)
		return nil, &Error{Op: "start", ProjectID: projectID, ContainerID: created.ID, Err: err}
	}

	return &Info{
		ID:         created.ID,
		Name:       containerName,
		VolumeName: volumeName,
		ProjectID:  projectID,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Remove tears down a project's container and volume and unregisters it.
func (m *Manager) Remove(ctx context.Context, projectID string) error {
	m.mu.Lock()
	info := m.registry[projectID]
	delete(m.registry, projectID)
	m.mu.Unlock()

	if info == nil {
		return nil
	}
	m.removeResources(ctx, info)
	return nil
}

// removeResources force-removes a container and its volume, tolerating
// partial failures.
func (m *Manager) removeResources(ctx context.Context, info *Info) {
	api, err := m.docker.get()
	if err != nil {
		m.logger.Warn("Cannot remove container resources", "error", err)
		return
	}
	if err := api.ContainerRemove(ctx, info.ID, containertypes.RemoveOptions{Force: true}); err != nil {
		m.logger.Warn("Failed to remove container",
			"container_id", info.ID, "project_id", info.ProjectID, "error", err)
	}
	if err := api.VolumeRemove(ctx, info.VolumeName, true); err != nil {
		m.logger.Warn("Failed to remove volume",
			"volume", info.VolumeName, "project_id", info.ProjectID, "error", err)
	}
}

// ensureNetwork creates the shared bridge network if it does not exist.
func (m *Manager) ensureNetwork(ctx context.Context) error {
	api, err := m.docker.get()
	if err != nil {
		return err
	}

	existing, err := api.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", m.cfg.Network)),
	})
	if err != nil {
		return &Error{Op: "network list", Err: err}
	}
	for _, n := range existing {
		if n.Name == m.cfg.Network {
			return nil
		}
	}

	if _, err := api.NetworkCreate(ctx, m.cfg.Network, network.CreateOptions{Driver: "bridge"}); err != nil {
		return &Error{Op: "network create", Err: err}
	}
	m.logger.Info("Created container network", "network", m.cfg.Network)
	return nil
}

// ensureImage pulls the execution image. Pull is idempotent and cheap
// when the image is already present.
func (m *Manager) ensureImage(ctx context.Context) error {
	api, err := m.docker.get()
	if err != nil {
		return err
	}
	reader, err := api.ImagePull(ctx, m.cfg.Image, image.PullOptions{})
	if err != nil {
		return &Error{Op: "image pull", Err: err}
	}
	defer func() { _ = reader.Close() }()
	// Drain so the pull completes before create.
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// labels returns the ownership labels for a project's resources.
func (m *Manager) labels(projectID string) map[string]string {
	return map[string]string{
		LabelComponent: ComponentValue,
		LabelProjectID: projectID,
		LabelCreated:   time.Now().UTC().Format(time.RFC3339),
		LabelTTLDays:   strconv.Itoa(m.cfg.TTLDays),
	}
}
