// Package config loads orchestrator configuration from environment
// variables with sensible defaults. A .env file (if present) is loaded
// by the entrypoint before this package reads the environment.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config is the top-level orchestrator configuration.
type Config struct {
	HTTPPort string

	// ServiceKey authenticates WebSocket subscribers (shared service-role key).
	ServiceKey string

	Queue     QueueConfig
	Container ContainerConfig
	Executor  ExecutorConfig
	WebSocket WebSocketConfig
	Retention RetentionConfig
}

// QueueConfig controls the dispatch worker pool.
type QueueConfig struct {
	WorkerCount        int
	PollInterval       time.Duration
	PollIntervalJitter time.Duration
	HeartbeatInterval  time.Duration
	// StaleClaimAfter is how long an in_progress dispatch task may go
	// without a heartbeat before it is returned to pending.
	StaleClaimAfter time.Duration
	// MaxClaimAttempts bounds redelivery of a dispatch task.
	MaxClaimAttempts        int
	OrphanScanInterval      time.Duration
	GracefulShutdownTimeout time.Duration
}

// ContainerConfig controls the per-project container manager.
type ContainerConfig struct {
	Image           string
	Network         string
	MaxTotal        int
	MaxPerProject   int
	StartTimeout    time.Duration
	HealthTimeout   time.Duration
	TTLDays         int
	NanoCPUs        int64
	MemoryBytes     int64
}

// ExecutorConfig controls in-container command execution.
type ExecutorConfig struct {
	// DefaultTimeout bounds a single command attempt when the submission
	// carries no timeout_seconds.
	DefaultTimeout time.Duration
	// MaxAttempts is the retry ceiling per command. Hard limit: 2.
	MaxAttempts int
}

// WebSocketConfig controls hub delivery behavior.
type WebSocketConfig struct {
	WriteTimeout time.Duration
}

// RetentionConfig controls the background cleanup loop.
type RetentionConfig struct {
	ContainerMaxAgeDays int
	EventTTL            time.Duration
	CleanupInterval     time.Duration
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:   getEnvOrDefault("HTTP_PORT", "8080"),
		ServiceKey: os.Getenv("CLARITY_SERVICE_KEY"),
		Queue: QueueConfig{
			WorkerCount:             getEnvInt("QUEUE_WORKER_COUNT", max(runtime.NumCPU(), 2)),
			PollInterval:            getEnvDuration("QUEUE_POLL_INTERVAL", 1*time.Second),
			PollIntervalJitter:      getEnvDuration("QUEUE_POLL_JITTER", 250*time.Millisecond),
			HeartbeatInterval:       getEnvDuration("QUEUE_HEARTBEAT_INTERVAL", 15*time.Second),
			StaleClaimAfter:         getEnvDuration("QUEUE_STALE_CLAIM_AFTER", 5*time.Minute),
			MaxClaimAttempts:        getEnvInt("QUEUE_MAX_CLAIM_ATTEMPTS", 5),
			OrphanScanInterval:      getEnvDuration("QUEUE_ORPHAN_SCAN_INTERVAL", time.Minute),
			GracefulShutdownTimeout: getEnvDuration("QUEUE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Container: ContainerConfig{
			Image:         getEnvOrDefault("CONTAINER_IMAGE", "node:18-alpine"),
			Network:       getEnvOrDefault("CONTAINER_NETWORK", "clarity-net"),
			MaxTotal:      getEnvInt("CONTAINER_MAX_TOTAL", 5),
			MaxPerProject: 1,
			StartTimeout:  getEnvDuration("CONTAINER_START_TIMEOUT", 2*time.Second),
			HealthTimeout: getEnvDuration("CONTAINER_HEALTH_TIMEOUT", 10*time.Second),
			TTLDays:       getEnvInt("CONTAINER_TTL_DAYS", 7),
			NanoCPUs:      1_000_000_000, // 1 vCPU
			MemoryBytes:   1 << 30,       // 1 GiB
		},
		Executor: ExecutorConfig{
			DefaultTimeout: getEnvDuration("EXECUTOR_DEFAULT_TIMEOUT", 30*time.Minute),
			MaxAttempts:    2,
		},
		WebSocket: WebSocketConfig{
			WriteTimeout: getEnvDuration("WS_WRITE_TIMEOUT", 500*time.Millisecond),
		},
		Retention: RetentionConfig{
			ContainerMaxAgeDays: getEnvInt("RETENTION_CONTAINER_MAX_AGE_DAYS", 7),
			EventTTL:            getEnvDuration("RETENTION_EVENT_TTL", 24*time.Hour),
			CleanupInterval:     getEnvDuration("RETENTION_CLEANUP_INTERVAL", 24*time.Hour),
		},
	}

	if cfg.Queue.WorkerCount < 1 {
		return nil, fmt.Errorf("QUEUE_WORKER_COUNT must be >= 1, got %d", cfg.Queue.WorkerCount)
	}
	if cfg.Container.MaxTotal < 1 {
		return nil, fmt.Errorf("CONTAINER_MAX_TOTAL must be >= 1, got %d", cfg.Container.MaxTotal)
	}
	// MaxAttempts is bounds-checked by the executor's retry validator
	// before every run, not here.
	return cfg, nil
}

// GitTokenEnv returns the whitelisted VCS token variables present in the
// process environment, as KEY=VALUE pairs ready for container injection.
func GitTokenEnv() []string {
	var out []string
	for _, key := range []string{"GITHUB_TOKEN", "GITLAB_TOKEN", "BITBUCKET_TOKEN", "GIT_TOKEN"} {
		if v := os.Getenv(key); v != "" {
			out = append(out, key+"="+v)
		}
	}
	return out
}

// GitTokenValues returns just the secret values, for the redaction denylist.
func GitTokenValues() []string {
	var out []string
	for _, key := range []string{"GITHUB_TOKEN", "GITLAB_TOKEN", "BITBUCKET_TOKEN", "GIT_TOKEN"} {
		if v := os.Getenv(key); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
