// Package config loads and validates the fleetcore configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// BreakerConfig configures the circuit breaker guarding an external bus
// transport.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// BusConfig selects and configures the message bus backend.
type BusConfig struct {
	// Backend is "memory" or "redis". The in-process backend is the
	// default and the fallback when no external transport is configured.
	Backend       string        `yaml:"backend"`
	ChannelPrefix string        `yaml:"channel_prefix"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	RedisURL      string        `yaml:"redis_url"`      // supports "enc:" secret values
	Breaker       BreakerConfig `yaml:"breaker"`
}

// QueueConfig configures the task queue.
type QueueConfig struct {
	// Policy for a queue at capacity: "grow", "block", or "reject".
	Policy   string `yaml:"policy"`
	Capacity int    `yaml:"capacity"` // ignored for "grow"
}

// DirectoryConfig configures agent liveness tracking.
type DirectoryConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SweepSchedule    string        `yaml:"sweep_schedule"` // cron expression or "@every 30s"
}

// AutoscalerConfig holds the control-loop thresholds. The up and down target
// ratios are deliberately separate knobs; the asymmetry is hysteresis.
type AutoscalerConfig struct {
	MinWorkers int `yaml:"min_workers"`
	MaxWorkers int `yaml:"max_workers"`

	ScaleUpTaskThreshold  int     `yaml:"scale_up_task_threshold"`
	ScaleUpTasksPerWorker float64 `yaml:"scale_up_tasks_per_worker"`
	ScaleUpUtilization    float64 `yaml:"scale_up_utilization"`
	ScaleUpIncrement      int     `yaml:"scale_up_increment"`
	TargetTasksPerWorker  int     `yaml:"target_tasks_per_worker"`

	ScaleDownTaskThreshold        int           `yaml:"scale_down_task_threshold"`
	ScaleDownUtilization          float64       `yaml:"scale_down_utilization"`
	ScaleDownIncrement            int           `yaml:"scale_down_increment"`
	ScaleDownTargetTasksPerWorker int           `yaml:"scale_down_target_tasks_per_worker"`
	ScaleDownMaxTaskDuration      time.Duration `yaml:"scale_down_max_task_duration"`
}

// SupervisorConfig configures the dispatch loop and retry policy.
type SupervisorConfig struct {
	MaxRequeues      int           `yaml:"max_requeues"`
	RequeueBackoff   time.Duration `yaml:"requeue_backoff"`
	RequeuePerSecond float64       `yaml:"requeue_per_second"` // rate limit on requeue attempts
	ScaleInterval    time.Duration `yaml:"scale_interval"`
	TaskTTL          time.Duration `yaml:"task_ttl"` // TTL stamped on dispatch messages, 0 = none
	// DispatchTimeout re-queues a dispatched task whose assignee never
	// reported a result, e.g. because it deregistered mid-task. 0 disables
	// the janitor.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// CheckpointConfig configures registration persistence.
type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // SQLite database file
}

// Config is the top-level fleetcore configuration.
type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Bus        BusConfig        `yaml:"bus"`
	Queue      QueueConfig      `yaml:"queue"`
	Directory  DirectoryConfig  `yaml:"directory"`
	Autoscaler AutoscalerConfig `yaml:"autoscaler"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// Defaults returns a configuration with every knob at its default.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false, Exporter: "noop"},
		Bus: BusConfig{
			Backend:       "memory",
			ChannelPrefix: "fleetcore:",
			SendTimeout:   5 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Queue: QueueConfig{Policy: "grow"},
		Directory: DirectoryConfig{
			HeartbeatTimeout: 90 * time.Second,
			SweepSchedule:    "@every 30s",
		},
		Autoscaler: AutoscalerConfig{
			MinWorkers:                    1,
			MaxWorkers:                    20,
			ScaleUpTaskThreshold:          10,
			ScaleUpTasksPerWorker:         3,
			ScaleUpUtilization:            0.7,
			ScaleUpIncrement:              3,
			TargetTasksPerWorker:          5,
			ScaleDownTaskThreshold:        2,
			ScaleDownUtilization:          0.3,
			ScaleDownIncrement:            2,
			ScaleDownTargetTasksPerWorker: 3,
			ScaleDownMaxTaskDuration:      30 * time.Second,
		},
		Supervisor: SupervisorConfig{
			MaxRequeues:      5,
			RequeueBackoff:   500 * time.Millisecond,
			RequeuePerSecond: 20,
			ScaleInterval:    15 * time.Second,
			DispatchTimeout:  60 * time.Second,
		},
		Checkpoint: CheckpointConfig{Enabled: false, Path: "fleetcore.db"},
	}
}

// Load reads the YAML file at path, applies env overrides and secret
// decryption, and validates the result. A missing file is not an error;
// defaults plus env overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("FLEETCORE_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps FLEETCORE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETCORE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("FLEETCORE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("FLEETCORE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("FLEETCORE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("FLEETCORE_BUS_BACKEND"); v != "" {
		cfg.Bus.Backend = v
	}
	if v := os.Getenv("FLEETCORE_BUS_REDIS_URL"); v != "" {
		cfg.Bus.RedisURL = v
	}
	if v := os.Getenv("FLEETCORE_BUS_CHANNEL_PREFIX"); v != "" {
		cfg.Bus.ChannelPrefix = v
	}
	if v := os.Getenv("FLEETCORE_CHECKPOINT_PATH"); v != "" {
		cfg.Checkpoint.Enabled = true
		cfg.Checkpoint.Path = v
	}
	if v := os.Getenv("FLEETCORE_AUTOSCALER_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Autoscaler.MaxWorkers = n
		}
	}
	if v := os.Getenv("FLEETCORE_AUTOSCALER_MIN_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Autoscaler.MinWorkers = n
		}
	}
}

// Validate rejects configurations the scheduler cannot run with.
func Validate(cfg *Config) error {
	switch cfg.Bus.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("bus.backend: unknown backend %q", cfg.Bus.Backend)
	}
	if cfg.Bus.Backend == "redis" && cfg.Bus.RedisURL == "" {
		return fmt.Errorf("bus.redis_url is required for the redis backend")
	}
	switch cfg.Queue.Policy {
	case "grow", "block", "reject":
	default:
		return fmt.Errorf("queue.policy: unknown policy %q", cfg.Queue.Policy)
	}
	if cfg.Queue.Policy != "grow" && cfg.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive for policy %q", cfg.Queue.Policy)
	}
	a := cfg.Autoscaler
	if a.MinWorkers < 0 || a.MaxWorkers < a.MinWorkers {
		return fmt.Errorf("autoscaler: need 0 <= min_workers <= max_workers, got %d..%d", a.MinWorkers, a.MaxWorkers)
	}
	if a.TargetTasksPerWorker <= 0 || a.ScaleDownTargetTasksPerWorker <= 0 {
		return fmt.Errorf("autoscaler: target tasks per worker must be positive")
	}
	if cfg.Supervisor.MaxRequeues < 0 {
		return fmt.Errorf("supervisor.max_requeues must not be negative")
	}
	if cfg.Directory.HeartbeatTimeout <= 0 {
		return fmt.Errorf("directory.heartbeat_timeout must be positive")
	}
	return nil
}

func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Bus.RedisURL, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Bus.RedisURL, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("bus redis_url: %w", err)
		}
		cfg.Bus.RedisURL = decrypted
	}
	return nil
}
