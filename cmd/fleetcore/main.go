package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"fleetcore/internal/adapter/bus"
	"fleetcore/internal/adapter/checkpoint"
	"fleetcore/internal/domain"
	"fleetcore/internal/infra/config"
	"fleetcore/internal/infra/logger"
	"fleetcore/internal/infra/tracer"
	"fleetcore/internal/usecase/autoscale"
	"fleetcore/internal/usecase/directory"
	"fleetcore/internal/usecase/eventbus"
	"fleetcore/internal/usecase/pool"
	"fleetcore/internal/usecase/queue"
	"fleetcore/internal/usecase/registrar"
	"fleetcore/internal/usecase/supervisor"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "validate":
		if err := runValidate(); err != nil {
			fmt.Fprintf(os.Stderr, "validate: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'fleetcore --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`fleetcore - distributed task scheduling core

USAGE:
    fleetcore [COMMAND] [FLAGS]

COMMANDS:
    validate    Load and validate the configuration, then exit

    (no command) - Run the scheduler with existing config

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: FLEETCORE_* variables override config

EXAMPLES:
    fleetcore                                  # Run with config.yaml
    fleetcore --config /etc/fleetcore.yaml     # Run with custom config
    fleetcore validate                         # Check the config and exit`)
}

// configPath extracts --config from os.Args, defaulting to ./config.yaml.
func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			return os.Args[i+1]
		case strings.HasPrefix(os.Args[i], "--config="):
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	return "config.yaml"
}

func runValidate() error {
	path := configPath()
	if _, err := config.Load(path); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", path)
	return nil
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	events := eventbus.New(log)
	defer events.Close()

	// 4. Checkpoint store (optional)
	var store *checkpoint.SQLiteStore
	if cfg.Checkpoint.Enabled {
		store, err = checkpoint.NewSQLiteStore(cfg.Checkpoint.Path)
		if err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		defer store.Close()
	}

	// 5. Worker pool + agent directory. Agents the liveness sweep marks
	// Offline are evicted from the pool so no new work lands on them.
	var workers *pool.Pool
	dir := directory.New(directory.Config{
		HeartbeatTimeout: cfg.Directory.HeartbeatTimeout,
		SweepSchedule:    cfg.Directory.SweepSchedule,
		OfflineHook: func(info domain.AgentInfo) {
			workers.RemoveWorker(info.ID())
		},
		Bus:        events,
		Checkpoint: checkpointerOrNil(store),
	}, log)
	workers = pool.New(dir, log)

	if store != nil {
		caps, err := store.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("checkpoint load: %w", err)
		}
		restored := dir.Rehydrate(ctx, caps)
		log.Info("rehydrated agents from checkpoint", "count", restored)
	}

	if err := dir.StartSweep(); err != nil {
		return fmt.Errorf("directory sweep: %w", err)
	}
	defer dir.StopSweep()

	// 6. Message bus backend
	msgBus, err := buildBus(ctx, cfg, dir, events, log)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	defer msgBus.Close()

	// 7. Task queue
	policy, err := queuePolicy(cfg.Queue.Policy)
	if err != nil {
		return err
	}
	tasks := queue.New(policy, cfg.Queue.Capacity, log)
	defer tasks.Close()

	// 8. Autoscaler + Supervisor
	scaler := autoscale.New(autoscale.Thresholds{
		MinWorkers:                    cfg.Autoscaler.MinWorkers,
		MaxWorkers:                    cfg.Autoscaler.MaxWorkers,
		ScaleUpTaskThreshold:          cfg.Autoscaler.ScaleUpTaskThreshold,
		ScaleUpTasksPerWorker:         cfg.Autoscaler.ScaleUpTasksPerWorker,
		ScaleUpUtilization:            cfg.Autoscaler.ScaleUpUtilization,
		ScaleUpIncrement:              cfg.Autoscaler.ScaleUpIncrement,
		TargetTasksPerWorker:          cfg.Autoscaler.TargetTasksPerWorker,
		ScaleDownTaskThreshold:        cfg.Autoscaler.ScaleDownTaskThreshold,
		ScaleDownUtilization:          cfg.Autoscaler.ScaleDownUtilization,
		ScaleDownIncrement:            cfg.Autoscaler.ScaleDownIncrement,
		ScaleDownTargetTasksPerWorker: cfg.Autoscaler.ScaleDownTargetTasksPerWorker,
		ScaleDownMaxTaskDuration:      cfg.Autoscaler.ScaleDownMaxTaskDuration,
	})

	sup := supervisor.New(supervisor.Config{
		MaxRequeues:      cfg.Supervisor.MaxRequeues,
		RequeueBackoff:   cfg.Supervisor.RequeueBackoff,
		RequeuePerSecond: cfg.Supervisor.RequeuePerSecond,
		ScaleInterval:    cfg.Supervisor.ScaleInterval,
		TaskTTL:          cfg.Supervisor.TaskTTL,
		DispatchTimeout:  cfg.Supervisor.DispatchTimeout,
	}, tasks, workers, dir, msgBus, scaler, events, log)

	if err := sup.Start(); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	defer sup.Stop()

	// Remote workers join, heartbeat, and leave over the bus. A heartbeat
	// also revives checkpoint-rehydrated agents, which start Offline.
	reg := registrar.New(dir, workers, msgBus, log)
	if err := reg.Start(); err != nil {
		return fmt.Errorf("registrar: %w", err)
	}
	defer reg.Stop()

	log.Info("fleetcore started",
		"bus", cfg.Bus.Backend,
		"queue_policy", cfg.Queue.Policy,
		"max_workers", cfg.Autoscaler.MaxWorkers)

	// 9. Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())
	return nil
}

// buildBus selects the message bus backend from the configuration.
func buildBus(ctx context.Context, cfg *config.Config, dir *directory.Directory, events domain.EventBus, log *slog.Logger) (domain.MessageBus, error) {
	switch cfg.Bus.Backend {
	case "redis":
		client, err := bus.NewGoRedisClient(ctx, cfg.Bus.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		return bus.NewRedis(client, dir, events, bus.RedisConfig{
			ChannelPrefix: cfg.Bus.ChannelPrefix,
			Breaker:       cfg.Bus.Breaker,
		}, log), nil
	default:
		return bus.NewInProc(dir, events, log), nil
	}
}

// checkpointerOrNil avoids storing a typed-nil Checkpointer in the
// directory config when checkpointing is disabled.
func checkpointerOrNil(store *checkpoint.SQLiteStore) directory.Checkpointer {
	if store == nil {
		return nil
	}
	return store
}

// queuePolicy maps the configured policy name to a queue.FullPolicy.
func queuePolicy(name string) (queue.FullPolicy, error) {
	switch name {
	case "grow", "":
		return queue.PolicyGrow, nil
	case "block":
		return queue.PolicyBlock, nil
	case "reject":
		return queue.PolicyReject, nil
	default:
		return queue.PolicyGrow, fmt.Errorf("queue.policy: unknown policy %q", name)
	}
}
