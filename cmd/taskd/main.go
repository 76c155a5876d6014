// Taskd is a task orchestration daemon. It accepts task submissions over
// HTTP, drives them through declarative multi-stage pipelines, dispatches
// steps to agents over NATS, and parks tasks on human checkpoints.
//
// Configuration is loaded from ~/.config/taskd/config.yaml and environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults (embedded NATS server)
//	taskd
//
//	# Configure via environment
//	SERVER_PORT=9090 BUS_URL=nats://localhost:4222 taskd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/agent"
	"github.com/fyrsmithlabs/taskd/internal/bus"
	"github.com/fyrsmithlabs/taskd/internal/checkpoint"
	"github.com/fyrsmithlabs/taskd/internal/config"
	"github.com/fyrsmithlabs/taskd/internal/engine"
	"github.com/fyrsmithlabs/taskd/internal/flow"
	taskdhttp "github.com/fyrsmithlabs/taskd/internal/http"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/orchestrator"
	"github.com/fyrsmithlabs/taskd/internal/task"
	"github.com/fyrsmithlabs/taskd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/taskd/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  taskd           Start the taskd daemon\n")
			fmt.Fprintf(os.Stderr, "  taskd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("taskd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the orchestrator and blocks until the context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize logger and telemetry
//  3. Connect the message bus (embedded NATS when no URL is configured)
//  4. Load the pipeline library and start watching for edits
//  5. Wire checkpoint service, flow runner, step executor, and machine
//  6. Start the worker pool and recover interrupted tasks
//  7. Start the HTTP server
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting taskd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("pipeline_dir", cfg.Engine.PipelineDir))

	tel, err := telemetry.New(ctx, &cfg.Observability)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	msgBus, err := bus.Connect(&cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("failed to connect message bus: %w", err)
	}
	defer msgBus.Close()

	library, err := engine.NewLibrary(cfg.Engine.PipelineDir, logger)
	if err != nil {
		return fmt.Errorf("failed to load pipelines: %w", err)
	}
	go func() {
		if err := library.Watch(ctx); err != nil {
			logger.Warn("Pipeline watcher stopped", zap.Error(err))
		}
	}()

	tasks := task.NewMemoryStore()

	checkpoints, err := checkpoint.NewService(&cfg.Checkpoint, checkpoint.NewMemoryStore(), msgBus, logger)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint service: %w", err)
	}
	go checkpoints.StartSweeper(ctx)

	dispatcher := agent.NewBusDispatcher(msgBus, "orchestrator")

	flows, err := flow.NewRunner(&cfg.Flow, dispatcher, msgBus, logger)
	if err != nil {
		return fmt.Errorf("failed to create flow runner: %w", err)
	}

	executor, err := engine.NewExecutor(&cfg.Engine, dispatcher, flows, tasks, logger)
	if err != nil {
		return fmt.Errorf("failed to create step executor: %w", err)
	}

	machine, err := orchestrator.NewMachine(tasks, library, executor, checkpoints, msgBus, logger)
	if err != nil {
		return fmt.Errorf("failed to create state machine: %w", err)
	}
	if err := machine.Start(); err != nil {
		return fmt.Errorf("failed to start state machine: %w", err)
	}

	pool, err := orchestrator.NewPool(&cfg.Pool, machine, logger)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Recover(ctx); err != nil {
		logger.Warn("Task recovery failed", zap.Error(err))
	}

	srv, err := taskdhttp.NewServer(machine, library, logger, &taskdhttp.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
