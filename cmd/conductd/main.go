// Conductd is a multi-role task-orchestration daemon.
//
// The daemon moves specifications through their lifecycle, plans
// dependency-respecting execution batches, and delegates each task to a
// role worker under admission control, with a token-budgeted context
// assembled per delegation. Specifications arrive through the spool
// directory or the admin API.
//
// Configuration is loaded from a YAML file, then overridden by
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	conductd
//
//	# Start with an explicit config file
//	conductd -config /etc/conductd/config.yaml
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
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/events"
	"github.com/fyrsmithlabs/conductd/internal/governor"
	conducthttp "github.com/fyrsmithlabs/conductd/internal/http"
	"github.com/fyrsmithlabs/conductd/internal/intake"
	"github.com/fyrsmithlabs/conductd/internal/lifecycle"
	"github.com/fyrsmithlabs/conductd/internal/logging"
	"github.com/fyrsmithlabs/conductd/internal/memory"
	"github.com/fyrsmithlabs/conductd/internal/orchestrator"
	"github.com/fyrsmithlabs/conductd/internal/pipeline"
	"github.com/fyrsmithlabs/conductd/internal/planner"
	"github.com/fyrsmithlabs/conductd/internal/role"
	"github.com/fyrsmithlabs/conductd/internal/router"
	"github.com/fyrsmithlabs/conductd/internal/telemetry"
	"github.com/fyrsmithlabs/conductd/internal/worker"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  conductd           Start the conductd daemon\n")
			fmt.Fprintf(os.Stderr, "  conductd version   Show version information\n")
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

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("conductd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is cancelled.
//
// Initialization is staged:
//  1. Load and validate configuration
//  2. Initialize telemetry and the structured logger
//  3. Open the engine: events, stores, registry, governor, pipeline,
//     router, orchestrator
//  4. Start the intake watcher on the spool directory
//  5. Start the admin HTTP server
//  6. Perform graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	telemetry.Version = version
	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	logger, err := logging.New(cfg.Logging, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "starting conductd",
		zap.String("version", version),
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("events_sink", cfg.Events.Sink),
		zap.String("workers_provider", cfg.Workers.Provider),
		zap.Bool("intake_enabled", cfg.Intake.Enabled),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng, err := newEngine(cfg, logger, reg)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer eng.Close(logger)

	logger.Info(ctx, "engine initialized",
		zap.Int("registered_roles", len(eng.registry.Roles())),
		zap.Int("long_term_records", eng.memory.Stats().LongTerm),
	)

	// Accepted manifests run as workflows on their own goroutines; the
	// daemon context cancels them on shutdown, and shutdown waits for the
	// canceled runs to resolve their in-flight delegations.
	var runs sync.WaitGroup
	accept := func(_ context.Context, spec lifecycle.Specification, tasks []planner.Task) {
		runs.Add(1)
		go func() {
			defer runs.Done()
			if _, err := eng.orchestrator.Run(ctx, spec, tasks); err != nil {
				logger.Error(ctx, "workflow failed",
					zap.String("spec.id", spec.ID),
					zap.Error(err),
				)
			}
		}()
	}

	if cfg.Intake.Enabled {
		watcher, err := intake.NewWatcher(cfg.Intake, eng.lifecycle, accept, logger, reg)
		if err != nil {
			return fmt.Errorf("initializing intake watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("starting intake watcher: %w", err)
		}
		defer watcher.Stop()
	}

	checks := map[string]conducthttp.ReadyCheck{
		"lifecycle": eng.lifecycle.VerifyDisjoint,
	}
	srv, err := conducthttp.NewServer(cfg.Server, eng.orchestrator, eng.lifecycle, accept, checks, reg, logger, reg)
	if err != nil {
		return fmt.Errorf("initializing admin server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "admin server shutdown incomplete", zap.Error(err))
	}

	drained := make(chan struct{})
	go func() {
		runs.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn(shutdownCtx, "workflows still draining at shutdown deadline")
	}

	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "telemetry shutdown incomplete", zap.Error(err))
	}
	return nil
}

// engine holds the wired core of the daemon.
type engine struct {
	emitter      events.Emitter
	specStore    *lifecycle.Store
	lifecycle    *lifecycle.Manager
	memory       *memory.Store
	governor     *governor.Governor
	pipeline     *pipeline.Pipeline
	registry     *role.Registry
	backend      *worker.NATSBackend
	router       *router.Router
	orchestrator *orchestrator.Orchestrator
}

// newEngine wires the engine in dependency order: events, stores, role
// registry, governor, pipeline, router, orchestrator.
func newEngine(cfg *config.Config, logger *logging.Logger, reg prometheus.Registerer) (*engine, error) {
	eng := &engine{}

	emitter, err := events.NewEmitter(cfg.Events, logger)
	if err != nil {
		return nil, fmt.Errorf("creating events emitter: %w", err)
	}
	eng.emitter = emitter

	specStore, err := lifecycle.Open(cfg.Lifecycle, logger)
	if err != nil {
		eng.Close(logger)
		return nil, err
	}
	eng.specStore = specStore
	eng.lifecycle = lifecycle.NewManager(cfg.Lifecycle, specStore, emitter, logger, reg)

	mem, err := memory.NewStore(cfg.Memory, logger, reg)
	if err != nil {
		eng.Close(logger)
		return nil, err
	}
	eng.memory = mem

	registry, backend, err := buildRegistry(cfg, logger)
	if err != nil {
		eng.Close(logger)
		return nil, err
	}
	eng.registry = registry
	eng.backend = backend

	eng.governor = governor.New(cfg.Governor, logger, reg)

	pipe, err := pipeline.New(cfg.Pipeline, mem, logger, reg)
	if err != nil {
		eng.Close(logger)
		return nil, err
	}
	eng.pipeline = pipe

	eng.router = router.New(cfg.Router, registry, eng.governor, pipe, mem, emitter, logger, reg)
	eng.orchestrator = orchestrator.New(cfg.Orchestrator, eng.lifecycle, eng.router, emitter, logger, reg)
	return eng, nil
}

// buildRegistry binds every role in the closed set to the configured
// worker transport, layering per-role policy overrides on the defaults.
func buildRegistry(cfg *config.Config, logger *logging.Logger) (*role.Registry, *worker.NATSBackend, error) {
	registry := role.NewRegistry(role.DefaultPolicy(cfg.Router, cfg.Pipeline))

	overrides := make(map[role.Role]role.Policy, len(cfg.Roles))
	for _, rc := range cfg.Roles {
		r, err := role.Parse(rc.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("role config: %w", err)
		}
		overrides[r] = role.FromConfig(rc)
	}

	if cfg.Workers.Provider == "none" {
		logger.Warn(context.Background(), "no worker transport configured, delegations will be rejected",
			zap.String("workers_provider", cfg.Workers.Provider),
		)
		return registry, nil, nil
	}

	backend, err := worker.NewNATSBackend(cfg.Workers, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting worker transport: %w", err)
	}
	for _, r := range role.All() {
		if err := registry.Register(r, backend, overrides[r]); err != nil {
			_ = backend.Close()
			return nil, nil, err
		}
	}
	return registry, backend, nil
}

// Close releases engine resources in reverse initialization order.
func (e *engine) Close(logger *logging.Logger) {
	ctx := context.Background()
	if e.governor != nil {
		e.governor.Close()
	}
	if e.backend != nil {
		_ = e.backend.Close()
	}
	if e.memory != nil {
		if err := e.memory.Close(); err != nil {
			logger.Warn(ctx, "memory store close failed", zap.Error(err))
		}
	}
	if e.specStore != nil {
		if err := e.specStore.Close(); err != nil {
			logger.Warn(ctx, "lifecycle store close failed", zap.Error(err))
		}
	}
	if e.emitter != nil {
		_ = e.emitter.Close()
	}
}
