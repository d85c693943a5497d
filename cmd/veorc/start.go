package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/veorc/veorc/pkg/agentsup"
	"github.com/veorc/veorc/pkg/api"
	"github.com/veorc/veorc/pkg/causalindex"
	"github.com/veorc/veorc/pkg/chunkfs"
	"github.com/veorc/veorc/pkg/conflict"
	"github.com/veorc/veorc/pkg/daemon"
	"github.com/veorc/veorc/pkg/observability"
	"github.com/veorc/veorc/pkg/orchconfig"
	"github.com/veorc/veorc/pkg/scheduler"
	"github.com/veorc/veorc/pkg/statestore"
	"github.com/veorc/veorc/pkg/worktree"
)

// StartCmd starts the orchestrator daemon in the foreground: bind the
// listen socket, write the PID file, initialize the state store and the
// rest of the core, then block serving HTTP and dispatching until
// SIGINT/SIGTERM.
type StartCmd struct {
	Port int    `help:"Listen port (0 = ephemeral)." default:"8080"`
	Host string `help:"Listen host." default:"127.0.0.1"`
}

func (c *StartCmd) Run(rc *cliContext) error {
	repoRoot, err := filepath.Abs(rc.cli.Repo)
	if err != nil {
		return err
	}

	cfg, err := orchconfig.Load(rc.cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.RepoRoot = repoRoot
	if c.Port != 0 {
		cfg.Port = c.Port
	}
	if c.Host != "" {
		cfg.ListenAddr = c.Host
	}

	logger := slog.Default()

	ln, info, err := daemon.Bind(repoRoot, cfg.ListenAddr, cfg.Port)
	if err != nil {
		return err
	}
	defer ln.Close()
	defer daemon.Remove(repoRoot)
	logger.Info("daemon started", "pid", info.PID, "host", info.Host, "port", info.Port)

	store, err := statestore.Open(cfg.StateDriver, cfg.StateDSN)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	if err := seedNonDefaultConfig(rc.ctx, store, cfg); err != nil {
		return fmt.Errorf("seed config: %w", err)
	}
	storedCfg, err := store.GetConfig(rc.ctx)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	idx := causalindex.New(
		filepath.Join(repoRoot, ".artifact-order.json"),
		map[causalindex.ArtifactType]causalindex.Source{
			causalindex.TypeChunk:             &causalindex.FilesystemChunkSource{RepoRoot: repoRoot},
			causalindex.TypeExternalReference: &causalindex.FilesystemExternalRefSource{RepoRoot: repoRoot},
			causalindex.TypeNarrative:         &causalindex.GenericStatusSource{RepoRoot: repoRoot, SubDir: "narratives", MainFile: "NARRATIVE.md", EligibleStatus: "ACTIVE"},
			causalindex.TypeInvestigation:     &causalindex.GenericStatusSource{RepoRoot: repoRoot, SubDir: "investigations", MainFile: "INVESTIGATION.md", AlwaysEligible: true},
			causalindex.TypeSubsystem:         &causalindex.GenericStatusSource{RepoRoot: repoRoot, SubDir: "subsystems", MainFile: "SUBSYSTEM.md", AlwaysEligible: true},
		},
	)
	if err := idx.Load(); err != nil {
		return fmt.Errorf("load causal index: %w", err)
	}

	chunks := chunkfs.New(repoRoot)
	oracle := conflict.New(chunks, idx, store)
	wt := worktree.New(repoRoot, cfg.BaseBranch)

	metrics, err := observability.NewMetrics(&observability.MetricsConfig{Enabled: cfg.Observability.MetricsEnabled})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	tp, err := observability.InitGlobalTracer(rc.ctx, observability.TracerConfig{
		Enabled:      cfg.Observability.TracingEnabled,
		ExporterType: cfg.Observability.TraceExporter,
		Endpoint:     cfg.Observability.TraceEndpoint,
		SamplingRate: cfg.Observability.SamplingRate,
		ServiceName:  "veorc-orchestrator",
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	if shutdowner, ok := tp.(interface{ Shutdown(context.Context) error }); ok {
		defer shutdowner.Shutdown(context.Background())
	}

	var sched *scheduler.Scheduler
	if cfg.AgentRuntimeBinary != "" {
		runtime, client, err := agentsup.Dispense(cfg.AgentRuntimeBinary)
		if err != nil {
			return fmt.Errorf("dispense agent runtime: %w", err)
		}
		defer client.Kill()

		sup := agentsup.New(runtime, repoRoot, logger)
		sched = scheduler.New(store, oracle, wt, sup, chunks, logger)
	} else {
		logger.Warn("no agent_runtime_binary configured, scheduler dispatch is disabled")
		sched = scheduler.New(store, oracle, wt, nil, chunks, logger)
	}
	sched.Metrics = metrics
	sched.Configure(storedCfg)
	sched.ShutdownTimeout = time.Duration(cfg.ShutdownTimeout * float64(time.Second))

	if err := sched.Recover(rc.ctx); err != nil {
		return fmt.Errorf("recover scheduler state: %w", err)
	}

	srv := api.New(store, oracle, sched, repoRoot, logger)
	srv.Metrics = metrics
	httpServer := &http.Server{Handler: srv.Router()}

	errCh := make(chan error, 2)
	go func() {
		if err := sched.Run(rc.ctx); err != nil {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-rc.ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("daemon error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), sched.ShutdownTimeout)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	sched.Stop()

	return nil
}

// seedNonDefaultConfig persists every scheduler tunable whose value in
// the daemon config differs from its default. This runs on every start,
// so such a tunable replaces any value set via PATCH /config since the
// last start; tunables left at their default do not touch the stored
// value.
func seedNonDefaultConfig(ctx context.Context, store *statestore.Store, cfg *orchconfig.Config) error {
	defaults := statestore.DefaultConfig()
	if cfg.MaxAgents != defaults.MaxAgents {
		if err := store.SetConfigValue(ctx, "max_agents", fmt.Sprintf("%d", cfg.MaxAgents)); err != nil {
			return err
		}
	}
	if cfg.DispatchInterval != defaults.DispatchInterval {
		if err := store.SetConfigValue(ctx, "dispatch_interval", fmt.Sprintf("%g", cfg.DispatchInterval)); err != nil {
			return err
		}
	}
	if cfg.MaxCompletionRetries != defaults.MaxCompletionRetries {
		if err := store.SetConfigValue(ctx, "max_completion_retries", fmt.Sprintf("%d", cfg.MaxCompletionRetries)); err != nil {
			return err
		}
	}
	if cfg.BaseBranch != defaults.BaseBranch {
		if err := store.SetConfigValue(ctx, "base_branch", cfg.BaseBranch); err != nil {
			return err
		}
	}
	return nil
}
