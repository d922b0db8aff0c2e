package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openconduct/openconduct/pkg/audit"
	"github.com/openconduct/openconduct/pkg/config"
	"github.com/openconduct/openconduct/pkg/engine"
	"github.com/openconduct/openconduct/pkg/policy"
	"github.com/openconduct/openconduct/pkg/server"
	"github.com/openconduct/openconduct/pkg/stores"
	"github.com/openconduct/openconduct/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the OpenConduct server",
		Long: `Starts the HTTP surface, the background runner, and the request
store, and serves until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			if verbose {
				cfg.Logging.Level = "debug"
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	metrics := telemetry.NewMetrics("openconduct")

	tracer, err := telemetry.NewTracer(cfg.Tracing, "openconduct", "dev")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	// Request store
	var store engine.Store
	var auditSink engine.AuditSink
	switch cfg.Store.Driver {
	case "durable":
		sqlite, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
		if err != nil {
			return err
		}
		if err := sqlite.Init(ctx); err != nil {
			return err
		}
		if err := sqlite.Migrate(ctx); err != nil {
			return err
		}
		store = sqlite
		auditSink = audit.NewLoggedSink(sqlite, telemetry.Component(logger, "audit"))
	default:
		store = stores.NewMemoryStore()
		auditSink = audit.NewLoggedSink(audit.NewMemorySink(), telemetry.Component(logger, "audit"))
	}
	defer func() { _ = store.Close() }()

	// Policy gate
	gate, err := policy.NewGate(logger, policy.Mode(cfg.Policy.Mode))
	if err != nil {
		return err
	}
	loader := policy.NewLoader(logger)
	rulePaths := existingPaths(cfg.Policy.Paths)
	if len(rulePaths) > 0 {
		rules, err := loader.LoadFromPaths(ctx, rulePaths)
		if err != nil {
			return err
		}
		if err := gate.LoadRules(ctx, rules); err != nil {
			return err
		}
		if cfg.Policy.Watch {
			if err := loader.Watch(ctx, rulePaths, func(rules []policy.Rule) error {
				return gate.LoadRules(ctx, rules)
			}); err != nil {
				return err
			}
		}
	}

	// Backend profiles
	profiles, err := config.NewProfiles(cfg.BackendsPath, cfg.SecretsPath, logger)
	if err != nil {
		return err
	}
	if err := profiles.Watch(ctx); err != nil {
		return err
	}

	eng := engine.New(engine.Options{
		Registry: engine.NewRegistry(),
		Store:    store,
		Gate:     gate,
		Contexts: profiles,
		Audit:    auditSink,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})

	runner := engine.NewRunner(eng, engine.RunnerOptions{
		TickInterval:  cfg.Runner.TickInterval,
		DrainBatch:    cfg.Runner.DrainBatch,
		ConvergeBatch: cfg.Runner.ConvergeBatch,
	})

	srv := server.New(eng, metrics, logger, server.Options{
		Port:            cfg.Server.Port,
		APIKey:          cfg.Server.APIKey,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		_ = runner.Run(ctx)
	}()

	err = srv.Run(ctx)
	cancel()
	<-runnerDone
	return err
}

// existingPaths filters out paths that do not exist; absent config
// files fall back to the built-in defaults.
func existingPaths(paths []string) []string {
	var out []string
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			out = append(out, path)
		}
	}
	return out
}
