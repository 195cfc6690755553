package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/meridian-sys/spokectl/internal/breaker"
	"github.com/meridian-sys/spokectl/internal/checkpoint"
	"github.com/meridian-sys/spokectl/internal/classify"
	"github.com/meridian-sys/spokectl/internal/config"
	"github.com/meridian-sys/spokectl/internal/federation"
	"github.com/meridian-sys/spokectl/internal/lock"
	"github.com/meridian-sys/spokectl/internal/metrics"
	"github.com/meridian-sys/spokectl/internal/output"
	"github.com/meridian-sys/spokectl/internal/pipeline"
	"github.com/meridian-sys/spokectl/internal/state"
	"github.com/meridian-sys/spokectl/internal/storage"
	"github.com/meridian-sys/spokectl/pkg/logging"
)

var (
	flagConfig string
	flagQuiet  bool
	flagColor  string

	rootCmd = &cobra.Command{
		Use:   "spokectl",
		Short: "Deployment orchestration for hub and spoke identity federation instances",
		Long: `spokectl drives the phased deployment of federation instances: it
tracks durable state and checkpoints, gates flaky dependencies behind
circuit breakers, starts services in dependency order, and resumes or
rolls back interrupted deployments.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", config.DefaultPath(), "Path to the spokectl config file.")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress non-error output.")
	rootCmd.PersistentFlags().StringVar(&flagColor, "color", "auto", "Color output: auto, always, or never.")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(breakerCmd)
	rootCmd.AddCommand(graphCmd)
}

// app holds everything an invocation needs. Commands build it in
// their RunE and close it on the way out.
type app struct {
	cfg         *config.Config
	log         *logging.Logger
	printer     *output.Printer
	db          *storage.DB
	states      *state.Store
	locks       *lock.Manager
	breakers    *breaker.Registry
	errors      *classify.Recorder
	checkpoints *checkpoint.Store
	metrics     *metrics.Store
	collectors  *metrics.Collectors
	hub         *federation.Client
}

func openApp() (*app, error) {
	mode, err := output.ParseColorMode(flagColor)
	if err != nil {
		return nil, err
	}
	printer := output.NewPrinter(mode, flagQuiet)

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	log := logging.New(logging.Config{
		LogDir:  cfg.LogDir,
		Service: "spokectl",
		JSON:    cfg.LogJSON,
		Quiet:   flagQuiet,
	})

	db, err := storage.Open(storage.DefaultConfig(cfg.DBPath()))
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("open state database: %w", err)
	}

	store, err := metrics.NewStore(metrics.Config{JSONLPath: cfg.MetricsPath()})
	if err != nil {
		db.Close()
		log.Close()
		return nil, fmt.Errorf("open metrics store: %w", err)
	}

	collectors := metrics.NewCollectors(prometheus.DefaultRegisterer)

	a := &app{
		cfg:        cfg,
		log:        log,
		printer:    printer,
		db:         db,
		states:     state.NewStore(db, log.Slog()),
		locks:      lock.NewManager(db, lock.DefaultTTL, log.Slog()),
		errors:     classify.NewRecorder(db),
		metrics:    store,
		collectors: collectors,
	}

	a.breakers = breaker.NewRegistry(db, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           time.Duration(cfg.Breaker.WindowSeconds) * time.Second,
		OpenTimeout:      time.Duration(cfg.Breaker.OpenTimeoutSeconds) * time.Second,
		MaxBackoff:       time.Duration(cfg.Breaker.MaxBackoffSeconds) * time.Second,
		OnTransition: func(op string, from, to breaker.State) {
			collectors.BreakerTransitions.WithLabelValues(op, string(to)).Inc()
		},
	}, log.Slog())

	snapshots := &checkpoint.Snapshotter{
		Root: cfg.SnapshotRoot(),
		LiveDir: func(instance string) (string, error) {
			inst, ok := cfg.Instance(instance)
			if !ok {
				return "", fmt.Errorf("unknown instance %q", instance)
			}
			return inst.ConfigDir, nil
		},
	}
	a.checkpoints = checkpoint.NewStore(db, a.states, snapshots, log)

	if cfg.Hub.URL != "" {
		hub, err := federation.NewClient(cfg.Hub.URL, cfg.HubTimeout(), log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.hub = hub
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.metrics.Flush(); err != nil {
		a.log.Warn("metrics flush failed", "error", err)
	}
	a.metrics.Close()
	if err := a.db.Close(); err != nil {
		a.log.Warn("database close failed", "error", err)
	}
	a.log.Close()
}

// executor assembles the pipeline for the configured phases.
func (a *app) executor() (*pipeline.Executor, error) {
	runner, err := newServiceRunner(a)
	if err != nil {
		return nil, err
	}

	hub := a.hub
	if a.hub != nil && !a.cfg.Hub.NotifyTransitions {
		hub = nil
	}

	specs, funcs := phaseRegistry(a, runner)
	return pipeline.NewExecutor(specs, funcs, pipeline.Config{
		MaxAttempts:      a.cfg.Pipeline.MaxAttempts,
		LockTimeout:      a.cfg.LockTimeout(),
		InitialBackoff:   a.cfg.InitialBackoff(),
		FailureThreshold: a.cfg.Pipeline.FailureThreshold,
	}, pipeline.Deps{
		Locks:       a.locks,
		States:      a.states,
		Checkpoints: a.checkpoints,
		Breakers:    a.breakers,
		Errors:      a.errors,
		Metrics:     a.metrics,
		Collectors:  a.collectors,
		Hub:         hub,
		Stopper:     runner,
		Log:         a.log,
	})
}

// requireInstance validates an instance argument against the config.
func (a *app) requireInstance(code string) (config.InstanceConfig, error) {
	inst, ok := a.cfg.Instance(code)
	if !ok {
		return config.InstanceConfig{}, fmt.Errorf("unknown instance %q, not in %s", code, flagConfig)
	}
	return inst, nil
}
