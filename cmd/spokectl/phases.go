package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/meridian-sys/spokectl/internal/checkpoint"
	"github.com/meridian-sys/spokectl/internal/classify"
	"github.com/meridian-sys/spokectl/internal/config"
	"github.com/meridian-sys/spokectl/internal/graph"
	"github.com/meridian-sys/spokectl/internal/health"
	"github.com/meridian-sys/spokectl/internal/metrics"
	"github.com/meridian-sys/spokectl/internal/phase"
	"github.com/meridian-sys/spokectl/internal/pipeline"
)

// breaker operation per phase, keyed by the phase's dominant external
// dependency. Shared operations share one breaker across phases and
// across instances.
var phaseOperations = map[phase.Phase]string{
	phase.Preflight:       "host-env",
	phase.Initialization:  "host-env",
	phase.MongoDBInit:     "mongodb",
	phase.Services:        "container-runtime",
	phase.OrchestrationDB: "mongodb",
	phase.KeycloakConfig:  "keycloak-admin",
	phase.RealmVerify:     "keycloak-admin",
	phase.KASRegister:     "kas-api",
	phase.Seeding:         "mongodb",
	phase.KASInit:         "kas-api",
}

// rollback strategy per phase. Phases that leave processes running get
// STOP in addition to the config restore.
var phaseRollbacks = map[phase.Phase]checkpoint.Strategy{
	phase.Preflight:       checkpoint.StrategyConfig,
	phase.Initialization:  checkpoint.StrategyConfig,
	phase.MongoDBInit:     checkpoint.StrategyConfig,
	phase.Services:        checkpoint.StrategyConfigAndStop,
	phase.OrchestrationDB: checkpoint.StrategyConfig,
	phase.KeycloakConfig:  checkpoint.StrategyConfig,
	phase.RealmVerify:     checkpoint.StrategyConfig,
	phase.KASRegister:     checkpoint.StrategyConfig,
	phase.Seeding:         checkpoint.StrategyConfig,
	phase.KASInit:         checkpoint.StrategyConfigAndStop,
}

// phaseRegistry binds every phase to its implementation: the SERVICES
// phase runs the dependency scheduler, everything else runs the shell
// command configured under phase_commands.
func phaseRegistry(a *app, runner *serviceRunner) ([]pipeline.PhaseSpec, map[phase.Phase]pipeline.PhaseFunc) {
	var specs []pipeline.PhaseSpec
	funcs := make(map[phase.Phase]pipeline.PhaseFunc)

	for _, p := range phase.All() {
		if p == phase.Complete {
			break
		}
		specs = append(specs, pipeline.PhaseSpec{
			Phase:     p,
			Operation: phaseOperations[p],
			Rollback:  phaseRollbacks[p],
		})
		if p == phase.Services {
			funcs[p] = runner.startPhase
			continue
		}
		funcs[p] = commandPhase(a, p)
	}
	return specs, funcs
}

// commandPhase wraps one configured shell command as a PhaseFunc.
// Phases with no configured command succeed immediately.
func commandPhase(a *app, p phase.Phase) pipeline.PhaseFunc {
	return func(ctx context.Context, instance, mode string) error {
		command, ok := a.cfg.PhaseCommands[p.String()]
		if !ok || strings.TrimSpace(command) == "" {
			a.log.Debug("no command configured for phase, skipping", "phase", p.String())
			return nil
		}
		return runCommand(ctx, command, instance, mode)
	}
}

func runCommand(ctx context.Context, command, instance, mode string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(),
		"SPOKECTL_INSTANCE="+instance,
		"SPOKECTL_MODE="+mode,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return classify.NewError(classify.CodeTimeout,
				fmt.Errorf("command timed out: %s", command))
		}
		return classify.NewError(classify.CodeProcessExit,
			fmt.Errorf("command failed: %s: %w: %s", command, err, strings.TrimSpace(string(out))))
	}
	return nil
}

// serviceRunner drives the SERVICES phase: it starts every configured
// service in dependency order and stops them all during a STOP
// rollback.
type serviceRunner struct {
	a     *app
	graph *graph.Graph
}

func newServiceRunner(a *app) (*serviceRunner, error) {
	nodes := make([]graph.Node, 0, len(a.cfg.Services))
	for _, svc := range a.cfg.Services {
		nodes = append(nodes, graph.Node{Name: svc.Name, DependsOn: svc.DependsOn})
	}
	g, err := graph.Build(nodes)
	if err != nil {
		return nil, classify.NewError(classify.CodeDependencyCycle, err)
	}
	return &serviceRunner{a: a, graph: g}, nil
}

// startPhase is the SERVICES PhaseFunc.
func (r *serviceRunner) startPhase(ctx context.Context, instance, mode string) error {
	baselines := metrics.StartupBaselines{Store: r.a.metrics, Instance: instance}

	policy := graph.TimeoutPolicy{
		Min:          time.Duration(r.a.cfg.Timeouts.MinSeconds) * time.Second,
		Max:          time.Duration(r.a.cfg.Timeouts.MaxSeconds) * time.Second,
		SafetyFactor: r.a.cfg.Timeouts.SafetyFactor,
		Baselines:    baselines,
	}

	starter := &graph.Starter{
		Graph:   r.graph,
		Policy:  policy,
		Start:   r.startService,
		Probes:  r.probes(),
		Log:     r.a.log,
		PollGap: time.Duration(r.a.cfg.Timeouts.PollSeconds) * time.Second,
		Observe: func(service string, readyAfter time.Duration) {
			baselines.RecordStartup(service, readyAfter)
		},
	}

	if err := starter.StartAll(ctx); err != nil {
		return classify.NewError(classify.CodeContainerUnhealthy, err)
	}
	return nil
}

func (r *serviceRunner) startService(ctx context.Context, service string) error {
	svc, _ := r.lookup(service)
	if strings.TrimSpace(svc.StartCommand) == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", svc.StartCommand)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return classify.NewError(classify.CodeContainerStart,
			fmt.Errorf("start %s: %w: %s", service, err, strings.TrimSpace(string(out))))
	}
	return nil
}

// StopServices halts every service, highest dependency level first, so
// nothing loses a dependency it is still using. Stop failures are
// collected, not short-circuited: a rollback should stop as much as it
// can.
func (r *serviceRunner) StopServices(ctx context.Context, instance string) error {
	var failed []string
	for level := r.graph.MaxLevel(); level >= 0; level-- {
		for _, name := range r.graph.NodesAtLevel(level) {
			svc, _ := r.lookup(name)
			if strings.TrimSpace(svc.StopCommand) == "" {
				continue
			}
			cmd := exec.CommandContext(ctx, "sh", "-c", svc.StopCommand)
			if out, err := cmd.CombinedOutput(); err != nil {
				r.a.log.Warn("service stop failed",
					"service", name, "error", err, "output", strings.TrimSpace(string(out)))
				failed = append(failed, name)
			}
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to stop services: %s", strings.Join(failed, ", "))
	}
	return nil
}

func (r *serviceRunner) lookup(name string) (config.ServiceConfig, bool) {
	for _, svc := range r.a.cfg.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return config.ServiceConfig{}, false
}

// probes builds the per-service health probes from config.
func (r *serviceRunner) probes() map[string]health.Probe {
	probes := make(map[string]health.Probe, len(r.a.cfg.Services))
	for _, svc := range r.a.cfg.Services {
		switch svc.Probe.Type {
		case "http":
			probes[svc.Name] = &health.HTTPProbe{URL: svc.Probe.URL, Timeout: health.DefaultHTTPTimeout}
		case "tcp":
			probes[svc.Name] = &health.TCPProbe{Address: svc.Probe.Address, Timeout: health.DefaultTCPTimeout}
		case "command":
			probes[svc.Name] = &health.CommandProbe{
				Command: []string{"sh", "-c", svc.Probe.Command},
				Timeout: health.DefaultCommandTimeout,
			}
		}
	}
	return probes
}
