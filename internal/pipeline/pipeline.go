// Package pipeline drives the fixed phase sequence for one instance.
//
// # Description
//
// The executor owns the control flow of a deployment: lock acquisition,
// idempotent resume over checkpoints, breaker-gated phase execution,
// classifier-driven retry versus rollback, and the terminal state
// machine. Phase internals live behind PhaseFunc; the executor never
// knows what a phase actually does, only whether it succeeded and how
// its failure classifies.
//
// # Thread Safety
//
// One executor may run many instances concurrently; runs for distinct
// instances never serialize on each other. Two runs for the same
// instance are excluded by the advisory lock.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridian-sys/spokectl/internal/breaker"
	"github.com/meridian-sys/spokectl/internal/checkpoint"
	"github.com/meridian-sys/spokectl/internal/classify"
	"github.com/meridian-sys/spokectl/internal/federation"
	"github.com/meridian-sys/spokectl/internal/lock"
	"github.com/meridian-sys/spokectl/internal/metrics"
	"github.com/meridian-sys/spokectl/internal/phase"
	"github.com/meridian-sys/spokectl/internal/state"
	"github.com/meridian-sys/spokectl/pkg/logging"
)

// ErrLockContention is returned when the instance lock cannot be
// acquired within the configured timeout. Never escalates to rollback.
var ErrLockContention = errors.New("pipeline: instance lock held by another deployment")

// ErrTerminalState is returned when Run is invoked on a FAILED or
// ROLLED_BACK instance. An explicit reset is required first.
var ErrTerminalState = errors.New("pipeline: instance is in a terminal state, reset required")

// ErrFailureThreshold aborts a run whose cumulative failures across all
// phases exceeded the configured budget.
var ErrFailureThreshold = errors.New("pipeline: cumulative failure threshold exceeded")

// ErrRollbackFailed wraps a checkpoint restore failure. This is the one
// unrecoverable case and is surfaced distinctly, never swallowed.
var ErrRollbackFailed = errors.New("pipeline: rollback failed")

// PhaseFunc is the registered implementation of one phase. It receives
// the instance code and its configured mode; everything else it needs
// it finds itself.
type PhaseFunc func(ctx context.Context, instance, mode string) error

// PhaseSpec binds a phase to its breaker operation and rollback
// strategy.
type PhaseSpec struct {
	Phase phase.Phase

	// Operation keys the circuit breaker guarding this phase's
	// dominant external dependency, e.g. "keycloak-token".
	Operation string

	// Rollback is the strategy applied when this phase's failure
	// forces a rollback.
	Rollback checkpoint.Strategy
}

// Config tunes one executor.
type Config struct {
	// MaxAttempts bounds attempts per phase for recoverable failures.
	MaxAttempts int

	// LockTimeout bounds the wait for the instance lock. Zero means a
	// single non-blocking try.
	LockTimeout time.Duration

	// InitialBackoff seeds the exponential retry backoff.
	InitialBackoff time.Duration

	// FailureThreshold aborts the run once this many failed attempts
	// have accumulated across all phases.
	FailureThreshold int
}

// Deps are the executor's collaborators. Hub and Stopper may be nil.
type Deps struct {
	Locks       *lock.Manager
	States      *state.Store
	Checkpoints *checkpoint.Store
	Breakers    *breaker.Registry
	Errors      *classify.Recorder
	Metrics     *metrics.Store
	Collectors  *metrics.Collectors
	Hub         *federation.Client
	Stopper     checkpoint.ServiceStopper
	Log         *logging.Logger
}

// Executor runs the deployment pipeline.
type Executor struct {
	specs  []PhaseSpec
	funcs  map[phase.Phase]PhaseFunc
	cfg    Config
	deps   Deps
	tracer trace.Tracer
}

// NewExecutor validates the phase registry and builds an executor.
//
// # Outputs
//
//   - *Executor: Ready to run
//   - error: A spec without a registered function, a function without a
//     spec, or an invalid phase in either
func NewExecutor(specs []PhaseSpec, funcs map[phase.Phase]PhaseFunc, cfg Config, deps Deps) (*Executor, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}

	seen := make(map[phase.Phase]bool, len(specs))
	for _, spec := range specs {
		if !spec.Phase.Valid() {
			return nil, fmt.Errorf("%w: %q", phase.ErrInvalidPhase, spec.Phase)
		}
		if spec.Phase == phase.Complete {
			return nil, errors.New("pipeline: COMPLETE is marked by the executor, not registered as a phase")
		}
		if seen[spec.Phase] {
			return nil, fmt.Errorf("pipeline: duplicate spec for phase %s", spec.Phase)
		}
		seen[spec.Phase] = true
		if _, ok := funcs[spec.Phase]; !ok {
			return nil, fmt.Errorf("pipeline: no function registered for phase %s", spec.Phase)
		}
	}
	for p := range funcs {
		if !seen[p] {
			return nil, fmt.Errorf("pipeline: function for %s has no phase spec", p)
		}
	}

	return &Executor{
		specs:  specs,
		funcs:  funcs,
		cfg:    cfg,
		deps:   deps,
		tracer: otel.Tracer("spokectl/pipeline"),
	}, nil
}

// RunError is the user-visible failure report: which phase failed, how
// the error classified, the remediation hint, and whether checkpoints
// remain usable for resume.
type RunError struct {
	InstanceCode string
	Phase        phase.Phase
	Code         classify.Code
	Verdict      classify.Verdict
	FinalState   string
	CanResume    bool
	Err          error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("pipeline: phase %s failed for %s (code %d, severity %d): %v",
		e.Phase, e.InstanceCode, e.Code, e.Verdict.Severity, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Run executes the pipeline for one instance.
//
// # Description
//
// Acquires the instance lock, then walks the phase order: completed
// phases are skipped, the rest run through their circuit breaker with
// classifier-driven retries. A fatal or retry-exhausted failure rolls
// back to the last good checkpoint and moves the instance to FAILED or
// ROLLED_BACK. Reaching the end marks COMPLETE.
//
// Re-running a COMPLETE instance is a no-op success. Re-running a
// FAILED or ROLLED_BACK instance returns ErrTerminalState.
func (e *Executor) Run(ctx context.Context, instance, mode string) error {
	log := e.deps.Log.With("instance", instance)

	current, err := e.deps.States.GetState(ctx, instance)
	if err != nil {
		return err
	}
	switch current {
	case phase.Complete.String():
		log.Info("instance already complete, nothing to do")
		return nil
	case state.StateFailed, state.StateRolledBack:
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, instance, current)
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("instance", instance), attribute.String("mode", mode)))
	defer span.End()

	ok, err := e.deps.Locks.Acquire(ctx, instance, e.cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("acquire lock for %s: %w", instance, err)
	}
	if !ok {
		e.recordErr(ctx, instance, classify.CodeLockContention, "pipeline",
			fmt.Sprintf("lock not acquired within %s", e.cfg.LockTimeout))
		return fmt.Errorf("%w: %s", ErrLockContention, instance)
	}
	defer func() {
		if err := e.deps.Locks.Release(context.WithoutCancel(ctx), instance); err != nil {
			log.Warn("lock release failed", "error", err)
		}
	}()

	runStart := time.Now()
	failures := 0

	for _, spec := range e.specs {
		done, err := e.deps.Checkpoints.IsComplete(ctx, instance, spec.Phase)
		if err != nil {
			return err
		}
		if done {
			log.Info("phase already complete, skipping", "phase", spec.Phase.String())
			continue
		}

		if err := e.runPhase(ctx, instance, mode, spec, &failures, log); err != nil {
			span.RecordError(err)
			return err
		}
	}

	if err := e.deps.Checkpoints.MarkComplete(ctx, instance, phase.Complete.String(), time.Since(runStart), nil); err != nil {
		return err
	}
	if err := e.setState(ctx, instance, phase.Complete.String(), "pipeline finished"); err != nil {
		return err
	}
	log.Info("deployment complete", "took", time.Since(runStart).Round(time.Second))
	return nil
}

// runPhase executes one phase with retries, then handles success and
// failure bookkeeping.
func (e *Executor) runPhase(ctx context.Context, instance, mode string, spec PhaseSpec, failures *int, log *logging.Logger) error {
	ctx, span := e.tracer.Start(ctx, "pipeline.phase",
		trace.WithAttributes(attribute.String("instance", instance), attribute.String("phase", spec.Phase.String())))
	defer span.End()

	log.Info("phase starting", "phase", spec.Phase.String(), "operation", spec.Operation)
	phaseStart := time.Now()

	attempt := 0
	backoff := retry.WithMaxRetries(uint64(e.cfg.MaxAttempts-1), retry.NewExponential(e.cfg.InitialBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		seq, stepOK := e.startStep(ctx, instance, spec.Phase)

		callErr := e.deps.Breakers.Execute(ctx, spec.Operation, func(ctx context.Context) error {
			if stepOK {
				e.updateStep(ctx, instance, seq, func(st *state.Step) {
					st.Status = state.StepInProgress
				})
			}
			return e.funcs[spec.Phase](ctx, instance, mode)
		})

		if stepOK {
			// The terminal row must land even when the attempt died of
			// cancellation.
			e.updateStep(context.WithoutCancel(ctx), instance, seq, func(st *state.Step) {
				st.FinishedAt = time.Now().UTC()
				st.Status = state.StepCompleted
				if callErr != nil {
					st.Status = state.StepFailed
					st.Error = callErr.Error()
				}
			})
		}
		if callErr == nil {
			return nil
		}

		*failures++
		if e.deps.Collectors != nil {
			e.deps.Collectors.PhaseFailures.WithLabelValues(instance, spec.Phase.String()).Inc()
		}

		code := classify.CodeOf(callErr)
		// The error is durably recorded before any control-flow
		// decision is made on it.
		verdict := e.recordErr(ctx, instance, code, spec.Phase.String(), callErr.Error())

		if errors.Is(callErr, breaker.ErrCircuitOpen) {
			// Recoverable in principle, but no further attempts while
			// the breaker rejects calls.
			log.Warn("breaker open, short-circuiting phase",
				"phase", spec.Phase.String(), "operation", spec.Operation)
			return callErr
		}
		if *failures >= e.cfg.FailureThreshold {
			// The abort is a decision of its own and joins the durable
			// trail alongside the per-attempt errors that triggered it.
			abort := fmt.Errorf("%w: %d failures", ErrFailureThreshold, *failures)
			e.recordErr(ctx, instance, code, spec.Phase.String(), abort.Error())
			return abort
		}
		if !verdict.Recoverable {
			return callErr
		}

		log.Warn("phase attempt failed, will retry",
			"phase", spec.Phase.String(), "attempt", attempt, "code", int(code), "error", callErr)
		return retry.RetryableError(callErr)
	})

	if err == nil {
		return e.completePhase(ctx, instance, spec.Phase, phaseStart, log)
	}
	return e.failPhase(ctx, instance, spec, err, log)
}

func (e *Executor) completePhase(ctx context.Context, instance string, p phase.Phase, started time.Time, log *logging.Logger) error {
	took := time.Since(started)

	if err := e.deps.Checkpoints.MarkComplete(ctx, instance, p.String(), took, nil); err != nil {
		return err
	}
	if err := e.setState(ctx, instance, p.String(), "phase completed"); err != nil {
		return err
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.Record(instance, "phase_duration_seconds."+p.String(), took.Seconds(), "seconds", nil)
	}
	if e.deps.Collectors != nil {
		e.deps.Collectors.PhaseDuration.WithLabelValues(instance, p.String()).Observe(took.Seconds())
	}
	log.Info("phase complete", "phase", p.String(), "took", took.Round(time.Millisecond))
	return nil
}

// failPhase rolls back to the last good checkpoint and moves the
// instance to its terminal state.
func (e *Executor) failPhase(ctx context.Context, instance string, spec PhaseSpec, cause error, log *logging.Logger) error {
	code := classify.CodeOf(cause)
	verdict := classify.Classify(code)
	ctx = context.WithoutCancel(ctx)

	// A fatal classification that rolls back cleanly ends ROLLED_BACK.
	// Exhausted retries and the cumulative threshold end FAILED even
	// though the checkpoint restore still runs: the retries were the
	// remedy and they did not take.
	terminal := state.StateFailed
	if !verdict.Recoverable && !errors.Is(cause, ErrFailureThreshold) {
		terminal = state.StateRolledBack
	}

	runErr := &RunError{
		InstanceCode: instance,
		Phase:        spec.Phase,
		Code:         code,
		Verdict:      verdict,
		Err:          cause,
	}

	last, err := e.lastGoodCheckpoint(ctx, instance)
	if err != nil {
		return errors.Join(runErr, err)
	}
	if last == nil {
		// Nothing to restore. The failure stands as-is.
		if err := e.setState(ctx, instance, state.StateFailed, cause.Error()); err != nil {
			return errors.Join(runErr, err)
		}
		runErr.FinalState = state.StateFailed
		return runErr
	}

	log.Warn("rolling back to last good checkpoint",
		"phase", spec.Phase.String(), "checkpoint", last.Phase.String(), "strategy", spec.Rollback.String())
	if e.deps.Collectors != nil {
		e.deps.Collectors.Rollbacks.WithLabelValues(instance).Inc()
	}

	if err := e.deps.Checkpoints.Restore(ctx, instance, last.Phase, spec.Rollback, e.deps.Stopper, cause.Error()); err != nil {
		// Restore failing is the one unrecoverable case. Surface it
		// distinctly and leave the instance FAILED.
		if serr := e.setState(ctx, instance, state.StateFailed, "rollback failed: "+err.Error()); serr != nil {
			err = errors.Join(err, serr)
		}
		runErr.FinalState = state.StateFailed
		return errors.Join(runErr, fmt.Errorf("%w: %v", ErrRollbackFailed, err))
	}

	// RollbackState inside Restore moved the state row; overwrite with
	// the explicit terminal value.
	if err := e.setState(ctx, instance, terminal, cause.Error()); err != nil {
		return errors.Join(runErr, err)
	}
	runErr.FinalState = terminal
	runErr.CanResume, _ = e.deps.Checkpoints.CanResume(ctx, instance)
	return runErr
}

// lastGoodCheckpoint returns the highest-ordered completed phase, or
// nil when no checkpoint exists.
func (e *Executor) lastGoodCheckpoint(ctx context.Context, instance string) (*checkpoint.Checkpoint, error) {
	cps, err := e.deps.Checkpoints.ListCompleted(ctx, instance)
	if err != nil || len(cps) == 0 {
		return nil, err
	}
	return &cps[len(cps)-1], nil
}

// setState writes the state row and reports the transition to the hub
// when one is configured.
func (e *Executor) setState(ctx context.Context, instance, to, reason string) error {
	from, err := e.deps.States.GetState(ctx, instance)
	if err != nil {
		return err
	}
	if err := e.deps.States.SetState(ctx, instance, to, reason, nil); err != nil {
		return err
	}
	if e.deps.Hub != nil {
		e.deps.Hub.NotifyTransition(ctx, federation.TransitionReport{
			InstanceCode: instance,
			FromState:    from,
			ToState:      to,
			Reason:       reason,
			OccurredAt:   time.Now().UTC(),
		})
	}
	return nil
}

// startStep opens the attempt's step row. Step history is
// observability, not control flow, so a bookkeeping failure is logged
// and the attempt proceeds without a row (stepOK false skips the later
// updates).
func (e *Executor) startStep(ctx context.Context, instance string, p phase.Phase) (uint64, bool) {
	seq, err := e.deps.States.StartStep(ctx, instance, p)
	if err != nil {
		e.deps.Log.Warn("step record failed", "instance", instance, "phase", p.String(), "error", err)
		return 0, false
	}
	return seq, true
}

func (e *Executor) updateStep(ctx context.Context, instance string, seq uint64, mutate func(*state.Step)) {
	if err := e.deps.States.UpdateStep(ctx, instance, seq, mutate); err != nil {
		e.deps.Log.Warn("step update failed", "instance", instance, "error", err)
	}
}

func (e *Executor) recordErr(ctx context.Context, instance string, code classify.Code, source, message string) classify.Verdict {
	verdict, err := e.deps.Errors.Record(ctx, instance, code, source, message, nil)
	if err != nil {
		e.deps.Log.Warn("error record failed", "instance", instance, "code", int(code), "error", err)
		return classify.Classify(code)
	}
	return verdict
}

// Reset clears a terminal instance so its phases can run again.
// Destructive; confirm must equal the instance code.
func (e *Executor) Reset(ctx context.Context, instance, confirm string) error {
	current, err := e.deps.States.GetState(ctx, instance)
	if err != nil {
		return err
	}
	if current != state.StateFailed && current != state.StateRolledBack {
		return fmt.Errorf("pipeline: reset requires a FAILED or ROLLED_BACK instance, %s is %s", instance, current)
	}
	if err := e.deps.Checkpoints.ClearAll(ctx, instance, confirm); err != nil {
		return err
	}
	return e.deps.States.SetState(ctx, instance, phase.Preflight.String(), "operator reset", nil)
}
