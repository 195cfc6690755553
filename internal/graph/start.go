package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-sys/spokectl/internal/health"
	"github.com/meridian-sys/spokectl/pkg/logging"
)

// StartFunc launches one service. It should return once the start has
// been issued; readiness is established separately through the probe.
type StartFunc func(ctx context.Context, service string) error

// Starter walks a graph level by level, starting every service at a
// level concurrently and waiting for all of them to pass their health
// probes before moving to the next level.
type Starter struct {
	Graph   *Graph
	Policy  TimeoutPolicy
	Start   StartFunc
	Probes  map[string]health.Probe
	Log     *logging.Logger
	Observe func(service string, readyAfter time.Duration)
	PollGap time.Duration
}

// StartAll starts every service in dependency order.
//
// Services at the same level start in parallel. A level is complete
// only when every service in it reports healthy within its dynamic
// timeout. The first failure cancels the remaining services at that
// level and aborts the walk.
func (s *Starter) StartAll(ctx context.Context) error {
	log := s.Log
	if log == nil {
		log = logging.Discard()
	}
	poll := s.PollGap
	if poll <= 0 {
		poll = 2 * time.Second
	}

	for level := 0; level <= s.Graph.MaxLevel(); level++ {
		names := s.Graph.NodesAtLevel(level)
		log.Info("starting service level", "level", level, "services", names)

		g, gctx := errgroup.WithContext(ctx)
		for _, name := range names {
			g.Go(func() error {
				return s.startOne(gctx, name, poll, log)
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("level %d: %w", level, err)
		}
	}
	return nil
}

func (s *Starter) startOne(ctx context.Context, name string, poll time.Duration, log *logging.Logger) error {
	timeout := s.Policy.DynamicTimeout(name)
	began := time.Now()

	if s.Start != nil {
		if err := s.Start(ctx, name); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
	}

	probe, ok := s.Probes[name]
	if !ok {
		// No probe configured means started is ready.
		log.Debug("no probe configured, assuming ready", "service", name)
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := retry.Do(waitCtx, retry.NewConstant(poll), func(ctx context.Context) error {
		if err := probe.Check(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("service %s not healthy within %s: %w", name, timeout, err)
	}

	readyAfter := time.Since(began)
	log.Info("service ready", "service", name, "ready_after", readyAfter.Round(time.Millisecond), "timeout", timeout)
	if s.Observe != nil {
		s.Observe(name, readyAfter)
	}
	return nil
}
