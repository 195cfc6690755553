package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-sys/spokectl/internal/health"
)

// TestBuildLevels verifies the longest-chain leveling.
func TestBuildLevels(t *testing.T) {
	g, err := Build([]Node{
		{Name: "mongodb"},
		{Name: "keycloak", DependsOn: []string{"mongodb"}},
		{Name: "kas", DependsOn: []string{"keycloak", "mongodb"}},
		{Name: "frontend", DependsOn: []string{"kas"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, g.Level("mongodb"))
	assert.Equal(t, 1, g.Level("keycloak"))
	assert.Equal(t, 2, g.Level("kas"))
	assert.Equal(t, 3, g.Level("frontend"))
	assert.Equal(t, 3, g.MaxLevel())
	assert.Equal(t, []string{"mongodb"}, g.NodesAtLevel(0))
	assert.Equal(t, -1, g.Level("nope"))
}

// TestBuildRejectsCycle verifies A→B→A fails with CycleError before
// anything is started.
func TestBuildRejectsCycle(t *testing.T) {
	_, err := Build([]Node{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	})

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.GreaterOrEqual(t, len(cycleErr.Path), 3)
	assert.Equal(t, cycleErr.Path[0], cycleErr.Path[len(cycleErr.Path)-1])
}

// TestBuildRejectsUnknownDependency verifies dangling depends_on
// entries are configuration errors.
func TestBuildRejectsUnknownDependency(t *testing.T) {
	_, err := Build([]Node{
		{Name: "keycloak", DependsOn: []string{"postgres"}},
	})
	require.ErrorIs(t, err, ErrUnknownDependency)
}

// TestBuildRejectsDuplicates verifies duplicate node names fail.
func TestBuildRejectsDuplicates(t *testing.T) {
	_, err := Build([]Node{{Name: "mongodb"}, {Name: "mongodb"}})
	require.Error(t, err)
}

type fixedBaseline struct {
	p95 float64
	ok  bool
}

func (f fixedBaseline) StartupBaseline(string, time.Duration) (float64, bool) {
	return f.p95, f.ok
}

// TestDynamicTimeout verifies the P95-with-margin computation and its
// clamping.
func TestDynamicTimeout(t *testing.T) {
	policy := TimeoutPolicy{
		Min:          10 * time.Second,
		Max:          5 * time.Minute,
		SafetyFactor: 1.5,
	}

	// 40s P95 * 1.5 = 60s, inside the clamp.
	policy.Baselines = fixedBaseline{p95: 40, ok: true}
	assert.Equal(t, 60*time.Second, policy.DynamicTimeout("keycloak"))

	// Tiny P95 floors at Min.
	policy.Baselines = fixedBaseline{p95: 1, ok: true}
	assert.Equal(t, 10*time.Second, policy.DynamicTimeout("keycloak"))

	// Outlier P95 caps at Max.
	policy.Baselines = fixedBaseline{p95: 10000, ok: true}
	assert.Equal(t, 5*time.Minute, policy.DynamicTimeout("keycloak"))

	// No history falls back to Max.
	policy.Baselines = fixedBaseline{ok: false}
	assert.Equal(t, 5*time.Minute, policy.DynamicTimeout("keycloak"))
	policy.Baselines = nil
	assert.Equal(t, 5*time.Minute, policy.DynamicTimeout("keycloak"))
}

// TestStartAllOrdersLevels verifies a dependency never starts after its
// dependents and same-level services run concurrently.
func TestStartAllOrdersLevels(t *testing.T) {
	g, err := Build([]Node{
		{Name: "mongodb"},
		{Name: "redis"},
		{Name: "keycloak", DependsOn: []string{"mongodb"}},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	starter := &Starter{
		Graph:  g,
		Policy: TimeoutPolicy{Min: time.Second, Max: 5 * time.Second},
		Start: func(ctx context.Context, service string) error {
			mu.Lock()
			order = append(order, service)
			mu.Unlock()
			return nil
		},
		Probes:  map[string]health.Probe{},
		PollGap: 10 * time.Millisecond,
	}

	require.NoError(t, starter.StartAll(context.Background()))
	require.Len(t, order, 3)
	assert.Equal(t, "keycloak", order[2])
	assert.ElementsMatch(t, []string{"mongodb", "redis"}, order[:2])
}

// TestStartAllWaitsForHealth verifies a level only completes once its
// probes pass, and that probe polling retries.
func TestStartAllWaitsForHealth(t *testing.T) {
	g, err := Build([]Node{{Name: "mongodb"}})
	require.NoError(t, err)

	var checks atomic.Int32
	probe := health.ProbeFunc(func(ctx context.Context) error {
		if checks.Add(1) < 3 {
			return errors.New("not ready")
		}
		return nil
	})

	starter := &Starter{
		Graph:   g,
		Policy:  TimeoutPolicy{Min: 2 * time.Second, Max: 5 * time.Second},
		Probes:  map[string]health.Probe{"mongodb": probe},
		PollGap: 10 * time.Millisecond,
	}

	require.NoError(t, starter.StartAll(context.Background()))
	assert.GreaterOrEqual(t, checks.Load(), int32(3))
}

// TestStartAllFailsLevelOnTimeout verifies one unhealthy service fails
// the whole walk.
func TestStartAllFailsLevelOnTimeout(t *testing.T) {
	g, err := Build([]Node{
		{Name: "mongodb"},
		{Name: "keycloak", DependsOn: []string{"mongodb"}},
	})
	require.NoError(t, err)

	started := make(map[string]bool)
	starter := &Starter{
		Graph:  g,
		Policy: TimeoutPolicy{Min: 50 * time.Millisecond, Max: 50 * time.Millisecond},
		Start: func(ctx context.Context, service string) error {
			started[service] = true
			return nil
		},
		Probes: map[string]health.Probe{
			"mongodb": health.ProbeFunc(func(ctx context.Context) error {
				return errors.New("still down")
			}),
		},
		PollGap: 10 * time.Millisecond,
	}

	err = starter.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongodb")
	assert.False(t, started["keycloak"], "dependent level must not start after a failure")
}

// TestParseNodes verifies topology parsing round-trips into a buildable
// graph and that unknown fields are rejected.
func TestParseNodes(t *testing.T) {
	doc := `
services:
  - name: mongodb
  - name: postgres
  - name: keycloak
    depends_on: [mongodb, postgres]
`
	nodes, err := ParseNodes(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, []string{"mongodb", "postgres"}, nodes[2].DependsOn)

	g, err := Build(nodes)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Level("keycloak"))

	_, err = ParseNodes(strings.NewReader("services:\n  - name: a\n    replicas: 3\n"))
	require.Error(t, err, "unknown fields must be rejected")
}
