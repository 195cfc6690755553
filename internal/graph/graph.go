// Package graph computes the dependency leveling that drives parallel
// service startup, and derives per-service dynamic timeouts from
// historical duration metrics.
//
// A service's level is its longest-dependency-chain distance from having
// no dependencies: level 0 services depend on nothing, and every other
// service sits one level above its deepest dependency. Services at the
// same level start concurrently; levels start strictly in order.
package graph

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Node declares one service and its dependencies, usually parsed from
// the services YAML file.
type Node struct {
	Name      string   `yaml:"name" validate:"required"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// ParseNodes reads a services topology document:
//
//	services:
//	  - name: mongodb
//	  - name: keycloak
//	    depends_on: [mongodb]
//
// The result still needs Build to validate and level it.
func ParseNodes(r io.Reader) ([]Node, error) {
	var doc struct {
		Services []Node `yaml:"services"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("graph: parse topology: %w", err)
	}
	return doc.Services, nil
}

// CycleError reports a dependency cycle. A cycle is a configuration
// error raised before any service is started, never a runtime fault.
type CycleError struct {
	// Path is the cycle, e.g. ["keycloak", "policy-engine", "keycloak"].
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("graph: dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// ErrUnknownDependency is returned when a node depends on an undeclared
// service.
var ErrUnknownDependency = errors.New("graph: unknown dependency")

// Graph is a validated, leveled dependency graph.
type Graph struct {
	nodes    map[string]Node
	levels   map[string]int
	maxLevel int
}

// Build validates nodes and computes their leveling.
//
// # Outputs
//
//   - *Graph: The leveled graph
//   - error: *CycleError for cycles, ErrUnknownDependency for dangling
//     depends_on entries, plain errors for duplicates
func Build(nodes []Node) (*Graph, error) {
	byName := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if n.Name == "" {
			return nil, errors.New("graph: node with empty name")
		}
		if _, dup := byName[n.Name]; dup {
			return nil, fmt.Errorf("graph: duplicate node %q", n.Name)
		}
		byName[n.Name] = n
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("%w: %q depends on %q", ErrUnknownDependency, n.Name, dep)
			}
		}
	}

	g := &Graph{
		nodes:  byName,
		levels: make(map[string]int, len(nodes)),
	}

	// DFS with three colors: white (unvisited), gray (on stack), black
	// (done). A gray revisit is a cycle.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			// Close the cycle path for the error message.
			start := 0
			for i, s := range stack {
				if s == name {
					start = i
					break
				}
			}
			path := append(append([]string{}, stack[start:]...), name)
			return &CycleError{Path: path}
		}

		color[name] = gray
		stack = append(stack, name)

		level := 0
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
			if l := g.levels[dep] + 1; l > level {
				level = l
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		g.levels[name] = level
		if level > g.maxLevel {
			g.maxLevel = level
		}
		return nil
	}

	// Deterministic visit order keeps error messages stable.
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// Level returns a node's level, or -1 for unknown nodes.
func (g *Graph) Level(name string) int {
	l, ok := g.levels[name]
	if !ok {
		return -1
	}
	return l
}

// MaxLevel returns the highest level in the graph.
func (g *Graph) MaxLevel() int {
	return g.maxLevel
}

// NodesAtLevel returns the names of all nodes at level n, sorted.
func (g *Graph) NodesAtLevel(n int) []string {
	var out []string
	for name, l := range g.levels {
		if l == n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Nodes returns all node names, sorted.
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Node returns the declaration for a name.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Baseliner supplies historical duration statistics for a service.
// Implemented by the metrics store.
type Baseliner interface {
	// StartupBaseline returns stats for a service's past startup
	// durations in seconds, or nil when there is no usable history.
	StartupBaseline(service string, window time.Duration) (p95Seconds float64, ok bool)
}

// TimeoutPolicy computes per-service startup timeouts from history.
//
// The timeout is the historical P95 multiplied by a safety margin,
// clamped to [Min, Max] so one outlier cannot produce an unbounded wait
// and a first run (no history) gets the full Max.
type TimeoutPolicy struct {
	// Min floors the computed timeout. Default: 10s.
	Min time.Duration

	// Max caps the computed timeout and is the no-history fallback.
	// Default: 5m.
	Max time.Duration

	// SafetyFactor multiplies the P95. Default: 1.5.
	SafetyFactor float64

	// Window is how far back to look for history. Default: 7 days.
	Window time.Duration

	// Baselines supplies the historical stats. Nil means no history.
	Baselines Baseliner
}

// DefaultTimeoutPolicy returns the standard clamping policy.
func DefaultTimeoutPolicy(baselines Baseliner) TimeoutPolicy {
	return TimeoutPolicy{
		Min:          10 * time.Second,
		Max:          5 * time.Minute,
		SafetyFactor: 1.5,
		Window:       7 * 24 * time.Hour,
		Baselines:    baselines,
	}
}

// DynamicTimeout returns the startup timeout for a service.
func (p TimeoutPolicy) DynamicTimeout(service string) time.Duration {
	min := p.Min
	if min <= 0 {
		min = 10 * time.Second
	}
	max := p.Max
	if max <= 0 {
		max = 5 * time.Minute
	}
	factor := p.SafetyFactor
	if factor <= 0 {
		factor = 1.5
	}
	window := p.Window
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}

	if p.Baselines == nil {
		return max
	}
	p95, ok := p.Baselines.StartupBaseline(service, window)
	if !ok || p95 <= 0 {
		return max
	}

	timeout := time.Duration(p95 * factor * float64(time.Second))
	if timeout < min {
		return min
	}
	if timeout > max {
		return max
	}
	return timeout
}
