// Package metrics stores the engine's duration time series and computes
// the baselines behind dynamic timeouts.
//
// The store keeps a rolling in-memory window with JSONL persistence so
// historical durations survive across CLI invocations without requiring
// external infrastructure. JSONL is human-readable, append-friendly, and
// has no query surface to inject into.
package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Point is one recorded metric sample.
type Point struct {
	InstanceCode string         `json:"instance_code"`
	MetricName   string         `json:"metric_name"`
	Value        float64        `json:"value"`
	Unit         string         `json:"unit,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RecordedAt   time.Time      `json:"recorded_at"`
}

// BaselineStats summarizes a metric's recent history.
type BaselineStats struct {
	P50         float64
	P95         float64
	P99         float64
	Mean        float64
	StdDev      float64
	Min         float64
	Max         float64
	DataPoints  int
	WindowStart time.Time
	WindowEnd   time.Time
}

// Config configures the metrics store.
type Config struct {
	// JSONLPath is the persistence file. Empty means in-memory only.
	JSONLPath string

	// RetentionWindow bounds the in-memory rolling window.
	// Default: 7 days.
	RetentionWindow time.Duration

	// MaxPointsPerSeries caps each series to protect memory.
	// Default: 10000.
	MaxPointsPerSeries int
}

// DefaultConfig returns production defaults, persisting under dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		JSONLPath:          filepath.Join(dataDir, "metrics.jsonl"),
		RetentionWindow:    7 * 24 * time.Hour,
		MaxPointsPerSeries: 10000,
	}
}

// Store is a rolling-window metric store with JSONL persistence.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	cfg    Config
	mu     sync.Mutex
	series map[string][]Point
	dirty  bool
}

// NewStore opens a metrics store, loading any existing JSONL history.
func NewStore(cfg Config) (*Store, error) {
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 7 * 24 * time.Hour
	}
	if cfg.MaxPointsPerSeries <= 0 {
		cfg.MaxPointsPerSeries = 10000
	}

	s := &Store{
		cfg:    cfg,
		series: make(map[string][]Point),
	}
	if cfg.JSONLPath != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewInMemoryStore returns a store with no persistence, for tests.
func NewInMemoryStore() *Store {
	s, _ := NewStore(Config{})
	return s
}

func seriesKey(instance, name string) string {
	return instance + "\x00" + name
}

// Record stores a metric sample.
func (s *Store) Record(instance, name string, value float64, unit string, metadata map[string]any) {
	s.RecordAt(instance, name, value, unit, metadata, time.Now().UTC())
}

// RecordAt stores a sample with an explicit timestamp.
func (s *Store) RecordAt(instance, name string, value float64, unit string, metadata map[string]any, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seriesKey(instance, name)
	pts := append(s.series[key], Point{
		InstanceCode: instance,
		MetricName:   name,
		Value:        value,
		Unit:         unit,
		Metadata:     metadata,
		RecordedAt:   at,
	})

	// Prune the rolling window and the per-series cap.
	cutoff := time.Now().Add(-s.cfg.RetentionWindow)
	pruned := pts[:0]
	for _, p := range pts {
		if p.RecordedAt.After(cutoff) {
			pruned = append(pruned, p)
		}
	}
	if len(pruned) > s.cfg.MaxPointsPerSeries {
		pruned = pruned[len(pruned)-s.cfg.MaxPointsPerSeries:]
	}
	s.series[key] = pruned
	s.dirty = true
}

// Query returns samples for a series within [start, end], oldest first.
func (s *Store) Query(instance, name string, start, end time.Time) []Point {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Point
	for _, p := range s.series[seriesKey(instance, name)] {
		if !p.RecordedAt.Before(start) && !p.RecordedAt.After(end) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out
}

// Baseline computes summary statistics over a series' trailing window.
//
// Returns nil with fewer than two samples; callers fall back to their
// configured defaults in that case.
func (s *Store) Baseline(instance, name string, window time.Duration) *BaselineStats {
	end := time.Now()
	start := end.Add(-window)
	points := s.Query(instance, name, start, end)
	if len(points) < 2 {
		return nil
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	idx := func(q float64) int {
		i := int(float64(n) * q)
		if i >= n {
			i = n - 1
		}
		return i
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}

	return &BaselineStats{
		P50:         sorted[idx(0.50)],
		P95:         sorted[idx(0.95)],
		P99:         sorted[idx(0.99)],
		Mean:        mean,
		StdDev:      math.Sqrt(variance / float64(n)),
		Min:         sorted[0],
		Max:         sorted[n-1],
		DataPoints:  n,
		WindowStart: start,
		WindowEnd:   end,
	}
}

// Flush writes all in-memory samples to the JSONL file. No-op for
// in-memory stores or when nothing changed since the last flush.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.JSONLPath == "" || !s.dirty {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.JSONLPath), 0750); err != nil {
		return fmt.Errorf("metrics: create data dir: %w", err)
	}

	tmp := s.cfg.JSONLPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("metrics: create temp file: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, pts := range s.series {
		for _, p := range pts {
			if err := enc.Encode(p); err != nil {
				f.Close()
				os.Remove(tmp)
				return fmt.Errorf("metrics: encode point: %w", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("metrics: flush: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("metrics: close: %w", err)
	}
	if err := os.Rename(tmp, s.cfg.JSONLPath); err != nil {
		return fmt.Errorf("metrics: replace jsonl: %w", err)
	}

	s.dirty = false
	return nil
}

// Close flushes pending samples.
func (s *Store) Close() error {
	return s.Flush()
}

// load reads the JSONL file into the rolling window. Malformed lines are
// skipped; a corrupt metrics file must never block a deployment.
func (s *Store) load() error {
	f, err := os.Open(s.cfg.JSONLPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("metrics: open jsonl: %w", err)
	}
	defer f.Close()

	cutoff := time.Now().Add(-s.cfg.RetentionWindow)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var p Point
		if err := json.Unmarshal(scanner.Bytes(), &p); err != nil {
			continue
		}
		if p.RecordedAt.Before(cutoff) {
			continue
		}
		key := seriesKey(p.InstanceCode, p.MetricName)
		s.series[key] = append(s.series[key], p)
	}
	return scanner.Err()
}
