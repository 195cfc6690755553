package metrics

import (
	"time"
)

// StartupMetric is the series name prefix for service startup
// durations. The full series name is StartupMetric + "." + service.
const StartupMetric = "service_startup_seconds"

// StartupSeries returns the series name for a service's startup
// durations.
func StartupSeries(service string) string {
	return StartupMetric + "." + service
}

// StartupBaselines adapts a Store to the per-service P95 lookup used
// for dynamic timeout computation, scoped to one instance.
type StartupBaselines struct {
	Store    *Store
	Instance string
}

// StartupBaseline returns the P95 of a service's recorded startup
// durations within the window, in seconds. ok is false when there is
// too little history to trust.
func (b StartupBaselines) StartupBaseline(service string, window time.Duration) (float64, bool) {
	if b.Store == nil {
		return 0, false
	}
	stats := b.Store.Baseline(b.Instance, StartupSeries(service), window)
	if stats == nil {
		return 0, false
	}
	return stats.P95, true
}

// RecordStartup records one observed startup duration for a service.
func (b StartupBaselines) RecordStartup(service string, d time.Duration) {
	if b.Store == nil {
		return
	}
	b.Store.Record(b.Instance, StartupSeries(service), d.Seconds(), "seconds", nil)
}
