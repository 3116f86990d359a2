package sandbox

import "github.com/prometheus/client_golang/prometheus"

// SweeperMetrics holds Prometheus metrics for the temp sweeper.
type SweeperMetrics struct {
	Sweeps       prometheus.Counter
	FilesRemoved prometheus.Counter
}

// NewSweeperMetrics creates and registers sweeper metrics.
// Returns nil if reg is nil.
func NewSweeperMetrics(reg *prometheus.Registry) *SweeperMetrics {
	if reg == nil {
		return nil
	}

	m := &SweeperMetrics{
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coderun",
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Total temp directory sweeps.",
		}),
		FilesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coderun",
			Subsystem: "sweeper",
			Name:      "files_removed_total",
			Help:      "Total abandoned temp files removed by the sweeper.",
		}),
	}

	reg.MustRegister(m.Sweeps, m.FilesRemoved)
	return m
}
