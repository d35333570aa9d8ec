package monitor

import "github.com/prometheus/client_golang/prometheus"

var (
	issuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "releaseflow_monitor_issues_total",
			Help: "Consistency issues detected, by type.",
		},
		[]string{"type"},
	)

	fixesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "releaseflow_monitor_fixes_total",
			Help: "Consistency repairs applied, by type.",
		},
		[]string{"type"},
	)

	scanFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "releaseflow_monitor_scan_failures_total",
			Help: "Monitor scans that failed or timed out.",
		},
	)

	scanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "releaseflow_monitor_scan_duration_seconds",
			Help:    "Monitor scan duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	stateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "releaseflow_monitor_state",
			Help: "1 for the monitor's current supervision state.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(issuesTotal)
	prometheus.MustRegister(fixesTotal)
	prometheus.MustRegister(scanFailuresTotal)
	prometheus.MustRegister(scanDuration)
	prometheus.MustRegister(stateGauge)
}

func recordState(state string) {
	for _, s := range []string{StateRunning, StateBackoff, StateStopped} {
		v := 0.0
		if s == state {
			v = 1
		}
		stateGauge.WithLabelValues(s).Set(v)
	}
}
