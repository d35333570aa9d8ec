package engine

import "github.com/prometheus/client_golang/prometheus"

var transitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "releaseflow_transitions_total",
		Help: "Release transitions by name and outcome.",
	},
	[]string{"transition", "outcome"},
)

func init() {
	prometheus.MustRegister(transitionsTotal)
}
