package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	invariantViolations = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "facilitator",
		Subsystem: "reconciliation",
		Name:      "invariant_violations",
		Help:      "Number of invariant violations found in the last reconciliation run, by kind.",
	}, []string{"kind"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "facilitator",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "facilitator",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(invariantViolations, runDuration, runErrors)
}
