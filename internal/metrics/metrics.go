// Package metrics provides Prometheus instrumentation for the node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts training runs by outcome (ok, failed).
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fednode",
			Name:      "training_runs_total",
			Help:      "Total training runs by outcome.",
		},
		[]string{"outcome"},
	)

	// SamplesUsedTotal counts samples consumed by successful runs.
	SamplesUsedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fednode",
		Name:      "samples_used_total",
		Help:      "Total samples consumed by successful training runs.",
	})

	// SamplesEnqueuedTotal counts samples accepted by the upload endpoint.
	SamplesEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fednode",
		Name:      "samples_enqueued_total",
		Help:      "Total samples enqueued for training.",
	})

	// DeltasPostedTotal counts delta submissions accepted by the aggregator.
	DeltasPostedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fednode",
		Name:      "deltas_posted_total",
		Help:      "Total weight deltas accepted by the central aggregator.",
	})
)

func init() {
	prometheus.MustRegister(RunsTotal, SamplesUsedTotal, SamplesEnqueuedTotal, DeltasPostedTotal)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
