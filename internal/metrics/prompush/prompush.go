// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// It adapts the generic metrics.Backend interface to Prometheus by using
// client_golang CounterVec and SummaryVec collectors, mapping the engine's
// labels (dataset, stage, status, kind) onto Prometheus labels, and
// pushing collected metrics to a Pushgateway instead of exposing a scrape
// endpoint (transform runs are batch jobs, not long-lived servers).
//
// All Prometheus-specific dependencies live here so the engine can swap to
// alternative backends (Datadog) without changes to the core pipeline.
package prompush

import (
	"fmt"

	"geoetl/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	stageCounter  *prometheus.CounterVec // transform_stage_total
	stageDuration *prometheus.SummaryVec // transform_stage_duration_seconds
	recordCounter *prometheus.CounterVec // transform_records_total
	batchCounter  *prometheus.CounterVec // transform_batches_total
}

// NewBackend constructs a Pushgateway backend. jobName is the Pushgateway
// "job" grouping (typically the source dataset); gatewayURL is required.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "transform"
	}

	reg := prometheus.NewRegistry()

	stageCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transform_stage_total",
			Help: "Total pipeline stage executions, partitioned by dataset, stage, and status.",
		},
		[]string{"dataset", "stage", "status"},
	)
	stageDuration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "transform_stage_duration_seconds",
			Help:       "Duration of pipeline stages in seconds, partitioned by dataset, stage, and status.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"dataset", "stage", "status"},
	)
	recordCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transform_records_total",
			Help: "Record-level counts per kind (canonicalized, quarantined, coercion_warnings).",
		},
		[]string{"dataset", "kind"},
	)
	batchCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transform_batches_total",
			Help: "Completed batch runs per dataset.",
		},
		[]string{"dataset"},
	)

	reg.MustRegister(stageCounter, stageDuration, recordCounter, batchCounter)

	return &Backend{
		gatewayURL:    gatewayURL,
		jobName:       jobName,
		reg:           reg,
		stageCounter:  stageCounter,
		stageDuration: stageDuration,
		recordCounter: recordCounter,
		batchCounter:  batchCounter,
	}, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case "transform_stage_total":
		b.stageCounter.With(prometheus.Labels{
			"dataset": labels["dataset"],
			"stage":   labels["stage"],
			"status":  labels["status"],
		}).Add(delta)
	case "transform_records_total":
		b.recordCounter.With(prometheus.Labels{
			"dataset": labels["dataset"],
			"kind":    labels["kind"],
		}).Add(delta)
	case "transform_batches_total":
		b.batchCounter.With(prometheus.Labels{
			"dataset": labels["dataset"],
		}).Add(delta)
	}
	// Unknown counter names are dropped; the backend only collects the
	// engine's metric families.
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != "transform_stage_duration_seconds" {
		return
	}
	b.stageDuration.With(prometheus.Labels{
		"dataset": labels["dataset"],
		"stage":   labels["stage"],
		"status":  labels["status"],
	}).Observe(value)
}

// Flush pushes the collected metrics to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).Gatherer(b.reg).Push()
}
