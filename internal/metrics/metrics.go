// Package metrics provides a small, backend-agnostic abstraction for
// recording operational metrics from the transform engine.
//
// The package is intentionally minimal and opinionated:
//
//   - It exposes a narrow interface (Backend) focused on counters and
//     timing data.
//   - It provides a global, pluggable backend that defaults to a no-op
//     implementation, so metrics are always safe to call even when no real
//     backend is configured.
//   - Concrete metric systems (Prometheus Pushgateway, Datadog) live in
//     subpackages; the engine depends only on this interface.
package metrics

import "time"

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it.
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing one.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

// RecordStage measures one pipeline stage execution for a dataset:
// latency plus success/failure.
func RecordStage(dataset, stage string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{
		"dataset": dataset,
		"stage":   stage,
		"status":  status,
	}
	backend.IncCounter("transform_stage_total", 1, lbls)
	backend.ObserveHistogram("transform_stage_duration_seconds", d.Seconds(), lbls)
}

// RecordRecords increments a record-level counter for the given dataset
// and kind.
//
// Kinds mirror the batch result fields:
//   - "canonicalized"
//   - "quarantined"
//   - "coercion_warnings"
func RecordRecords(dataset, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter("transform_records_total", float64(delta), Labels{
		"dataset": dataset,
		"kind":    kind,
	})
}

// RecordBatch increments the batch counter for the given dataset.
func RecordBatch(dataset string) {
	backend.IncCounter("transform_batches_total", 1, Labels{
		"dataset": dataset,
	})
}
