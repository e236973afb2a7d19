// Package pipeline orchestrates the per-record transform: map, geometry,
// ops, computed fields, assembly. Records are independent, so a batch is
// processed as an embarrassingly parallel map over a worker pool; the only
// shared state is the read-only config and the append-only result buffers.
//
// Per-record state machine:
//
//	Ingested → Mapped → GeometryChecked → OpsApplied → Computed →
//	    {Canonicalized | Quarantined}
//
// Any stage may transition directly to Quarantined with a typed error
// kind; once quarantined a record is terminal for the run. Record-scoped
// failures never abort sibling records or the batch.
package pipeline

import (
	"context"
	"errors"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"geoetl/internal/assemble"
	"geoetl/internal/config"
	"geoetl/internal/expr"
	"geoetl/internal/fieldmap"
	"geoetl/internal/geometry"
	"geoetl/internal/metrics"
	"geoetl/internal/ops"
	"geoetl/pkg/canon"
)

// warningSampleSize caps how many coercion warning messages a Result
// retains verbatim; the rest are only counted.
const warningSampleSize = 5

// Engine runs batches of raw records through a loaded transform config.
// An Engine is safe for concurrent use; it holds no per-batch state.
type Engine struct {
	cfg     *config.Config
	workers int
	nowFn   func() time.Time // seam for tests
}

// Options tunes an Engine.
type Options struct {
	// Workers is the number of concurrent record pipelines. Zero or
	// negative means GOMAXPROCS.
	Workers int
}

// New constructs an Engine over a validated config.
func New(cfg *config.Config, opts Options) *Engine {
	w := opts.Workers
	if w <= 0 {
		w = runtime.GOMAXPROCS(0)
	}
	return &Engine{cfg: cfg, workers: w, nowFn: time.Now}
}

// Result is the complete outcome of one batch run. Callers always receive
// both collections for a batch that passed config validation; partial
// success is the expected outcome, not an anomaly. Output order does not
// match input order; records carry their own identity.
type Result struct {
	// RunID correlates canonical records, quarantine entries, and logs
	// from the same batch run.
	RunID string

	Canonical  []canon.CanonicalRecord
	Quarantine []canon.QuarantineEntry

	// WarningCount is the total number of coercion warnings across the
	// batch; WarningSample keeps the first few messages verbatim.
	WarningCount  int
	WarningSample []string

	StartedAt time.Time
	Duration  time.Duration
}

// Run processes the batch. The returned error is non-nil only when the
// context was cancelled mid-batch; in that case the Result still carries
// every record that was canonicalized or quarantined before cancellation.
func (e *Engine) Run(ctx context.Context, batch []canon.RawRecord) (*Result, error) {
	start := e.nowFn()
	res := &Result{
		RunID:     uuid.NewString(),
		StartedAt: start,
	}
	dataset := e.cfg.Metadata.SourceDataset

	var mu sync.Mutex
	warnAgg := newSampleAgg(warningSampleSize)

	g, gctx := errgroup.WithContext(ctx)
	in := make(chan *canon.RawRecord)

	// Feeder: stops handing out records on cancellation so in-flight
	// pipelines finish while no new ones start.
	g.Go(func() error {
		defer close(in)
		for i := range batch {
			select {
			case in <- &batch[i]:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < e.workers; w++ {
		g.Go(func() error {
			for raw := range in {
				rec, q, warnings := e.process(raw, start)

				mu.Lock()
				if rec != nil {
					res.Canonical = append(res.Canonical, *rec)
				}
				if q != nil {
					q.RunID = res.RunID
					res.Quarantine = append(res.Quarantine, *q)
				}
				res.WarningCount += len(warnings)
				for _, warn := range warnings {
					warnAgg.add(warn.String())
				}
				mu.Unlock()
			}
			return nil
		})
	}

	err := g.Wait()
	res.WarningSample = warnAgg.sample()
	res.Duration = e.nowFn().Sub(start)

	metrics.RecordBatch(dataset)
	metrics.RecordRecords(dataset, "canonicalized", int64(len(res.Canonical)))
	metrics.RecordRecords(dataset, "quarantined", int64(len(res.Quarantine)))
	metrics.RecordRecords(dataset, "coercion_warnings", int64(res.WarningCount))

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		// Workers only ever return context errors; anything else would be
		// a programming error worth surfacing loudly.
		log.Printf("pipeline: unexpected worker error: %v", err)
	}
	return res, err
}

// process runs one raw record through every stage. Exactly one of the
// first two return values is non-nil: every input ends Canonicalized or
// Quarantined, never both, never neither.
func (e *Engine) process(raw *canon.RawRecord, batchStart time.Time) (*canon.CanonicalRecord, *canon.QuarantineEntry, []canon.Warning) {
	dataset := e.cfg.Metadata.SourceDataset

	// Mapped
	t := e.nowFn()
	fields := fieldmap.Apply(raw, e.cfg)
	metrics.RecordStage(dataset, "map", nil, e.nowFn().Sub(t))

	// GeometryChecked. Geometry failures short-circuit before ops run to
	// avoid wasted coercion work. Non-spatial domains skip the normalizer
	// entirely.
	var geomRes *geometry.Result
	if e.cfg.Domain.Spatial {
		t = e.nowFn()
		var gerr error
		if raw.Geometry == nil {
			gerr = canon.Errorf(canon.KindGeometry, "record has no geometry; domain %q is spatial", e.cfg.Domain.Name)
		} else {
			geomRes, gerr = geometry.Normalize(raw.Geometry, e.cfg.Geom)
		}
		metrics.RecordStage(dataset, "geometry", gerr, e.nowFn().Sub(t))
		if gerr != nil {
			return nil, e.quarantine(raw, batchStart, canon.StageGeometryChecked, gerr), nil
		}
	}

	// OpsApplied (coercions, normalization, second defaults pass)
	t = e.nowFn()
	warnings := ops.Apply(fields, e.cfg.Ops)
	metrics.RecordStage(dataset, "ops", nil, e.nowFn().Sub(t))

	// Computed: strict declaration order; earlier results are visible to
	// later expressions through the canonical namespace.
	t = e.nowFn()
	env := e.env(raw, fields)
	for _, cf := range e.cfg.Ops.Computed {
		v, err := expr.Eval(cf.AST, env)
		if err != nil {
			metrics.RecordStage(dataset, "computed", err, e.nowFn().Sub(t))
			q := e.quarantine(raw, batchStart, canon.StageComputed, err)
			q.Implicated = implicatedValues(cf, raw, fields)
			return nil, q, warnings
		}
		if v.IsSet() {
			fields.Set(cf.Field, v)
		}
		// Unset results leave the field unset: a value derived from
		// missing inputs is itself missing, not zero.
	}
	metrics.RecordStage(dataset, "computed", nil, e.nowFn().Sub(t))

	// drop_null_rows required-field check, after every stage that can
	// populate a field has run.
	if rerr := ops.CheckRequired(fields, e.cfg); rerr != nil {
		return nil, e.quarantine(raw, batchStart, canon.StageOpsApplied, rerr), warnings
	}

	// Canonicalized
	t = e.nowFn()
	rec := assemble.Assemble(fields, geomRes, raw, e.cfg, batchStart)
	metrics.RecordStage(dataset, "assemble", nil, e.nowFn().Sub(t))
	return &rec, nil, warnings
}

// env builds the two-namespace expression environment for one record.
func (e *Engine) env(raw *canon.RawRecord, fields canon.Fields) *expr.Env {
	return &expr.Env{
		Canonical: func(name string) (canon.Value, bool) {
			if v, ok := fields[name]; ok {
				return v, true
			}
			if e.cfg.CanonicalDeclared(name) {
				return canon.Unset(), true
			}
			return canon.Unset(), false
		},
		Raw: func(name string) (any, bool) {
			v, ok := raw.Fields[name]
			return v, ok
		},
		DeclaredRaw: e.cfg.RawDeclared,
	}
}

// quarantine builds the terminal quarantine entry for a failed record.
// The raw attributes are copied so the entry stays valid after the batch's
// raw records are released.
func (e *Engine) quarantine(raw *canon.RawRecord, batchStart time.Time, stage canon.Stage, err error) *canon.QuarantineEntry {
	entry := &canon.QuarantineEntry{
		Stage:         stage,
		Reason:        err.Error(),
		RawFields:     copyFields(raw.Fields),
		SourceDataset: e.cfg.Metadata.SourceDataset,
		FetchedAt:     raw.FetchedAt,
	}
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = batchStart
	}
	var rerr *canon.RecordError
	if errors.As(err, &rerr) {
		entry.Kind = rerr.Kind
		entry.Reason = rerr.Reason
		if len(rerr.Fields) > 0 {
			entry.Implicated = rerr.Fields
		}
	}
	return entry
}

// implicatedValues snapshots the values an expression's references saw,
// for quarantine review.
func implicatedValues(cf config.CompiledField, raw *canon.RawRecord, fields canon.Fields) map[string]any {
	out := map[string]any{"expr": cf.Source}
	for _, ref := range expr.Refs(cf.AST) {
		if v, ok := fields.Get(ref).Any(); ok {
			out["$"+ref] = v
			continue
		}
		if v, ok := raw.Fields[ref]; ok {
			out["$"+ref] = v
		}
	}
	return out
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
