// Package sink defines the output boundary of the transform engine: a
// Writer receives the two terminal streams (canonical records, quarantine
// entries) of a batch run. The canonical store itself is an external
// collaborator; the backends in subpackages are reference adapters that
// exercise its contract — idempotent upsert keyed by record_hash.
//
// The factory pattern mirrors the storage abstraction used elsewhere:
// callers depend on the Writer interface, concrete backends stay isolated
// in subpackages, and the Kind string in Config selects among them.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"geoetl/pkg/canon"
)

// Writer persists a batch run's outputs. Implementations must tolerate
// being handed the same canonical record again (same record_hash) without
// duplicating it.
type Writer interface {
	WriteCanonical(ctx context.Context, recs []canon.CanonicalRecord) error
	WriteQuarantine(ctx context.Context, entries []canon.QuarantineEntry) error
	Close() error
}

// Config selects and configures a sink backend.
type Config struct {
	// Kind selects the backend: "postgres", "sqlite", "jsonl", "discard".
	Kind string

	// DSN is the connection string for database backends, or the output
	// file path prefix for jsonl ("<path>.canonical.ndjson" and
	// "<path>.quarantine.ndjson"; empty writes to stdout/stderr).
	DSN string

	// Table is the canonical record table for database backends.
	Table string

	// QuarantineTable is the quarantine table for database backends.
	QuarantineTable string

	// AutoCreate creates the tables when they do not exist.
	AutoCreate bool
}

// factories is populated by backend registration (see the register
// subpackage pattern used by database backends) plus the built-in
// process-local kinds below.
var factories = map[string]func(ctx context.Context, cfg Config) (Writer, error){}

// Register installs a backend constructor under kind. Database backends
// call this from an init function so that importing the package is what
// makes the kind available.
func Register(kind string, fn func(ctx context.Context, cfg Config) (Writer, error)) {
	factories[kind] = fn
}

// New constructs the sink selected by cfg.Kind.
func New(ctx context.Context, cfg Config) (Writer, error) {
	switch cfg.Kind {
	case "jsonl":
		return newJSONL(cfg)
	case "discard", "":
		return discard{}, nil
	}
	if fn, ok := factories[cfg.Kind]; ok {
		return fn(ctx, cfg)
	}
	return nil, fmt.Errorf("sink: unknown kind %q", cfg.Kind)
}

// discard drops all output; useful for dry runs that only want the batch
// summary and metrics.
type discard struct{}

func (discard) WriteCanonical(context.Context, []canon.CanonicalRecord) error  { return nil }
func (discard) WriteQuarantine(context.Context, []canon.QuarantineEntry) error { return nil }
func (discard) Close() error                                                   { return nil }

// jsonl writes newline-delimited JSON, one record per line: the shape the
// tile-build and review tooling downstream consume.
type jsonl struct {
	canonical  io.Writer
	quarantine io.Writer
	closers    []io.Closer
}

func newJSONL(cfg Config) (*jsonl, error) {
	j := &jsonl{canonical: os.Stdout, quarantine: os.Stderr}
	if cfg.DSN != "" {
		cf, err := os.Create(cfg.DSN + ".canonical.ndjson")
		if err != nil {
			return nil, fmt.Errorf("jsonl sink: %w", err)
		}
		qf, err := os.Create(cfg.DSN + ".quarantine.ndjson")
		if err != nil {
			cf.Close()
			return nil, fmt.Errorf("jsonl sink: %w", err)
		}
		j.canonical, j.quarantine = cf, qf
		j.closers = []io.Closer{cf, qf}
	}
	return j, nil
}

func (j *jsonl) WriteCanonical(_ context.Context, recs []canon.CanonicalRecord) error {
	enc := json.NewEncoder(j.canonical)
	for i := range recs {
		if err := enc.Encode(recs[i]); err != nil {
			return fmt.Errorf("jsonl sink: encode canonical: %w", err)
		}
	}
	return nil
}

func (j *jsonl) WriteQuarantine(_ context.Context, entries []canon.QuarantineEntry) error {
	enc := json.NewEncoder(j.quarantine)
	for i := range entries {
		if err := enc.Encode(entries[i]); err != nil {
			return fmt.Errorf("jsonl sink: encode quarantine: %w", err)
		}
	}
	return nil
}

func (j *jsonl) Close() error {
	var first error
	for _, c := range j.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
