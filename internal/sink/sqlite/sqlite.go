// Package sqlite implements a local-file canonical-store sink on
// modernc.org/sqlite (pure Go, no cgo). It exists for local runs and
// tests; the upsert contract matches the Postgres sink: conflict on
// record_hash refreshes the fetch timestamp only.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb/encoding/wkb"
	_ "modernc.org/sqlite"

	"geoetl/internal/sink"
	"geoetl/pkg/canon"
)

func init() {
	sink.Register("sqlite", func(ctx context.Context, cfg sink.Config) (sink.Writer, error) {
		return New(ctx, cfg)
	})
}

// Sink is a SQLite-backed sink.Writer.
type Sink struct {
	db              *sql.DB
	table           string
	quarantineTable string
}

// New opens (or creates) the database file named by DSN.
func New(ctx context.Context, cfg sink.Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlite sink: DSN (database path) is required")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite sink: open: %w", err)
	}
	s := &Sink{
		db:              db,
		table:           orDefault(cfg.Table, "canonical_records"),
		quarantineTable: orDefault(cfg.QuarantineTable, "quarantine_entries"),
	}
	if cfg.AutoCreate {
		if err := s.ensureTables(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func (s *Sink) ensureTables(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
			record_hash              TEXT PRIMARY KEY,
			canonical_target         TEXT NOT NULL,
			source_dataset           TEXT NOT NULL,
			canonical_version        TEXT NOT NULL,
			transform_config_version TEXT NOT NULL,
			fetched_at               TEXT NOT NULL,
			attributes               TEXT NOT NULL,
			geometry_wkb             BLOB,
			geometry_crs             TEXT,
			geometry_repaired        INTEGER,
			updated_at               TEXT NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id         TEXT,
			kind           TEXT NOT NULL,
			stage          TEXT NOT NULL,
			reason         TEXT NOT NULL,
			source_dataset TEXT NOT NULL,
			raw_fields     TEXT NOT NULL,
			implicated     TEXT,
			fetched_at     TEXT,
			created_at     TEXT NOT NULL
		)`, s.quarantineTable),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite sink: bootstrap: %w", err)
		}
	}
	return nil
}

// WriteCanonical upserts the batch inside one transaction.
func (s *Sink) WriteCanonical(ctx context.Context, recs []canon.CanonicalRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite sink: begin: %w", err)
	}
	defer tx.Rollback()

	upsert := fmt.Sprintf(`INSERT INTO %q
		(record_hash, canonical_target, source_dataset, canonical_version,
		 transform_config_version, fetched_at, attributes,
		 geometry_wkb, geometry_crs, geometry_repaired, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(record_hash) DO UPDATE SET
			fetched_at = excluded.fetched_at,
			updated_at = excluded.updated_at`, s.table)

	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return fmt.Errorf("sqlite sink: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i := range recs {
		rec := &recs[i]
		attrs, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("sqlite sink: marshal attributes: %w", err)
		}
		var (
			geomWKB []byte
			geomCRS any
			geomRep any
		)
		if rec.Geometry != nil {
			geomWKB, err = wkb.Marshal(rec.Geometry.Geometry)
			if err != nil {
				return fmt.Errorf("sqlite sink: encode geometry: %w", err)
			}
			geomCRS = rec.Geometry.CRS
			geomRep = rec.Geometry.Repaired
		}
		if _, err := stmt.ExecContext(ctx,
			rec.Meta.RecordHash, rec.Domain, rec.Meta.SourceDataset,
			rec.Meta.CanonicalVersion, rec.Meta.TransformConfigVersion,
			rec.Meta.FetchedAt.UTC().Format(time.RFC3339Nano),
			string(attrs), geomWKB, geomCRS, geomRep, now,
		); err != nil {
			return fmt.Errorf("sqlite sink: upsert: %w", err)
		}
	}
	return tx.Commit()
}

// WriteQuarantine appends the batch's quarantine entries.
func (s *Sink) WriteQuarantine(ctx context.Context, entries []canon.QuarantineEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite sink: begin: %w", err)
	}
	defer tx.Rollback()

	insert := fmt.Sprintf(`INSERT INTO %q
		(run_id, kind, stage, reason, source_dataset, raw_fields, implicated, fetched_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`, s.quarantineTable)

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("sqlite sink: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i := range entries {
		q := &entries[i]
		rawJSON, err := json.Marshal(q.RawFields)
		if err != nil {
			return fmt.Errorf("sqlite sink: marshal raw_fields: %w", err)
		}
		var implJSON any
		if q.Implicated != nil {
			b, err := json.Marshal(q.Implicated)
			if err != nil {
				return fmt.Errorf("sqlite sink: marshal implicated: %w", err)
			}
			implJSON = string(b)
		}
		if _, err := stmt.ExecContext(ctx,
			q.RunID, string(q.Kind), string(q.Stage), q.Reason,
			q.SourceDataset, string(rawJSON), implJSON,
			q.FetchedAt.UTC().Format(time.RFC3339Nano), now,
		); err != nil {
			return fmt.Errorf("sqlite sink: insert: %w", err)
		}
	}
	return tx.Commit()
}

// Close closes the database handle.
func (s *Sink) Close() error { return s.db.Close() }
