// Package postgres implements a Postgres canonical-store sink using pgx
// v5. Canonical records upsert on record_hash: re-running the same
// transform over unchanged upstream data rewrites nothing but the fetch
// timestamp, which is the idempotence contract the engine's content hash
// exists to support.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb/encoding/wkb"

	"geoetl/internal/sink"
	"geoetl/pkg/canon"
)

func init() {
	sink.Register("postgres", func(ctx context.Context, cfg sink.Config) (sink.Writer, error) {
		return New(ctx, cfg)
	})
}

// Sink is a Postgres-backed sink.Writer.
type Sink struct {
	pool            *pgxpool.Pool
	table           string
	quarantineTable string
}

// New connects and optionally bootstraps the tables.
func New(ctx context.Context, cfg sink.Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres sink: DSN is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: pgxpool: %w", err)
	}
	s := &Sink{
		pool:            pool,
		table:           orDefault(cfg.Table, "canonical_records"),
		quarantineTable: orDefault(cfg.QuarantineTable, "quarantine_entries"),
	}
	if cfg.AutoCreate {
		if err := s.ensureTables(ctx); err != nil {
			pool.Close()
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
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			record_hash              TEXT PRIMARY KEY,
			canonical_target         TEXT NOT NULL,
			source_dataset           TEXT NOT NULL,
			canonical_version        TEXT NOT NULL,
			transform_config_version TEXT NOT NULL,
			fetched_at               TIMESTAMPTZ NOT NULL,
			attributes               JSONB NOT NULL,
			geometry_wkb             BYTEA,
			geometry_crs             TEXT,
			geometry_repaired        BOOLEAN,
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, pgIdent(s.table)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id             BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			run_id         TEXT,
			kind           TEXT NOT NULL,
			stage          TEXT NOT NULL,
			reason         TEXT NOT NULL,
			source_dataset TEXT NOT NULL,
			raw_fields     JSONB NOT NULL,
			implicated     JSONB,
			fetched_at     TIMESTAMPTZ,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, pgIdent(s.quarantineTable)),
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres sink: bootstrap: %w", err)
		}
	}
	return nil
}

// WriteCanonical upserts the batch in one pgx batch round trip.
func (s *Sink) WriteCanonical(ctx context.Context, recs []canon.CanonicalRecord) error {
	if len(recs) == 0 {
		return nil
	}
	upsert := fmt.Sprintf(`INSERT INTO %s
		(record_hash, canonical_target, source_dataset, canonical_version,
		 transform_config_version, fetched_at, attributes,
		 geometry_wkb, geometry_crs, geometry_repaired)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (record_hash) DO UPDATE SET
			fetched_at = EXCLUDED.fetched_at,
			updated_at = now()`, pgIdent(s.table))

	b := &pgx.Batch{}
	for i := range recs {
		rec := &recs[i]
		attrs, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("postgres sink: marshal attributes: %w", err)
		}
		var (
			geomWKB []byte
			geomCRS *string
			geomRep *bool
		)
		if rec.Geometry != nil {
			geomWKB, err = wkb.Marshal(rec.Geometry.Geometry)
			if err != nil {
				return fmt.Errorf("postgres sink: encode geometry: %w", err)
			}
			geomCRS = &rec.Geometry.CRS
			geomRep = &rec.Geometry.Repaired
		}
		b.Queue(upsert,
			rec.Meta.RecordHash, rec.Domain, rec.Meta.SourceDataset,
			rec.Meta.CanonicalVersion, rec.Meta.TransformConfigVersion,
			rec.Meta.FetchedAt, attrs, geomWKB, geomCRS, geomRep)
	}
	return s.pool.SendBatch(ctx, b).Close()
}

// WriteQuarantine appends the batch's quarantine entries.
func (s *Sink) WriteQuarantine(ctx context.Context, entries []canon.QuarantineEntry) error {
	if len(entries) == 0 {
		return nil
	}
	insert := fmt.Sprintf(`INSERT INTO %s
		(run_id, kind, stage, reason, source_dataset, raw_fields, implicated, fetched_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, pgIdent(s.quarantineTable))

	b := &pgx.Batch{}
	for i := range entries {
		q := &entries[i]
		rawJSON, err := json.Marshal(q.RawFields)
		if err != nil {
			return fmt.Errorf("postgres sink: marshal raw_fields: %w", err)
		}
		var implJSON []byte
		if q.Implicated != nil {
			implJSON, err = json.Marshal(q.Implicated)
			if err != nil {
				return fmt.Errorf("postgres sink: marshal implicated: %w", err)
			}
		}
		b.Queue(insert, q.RunID, string(q.Kind), string(q.Stage), q.Reason,
			q.SourceDataset, rawJSON, implJSON, q.FetchedAt)
	}
	return s.pool.SendBatch(ctx, b).Close()
}

// Close releases the connection pool.
func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}

// pgIdent quotes a possibly schema-qualified identifier.
func pgIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}
