package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"geoetl/internal/sink"
	"geoetl/pkg/canon"
)

func record(hash, parcelID string) canon.CanonicalRecord {
	return canon.CanonicalRecord{
		Domain: "parcel",
		Fields: map[string]any{"parcel_id": parcelID},
		Geometry: &canon.NormalizedGeometry{
			Geometry: orb.Point{1, 2},
			CRS:      "EPSG:3857",
			Repaired: true,
		},
		Meta: canon.Meta{
			SourceDataset:          "fw_parcels",
			CanonicalTarget:        "parcel",
			CanonicalVersion:       canon.SchemaVersion,
			FetchedAt:              time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC),
			TransformConfigVersion: "2.4.0",
			RecordHash:             hash,
		},
	}
}

func openSink(t *testing.T) (*Sink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canon.db")
	s, err := New(context.Background(), sink.Config{DSN: path, AutoCreate: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func count(t *testing.T, path, table string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM "` + table + `"`).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestWriteCanonical_UpsertIdempotent(t *testing.T) {
	t.Parallel()

	s, path := openSink(t)
	ctx := context.Background()

	batch := []canon.CanonicalRecord{record("aaaa", "123"), record("bbbb", "124")}
	if err := s.WriteCanonical(ctx, batch); err != nil {
		t.Fatalf("WriteCanonical: %v", err)
	}
	if n := count(t, path, "canonical_records"); n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}

	// Re-running the same transform hands the sink the same hashes; rows
	// must not duplicate.
	later := record("aaaa", "123")
	later.Meta.FetchedAt = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	if err := s.WriteCanonical(ctx, []canon.CanonicalRecord{later}); err != nil {
		t.Fatalf("WriteCanonical (again): %v", err)
	}
	if n := count(t, path, "canonical_records"); n != 2 {
		t.Fatalf("rows after re-run = %d, want 2", n)
	}

	// The conflict path refreshes fetched_at.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	var fetched string
	err = db.QueryRow(`SELECT fetched_at FROM "canonical_records" WHERE record_hash = ?`, "aaaa").Scan(&fetched)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, fetched)
	if err != nil {
		t.Fatalf("fetched_at %q: %v", fetched, err)
	}
	if !ts.Equal(later.Meta.FetchedAt) {
		t.Fatalf("fetched_at = %v, want refreshed to %v", ts, later.Meta.FetchedAt)
	}
}

func TestWriteQuarantine(t *testing.T) {
	t.Parallel()

	s, path := openSink(t)
	entries := []canon.QuarantineEntry{
		{
			Kind: canon.KindGeometry, Stage: canon.StageGeometryChecked,
			Reason:        "source CRS is undeclared; refusing to guess a projection",
			RawFields:     map[string]any{"ACCOUNT": "125"},
			SourceDataset: "fw_parcels", RunID: "run-1",
			FetchedAt: time.Now().UTC(),
		},
		{
			Kind: canon.KindExpression, Stage: canon.StageComputed,
			Reason:        "division by zero in ($SQFT / $DIV)",
			RawFields:     map[string]any{"SQFT": 100.0, "DIV": 0.0},
			Implicated:    map[string]any{"expr": "$SQFT / $DIV", "$DIV": 0.0},
			SourceDataset: "fw_parcels", RunID: "run-1",
			FetchedAt: time.Now().UTC(),
		},
	}
	if err := s.WriteQuarantine(context.Background(), entries); err != nil {
		t.Fatalf("WriteQuarantine: %v", err)
	}
	if n := count(t, path, "quarantine_entries"); n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
}

func TestWrite_EmptyBatches(t *testing.T) {
	t.Parallel()

	s, _ := openSink(t)
	if err := s.WriteCanonical(context.Background(), nil); err != nil {
		t.Fatalf("empty canonical write: %v", err)
	}
	if err := s.WriteQuarantine(context.Background(), nil); err != nil {
		t.Fatalf("empty quarantine write: %v", err)
	}
}

func TestNew_RequiresDSN(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), sink.Config{}); err == nil {
		t.Fatalf("missing DSN should fail")
	}
}
