package canon

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// RawRecord is one upstream feature: a flat mapping of raw attribute name
// to untyped scalar, plus at most one geometry with a declared source CRS.
// Raw records are transient; the pipeline consumes each exactly once.
type RawRecord struct {
	// Fields holds the upstream attributes. Values are the JSON scalar
	// types: string, float64, bool, or nil.
	Fields map[string]any

	// Geometry is the optional raw geometry. Nil means the upstream feature
	// had no geometry at all.
	Geometry *RawGeometry

	// FetchedAt is when the external fetcher retrieved this record. Zero
	// means unknown; the pipeline substitutes the batch start time.
	FetchedAt time.Time
}

// RawGeometry pairs an upstream geometry with its declared source CRS.
// An empty SourceCRS means the upstream service did not declare one; the
// normalizer treats that as a quarantine condition rather than guessing.
type RawGeometry struct {
	Geometry  orb.Geometry
	SourceCRS string
}

// rawRecordJSON is the wire shape for RawRecord, used by the NDJSON input
// path and by quarantine round-trips in tests.
type rawRecordJSON struct {
	Fields    map[string]any    `json:"fields"`
	Geometry  *geojson.Geometry `json:"geometry,omitempty"`
	SourceCRS string            `json:"source_crs,omitempty"`
	FetchedAt *time.Time        `json:"fetched_at,omitempty"`
}

// MarshalJSON encodes the record with its geometry as GeoJSON.
func (r RawRecord) MarshalJSON() ([]byte, error) {
	w := rawRecordJSON{Fields: r.Fields}
	if r.Geometry != nil {
		w.Geometry = geojson.NewGeometry(r.Geometry.Geometry)
		w.SourceCRS = r.Geometry.SourceCRS
	}
	if !r.FetchedAt.IsZero() {
		t := r.FetchedAt
		w.FetchedAt = &t
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape produced by MarshalJSON.
func (r *RawRecord) UnmarshalJSON(b []byte) error {
	var w rawRecordJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	r.Fields = w.Fields
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	r.Geometry = nil
	if w.Geometry != nil {
		r.Geometry = &RawGeometry{
			Geometry:  w.Geometry.Geometry(),
			SourceCRS: w.SourceCRS,
		}
	}
	if w.FetchedAt != nil {
		r.FetchedAt = *w.FetchedAt
	} else {
		r.FetchedAt = time.Time{}
	}
	return nil
}

// NormalizedGeometry is a repaired, reprojected, optionally simplified
// geometry in the target CRS.
type NormalizedGeometry struct {
	Geometry orb.Geometry
	CRS      string

	// Repaired is false when repair was requested but could not fully fix
	// the geometry (the record is still usable; the flag is provenance).
	Repaired bool
}

// Meta is the provenance block attached to every canonical record.
type Meta struct {
	SourceDataset          string    `json:"source_dataset"`
	SourceLayerID          string    `json:"source_layer_id,omitempty"`
	CanonicalTarget        string    `json:"canonical_target"`
	CanonicalVersion       string    `json:"canonical_version"`
	FetchedAt              time.Time `json:"fetched_at"`
	TransformConfigVersion string    `json:"transform_config_version"`

	// RecordHash is a stable content hash over the domain fields and
	// geometry, excluding FetchedAt. The external canonical store keys its
	// idempotent upsert on it.
	RecordHash string `json:"record_hash"`
}

// CanonicalRecord is the engine's success output: the domain attribute
// set, the normalized geometry (nil for non-spatial domains), and the
// provenance block.
type CanonicalRecord struct {
	Domain   string
	Fields   map[string]any
	Geometry *NormalizedGeometry
	Meta     Meta
}

// MarshalJSON flattens the domain attributes to the top level and attaches
// "geometry" and "_meta" keys, matching the canonical wire shape consumed
// by the store and review surfaces.
func (c CanonicalRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Fields)+2)
	for k, v := range c.Fields {
		out[k] = v
	}
	if c.Geometry != nil {
		out["geometry"] = map[string]any{
			"crs":      c.Geometry.CRS,
			"repaired": c.Geometry.Repaired,
			"shape":    geojson.NewGeometry(c.Geometry.Geometry),
		}
	}
	out["_meta"] = c.Meta
	return json.Marshal(out)
}

// QuarantineEntry is the engine's failure output: the raw record's
// attributes, the typed failure, and the stage it occurred in. It carries
// enough context for manual remediation without re-fetching from source.
type QuarantineEntry struct {
	Kind   ErrorKind `json:"kind"`
	Stage  Stage     `json:"stage"`
	Reason string    `json:"reason"`

	// RawFields is a copy of the raw record's attributes at ingest time.
	RawFields map[string]any `json:"raw_fields"`

	// Implicated narrows RawFields to the values the failing stage acted
	// on, when the stage could identify them.
	Implicated map[string]any `json:"implicated,omitempty"`

	SourceDataset string    `json:"source_dataset"`
	RunID         string    `json:"run_id,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
}

func (q QuarantineEntry) String() string {
	return fmt.Sprintf("%s at %s: %s", q.Kind, q.Stage, q.Reason)
}
