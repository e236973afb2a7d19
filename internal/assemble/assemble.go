// Package assemble merges the post-ops canonical fields, the normalized
// geometry, and a freshly built provenance block into one CanonicalRecord.
// It performs no validation of its own; everything it receives has already
// passed the prior stages.
package assemble

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb/encoding/wkb"
	"github.com/zeebo/xxh3"

	"geoetl/internal/config"
	"geoetl/internal/geometry"
	"geoetl/pkg/canon"
)

// Assemble builds the canonical record for one raw input. batchStart is
// the fallback fetched_at for records whose fetcher did not stamp one.
func Assemble(fields canon.Fields, geom *geometry.Result, raw *canon.RawRecord, cfg *config.Config, batchStart time.Time) canon.CanonicalRecord {
	attrs := fields.SetScalars()

	var ng *canon.NormalizedGeometry
	if geom != nil {
		g := geom.Geometry
		ng = &g
		if geom.HasArea {
			// calculate_area was requested explicitly; geometry-derived
			// figures take precedence over anything an expression set.
			attrs["area_sqft"] = geom.AreaSqFt
			attrs["area_acres"] = geom.AreaAcres
		}
	}

	fetchedAt := raw.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = batchStart
	}

	rec := canon.CanonicalRecord{
		Domain:   cfg.Domain.Name,
		Fields:   attrs,
		Geometry: ng,
		Meta: canon.Meta{
			SourceDataset:          cfg.Metadata.SourceDataset,
			SourceLayerID:          cfg.Metadata.SourceLayerID,
			CanonicalTarget:        cfg.Domain.Name,
			CanonicalVersion:       canon.SchemaVersion,
			FetchedAt:              fetchedAt,
			TransformConfigVersion: cfg.Metadata.Version,
		},
	}
	rec.Meta.RecordHash = RecordHash(rec)
	return rec
}

// RecordHash computes the stable content hash over a record's domain
// fields and geometry. fetched_at is deliberately excluded so re-running
// the same transform on unchanged upstream data yields the same hash;
// the canonical store keys its idempotent upsert on that property.
func RecordHash(rec canon.CanonicalRecord) string {
	h := xxh3.New()

	writeString(h, rec.Domain)
	writeString(h, rec.Meta.CanonicalVersion)

	names := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		writeString(h, name)
		writeScalar(h, rec.Fields[name])
	}

	if rec.Geometry != nil {
		writeString(h, rec.Geometry.CRS)
		if b, err := wkb.Marshal(rec.Geometry.Geometry); err == nil {
			_, _ = h.Write(b)
		}
	}

	sum := h.Sum128()
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo)
}

// writeString writes a length-prefixed string so field boundaries cannot
// alias ("ab"+"c" must not hash like "a"+"bc").
func writeString(h *xxh3.Hasher, s string) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.WriteString(s)
}

// writeScalar writes a type-tagged canonical encoding of a field value.
func writeScalar(h *xxh3.Hasher, v any) {
	switch n := v.(type) {
	case string:
		_, _ = h.Write([]byte{'s'})
		writeString(h, n)
	case float64:
		var b [9]byte
		b[0] = 'n'
		binary.LittleEndian.PutUint64(b[1:], math.Float64bits(n))
		_, _ = h.Write(b[:])
	case bool:
		if n {
			_, _ = h.Write([]byte{'b', 1})
		} else {
			_, _ = h.Write([]byte{'b', 0})
		}
	default:
		_, _ = h.Write([]byte{'?'})
		writeString(h, fmt.Sprintf("%v", n))
	}
}
