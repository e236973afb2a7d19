package geometry

import (
	"github.com/paulmach/orb"

	"geoetl/pkg/canon"
)

// repair applies topology repair to g: duplicate-vertex removal, ring
// closure, and dropping of collapsed rings or line parts. It returns the
// repaired geometry, a flag reporting whether repair fully succeeded
// (false when parts had to be discarded), and an error when the geometry
// is unusable even after repair.
//
// Repair shortfall alone does not fail the record; the false flag is
// carried into the canonical record as provenance.
func repair(g orb.Geometry) (orb.Geometry, bool, error) {
	switch v := g.(type) {
	case orb.Point:
		return v, true, nil

	case orb.MultiPoint:
		if len(v) == 0 {
			return nil, false, canon.Errorf(canon.KindGeometry, "empty multipoint")
		}
		return v, true, nil

	case orb.LineString:
		ls, ok := repairLine(v)
		if !ok {
			return nil, false, canon.Errorf(canon.KindGeometry, "linestring collapsed to fewer than 2 points")
		}
		return ls, true, nil

	case orb.MultiLineString:
		out := make(orb.MultiLineString, 0, len(v))
		clean := true
		for _, part := range v {
			if ls, ok := repairLine(part); ok {
				out = append(out, ls)
			} else {
				clean = false
			}
		}
		if len(out) == 0 {
			return nil, false, canon.Errorf(canon.KindGeometry, "all multilinestring parts collapsed")
		}
		return out, clean, nil

	case orb.Polygon:
		poly, clean, err := repairPolygon(v)
		if err != nil {
			return nil, false, err
		}
		return poly, clean, nil

	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, 0, len(v))
		clean := true
		for _, poly := range v {
			p, c, err := repairPolygon(poly)
			if err != nil {
				clean = false
				continue
			}
			clean = clean && c
			out = append(out, p)
		}
		if len(out) == 0 {
			return nil, false, canon.Errorf(canon.KindGeometry, "all multipolygon members degenerate")
		}
		return out, clean, nil
	}
	return nil, false, canon.Errorf(canon.KindGeometry, "unsupported geometry type %q", g.GeoJSONType())
}

// repairLine removes consecutive duplicate vertices. ok is false when the
// result has fewer than two points.
func repairLine(ls orb.LineString) (orb.LineString, bool) {
	out := dedupe(orb.LineString(nil), ls)
	return out, len(out) >= 2
}

// repairPolygon closes rings, removes duplicate vertices, and drops rings
// that collapse below four points. Losing the exterior ring is fatal;
// losing an interior ring only clears the clean flag.
func repairPolygon(poly orb.Polygon) (orb.Polygon, bool, error) {
	if len(poly) == 0 {
		return nil, false, canon.Errorf(canon.KindGeometry, "polygon has no rings")
	}
	out := make(orb.Polygon, 0, len(poly))
	clean := true
	for i, ring := range poly {
		r, ok := repairRing(ring)
		if !ok {
			if i == 0 {
				return nil, false, canon.Errorf(canon.KindGeometry, "polygon exterior ring degenerate")
			}
			clean = false
			continue
		}
		out = append(out, r)
	}
	return out, clean, nil
}

// repairRing dedupes vertices and closes the ring. ok is false when the
// closed ring has fewer than four points (a collapsed ring).
func repairRing(ring orb.Ring) (orb.Ring, bool) {
	r := dedupe(orb.Ring(nil), orb.LineString(ring))
	if len(r) == 0 {
		return nil, false
	}
	if r[0] != r[len(r)-1] {
		r = append(r, r[0])
	}
	return orb.Ring(r), len(r) >= 4
}

// dedupe copies src into dst, skipping consecutive duplicate points.
func dedupe[T ~[]orb.Point](dst T, src orb.LineString) T {
	for i, pt := range src {
		if i > 0 && pt == src[i-1] {
			continue
		}
		dst = append(dst, pt)
	}
	return dst
}

// isDegenerate reports whether g is unusable regardless of repair policy:
// empty collections, rings below the closure minimum, lines with fewer
// than two points.
func isDegenerate(g orb.Geometry) bool {
	switch v := g.(type) {
	case orb.Point:
		return false
	case orb.MultiPoint:
		return len(v) == 0
	case orb.LineString:
		return len(v) < 2
	case orb.MultiLineString:
		for _, part := range v {
			if len(part) >= 2 {
				return false
			}
		}
		return true
	case orb.Polygon:
		return len(v) == 0 || len(v[0]) < 4
	case orb.MultiPolygon:
		for _, poly := range v {
			if len(poly) > 0 && len(poly[0]) >= 4 {
				return false
			}
		}
		return true
	}
	return true
}
