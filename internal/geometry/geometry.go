// Package geometry normalizes raw geometries per a config's geom block:
// topology repair, reprojection into the target CRS, optional
// simplification, and optional area computation.
//
// The geometry math itself (projection, Douglas-Peucker, planar/geodesic
// area) is delegated to paulmach/orb; this package only orchestrates those
// primitives and enforces the engine's error contract around them.
package geometry

import (
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
	"github.com/paulmach/orb/simplify"

	"geoetl/pkg/canon"
)

// DefaultTargetCRS is the projection applied when a config's geom block
// does not name one.
const DefaultTargetCRS = "EPSG:3857"

// sqFtPerSqMeter converts square meters to square feet.
const sqFtPerSqMeter = 10.763910416709722

// SqFtPerAcre converts square feet to acres.
const SqFtPerAcre = 43560.0

// Settings is the resolved geom block: every field has its default already
// applied, so the normalizer never branches on "was this configured".
type Settings struct {
	Repair            bool
	TargetCRS         string
	SimplifyTolerance float64 // 0 disables simplification
	CalculateArea     bool
}

// Result is a normalized geometry plus the optional area figures the
// assembler attaches to the canonical record.
type Result struct {
	Geometry canon.NormalizedGeometry

	// HasArea reports whether AreaSqFt/AreaAcres were computed.
	HasArea   bool
	AreaSqFt  float64
	AreaAcres float64
}

// SupportedCRS reports whether the engine can project from or to the given
// CRS identifier. The set is deliberately small: reprojection through an
// unsupported CRS must quarantine, never silently default, because silent
// misprojection corrupts spatial joins downstream.
func SupportedCRS(code string) bool {
	_, ok := normalizeCRS(code)
	return ok
}

// normalizeCRS maps the accepted aliases onto the two canonical EPSG codes.
func normalizeCRS(code string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "EPSG:4326", "4326", "WGS84", "CRS84", "URN:OGC:DEF:CRS:OGC:1.3:CRS84":
		return "EPSG:4326", true
	case "EPSG:3857", "3857", "EPSG:900913", "WEB_MERCATOR":
		return "EPSG:3857", true
	}
	return "", false
}

// Normalize applies repair, reprojection, simplification, and area
// computation to a single raw geometry. A nil return error means the
// geometry is usable; any error is a *canon.RecordError with kind
// KindGeometry and quarantines the record.
func Normalize(raw *canon.RawGeometry, s Settings) (*Result, error) {
	if raw == nil || raw.Geometry == nil {
		return nil, canon.Errorf(canon.KindGeometry, "record has no geometry")
	}

	g := orb.Clone(raw.Geometry)
	repaired := true
	if s.Repair {
		var err error
		g, repaired, err = repair(g)
		if err != nil {
			return nil, err
		}
	} else if isDegenerate(g) {
		return nil, canon.Errorf(canon.KindGeometry, "geometry is empty or degenerate")
	}

	srcCRS := strings.TrimSpace(raw.SourceCRS)
	if srcCRS == "" {
		return nil, canon.Errorf(canon.KindGeometry, "source CRS is undeclared; refusing to guess a projection")
	}
	src, ok := normalizeCRS(srcCRS)
	if !ok {
		return nil, canon.Errorf(canon.KindGeometry, "unsupported source CRS %q", raw.SourceCRS)
	}
	dst, ok := normalizeCRS(s.TargetCRS)
	if !ok {
		return nil, canon.Errorf(canon.KindGeometry, "unsupported target CRS %q", s.TargetCRS)
	}

	g = reproject(g, src, dst)

	// Tolerance is interpreted in target-CRS units, so simplification must
	// follow reprojection.
	if s.SimplifyTolerance > 0 {
		g = simplify.DouglasPeucker(s.SimplifyTolerance).Simplify(g)
		if isDegenerate(g) {
			return nil, canon.Errorf(canon.KindGeometry, "geometry collapsed under simplify_tolerance=%g", s.SimplifyTolerance)
		}
	}

	res := &Result{
		Geometry: canon.NormalizedGeometry{Geometry: g, CRS: dst, Repaired: repaired},
	}
	if s.CalculateArea {
		sqm := areaSqMeters(g, dst)
		res.HasArea = true
		res.AreaSqFt = sqm * sqFtPerSqMeter
		res.AreaAcres = res.AreaSqFt / SqFtPerAcre
	}
	return res, nil
}

// reproject converts g between the two supported CRS. Identity when the
// codes match.
func reproject(g orb.Geometry, src, dst string) orb.Geometry {
	if src == dst {
		return g
	}
	if src == "EPSG:4326" {
		return project.Geometry(g, project.WGS84.ToMercator)
	}
	return project.Geometry(g, project.Mercator.ToWGS84)
}

// areaSqMeters computes the geometry's area in square meters. Web-mercator
// coordinates are already meters (with latitude-dependent distortion the
// upstream sources accept for parcel-scale features); geographic
// coordinates use a geodesic area instead of a meaningless planar one.
func areaSqMeters(g orb.Geometry, crs string) float64 {
	if crs == "EPSG:4326" {
		return math.Abs(geo.Area(g))
	}
	return math.Abs(planar.Area(g))
}
