package geometry

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"geoetl/pkg/canon"
)

// square returns a closed 100x100 ring polygon anchored at the origin.
func square() orb.Polygon {
	return orb.Polygon{orb.Ring{
		{0, 0}, {100, 0}, {100, 100}, {0, 100}, {0, 0},
	}}
}

func defaults() Settings {
	return Settings{Repair: true, TargetCRS: "EPSG:3857"}
}

func geomErr(t *testing.T, err error) *canon.RecordError {
	t.Helper()
	if err == nil {
		t.Fatalf("want geometry error, got nil")
	}
	var rerr *canon.RecordError
	if !errors.As(err, &rerr) {
		t.Fatalf("error type = %T, want *canon.RecordError: %v", err, err)
	}
	if rerr.Kind != canon.KindGeometry {
		t.Fatalf("kind = %s, want %s", rerr.Kind, canon.KindGeometry)
	}
	return rerr
}

func TestNormalize_MissingGeometry(t *testing.T) {
	t.Parallel()

	_, err := Normalize(nil, defaults())
	geomErr(t, err)

	_, err = Normalize(&canon.RawGeometry{SourceCRS: "EPSG:3857"}, defaults())
	geomErr(t, err)
}

func TestNormalize_UndeclaredCRS(t *testing.T) {
	t.Parallel()

	raw := &canon.RawGeometry{Geometry: square()}
	_, err := Normalize(raw, defaults())
	rerr := geomErr(t, err)
	if !strings.Contains(rerr.Reason, "undeclared") {
		t.Fatalf("reason = %q, should say the CRS is undeclared", rerr.Reason)
	}
}

func TestNormalize_UnsupportedCRS(t *testing.T) {
	t.Parallel()

	raw := &canon.RawGeometry{Geometry: square(), SourceCRS: "EPSG:2276"}
	rerr := geomErr(t, mustErr(Normalize(raw, defaults())))
	if !strings.Contains(rerr.Reason, "EPSG:2276") {
		t.Fatalf("reason = %q, should name the rejected CRS", rerr.Reason)
	}
}

func mustErr(_ *Result, err error) error { return err }

func TestSupportedCRS_Aliases(t *testing.T) {
	t.Parallel()

	for _, code := range []string{
		"EPSG:4326", "4326", "WGS84", "wgs84", "CRS84",
		"EPSG:3857", "3857", "EPSG:900913", "web_mercator", " EPSG:3857 ",
	} {
		if !SupportedCRS(code) {
			t.Errorf("SupportedCRS(%q) = false, want true", code)
		}
	}
	for _, code := range []string{"", "EPSG:2276", "NAD83", "EPSG:32614"} {
		if SupportedCRS(code) {
			t.Errorf("SupportedCRS(%q) = true, want false", code)
		}
	}
}

func TestNormalize_IdentityProjection(t *testing.T) {
	t.Parallel()

	raw := &canon.RawGeometry{Geometry: square(), SourceCRS: "3857"}
	res, err := Normalize(raw, defaults())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if res.Geometry.CRS != "EPSG:3857" {
		t.Fatalf("CRS = %q, want normalized EPSG:3857", res.Geometry.CRS)
	}
	poly, ok := res.Geometry.Geometry.(orb.Polygon)
	if !ok {
		t.Fatalf("geometry type = %T", res.Geometry.Geometry)
	}
	if poly[0][1] != (orb.Point{100, 0}) {
		t.Fatalf("identity projection moved coordinates: %v", poly[0])
	}
	if !res.Geometry.Repaired {
		t.Fatalf("clean geometry should report repaired=true")
	}
}

func TestNormalize_Reprojection(t *testing.T) {
	t.Parallel()

	// (90°E, 0°N) projects to a quarter of the mercator world width.
	raw := &canon.RawGeometry{Geometry: orb.Point{90, 0}, SourceCRS: "EPSG:4326"}
	res, err := Normalize(raw, defaults())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	pt := res.Geometry.Geometry.(orb.Point)
	wantX := 6378137 * math.Pi / 2
	if math.Abs(pt[0]-wantX) > 1 || math.Abs(pt[1]) > 1 {
		t.Fatalf("projected point = %v, want (%.0f, 0)", pt, wantX)
	}

	// And back: the round trip returns to the source coordinates.
	back := &canon.RawGeometry{Geometry: pt, SourceCRS: "EPSG:3857"}
	res, err = Normalize(back, Settings{Repair: true, TargetCRS: "EPSG:4326"})
	if err != nil {
		t.Fatalf("Normalize (inverse): %v", err)
	}
	pt = res.Geometry.Geometry.(orb.Point)
	if math.Abs(pt[0]-90) > 1e-6 || math.Abs(pt[1]) > 1e-6 {
		t.Fatalf("round trip = %v, want (90, 0)", pt)
	}
}

func TestNormalize_RepairClosesRing(t *testing.T) {
	t.Parallel()

	// Unclosed ring with a consecutive duplicate vertex.
	open := orb.Polygon{orb.Ring{
		{0, 0}, {100, 0}, {100, 0}, {100, 100}, {0, 100},
	}}
	raw := &canon.RawGeometry{Geometry: open, SourceCRS: "EPSG:3857"}
	res, err := Normalize(raw, defaults())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	ring := res.Geometry.Geometry.(orb.Polygon)[0]
	if ring[0] != ring[len(ring)-1] {
		t.Fatalf("ring not closed: %v", ring)
	}
	if len(ring) != 5 {
		t.Fatalf("ring has %d points, want 5 (dedupe + closure): %v", len(ring), ring)
	}
	if !res.Geometry.Repaired {
		t.Fatalf("full repair should report repaired=true")
	}
}

func TestNormalize_RepairDropsInteriorRing(t *testing.T) {
	t.Parallel()

	// The collapsed interior ring is discarded and the shortfall is
	// reported via Repaired=false; the record itself survives.
	poly := square()
	poly = append(poly, orb.Ring{{10, 10}, {10, 10}})
	raw := &canon.RawGeometry{Geometry: poly, SourceCRS: "EPSG:3857"}
	res, err := Normalize(raw, defaults())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	got := res.Geometry.Geometry.(orb.Polygon)
	if len(got) != 1 {
		t.Fatalf("polygon kept %d rings, want 1", len(got))
	}
	if res.Geometry.Repaired {
		t.Fatalf("dropped ring should report repaired=false")
	}
}

func TestNormalize_DegenerateExterior(t *testing.T) {
	t.Parallel()

	bad := orb.Polygon{orb.Ring{{0, 0}, {0, 0}, {0, 0}}}
	raw := &canon.RawGeometry{Geometry: bad, SourceCRS: "EPSG:3857"}
	geomErr(t, mustErr(Normalize(raw, defaults())))

	// With repair disabled the same shape fails the degeneracy check.
	geomErr(t, mustErr(Normalize(raw, Settings{Repair: false, TargetCRS: "EPSG:3857"})))
}

func TestNormalize_Simplify(t *testing.T) {
	t.Parallel()

	// The near-collinear midpoint is within tolerance and drops out.
	ls := orb.LineString{{0, 0}, {5, 0.1}, {10, 0}}
	raw := &canon.RawGeometry{Geometry: ls, SourceCRS: "EPSG:3857"}
	res, err := Normalize(raw, Settings{Repair: true, TargetCRS: "EPSG:3857", SimplifyTolerance: 1})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	got := res.Geometry.Geometry.(orb.LineString)
	if len(got) != 2 {
		t.Fatalf("simplified linestring has %d points, want 2: %v", len(got), got)
	}
}

func TestNormalize_SimplifyCollapse(t *testing.T) {
	t.Parallel()

	raw := &canon.RawGeometry{Geometry: square(), SourceCRS: "EPSG:3857"}
	_, err := Normalize(raw, Settings{Repair: true, TargetCRS: "EPSG:3857", SimplifyTolerance: 1e9})
	rerr := geomErr(t, err)
	if !strings.Contains(rerr.Reason, "collapsed") {
		t.Fatalf("reason = %q, should report the collapse", rerr.Reason)
	}
}

func TestNormalize_PlanarArea(t *testing.T) {
	t.Parallel()

	raw := &canon.RawGeometry{Geometry: square(), SourceCRS: "EPSG:3857"}
	res, err := Normalize(raw, Settings{Repair: true, TargetCRS: "EPSG:3857", CalculateArea: true})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !res.HasArea {
		t.Fatalf("HasArea = false with calculate_area enabled")
	}
	wantSqFt := 10000 * sqFtPerSqMeter // 100m x 100m
	if math.Abs(res.AreaSqFt-wantSqFt) > 1e-6 {
		t.Fatalf("AreaSqFt = %v, want %v", res.AreaSqFt, wantSqFt)
	}
	if math.Abs(res.AreaAcres-wantSqFt/SqFtPerAcre) > 1e-9 {
		t.Fatalf("AreaAcres = %v, want %v", res.AreaAcres, wantSqFt/SqFtPerAcre)
	}
}

func TestNormalize_GeodesicArea(t *testing.T) {
	t.Parallel()

	// Roughly 111m x 111m at the equator. Geodesic area should land near
	// 12,300 square meters; assert the ballpark, not the ellipsoid model.
	small := orb.Polygon{orb.Ring{
		{0, 0}, {0.001, 0}, {0.001, 0.001}, {0, 0.001}, {0, 0},
	}}
	raw := &canon.RawGeometry{Geometry: small, SourceCRS: "EPSG:4326"}
	res, err := Normalize(raw, Settings{Repair: true, TargetCRS: "EPSG:4326", CalculateArea: true})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	sqm := res.AreaSqFt / sqFtPerSqMeter
	if sqm < 11000 || sqm > 14000 {
		t.Fatalf("geodesic area = %v m², want roughly 12.3k", sqm)
	}
	if res.AreaSqFt < 0 || res.AreaAcres < 0 {
		t.Fatalf("area must be non-negative regardless of winding: %v", res.AreaSqFt)
	}
}

func TestNormalize_AreaDisabled(t *testing.T) {
	t.Parallel()

	raw := &canon.RawGeometry{Geometry: square(), SourceCRS: "EPSG:3857"}
	res, err := Normalize(raw, defaults())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if res.HasArea {
		t.Fatalf("HasArea = true with calculate_area disabled")
	}
}
