package canon

import "testing"

func TestValue_ThreeStates(t *testing.T) {
	t.Parallel()

	present := Some("x")
	if !present.IsSet() || present.IsUnset() || present.CoercionFailed() {
		t.Fatalf("Some(x) states = set:%v unset:%v failed:%v, want set only",
			present.IsSet(), present.IsUnset(), present.CoercionFailed())
	}

	unset := Unset()
	if unset.IsSet() || !unset.IsUnset() || unset.CoercionFailed() {
		t.Fatalf("Unset() should be unset and not failed")
	}

	failed := Failed()
	if failed.IsSet() || !failed.IsUnset() || !failed.CoercionFailed() {
		t.Fatalf("Failed() should be unset and failed")
	}

	// The zero Value reads as unset, so map misses behave like explicit
	// unset fields.
	var zero Value
	if !zero.IsUnset() {
		t.Fatalf("zero Value should be unset")
	}
}

func TestSome_WidensIntegers(t *testing.T) {
	t.Parallel()

	for _, v := range []any{int(7), int32(7), int64(7), float32(7), float64(7)} {
		f, ok := Some(v).Float()
		if !ok || f != 7 {
			t.Fatalf("Some(%T(7)).Float() = %v, %v; want 7, true", v, f, ok)
		}
	}
}

func TestSome_NilIsUnset(t *testing.T) {
	t.Parallel()

	if v := Some(nil); !v.IsUnset() {
		t.Fatalf("Some(nil) should be unset, got %v", v)
	}
}

func TestFields_GetAndScalars(t *testing.T) {
	t.Parallel()

	f := Fields{}
	f.Set("a", Some("hello"))
	f.Set("b", Unset())
	f.Set("c", Failed())
	f.Set("d", Some(2.5))

	if got := f.Get("missing"); !got.IsUnset() {
		t.Fatalf("Get(missing) = %v, want unset", got)
	}
	if s, ok := f.Get("a").Str(); !ok || s != "hello" {
		t.Fatalf("Get(a) = %q, %v", s, ok)
	}

	scalars := f.SetScalars()
	if len(scalars) != 2 {
		t.Fatalf("SetScalars() kept %d fields, want 2 (a, d): %v", len(scalars), scalars)
	}
	if scalars["a"] != "hello" || scalars["d"] != 2.5 {
		t.Fatalf("SetScalars() = %v", scalars)
	}
}

func TestDomains_Registry(t *testing.T) {
	t.Parallel()

	names := DomainNames()
	if len(names) != 11 {
		t.Fatalf("registry has %d domains, want 11: %v", len(names), names)
	}

	j, ok := LookupDomain("jurisdiction")
	if !ok || j.Spatial {
		t.Fatalf("jurisdiction should be registered and non-spatial, got %+v ok=%v", j, ok)
	}
	p, ok := LookupDomain("parcel")
	if !ok || !p.Spatial {
		t.Fatalf("parcel should be registered and spatial, got %+v ok=%v", p, ok)
	}
	if _, ok := LookupDomain("wetlands"); ok {
		t.Fatalf("unregistered domain should not resolve")
	}
}
