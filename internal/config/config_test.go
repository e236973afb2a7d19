package config

import (
	"errors"
	"strings"
	"testing"

	"geoetl/internal/geometry"
)

const validConfig = `{
	"metadata": {
		"source_dataset": "fw_parcels",
		"source_layer_id": "0",
		"canonical_target": "parcel",
		"version": "2.4.0"
	},
	"map": {
		"ACCOUNT": "parcel_id",
		"SITUS_ADDR": "address",
		"LAND_SQFT": ""
	},
	"geom": {
		"project": "EPSG:3857",
		"calculate_area": true
	},
	"ops": {
		"coerce_numbers": ["land_value"],
		"uppercase": ["address"],
		"default_values": {"county": "Tarrant", "land_value": 0},
		"computed_fields": [
			{"field": "area_acres", "expr": "$LAND_SQFT / 43560"},
			{"field": "acreage_class", "expr": "$area_acres > 1 ? 'large' : 'small'"}
		]
	}
}`

func load(t *testing.T, src string) (*Config, []Issue, error) {
	t.Helper()
	return Load(strings.NewReader(src))
}

func TestLoad_Valid(t *testing.T) {
	t.Parallel()

	cfg, issues, err := load(t, validConfig)
	if err != nil {
		t.Fatalf("Load: %v (issues: %v)", err, issues)
	}
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			t.Fatalf("unexpected error issue: %v", iss)
		}
	}

	if cfg.Metadata.SourceDataset != "fw_parcels" || cfg.Domain.Name != "parcel" {
		t.Fatalf("metadata not resolved: %+v / %+v", cfg.Metadata, cfg.Domain)
	}
	if !cfg.Domain.Spatial {
		t.Fatalf("parcel domain should be spatial")
	}
	if !cfg.Geom.Repair {
		t.Fatalf("repair should default to true when omitted")
	}
	if cfg.Geom.TargetCRS != "EPSG:3857" || !cfg.Geom.CalculateArea {
		t.Fatalf("geom settings = %+v", cfg.Geom)
	}
	if len(cfg.Ops.Computed) != 2 || cfg.Ops.Computed[0].Field != "area_acres" {
		t.Fatalf("computed fields = %+v", cfg.Ops.Computed)
	}
	if cfg.Ops.Computed[1].AST == nil {
		t.Fatalf("computed expression not compiled")
	}
}

func TestLoad_NamespaceQueries(t *testing.T) {
	t.Parallel()

	cfg, _, err := load(t, validConfig)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Canonical namespace: map targets, defaults, ops sets, computed.
	for _, name := range []string{"parcel_id", "address", "county", "land_value", "area_acres", "acreage_class"} {
		if !cfg.CanonicalDeclared(name) {
			t.Errorf("CanonicalDeclared(%q) = false, want true", name)
		}
	}
	// Raw names and unknowns are not canonical.
	for _, name := range []string{"ACCOUNT", "LAND_SQFT", "nope"} {
		if cfg.CanonicalDeclared(name) {
			t.Errorf("CanonicalDeclared(%q) = true, want false", name)
		}
	}

	// Raw namespace: every map key, including the pass-through declaration
	// mapped to no canonical name.
	for _, name := range []string{"ACCOUNT", "SITUS_ADDR", "LAND_SQFT"} {
		if !cfg.RawDeclared(name) {
			t.Errorf("RawDeclared(%q) = false, want true", name)
		}
	}
	if cfg.RawDeclared("parcel_id") {
		t.Errorf("canonical target leaked into raw namespace")
	}
}

func TestLoad_DefaultTargetCRS(t *testing.T) {
	t.Parallel()

	cfg, _, err := load(t, `{
		"metadata": {"source_dataset": "d", "canonical_target": "parcel", "version": "1.0.0"},
		"map": {"A": "parcel_id"}
	}`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Geom.TargetCRS != geometry.DefaultTargetCRS {
		t.Fatalf("TargetCRS = %q, want %q", cfg.Geom.TargetCRS, geometry.DefaultTargetCRS)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	t.Parallel()

	_, issues, err := load(t, `{"metadata": `)
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T, want *ConfigError", err)
	}
	if len(issues) != 1 || issues[0].Severity != SeverityError {
		t.Fatalf("issues = %v", issues)
	}
}

func TestValidate_MetadataErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		src  string
		path string
	}{
		{
			"missing source_dataset",
			`{"metadata": {"canonical_target": "parcel", "version": "1.0.0"}, "map": {}}`,
			"metadata.source_dataset",
		},
		{
			"unknown canonical_target",
			`{"metadata": {"source_dataset": "d", "canonical_target": "wetlands", "version": "1.0.0"}, "map": {}}`,
			"metadata.canonical_target",
		},
		{
			"non-semantic version",
			`{"metadata": {"source_dataset": "d", "canonical_target": "parcel", "version": "v2"}, "map": {}}`,
			"metadata.version",
		},
		{
			"missing map section",
			`{"metadata": {"source_dataset": "d", "canonical_target": "parcel", "version": "1.0.0"}}`,
			"map",
		},
		{
			"unsupported target CRS",
			`{"metadata": {"source_dataset": "d", "canonical_target": "parcel", "version": "1.0.0"},
			  "map": {}, "geom": {"project": "EPSG:2276"}}`,
			"geom.project",
		},
		{
			"negative simplify tolerance",
			`{"metadata": {"source_dataset": "d", "canonical_target": "parcel", "version": "1.0.0"},
			  "map": {}, "geom": {"simplify_tolerance": -0.5}}`,
			"geom.simplify_tolerance",
		},
		{
			"non-scalar default",
			`{"metadata": {"source_dataset": "d", "canonical_target": "parcel", "version": "1.0.0"},
			  "map": {}, "ops": {"default_values": {"county": {"name": "Tarrant"}}}}`,
			"ops.default_values.county",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, issues, err := load(t, tc.src)
			if err == nil {
				t.Fatalf("Load succeeded (cfg=%+v), want error at %s", cfg, tc.path)
			}
			if !hasErrorAt(issues, tc.path) {
				t.Fatalf("no error issue at %s; got %v", tc.path, issues)
			}
		})
	}
}

func TestValidate_Warnings(t *testing.T) {
	t.Parallel()

	// Op on a field nothing produces, a null default, and drop_null_rows
	// on a domain with no required fields: all advisory, none fatal.
	cfg, issues, err := load(t, `{
		"metadata": {"source_dataset": "d", "canonical_target": "building_footprint", "version": "1.0.0"},
		"map": {"H": "height"},
		"ops": {
			"uppercase": ["ghost"],
			"default_values": {"height": null},
			"drop_null_rows": true
		}
	}`)
	if err != nil || cfg == nil {
		t.Fatalf("warnings should not block load: %v", err)
	}
	warned := map[string]bool{}
	for _, iss := range issues {
		if iss.Severity != SeverityWarning {
			t.Fatalf("unexpected severity %s: %v", iss.Severity, iss)
		}
		warned[iss.Path] = true
	}
	for _, path := range []string{"ops.uppercase", "ops.default_values.height", "ops.drop_null_rows"} {
		if !warned[path] {
			t.Errorf("expected warning at %s; got %v", path, issues)
		}
	}
}

func TestCompileComputed_OrderingErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ops  string
	}{
		{
			"forward reference",
			`{"computed_fields": [
				{"field": "a", "expr": "$b + 1"},
				{"field": "b", "expr": "2"}
			]}`,
		},
		{
			"self reference",
			`{"computed_fields": [{"field": "a", "expr": "$a + 1"}]}`,
		},
		{
			"duplicate field",
			`{"computed_fields": [
				{"field": "a", "expr": "1"},
				{"field": "a", "expr": "2"}
			]}`,
		},
		{
			"syntax error",
			`{"computed_fields": [{"field": "a", "expr": "1 +"}]}`,
		},
		{
			"empty field name",
			`{"computed_fields": [{"field": "", "expr": "1"}]}`,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := `{
				"metadata": {"source_dataset": "d", "canonical_target": "parcel", "version": "1.0.0"},
				"map": {"B": "b_raw"},
				"ops": ` + tc.ops + `}`
			_, issues, err := load(t, src)
			if err == nil {
				t.Fatalf("Load succeeded, want computed_fields error")
			}
			if !hasErrorPrefix(issues, "ops.computed_fields") {
				t.Fatalf("no computed_fields error; got %v", issues)
			}
		})
	}
}

func TestCompileComputed_BackwardReferenceOK(t *testing.T) {
	t.Parallel()

	cfg, _, err := load(t, `{
		"metadata": {"source_dataset": "d", "canonical_target": "parcel", "version": "1.0.0"},
		"map": {"SQFT": ""},
		"ops": {"computed_fields": [
			{"field": "area_acres", "expr": "$SQFT / 43560"},
			{"field": "large", "expr": "$area_acres > 10"}
		]}
	}`)
	if err != nil {
		t.Fatalf("backward reference should be legal: %v", err)
	}
	if len(cfg.Ops.Computed) != 2 {
		t.Fatalf("compiled %d fields, want 2", len(cfg.Ops.Computed))
	}
}

func TestConfigError_Message(t *testing.T) {
	t.Parallel()

	_, _, err := load(t, `{
		"metadata": {"source_dataset": "", "canonical_target": "wetlands", "version": "x"},
		"map": {}
	}`)
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T", err)
	}
	msg := cerr.Error()
	if !strings.Contains(msg, "3 error(s)") {
		t.Fatalf("message should count errors: %q", msg)
	}
}

func hasErrorAt(issues []Issue, path string) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError && iss.Path == path {
			return true
		}
	}
	return false
}

func hasErrorPrefix(issues []Issue, prefix string) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError && strings.HasPrefix(iss.Path, prefix) {
			return true
		}
	}
	return false
}
