// Package config defines the transform_config document model and turns it
// into a validated, immutable in-memory representation.
//
// Design goals:
//
//  1. One parse: the loosely-typed JSON document is decoded and checked
//     exactly once, at load time. Downstream stages receive resolved types
//     and never re-validate or branch on "was this configured".
//  2. Clarity: field names in Go mirror the JSON structure used in
//     transform config files.
//  3. Minimalism: no third-party config libraries; decoding is performed
//     by the standard library.
//
// Example (trimmed):
//
//	{
//	  "metadata": { "source_dataset": "fw_parcels", "canonical_target": "parcel", "version": "2.4.0" },
//	  "map":      { "ACCOUNT": "parcel_id", "LAND_SQFT": "" },
//	  "geom":     { "repair": true, "project": "EPSG:3857", "calculate_area": true },
//	  "ops": {
//	    "coerce_numbers": ["land_value"],
//	    "default_values": { "county": "Tarrant" },
//	    "computed_fields": [ { "field": "area_acres", "expr": "$LAND_SQFT / 43560" } ]
//	  }
//	}
package config

import (
	"encoding/json"
	"fmt"
	"io"

	"geoetl/internal/expr"
	"geoetl/internal/geometry"
	"geoetl/pkg/canon"
)

// Document is the top-level transform_config JSON shape, decoded verbatim
// before validation and defaulting.
type Document struct {
	Metadata MetadataDoc `json:"metadata"`

	// Map is the raw-field → canonical-field renaming. An entry whose
	// canonical name is empty declares the raw field (making it
	// referenceable from computed_fields) without projecting it into the
	// canonical namespace.
	Map map[string]string `json:"map"`

	Geom GeomDoc `json:"geom"`
	Ops  OpsDoc  `json:"ops"`
}

// MetadataDoc identifies the upstream dataset and the canonical domain
// this config populates.
type MetadataDoc struct {
	SourceDataset   string `json:"source_dataset"`
	SourceLayerID   string `json:"source_layer_id,omitempty"`
	SourceURL       string `json:"source_url,omitempty"`
	CanonicalTarget string `json:"canonical_target"`
	Version         string `json:"version"`
	Notes           string `json:"notes,omitempty"`
}

// GeomDoc configures geometry normalization. Repair defaults to true and
// Project to the web-mercator code, applied at load time.
type GeomDoc struct {
	Repair            *bool   `json:"repair,omitempty"`
	Project           string  `json:"project,omitempty"`
	SimplifyTolerance float64 `json:"simplify_tolerance,omitempty"`
	CalculateArea     bool    `json:"calculate_area,omitempty"`
}

// OpsDoc configures the attribute-level operations applied after mapping.
type OpsDoc struct {
	CoerceNumbers   []string       `json:"coerce_numbers,omitempty"`
	CoerceBooleans  []string       `json:"coerce_booleans,omitempty"`
	Uppercase       []string       `json:"uppercase,omitempty"`
	TrimWhitespace  []string       `json:"trim_whitespace,omitempty"`
	StripDiacritics []string       `json:"strip_diacritics,omitempty"`
	DefaultValues   map[string]any `json:"default_values,omitempty"`
	DropNullRows    bool           `json:"drop_null_rows,omitempty"`

	// ComputedFields is an ordered list; JSON objects do not preserve key
	// order, and evaluation order is strictly top-to-bottom.
	ComputedFields []ComputedFieldDoc `json:"computed_fields,omitempty"`
}

// ComputedFieldDoc is one computed_fields entry.
type ComputedFieldDoc struct {
	Field string `json:"field"`
	Expr  string `json:"expr"`
}

// Config is the validated, immutable representation shared read-only by
// every concurrent record pipeline in a batch run.
type Config struct {
	Metadata MetadataDoc
	Map      map[string]string
	Geom     geometry.Settings
	Ops      Ops
	Domain   canon.Domain

	canonicalNames map[string]struct{}
}

// Ops is the resolved ops block with computed expressions compiled.
type Ops struct {
	CoerceNumbers   []string
	CoerceBooleans  []string
	Uppercase       []string
	TrimWhitespace  []string
	StripDiacritics []string
	DefaultValues   map[string]any
	DropNullRows    bool
	Computed        []CompiledField
}

// CompiledField pairs a computed field with its parsed expression.
type CompiledField struct {
	Field  string
	Source string
	AST    expr.Node
}

// CanonicalDeclared reports whether name belongs to the canonical
// namespace this config can populate (map targets, defaults, ops sets,
// computed fields).
func (c *Config) CanonicalDeclared(name string) bool {
	_, ok := c.canonicalNames[name]
	return ok
}

// RawDeclared reports whether name appears as a raw field in the map
// block, including entries mapped to no canonical name.
func (c *Config) RawDeclared(name string) bool {
	_, ok := c.Map[name]
	return ok
}

// Load decodes, validates, and resolves a transform_config document. The
// returned issues include warnings even on success; on failure the error
// is a *ConfigError aggregating every severity-error issue.
func Load(r io.Reader) (*Config, []Issue, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		iss := []Issue{{Severity: SeverityError, Path: "$", Message: fmt.Sprintf("not a valid JSON document: %v", err)}}
		return nil, iss, &ConfigError{Issues: iss}
	}
	return Resolve(doc)
}

// Resolve validates doc and builds the immutable Config. Split from Load
// so callers holding an already-decoded Document (tests, embedded
// configs) can reuse the same path.
func Resolve(doc Document) (*Config, []Issue, error) {
	compiled, issues := validate(doc)
	if hasError(issues) {
		return nil, issues, &ConfigError{Issues: issues}
	}

	cfg := &Config{
		Metadata: doc.Metadata,
		Map:      doc.Map,
		Geom: geometry.Settings{
			Repair:            doc.Geom.Repair == nil || *doc.Geom.Repair,
			TargetCRS:         doc.Geom.Project,
			SimplifyTolerance: doc.Geom.SimplifyTolerance,
			CalculateArea:     doc.Geom.CalculateArea,
		},
		Ops: Ops{
			CoerceNumbers:   doc.Ops.CoerceNumbers,
			CoerceBooleans:  doc.Ops.CoerceBooleans,
			Uppercase:       doc.Ops.Uppercase,
			TrimWhitespace:  doc.Ops.TrimWhitespace,
			StripDiacritics: doc.Ops.StripDiacritics,
			DefaultValues:   doc.Ops.DefaultValues,
			DropNullRows:    doc.Ops.DropNullRows,
			Computed:        compiled,
		},
	}
	if cfg.Geom.TargetCRS == "" {
		cfg.Geom.TargetCRS = geometry.DefaultTargetCRS
	}
	cfg.Domain, _ = canon.LookupDomain(doc.Metadata.CanonicalTarget)
	cfg.canonicalNames = canonicalNamespace(doc)
	return cfg, issues, nil
}

// canonicalNamespace collects every canonical field name the config can
// produce or operate on.
func canonicalNamespace(doc Document) map[string]struct{} {
	names := map[string]struct{}{}
	for _, canonical := range doc.Map {
		if canonical != "" {
			names[canonical] = struct{}{}
		}
	}
	for name := range doc.Ops.DefaultValues {
		names[name] = struct{}{}
	}
	for _, set := range [][]string{
		doc.Ops.CoerceNumbers, doc.Ops.CoerceBooleans, doc.Ops.Uppercase,
		doc.Ops.TrimWhitespace, doc.Ops.StripDiacritics,
	} {
		for _, name := range set {
			names[name] = struct{}{}
		}
	}
	for _, cf := range doc.Ops.ComputedFields {
		names[cf.Field] = struct{}{}
	}
	return names
}
