// Package ops applies the attribute-level operations from a config's ops
// block to the canonical-field mapping produced by the mapper. The order
// of operations is fixed and is not reorderable by configuration:
// numeric coercion, boolean coercion, string normalization (trim,
// diacritics, uppercase), then a second defaults pass. The required-field
// check backing drop_null_rows runs separately, after computed fields, so
// that it sees the record's final state.
package ops

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"geoetl/internal/config"
	"geoetl/pkg/canon"
)

// upperCaser is safe for concurrent use; cases.Upper casers are stateless.
var upperCaser = cases.Upper(language.Und)

// deaccent strips combining marks: NFD decompose, drop Mn runes, NFC
// recompose. Same folding the upstream header probes use.
var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// truthy and falsy are the recognized boolean literal forms, matched
// case-insensitively after trimming.
var (
	truthy = map[string]struct{}{"true": {}, "t": {}, "yes": {}, "y": {}, "1": {}}
	falsy  = map[string]struct{}{"false": {}, "f": {}, "no": {}, "n": {}, "0": {}}
)

// Apply runs coercions, string normalization, and the second defaults pass
// over fields in place, returning the coercion warnings it produced.
// Warnings are advisory: a failed coercion unsets the field but never
// changes the record's terminal state by itself.
func Apply(fields canon.Fields, o config.Ops) []canon.Warning {
	var warnings []canon.Warning

	for _, name := range o.CoerceNumbers {
		if w := coerceNumber(fields, name); w != nil {
			warnings = append(warnings, *w)
		}
	}
	for _, name := range o.CoerceBooleans {
		if w := coerceBoolean(fields, name); w != nil {
			warnings = append(warnings, *w)
		}
	}
	for _, name := range o.TrimWhitespace {
		mapString(fields, name, strings.TrimSpace)
	}
	for _, name := range o.StripDiacritics {
		mapString(fields, name, stripDiacritics)
	}
	for _, name := range o.Uppercase {
		mapString(fields, name, upperCaser.String)
	}

	// Second defaults pass: covers fields cleared by a failed coercion and
	// fields nothing has populated yet. Computed fields evaluate after this
	// and may still overwrite.
	for name, def := range o.DefaultValues {
		if def == nil {
			continue
		}
		if fields.Get(name).IsUnset() {
			fields.Set(name, canon.Some(def))
		}
	}
	return warnings
}

// coerceNumber parses the named field into a float64. A value that cannot
// be parsed unsets the field and returns a warning; it is never replaced
// with an approximation.
func coerceNumber(fields canon.Fields, name string) *canon.Warning {
	v := fields.Get(name)
	raw, ok := v.Any()
	if !ok {
		return nil
	}
	switch n := raw.(type) {
	case float64:
		return nil
	case string:
		s := strings.TrimSpace(n)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			fields.Set(name, canon.Some(f))
			return nil
		}
		fields.Set(name, canon.Failed())
		return &canon.Warning{
			Field:   name,
			Message: fmt.Sprintf("cannot coerce %q to a number; field set to unset", n),
		}
	}
	fields.Set(name, canon.Failed())
	return &canon.Warning{
		Field:   name,
		Message: fmt.Sprintf("cannot coerce %T value to a number; field set to unset", raw),
	}
}

// coerceBoolean maps recognized truthy/falsy literal forms onto a boolean.
// Anything else becomes unset with a warning.
func coerceBoolean(fields canon.Fields, name string) *canon.Warning {
	v := fields.Get(name)
	raw, ok := v.Any()
	if !ok {
		return nil
	}
	switch n := raw.(type) {
	case bool:
		return nil
	case float64:
		if n == 1 {
			fields.Set(name, canon.Some(true))
			return nil
		}
		if n == 0 {
			fields.Set(name, canon.Some(false))
			return nil
		}
	case string:
		s := strings.ToLower(strings.TrimSpace(n))
		if _, ok := truthy[s]; ok {
			fields.Set(name, canon.Some(true))
			return nil
		}
		if _, ok := falsy[s]; ok {
			fields.Set(name, canon.Some(false))
			return nil
		}
	}
	fields.Set(name, canon.Failed())
	return &canon.Warning{
		Field:   name,
		Message: fmt.Sprintf("cannot coerce %v to a boolean; field set to unset", raw),
	}
}

// mapString applies fn to the named field when it holds a string. Non-string
// values are left untouched, without a warning; string ops are shape
// normalizers, not validators.
func mapString(fields canon.Fields, name string, fn func(string) string) {
	if s, ok := fields.Get(name).Str(); ok {
		fields.Set(name, canon.Some(fn(s)))
	}
}

func stripDiacritics(s string) string {
	out, _, err := transform.String(deaccent, s)
	if err != nil {
		return s
	}
	return out
}

// CheckRequired enforces drop_null_rows: when enabled, a record whose
// domain-required canonical fields are not all set after every stage has
// run is quarantined with a missing_required_field error, never silently
// dropped without trace.
func CheckRequired(fields canon.Fields, cfg *config.Config) *canon.RecordError {
	if !cfg.Ops.DropNullRows {
		return nil
	}
	for _, name := range cfg.Domain.Required {
		if fields.Get(name).IsUnset() {
			return &canon.RecordError{
				Kind:   canon.KindMissingRequiredField,
				Reason: fmt.Sprintf("required field %q for domain %q is unset after all stages", name, cfg.Domain.Name),
				Fields: map[string]any{name: nil},
			}
		}
	}
	return nil
}
