// Package fieldmap applies a config's map block: a pure renaming/selection
// step that moves raw attributes into the canonical field namespace so
// that every later stage operates on canonical names only.
package fieldmap

import (
	"geoetl/internal/config"
	"geoetl/pkg/canon"
)

// Apply produces the partial canonical-field mapping for one raw record.
//
// For each map entry: a present, non-null raw value is copied under the
// canonical name; an absent or null raw value falls back to
// ops.default_values for that canonical name, else the field stays unset.
// No type coercion happens here. Raw fields not named in the map (and
// map entries with no canonical name) are simply not projected; they
// remain reachable from computed_fields via the raw namespace.
func Apply(raw *canon.RawRecord, cfg *config.Config) canon.Fields {
	fields := make(canon.Fields, len(cfg.Map))
	for rawName, canonicalName := range cfg.Map {
		if canonicalName == "" {
			continue
		}
		if v, ok := raw.Fields[rawName]; ok && v != nil {
			fields.Set(canonicalName, canon.Some(v))
			continue
		}
		if def, ok := cfg.Ops.DefaultValues[canonicalName]; ok && def != nil {
			fields.Set(canonicalName, canon.Some(def))
		}
		// Unset is represented by absence; downstream reads via Fields.Get
		// see the same "no information" state either way.
	}
	return fields
}
