// Package canon defines the shared data model for the transform engine:
// three-state field values, raw and canonical records, the quarantine
// entry type, the record-scoped error taxonomy, and the registry of
// recognized canonical domains.
//
// The package is intentionally dependency-light so that it can be imported
// by every stage of the pipeline (and by external callers draining the
// output streams) without pulling in stage-specific machinery.
package canon

import (
	"fmt"
	"strconv"
)

// SchemaVersion is the engine's canonical schema version. Every emitted
// CanonicalRecord is stamped with this value, independent of the transform
// config's own metadata.version.
const SchemaVersion = "1.3.0"

// valueState distinguishes the three states a canonical field can be in.
// Collapsing these into a single nullable type loses the distinction
// between "no information" and "coercion destroyed the information",
// which downstream stages (defaults, computed fields, required-field
// checks) depend on.
type valueState uint8

const (
	statePresent valueState = iota
	stateUnset
	stateFailed // coercion failed; treated as unset, but carries a warning upstream
)

// Value is a canonical field value with explicit absence semantics.
//
// A Value is either present (holding a scalar), unset (no information),
// or failed (a coercion consumed the original value and produced nothing).
// The zero Value is unset.
type Value struct {
	v     any
	state valueState
}

// Some returns a present Value holding v. Integer scalars are widened to
// float64 so that arithmetic downstream sees a single numeric type, the
// same normalization encoding/json applies when decoding raw records.
func Some(v any) Value {
	switch n := v.(type) {
	case int:
		return Value{v: float64(n), state: statePresent}
	case int32:
		return Value{v: float64(n), state: statePresent}
	case int64:
		return Value{v: float64(n), state: statePresent}
	case float32:
		return Value{v: float64(n), state: statePresent}
	case nil:
		return Value{state: stateUnset}
	}
	return Value{v: v, state: statePresent}
}

// Unset returns the "no information" Value.
func Unset() Value { return Value{state: stateUnset} }

// Failed returns an unset Value that records a destructive coercion.
func Failed() Value { return Value{state: stateFailed} }

// IsSet reports whether the value is present.
func (v Value) IsSet() bool { return v.state == statePresent }

// IsUnset reports whether the value carries no information, either because
// it was never populated or because a coercion failed.
func (v Value) IsUnset() bool { return v.state != statePresent }

// CoercionFailed reports whether the value is unset specifically because a
// configured coercion could not parse the original value.
func (v Value) CoercionFailed() bool { return v.state == stateFailed }

// Any returns the underlying scalar and whether the value is present.
func (v Value) Any() (any, bool) {
	if v.state != statePresent {
		return nil, false
	}
	return v.v, true
}

// Float returns the value as a float64 when it is a present number.
func (v Value) Float() (float64, bool) {
	if v.state != statePresent {
		return 0, false
	}
	f, ok := v.v.(float64)
	return f, ok
}

// Str returns the value as a string when it is a present string.
func (v Value) Str() (string, bool) {
	if v.state != statePresent {
		return "", false
	}
	s, ok := v.v.(string)
	return s, ok
}

// Bool returns the value as a bool when it is a present boolean.
func (v Value) Bool() (bool, bool) {
	if v.state != statePresent {
		return false, false
	}
	b, ok := v.v.(bool)
	return b, ok
}

// String implements fmt.Stringer for diagnostics and quarantine context.
func (v Value) String() string {
	switch v.state {
	case stateUnset:
		return "<unset>"
	case stateFailed:
		return "<unset:coercion-failed>"
	}
	switch n := v.v.(type) {
	case string:
		return n
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(n)
	}
	return fmt.Sprintf("%v", v.v)
}

// Fields is the canonical-field namespace a record accumulates as it moves
// through the pipeline. Keys absent from the map are unset; callers should
// use Get so that absence and explicit unset read the same way.
type Fields map[string]Value

// Get returns the value for name. A missing key reads as unset.
func (f Fields) Get(name string) Value {
	if v, ok := f[name]; ok {
		return v
	}
	return Unset()
}

// Set stores v under name.
func (f Fields) Set(name string, v Value) { f[name] = v }

// SetScalars returns only the present fields as concrete scalars, in the
// shape the assembler and sinks consume.
func (f Fields) SetScalars() map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		if s, ok := v.Any(); ok {
			out[k] = s
		}
	}
	return out
}
