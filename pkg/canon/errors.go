package canon

import "fmt"

// ErrorKind classifies a record-scoped failure. Kinds are stable strings
// (not Go types) so that quarantine entries serialize cleanly and external
// review tooling can filter on them.
type ErrorKind string

const (
	// KindGeometry covers unrepairable/degenerate geometry and reprojection
	// failures caused by an unknown or undeclared source CRS.
	KindGeometry ErrorKind = "geometry_error"

	// KindExpression covers unguarded division by zero and references to
	// field names absent from both the raw and canonical namespaces.
	KindExpression ErrorKind = "expression_error"

	// KindMissingRequiredField is raised when drop_null_rows is enabled and
	// a domain-required canonical field is still unset after all stages.
	KindMissingRequiredField ErrorKind = "missing_required_field"
)

// Stage names a position in the per-record state machine. Quarantine
// entries record the stage that failed so that remediation can start from
// the right place.
type Stage string

const (
	StageIngested        Stage = "ingested"
	StageMapped          Stage = "mapped"
	StageGeometryChecked Stage = "geometry_checked"
	StageOpsApplied      Stage = "ops_applied"
	StageComputed        Stage = "computed"
	StageCanonicalized   Stage = "canonicalized"
	StageQuarantined     Stage = "quarantined"
)

// RecordError is a record-scoped failure. It quarantines the single record
// it occurred on and never aborts sibling records or the batch.
type RecordError struct {
	Kind   ErrorKind
	Reason string

	// Fields holds the raw or canonical values implicated in the failure,
	// copied into the quarantine entry for manual review.
	Fields map[string]any
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Errorf constructs a RecordError with a formatted reason.
func Errorf(kind ErrorKind, format string, a ...any) *RecordError {
	return &RecordError{Kind: kind, Reason: fmt.Sprintf(format, a...)}
}

// Warning is an advisory, non-fatal finding attached to a record's run.
// The only kind currently emitted is a coercion warning; the record's
// terminal state is unaffected.
type Warning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("field %q: %s", w.Field, w.Message)
}
