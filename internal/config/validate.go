// This file adds the load-time linter/validator for transform_config
// documents. It performs static checks over a decoded Document and returns
// a list of issues (errors and warnings) that callers can surface in a CLI
// or tests. Severity-error issues become a batch-fatal ConfigError before
// any record is processed; warnings are advisory.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"geoetl/internal/expr"
	"geoetl/internal/geometry"
	"geoetl/pkg/canon"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that blocks the batch.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding that is surfaced to users but
	// does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding.
//
// Path is a dotted path into the config (e.g. "metadata.canonical_target",
// "ops.computed_fields[1].expr"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a
// single error in contexts that expect one.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// ConfigError aggregates every severity-error issue found at load time.
// It is batch-fatal: running with an invalid config would quarantine every
// record non-deterministically and hide the real problem.
type ConfigError struct {
	Issues []Issue
}

func (e *ConfigError) Error() string {
	n := 0
	var first *Issue
	for i := range e.Issues {
		if e.Issues[i].Severity == SeverityError {
			if first == nil {
				first = &e.Issues[i]
			}
			n++
		}
	}
	if first == nil {
		return "invalid transform_config"
	}
	return fmt.Sprintf("invalid transform_config: %d error(s); first: %s", n, first.Error())
}

func hasError(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// validate runs every static check over doc and compiles the computed
// field expressions along the way (so they are parsed exactly once).
func validate(doc Document) ([]CompiledField, []Issue) {
	var issues []Issue

	issues = append(issues, validateMetadata(doc.Metadata)...)
	issues = append(issues, validateMap(doc)...)
	issues = append(issues, validateGeom(doc.Geom)...)
	issues = append(issues, validateOps(doc)...)

	compiled, exprIssues := compileComputed(doc)
	issues = append(issues, exprIssues...)
	return compiled, issues
}

func validateMetadata(m MetadataDoc) []Issue {
	var issues []Issue

	if strings.TrimSpace(m.SourceDataset) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "metadata.source_dataset",
			Message:  "source_dataset must not be empty; it identifies the upstream layer in provenance and quarantine output",
		})
	}
	if strings.TrimSpace(m.CanonicalTarget) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "metadata.canonical_target",
			Message:  "canonical_target must not be empty",
		})
	} else if _, ok := canon.LookupDomain(m.CanonicalTarget); !ok {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "metadata.canonical_target",
			Message: fmt.Sprintf("unknown canonical target %q; recognized domains: %s",
				m.CanonicalTarget, strings.Join(canon.DomainNames(), ", ")),
		})
	}
	if strings.TrimSpace(m.Version) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "metadata.version",
			Message:  "version must not be empty",
		})
	} else if !semanticVersion(m.Version) {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "metadata.version",
			Message:  fmt.Sprintf("version %q is not a semantic version (expected MAJOR.MINOR.PATCH)", m.Version),
		})
	}
	return issues
}

// semanticVersion accepts the plain MAJOR.MINOR.PATCH form used by
// transform configs.
func semanticVersion(v string) bool {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return true
}

func validateMap(doc Document) []Issue {
	var issues []Issue

	if doc.Map == nil {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "map",
			Message:  "map section must be present (it may be an empty object)",
		})
		return issues
	}
	if len(doc.Map) == 0 && len(doc.Ops.ComputedFields) == 0 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "map",
			Message:  "map is empty and no computed_fields are defined; every record will canonicalize with no attributes",
		})
	}
	for raw, canonical := range doc.Map {
		if strings.TrimSpace(raw) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "map",
				Message:  "map keys must be non-empty upstream field names",
			})
		}
		if canonical != "" && canonical != strings.TrimSpace(canonical) {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     fmt.Sprintf("map.%s", raw),
				Message:  fmt.Sprintf("canonical name %q has surrounding whitespace", canonical),
			})
		}
	}
	return issues
}

func validateGeom(g GeomDoc) []Issue {
	var issues []Issue

	if g.Project != "" && !geometry.SupportedCRS(g.Project) {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "geom.project",
			Message:  fmt.Sprintf("unsupported target CRS %q", g.Project),
		})
	}
	if g.SimplifyTolerance < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "geom.simplify_tolerance",
			Message:  fmt.Sprintf("simplify_tolerance must not be negative (got %g)", g.SimplifyTolerance),
		})
	}
	return issues
}

func validateOps(doc Document) []Issue {
	var issues []Issue

	// Ops sets are supposed to name canonical fields the config actually
	// produces; a name nothing populates is usually a typo.
	produced := map[string]struct{}{}
	for _, canonical := range doc.Map {
		if canonical != "" {
			produced[canonical] = struct{}{}
		}
	}
	for name := range doc.Ops.DefaultValues {
		produced[name] = struct{}{}
	}
	for _, cf := range doc.Ops.ComputedFields {
		produced[cf.Field] = struct{}{}
	}

	sets := []struct {
		path  string
		names []string
	}{
		{"ops.coerce_numbers", doc.Ops.CoerceNumbers},
		{"ops.coerce_booleans", doc.Ops.CoerceBooleans},
		{"ops.uppercase", doc.Ops.Uppercase},
		{"ops.trim_whitespace", doc.Ops.TrimWhitespace},
		{"ops.strip_diacritics", doc.Ops.StripDiacritics},
	}
	for _, set := range sets {
		for _, name := range set.names {
			if _, ok := produced[name]; !ok {
				issues = append(issues, Issue{
					Severity: SeverityWarning,
					Path:     set.path,
					Message:  fmt.Sprintf("field %q is never mapped, defaulted, or computed; the op will have no effect", name),
				})
			}
		}
	}

	for name, v := range doc.Ops.DefaultValues {
		switch v.(type) {
		case string, float64, bool:
		case nil:
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     fmt.Sprintf("ops.default_values.%s", name),
				Message:  "null default has no effect; defaults only apply to unset fields",
			})
		default:
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     fmt.Sprintf("ops.default_values.%s", name),
				Message:  fmt.Sprintf("default must be a scalar (string, number, or boolean), got %T", v),
			})
		}
	}

	if doc.Ops.DropNullRows {
		if d, ok := canon.LookupDomain(doc.Metadata.CanonicalTarget); ok && len(d.Required) == 0 {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     "ops.drop_null_rows",
				Message:  fmt.Sprintf("domain %q has no required fields; drop_null_rows will never quarantine", d.Name),
			})
		}
	}
	return issues
}

// compileComputed parses every computed_fields expression and enforces
// strict top-to-bottom evaluation order: an expression referencing a
// computed field declared later than itself (or itself) is a config
// error, not a runtime guess at dependency resolution.
func compileComputed(doc Document) ([]CompiledField, []Issue) {
	var issues []Issue
	compiled := make([]CompiledField, 0, len(doc.Ops.ComputedFields))

	declared := map[string]int{} // computed field -> declaration index
	for i, cf := range doc.Ops.ComputedFields {
		declared[cf.Field] = i
	}

	seen := map[string]struct{}{}
	for i, cf := range doc.Ops.ComputedFields {
		path := fmt.Sprintf("ops.computed_fields[%d]", i)

		if strings.TrimSpace(cf.Field) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".field",
				Message:  "computed field name must not be empty",
			})
			continue
		}
		if _, dup := seen[cf.Field]; dup {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".field",
				Message:  fmt.Sprintf("computed field %q is declared more than once", cf.Field),
			})
			continue
		}
		seen[cf.Field] = struct{}{}

		ast, err := expr.Parse(cf.Expr)
		if err != nil {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path + ".expr",
				Message:  err.Error(),
			})
			continue
		}

		for _, ref := range expr.Refs(ast) {
			if j, ok := declared[ref]; ok && j >= i {
				issues = append(issues, Issue{
					Severity: SeverityError,
					Path:     path + ".expr",
					Message: fmt.Sprintf("references computed field %q declared at position %d; computed fields evaluate strictly top to bottom",
						ref, j),
				})
			}
		}

		compiled = append(compiled, CompiledField{Field: cf.Field, Source: cf.Expr, AST: ast})
	}
	return compiled, issues
}
