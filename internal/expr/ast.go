// Package expr implements the small expression language used by
// computed_fields: numeric and string literals, binary arithmetic,
// comparisons, a single ternary conditional, and $field references
// resolved against a two-namespace (canonical, raw) environment.
//
// The implementation is a hand-written recursive-descent parser over an
// explicit AST, evaluated by a tree walker. The grammar is intentionally
// minimal and fixed; embedding a general scripting runtime would trade
// auditability for power nothing in the config model needs.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"geoetl/pkg/canon"
)

// Node is one expression AST node.
type Node interface {
	// String renders the node back to source form, for diagnostics.
	String() string
}

// Literal is a number or string constant.
type Literal struct {
	Val canon.Value
}

func (l *Literal) String() string {
	if s, ok := l.Val.Str(); ok {
		return strconv.Quote(s)
	}
	return l.Val.String()
}

// FieldRef is a $name reference, resolved canonical-first, then raw.
type FieldRef struct {
	Name string
}

func (f *FieldRef) String() string { return "$" + f.Name }

// Unary is negation of a numeric operand.
type Unary struct {
	X Node
}

func (u *Unary) String() string { return "-" + u.X.String() }

// Binary is an arithmetic or comparison operation.
type Binary struct {
	Op   string // one of + - * / == != < <= > >=
	X, Y Node
}

func (b *Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.X.String(), b.Op, b.Y.String())
}

// Ternary is the conditional form `cond ? then : else`. Only the taken
// branch is evaluated, which is what makes division guards work.
type Ternary struct {
	Cond, Then, Else Node
}

func (t *Ternary) String() string {
	return fmt.Sprintf("(%s ? %s : %s)", t.Cond.String(), t.Then.String(), t.Else.String())
}

// Refs returns the distinct field names referenced anywhere in the
// expression, in first-appearance order. Config validation uses this to
// reject forward references between computed fields.
func Refs(n Node) []string {
	var out []string
	seen := map[string]struct{}{}
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case *Literal:
		case *FieldRef:
			if _, ok := seen[v.Name]; !ok {
				seen[v.Name] = struct{}{}
				out = append(out, v.Name)
			}
		case *Unary:
			walk(v.X)
		case *Binary:
			walk(v.X)
			walk(v.Y)
		case *Ternary:
			walk(v.Cond)
			walk(v.Then)
			walk(v.Else)
		}
	}
	walk(n)
	return out
}

// ParseError describes a syntax error with its byte offset in the source.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("expression syntax error at offset %d: %s", e.Pos, e.Msg)
}

func errf(pos int, format string, a ...any) *ParseError {
	return &ParseError{Pos: pos, Msg: fmt.Sprintf(format, a...)}
}

// isIdentRune reports whether r may appear in a field name after '$'.
func isIdentRune(r byte) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func isIdentStart(r byte) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isDigit(r byte) bool { return r >= '0' && r <= '9' }

func isSpace(r byte) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }

var comparisonOps = map[string]struct{}{
	"==": {}, "!=": {}, "<": {}, "<=": {}, ">": {}, ">=": {},
}

func isComparison(op string) bool {
	_, ok := comparisonOps[op]
	return ok
}

// unquote decodes the body of a string literal, handling the small escape
// set the language supports.
func unquote(body string) (string, error) {
	if !strings.ContainsRune(body, '\\') {
		return body, nil
	}
	var b strings.Builder
	b.Grow(len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(body) {
			return "", fmt.Errorf("dangling escape")
		}
		switch body[i] {
		case '\\', '\'', '"':
			b.WriteByte(body[i])
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		default:
			return "", fmt.Errorf("unknown escape \\%c", body[i])
		}
	}
	return b.String(), nil
}
