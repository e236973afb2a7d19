package expr

import (
	"geoetl/pkg/canon"
)

// Env is the two-namespace environment an expression evaluates against.
//
// Name resolution is canonical-first: a name declared in the canonical
// namespace resolves there even when unset, so that a field cleared by a
// failed coercion does not silently fall through to the raw value it was
// mapped from. Names absent from the canonical namespace resolve against
// the raw record; names the config declares as raw fields (map keys)
// resolve to unset when the record happens not to carry them. Anything
// else is an undefined reference.
type Env struct {
	// Canonical returns the value for a canonical field and whether the
	// name is part of the canonical namespace at all.
	Canonical func(name string) (canon.Value, bool)

	// Raw returns the raw record's value for name and whether the record
	// carries that attribute.
	Raw func(name string) (any, bool)

	// DeclaredRaw reports whether the config's map block declares name as
	// a raw field (including entries mapped to no canonical name).
	DeclaredRaw func(name string) bool
}

// Eval evaluates the expression against env. An unset result is a valid
// outcome (canon.Unset, nil error); a non-nil error is always a
// *canon.RecordError with kind KindExpression and quarantines the record.
func Eval(n Node, env *Env) (canon.Value, error) {
	switch v := n.(type) {
	case *Literal:
		return v.Val, nil

	case *FieldRef:
		return evalRef(v, env)

	case *Unary:
		x, err := Eval(v.X, env)
		if err != nil {
			return canon.Unset(), err
		}
		if x.IsUnset() {
			return canon.Unset(), nil
		}
		f, ok := x.Float()
		if !ok {
			return canon.Unset(), canon.Errorf(canon.KindExpression, "cannot negate non-numeric value %q", x.String())
		}
		return canon.Some(-f), nil

	case *Binary:
		return evalBinary(v, env)

	case *Ternary:
		cond, err := Eval(v.Cond, env)
		if err != nil {
			return canon.Unset(), err
		}
		if cond.IsUnset() {
			return canon.Unset(), nil
		}
		b, ok := cond.Bool()
		if !ok {
			return canon.Unset(), canon.Errorf(canon.KindExpression, "conditional requires a boolean condition, got %q", cond.String())
		}
		if b {
			return Eval(v.Then, env)
		}
		return Eval(v.Else, env)
	}
	return canon.Unset(), canon.Errorf(canon.KindExpression, "internal: unknown node type")
}

func evalRef(ref *FieldRef, env *Env) (canon.Value, error) {
	if env.Canonical != nil {
		if v, declared := env.Canonical(ref.Name); declared {
			if v.IsUnset() {
				return canon.Unset(), nil
			}
			return v, nil
		}
	}
	if env.Raw != nil {
		if raw, ok := env.Raw(ref.Name); ok {
			return canon.Some(raw), nil
		}
	}
	if env.DeclaredRaw != nil && env.DeclaredRaw(ref.Name) {
		// Declared upstream field that this particular record does not
		// carry: no information, not an authoring mistake.
		return canon.Unset(), nil
	}
	return canon.Unset(), canon.Errorf(canon.KindExpression, "reference to undefined field $%s", ref.Name)
}

func evalBinary(b *Binary, env *Env) (canon.Value, error) {
	x, err := Eval(b.X, env)
	if err != nil {
		return canon.Unset(), err
	}
	y, err := Eval(b.Y, env)
	if err != nil {
		return canon.Unset(), err
	}
	// Unset propagates through every operator: a result derived from
	// missing inputs is itself missing, never zero or empty-string.
	if x.IsUnset() || y.IsUnset() {
		return canon.Unset(), nil
	}

	switch b.Op {
	case "+":
		if xs, ok := x.Str(); ok {
			ys, ok := y.Str()
			if !ok {
				return canon.Unset(), typeMismatch(b.Op, x, y)
			}
			return canon.Some(xs + ys), nil
		}
		xf, yf, err := numericPair(b.Op, x, y)
		if err != nil {
			return canon.Unset(), err
		}
		return canon.Some(xf + yf), nil

	case "-", "*", "/":
		xf, yf, err := numericPair(b.Op, x, y)
		if err != nil {
			return canon.Unset(), err
		}
		switch b.Op {
		case "-":
			return canon.Some(xf - yf), nil
		case "*":
			return canon.Some(xf * yf), nil
		default:
			if yf == 0 {
				return canon.Unset(), canon.Errorf(canon.KindExpression, "division by zero in %s", b.String())
			}
			return canon.Some(xf / yf), nil
		}

	case "==", "!=":
		eq, err := equal(b.Op, x, y)
		if err != nil {
			return canon.Unset(), err
		}
		if b.Op == "!=" {
			eq = !eq
		}
		return canon.Some(eq), nil

	case "<", "<=", ">", ">=":
		xf, yf, err := numericPair(b.Op, x, y)
		if err != nil {
			return canon.Unset(), err
		}
		var r bool
		switch b.Op {
		case "<":
			r = xf < yf
		case "<=":
			r = xf <= yf
		case ">":
			r = xf > yf
		default:
			r = xf >= yf
		}
		return canon.Some(r), nil
	}
	return canon.Unset(), canon.Errorf(canon.KindExpression, "internal: unknown operator %q", b.Op)
}

func numericPair(op string, x, y canon.Value) (float64, float64, error) {
	xf, xok := x.Float()
	yf, yok := y.Float()
	if !xok || !yok {
		return 0, 0, typeMismatch(op, x, y)
	}
	return xf, yf, nil
}

func equal(op string, x, y canon.Value) (bool, error) {
	if xf, ok := x.Float(); ok {
		if yf, ok := y.Float(); ok {
			return xf == yf, nil
		}
		return false, typeMismatch(op, x, y)
	}
	if xs, ok := x.Str(); ok {
		if ys, ok := y.Str(); ok {
			return xs == ys, nil
		}
		return false, typeMismatch(op, x, y)
	}
	if xb, ok := x.Bool(); ok {
		if yb, ok := y.Bool(); ok {
			return xb == yb, nil
		}
	}
	return false, typeMismatch(op, x, y)
}

func typeMismatch(op string, x, y canon.Value) error {
	return canon.Errorf(canon.KindExpression, "operator %q cannot combine %q and %q", op, x.String(), y.String())
}
