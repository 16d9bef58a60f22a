package vm

import (
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/starling/op"
	"github.com/deepnoodle-ai/starling/runtime"
)

// The operator helpers below are the single source of truth for operator
// semantics: the interpreter calls them directly and the compiled tier
// reaches them through trampolines, so both tiers agree by construction.

func (m *Machine) binaryOp(kind op.BinaryOpType, lhs, rhs runtime.Word) (runtime.Word, error) {
	if runtime.IsInt(lhs) && runtime.IsInt(rhs) {
		return m.intBinaryOp(kind, runtime.UnboxInt(lhs), runtime.UnboxInt(rhs))
	}
	if kind == op.Add {
		if a, ok := m.str(lhs); ok {
			if b, ok := m.str(rhs); ok {
				return m.stringWord(a + b), nil
			}
		}
		if a, ok := m.list(lhs); ok {
			if b, ok := m.list(rhs); ok {
				items := make([]runtime.Word, 0, len(a.Items)+len(b.Items))
				items = append(items, a.Items...)
				items = append(items, b.Items...)
				return m.handles.Alloc(&List{Items: items}), nil
			}
		}
	}
	return runtime.Null, fmt.Errorf("%w: unsupported operands for %s", ErrTypeMismatch, kind)
}

func (m *Machine) intBinaryOp(kind op.BinaryOpType, lhs, rhs int64) (runtime.Word, error) {
	switch kind {
	case op.Add:
		return runtime.BoxInt(lhs + rhs), nil
	case op.Subtract:
		return runtime.BoxInt(lhs - rhs), nil
	case op.Multiply:
		return runtime.BoxInt(lhs * rhs), nil
	case op.Divide, op.FloorDivide:
		if rhs == 0 {
			return runtime.Null, ErrDivisionByZero
		}
		return runtime.BoxInt(floorDiv(lhs, rhs)), nil
	case op.Modulo:
		if rhs == 0 {
			return runtime.Null, ErrDivisionByZero
		}
		return runtime.BoxInt(lhs - floorDiv(lhs, rhs)*rhs), nil
	case op.Power:
		return runtime.BoxInt(intPow(lhs, rhs)), nil
	default:
		return runtime.Null, fmt.Errorf("%w: unknown binary operator %d", ErrTypeMismatch, kind)
	}
}

// floorDiv rounds toward negative infinity, matching the modulo identity
// lhs == floorDiv(lhs, rhs)*rhs + mod.
func floorDiv(lhs, rhs int64) int64 {
	q := lhs / rhs
	if (lhs%rhs != 0) && ((lhs < 0) != (rhs < 0)) {
		q--
	}
	return q
}

func intPow(base, exp int64) int64 {
	if exp < 0 {
		return 0
	}
	result := int64(1)
	for exp > 0 {
		if exp&1 == 1 {
			result *= base
		}
		base *= base
		exp >>= 1
	}
	return result
}

func (m *Machine) compare(kind op.CompareOpType, lhs, rhs runtime.Word) (runtime.Word, error) {
	if runtime.IsInt(lhs) && runtime.IsInt(rhs) {
		return runtime.BoxBool(intCompare(kind, runtime.UnboxInt(lhs), runtime.UnboxInt(rhs))), nil
	}
	if a, ok := m.str(lhs); ok {
		if b, ok := m.str(rhs); ok {
			return runtime.BoxBool(intCompare(kind, int64(strings.Compare(a, b)), 0)), nil
		}
	}
	switch kind {
	case op.Equal:
		return runtime.BoxBool(lhs == rhs), nil
	case op.NotEqual:
		return runtime.BoxBool(lhs != rhs), nil
	default:
		return runtime.Null, fmt.Errorf("%w: unsupported operands for %s", ErrTypeMismatch, kind)
	}
}

func intCompare(kind op.CompareOpType, lhs, rhs int64) bool {
	switch kind {
	case op.LessThan:
		return lhs < rhs
	case op.LessThanOrEqual:
		return lhs <= rhs
	case op.Equal:
		return lhs == rhs
	case op.NotEqual:
		return lhs != rhs
	case op.GreaterThan:
		return lhs > rhs
	default:
		return lhs >= rhs
	}
}

func (m *Machine) contains(item, container runtime.Word, invert bool) (runtime.Word, error) {
	var found bool
	switch {
	case isString(m.handles.Get(container)):
		s, _ := m.str(container)
		sub, ok := m.str(item)
		if !ok {
			return runtime.Null, fmt.Errorf("%w: string membership requires a string", ErrTypeMismatch)
		}
		found = strings.Contains(s, sub)
	default:
		list, ok := m.list(container)
		if !ok {
			return runtime.Null, fmt.Errorf("%w: value is not a container", ErrTypeMismatch)
		}
		for _, v := range list.Items {
			eq, err := m.compare(op.Equal, v, item)
			if err != nil {
				return runtime.Null, err
			}
			if runtime.Truthy(eq) {
				found = true
				break
			}
		}
	}
	if invert {
		found = !found
	}
	return runtime.BoxBool(found), nil
}

func (m *Machine) lengthOf(v runtime.Word) (runtime.Word, error) {
	if s, ok := m.str(v); ok {
		return runtime.BoxInt(int64(len(s))), nil
	}
	if list, ok := m.list(v); ok {
		return runtime.BoxInt(int64(len(list.Items))), nil
	}
	return runtime.Null, fmt.Errorf("%w: value has no length", ErrTypeMismatch)
}

func (m *Machine) makeIterator(v runtime.Word) (runtime.Word, error) {
	if list, ok := m.list(v); ok {
		items := append([]runtime.Word(nil), list.Items...)
		return m.handles.Alloc(&iterator{items: items}), nil
	}
	if s, ok := m.str(v); ok {
		items := make([]runtime.Word, 0, len(s))
		for _, r := range s {
			items = append(items, m.stringWord(string(r)))
		}
		return m.handles.Alloc(&iterator{items: items}), nil
	}
	return runtime.Null, fmt.Errorf("%w: value is not iterable", ErrTypeMismatch)
}

func (m *Machine) str(w runtime.Word) (string, bool) {
	s, ok := m.handles.Get(w).(string)
	return s, ok
}

func (m *Machine) list(w runtime.Word) (*List, bool) {
	l, ok := m.handles.Get(w).(*List)
	return l, ok
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

// stringWord boxes a string, reusing the handle from a previous boxing of
// the same string so identical strings stay cheap to produce.
func (m *Machine) stringWord(s string) runtime.Word {
	if w, ok := m.strings[s]; ok {
		return w
	}
	w := m.handles.Alloc(s)
	m.strings[s] = w
	return w
}
