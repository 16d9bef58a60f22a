package vm

import (
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/starling/runtime"
)

func (m *Machine) registerBuiltins() {
	for _, b := range []*Builtin{
		{Name: "len", Fn: builtinLen},
		{Name: "print", Fn: builtinPrint},
		{Name: "list", Fn: builtinList},
		{Name: "range", Fn: builtinRange},
	} {
		if _, exists := m.globals[b.Name]; !exists {
			m.globals[b.Name] = m.handles.Alloc(b)
		}
	}
}

func builtinLen(m *Machine, args []runtime.Word) (runtime.Word, error) {
	if len(args) != 1 {
		return runtime.Null, fmt.Errorf("%w: len takes 1, got %d", ErrArity, len(args))
	}
	return m.lengthOf(args[0])
}

func builtinPrint(m *Machine, args []runtime.Word) (runtime.Word, error) {
	parts := make([]string, len(args))
	for i, w := range args {
		parts[i] = m.Format(w)
	}
	fmt.Fprintln(m.stdout, strings.Join(parts, " "))
	return runtime.Null, nil
}

func builtinList(m *Machine, args []runtime.Word) (runtime.Word, error) {
	return m.handles.Alloc(&List{Items: append([]runtime.Word(nil), args...)}), nil
}

func builtinRange(m *Machine, args []runtime.Word) (runtime.Word, error) {
	if len(args) != 1 || !runtime.IsInt(args[0]) {
		return runtime.Null, fmt.Errorf("%w: range takes one integer", ErrTypeMismatch)
	}
	n := runtime.UnboxInt(args[0])
	var items []runtime.Word
	if n > 0 {
		items = make([]runtime.Word, 0, n)
	}
	for i := int64(0); i < n; i++ {
		items = append(items, runtime.BoxInt(i))
	}
	return m.handles.Alloc(&List{Items: items}), nil
}

// Format renders a word for display.
func (m *Machine) Format(w runtime.Word) string {
	if w == runtime.Null {
		return "none"
	}
	if runtime.IsInt(w) {
		return fmt.Sprintf("%d", runtime.UnboxInt(w))
	}
	switch v := m.handles.Get(w).(type) {
	case string:
		return v
	case *List:
		parts := make([]string, len(v.Items))
		for i, item := range v.Items {
			parts[i] = m.Format(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *Function:
		return "function " + v.Code.Name()
	case *Builtin:
		return "builtin " + v.Name
	default:
		return fmt.Sprintf("%v", v)
	}
}

// loadMethod resolves a method on a receiver. Methods are host builtins
// that receive the bound receiver as their first argument.
func (m *Machine) loadMethod(obj runtime.Word, name string) (runtime.Word, error) {
	switch m.handles.Get(obj).(type) {
	case string:
		if b, ok := stringMethods[name]; ok {
			return m.handles.Alloc(b), nil
		}
	case *List:
		if b, ok := listMethods[name]; ok {
			return m.handles.Alloc(b), nil
		}
	}
	return runtime.Null, fmt.Errorf("%w: no method %q", ErrUndefinedName, name)
}

var stringMethods = map[string]*Builtin{
	"upper": {Name: "upper", Fn: stringMethod(strings.ToUpper)},
	"lower": {Name: "lower", Fn: stringMethod(strings.ToLower)},
	"contains": {Name: "contains", Fn: func(m *Machine, args []runtime.Word) (runtime.Word, error) {
		if len(args) != 2 {
			return runtime.Null, fmt.Errorf("%w: contains takes 1, got %d", ErrArity, len(args)-1)
		}
		s, ok := m.str(args[0])
		sub, ok2 := m.str(args[1])
		if !ok || !ok2 {
			return runtime.Null, fmt.Errorf("%w: contains requires strings", ErrTypeMismatch)
		}
		return runtime.BoxBool(strings.Contains(s, sub)), nil
	}},
}

func stringMethod(fn func(string) string) BuiltinFunc {
	return func(m *Machine, args []runtime.Word) (runtime.Word, error) {
		s, ok := m.str(args[0])
		if !ok {
			return runtime.Null, fmt.Errorf("%w: receiver is not a string", ErrTypeMismatch)
		}
		return m.stringWord(fn(s)), nil
	}
}

var listMethods = map[string]*Builtin{
	"append": {Name: "append", Fn: func(m *Machine, args []runtime.Word) (runtime.Word, error) {
		list, ok := m.list(args[0])
		if !ok {
			return runtime.Null, fmt.Errorf("%w: receiver is not a list", ErrTypeMismatch)
		}
		list.Items = append(list.Items, args[1:]...)
		return runtime.Null, nil
	}},
	"get": {Name: "get", Fn: func(m *Machine, args []runtime.Word) (runtime.Word, error) {
		list, ok := m.list(args[0])
		if !ok || len(args) != 2 || !runtime.IsInt(args[1]) {
			return runtime.Null, fmt.Errorf("%w: get takes one integer index", ErrTypeMismatch)
		}
		index := runtime.UnboxInt(args[1])
		if index < 0 || index >= int64(len(list.Items)) {
			return runtime.Null, fmt.Errorf("index %d out of range", index)
		}
		return list.Items[index], nil
	}},
}
