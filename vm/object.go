package vm

import (
	"github.com/deepnoodle-ai/starling/bytecode"
	"github.com/deepnoodle-ai/starling/runtime"
)

// Function is a callable bytecode function. Free holds captured values for
// closures; they occupy the local slots immediately after the parameters
// when the function is activated. Functions with captured values always run
// in the interpreter.
type Function struct {
	ID   bytecode.FunctionID
	Code *bytecode.Code
	Free []runtime.Word

	frame runtime.Word // cached handle passed as the frame word
}

// NewFunction wraps a code block as a callable function with a fresh
// identity.
func NewFunction(code *bytecode.Code) *Function {
	return &Function{ID: bytecode.NewFunctionID(), Code: code}
}

func (f *Function) frameWord(handles *runtime.Handles) runtime.Word {
	if f.frame == runtime.Null {
		f.frame = handles.Alloc(f)
	}
	return f.frame
}

// BuiltinFunc is the signature of a host-implemented function.
type BuiltinFunc func(m *Machine, args []runtime.Word) (runtime.Word, error)

// Builtin is a host function callable from guest code.
type Builtin struct {
	Name string
	Fn   BuiltinFunc
}

// List is a mutable sequence of words.
type List struct {
	Items []runtime.Word
}

// iterator walks a snapshot of a sequence's items.
type iterator struct {
	items []runtime.Word
	pos   int
}

func (it *iterator) next() (runtime.Word, bool) {
	if it.pos >= len(it.items) {
		return runtime.Null, false
	}
	v := it.items[it.pos]
	it.pos++
	return v, true
}
