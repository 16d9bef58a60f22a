package jit

import (
	"github.com/deepnoodle-ai/starling/bytecode"
	"github.com/deepnoodle-ai/starling/ir"
	"github.com/deepnoodle-ai/starling/runtime"
)

// CompiledCode is the immutable result of one successful compilation: the
// executable function plus the guard and deoptimization records needed to
// transfer control back to the interpreter when a speculation fails.
type CompiledCode struct {
	funcID bytecode.FunctionID
	fn     ir.Func
	guards []TypeGuard
	meta   *DeoptMetadata
}

// FuncID returns the identity of the function this code was compiled from.
func (c *CompiledCode) FuncID() bytecode.FunctionID {
	return c.funcID
}

// Invoke runs the compiled code with the given frame word and arguments.
// A deoptimization is not an error: the call returns the null sentinel and
// the deopt is reported out of band through the trigger_deopt trampoline.
func (c *CompiledCode) Invoke(frame runtime.Word, args []runtime.Word) (runtime.Word, error) {
	return c.fn.Invoke(frame, args)
}

// Size returns the size of the generated code in backend units.
func (c *CompiledCode) Size() int {
	return c.fn.Size()
}

// Handle returns the backend's opaque handle for the generated code.
func (c *CompiledCode) Handle() uintptr {
	return c.fn.Handle()
}

// Guards returns the type guards emitted for this function, in emission
// order. The returned slice must not be modified.
func (c *CompiledCode) Guards() []TypeGuard {
	return c.guards
}

// Metadata returns the deoptimization frame states recorded for this
// function, keyed by native offset.
func (c *CompiledCode) Metadata() *DeoptMetadata {
	return c.meta
}
