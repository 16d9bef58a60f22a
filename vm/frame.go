package vm

import (
	"github.com/deepnoodle-ai/starling/bytecode"
	"github.com/deepnoodle-ai/starling/runtime"
)

const (
	// defaultFrameLocals is the number of local variables stored directly in
	// the frame's fixed storage array, avoiding heap allocation for small
	// functions.
	defaultFrameLocals = 8
)

type frame struct {
	fn      *Function
	code    *bytecode.Code
	ip      int
	stack   []runtime.Word
	storage [defaultFrameLocals]runtime.Word
	locals  []runtime.Word
}

// activate prepares the frame to run fn: parameters are copied into the
// leading local slots, captured values follow them, and the remaining
// locals are cleared to the null sentinel.
func (f *frame) activate(fn *Function, args []runtime.Word) {
	f.fn = fn
	f.code = fn.Code
	f.ip = 0
	f.stack = f.stack[:0]

	count := fn.Code.LocalCount()
	if count > defaultFrameLocals {
		f.locals = make([]runtime.Word, count)
	} else {
		f.locals = f.storage[:count]
		for i := range f.locals {
			f.locals[i] = runtime.Null
		}
	}
	copy(f.locals, args)
	copy(f.locals[fn.Code.ArgCount():], fn.Free)
}

func (f *frame) push(v runtime.Word) {
	f.stack = append(f.stack, v)
}

func (f *frame) pop() runtime.Word {
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

// peek returns the n-th value from the top of the stack (peek(1) is TOS).
func (f *frame) peek(n int) runtime.Word {
	return f.stack[len(f.stack)-n]
}
