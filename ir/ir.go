// Package ir defines the boundary between the baseline JIT and the native
// code-generation backend. The JIT core only emits builder calls (block
// creation, typed integer arithmetic, branches, stack-slot allocation, and
// indirect calls into runtime trampolines) and receives back a finalized,
// callable function. Instruction selection, register allocation, and machine
// code emission are the backend's concern.
//
// A Backend instance and its in-progress builder state are exclusively owned
// by one compiler and are not safe to drive from two goroutines concurrently.
package ir

import (
	"errors"

	"github.com/deepnoodle-ai/starling/runtime"
)

// Value identifies one SSA value produced by a builder. Values are virtual
// register indices valid for the whole function.
type Value int

// Variable identifies one mutable local variable slot allocated by a builder.
type Variable int

// Slot identifies one stack-allocated word buffer.
type Slot int

// Block identifies one basic block.
type Block int

// NoValue is returned by instructions that produce no result.
const NoValue Value = -1

// Pred is a signed integer comparison predicate.
type Pred int

const (
	Eq Pred = iota + 1
	Ne
	Lt
	Le
	Gt
	Ge
)

// String returns the conventional mnemonic for the predicate.
func (p Pred) String() string {
	switch p {
	case Eq:
		return "eq"
	case Ne:
		return "ne"
	case Lt:
		return "slt"
	case Le:
		return "sle"
	case Gt:
		return "sgt"
	case Ge:
		return "sge"
	default:
		return "?"
	}
}

// Signature describes a function being declared with the backend. All
// parameters and the result are machine words. The baseline JIT declares
// every compiled function as (frame_ptr, args_ptr, nargs) -> result.
type Signature struct {
	Name      string
	NumParams int
}

var (
	// ErrFunctionInProgress is returned by NewFunction when the previous
	// function was neither finalized nor aborted.
	ErrFunctionInProgress = errors.New("ir: function declaration already in progress")

	// ErrNotExecutable is returned by Invoke on backends that only lower IR
	// without producing runnable code.
	ErrNotExecutable = errors.New("ir: backend does not produce executable code")

	// ErrUnresolvedImport is returned by Finalize when generated code calls
	// an import with no registered trampoline.
	ErrUnresolvedImport = errors.New("ir: unresolved import")
)

// Backend creates function builders and owns the lifetime of the code they
// produce. Executable memory belongs to the backend, not to individual
// finalized functions.
type Backend interface {
	// NewFunction opens a builder for one function. Only one function may be
	// in progress at a time.
	NewFunction(sig Signature) (Builder, error)

	// Reset discards any in-progress function state, restoring the backend
	// to a clean, reusable condition. Must be called after any failed
	// translation: an un-cleared context corrupts subsequent compilations.
	Reset()
}

// Builder accumulates the body of one function. All emission happens in the
// current block; SetBlock switches it. Emitted instructions occupy
// monotonically increasing native offsets; value-creation calls such as
// ConstInt and Param do not consume offsets.
type Builder interface {
	// Entry returns the function's entry block, which is current initially.
	Entry() Block

	// NewBlock creates a detached block.
	NewBlock() Block

	// CurrentBlock returns the block receiving emitted instructions.
	CurrentBlock() Block

	// SetBlock makes the given block current.
	SetBlock(b Block)

	// Seal marks a block as accepting no further predecessors.
	Seal(b Block)

	// Param returns the i-th parameter value.
	Param(i int) Value

	// ConstInt materializes a constant word.
	ConstInt(w runtime.Word) Value

	// Integer arithmetic and bit operations. IDiv is signed truncating
	// division.
	IAdd(a, b Value) Value
	ISub(a, b Value) Value
	IMul(a, b Value) Value
	IDiv(a, b Value) Value
	Shl(a, b Value) Value
	AShr(a, b Value) Value
	Or(a, b Value) Value

	// ICmp compares two words as signed integers, yielding 0 or 1.
	ICmp(p Pred, a, b Value) Value

	// Br emits an unconditional branch, terminating the current block.
	Br(target Block)

	// CondBr branches to then if cond is non-zero, otherwise to els,
	// terminating the current block.
	CondBr(cond Value, then, els Block)

	// Ret returns a word from the function, terminating the current block.
	Ret(v Value)

	// NewVariable allocates a fresh mutable local slot with a monotonically
	// increasing index.
	NewVariable() Variable

	// DefVar assigns a value to a variable.
	DefVar(v Variable, val Value)

	// UseVar reads the current value of a variable.
	UseVar(v Variable) Value

	// StackSlot allocates a buffer of the given number of words in the
	// function frame.
	StackSlot(words int) Slot

	// SlotStore writes a value to the i-th word of a slot.
	SlotStore(s Slot, i int, val Value)

	// SlotAddr returns the address of a slot as a word.
	SlotAddr(s Slot) Value

	// LoadWord reads the i-th word of the buffer addressed by addr.
	LoadWord(addr Value, i int) Value

	// CallImport emits an indirect call to a named runtime trampoline.
	CallImport(name string, args []Value) Value

	// NativeOffset returns the offset the next emitted instruction will
	// occupy.
	NativeOffset() int

	// Finalize completes the function and hands back a callable artifact.
	// Unterminated blocks receive an implicit return of the null sentinel.
	Finalize() (Func, error)

	// Abort discards the function under construction.
	Abort()
}

// Func is a finalized compiled function.
type Func interface {
	// Invoke calls the function with the fixed calling convention
	// (frame_ptr, args_ptr, nargs). The args slice is marshalled into the
	// backend's memory and passed by address.
	Invoke(frame runtime.Word, args []runtime.Word) (runtime.Word, error)

	// Size returns the size of the generated code. For the reference
	// backend this is the instruction count.
	Size() int

	// Handle returns an opaque identifier for the generated code.
	Handle() uintptr
}
