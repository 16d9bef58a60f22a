package jit

import (
	"fmt"

	"github.com/deepnoodle-ai/starling/bytecode"
	"github.com/deepnoodle-ai/starling/op"
)

// ErrorKind represents the category of a compilation error.
type ErrorKind int

const (
	// ErrUnsupportedOpcode indicates an opcode the baseline tier does not
	// compile.
	ErrUnsupportedOpcode ErrorKind = iota
	// ErrNativeBackend indicates an internal code-generation failure.
	ErrNativeBackend
	// ErrCodeTooLarge indicates the function exceeds the instruction limit.
	ErrCodeTooLarge
	// ErrInvalidBytecode indicates a malformed instruction or argument.
	ErrInvalidBytecode
	// ErrModule indicates a function declaration or linking failure.
	ErrModule
	// ErrCompilationFailed indicates the finalize step failed.
	ErrCompilationFailed
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrUnsupportedOpcode:
		return "unsupported opcode"
	case ErrNativeBackend:
		return "native backend error"
	case ErrCodeTooLarge:
		return "code too large"
	case ErrInvalidBytecode:
		return "invalid bytecode"
	case ErrModule:
		return "module error"
	case ErrCompilationFailed:
		return "compilation failed"
	default:
		return "error"
	}
}

// CompileError is a typed compilation failure. It aborts one compilation and
// is surfaced to the caller, which should keep running the function on the
// interpreter; it is never fatal to the process. Deoptimization is not an
// error and never surfaces through this type.
type CompileError struct {
	Kind   ErrorKind
	FuncID bytecode.FunctionID
	Offset int     // bytecode offset, -1 when not tied to one instruction
	Opcode op.Code // offending opcode, if any
	Cause  error
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	msg := fmt.Sprintf("compile error (%s): function %s", e.Kind, e.FuncID)
	if e.Offset >= 0 {
		info := op.GetInfo(e.Opcode)
		if info.Name != "" {
			msg = fmt.Sprintf("%s: %s at offset %d", msg, info.Name, e.Offset)
		} else {
			msg = fmt.Sprintf("%s: offset %d", msg, e.Offset)
		}
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause of the error.
func (e *CompileError) Unwrap() error {
	return e.Cause
}

// IsKind reports whether err is a CompileError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ce, ok := err.(*CompileError)
	return ok && ce.Kind == kind
}

func newError(kind ErrorKind, id bytecode.FunctionID, cause error) *CompileError {
	return &CompileError{Kind: kind, FuncID: id, Offset: -1, Cause: cause}
}

func newOpcodeError(kind ErrorKind, id bytecode.FunctionID, offset int, opcode op.Code) *CompileError {
	return &CompileError{Kind: kind, FuncID: id, Offset: offset, Opcode: opcode}
}
