package vm

import "errors"

var (
	// ErrTypeMismatch indicates an operation applied to operands of an
	// unsupported type.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrNotCallable indicates a call to a value that is not a function.
	ErrNotCallable = errors.New("not callable")

	// ErrUndefinedName indicates a reference to an undefined global or
	// attribute name.
	ErrUndefinedName = errors.New("undefined name")

	// ErrArity indicates a call with the wrong number of arguments.
	ErrArity = errors.New("wrong number of arguments")

	// ErrDivisionByZero indicates integer division or modulo by zero.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrCallDepth indicates the call stack exceeded MaxCallDepth.
	ErrCallDepth = errors.New("maximum call depth exceeded")
)
