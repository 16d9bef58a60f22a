// Package bytecode defines the immutable compiled-code format shared by the
// Starling interpreter and the baseline JIT. A Code value describes one
// function body: its instruction stream, constant pool, name tables, local
// slot layout, and flags. Code objects are produced upstream by the bytecode
// compiler and are safe for concurrent use.
package bytecode

import (
	"github.com/deepnoodle-ai/starling/op"
)

// Instruction is one opcode plus its fixed-width immediate operand. Opcodes
// without an operand leave Arg zero. Jump operands are absolute instruction
// offsets: each instruction occupies exactly one offset.
type Instruction struct {
	Op  op.Code
	Arg int32
}

// Flags is a bitset of properties recorded by the bytecode compiler.
type Flags uint16

const (
	FlagOptimized Flags = 1 << iota
	FlagNewLocals
	FlagVarArgs
	FlagVarKeywords
	FlagGenerator
	FlagCoroutine
)

// Has returns true if all bits in f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Code represents a compiled code block (module or function body).
// It is immutable after creation and safe for concurrent use.
type Code struct {
	name         string
	instructions []Instruction
	constants    []any
	names        []string
	varnames     []string
	argCount     int
	posOnlyCount int
	kwOnlyCount  int
	localCount   int
	stackSize    int
	flags        Flags
	filename     string
}

// CodeParams contains parameters for creating a new Code.
type CodeParams struct {
	Name         string
	Instructions []Instruction
	Constants    []any
	Names        []string
	Varnames     []string
	ArgCount     int
	PosOnlyCount int
	KwOnlyCount  int
	LocalCount   int
	StackSize    int
	Flags        Flags
	Filename     string
}

// NewCode creates a new immutable Code from the given parameters.
// Input slices are copied to ensure immutability. The Code is fully
// immutable after construction - there are no mutation methods.
func NewCode(params CodeParams) *Code {
	return &Code{
		name:         params.Name,
		instructions: copyInstructions(params.Instructions),
		constants:    copyAny(params.Constants),
		names:        copyStrings(params.Names),
		varnames:     copyStrings(params.Varnames),
		argCount:     params.ArgCount,
		posOnlyCount: params.PosOnlyCount,
		kwOnlyCount:  params.KwOnlyCount,
		localCount:   params.LocalCount,
		stackSize:    params.StackSize,
		flags:        params.Flags,
		filename:     params.Filename,
	}
}

// Name returns the name of this code block.
func (c *Code) Name() string {
	return c.name
}

// InstructionCount returns the number of instructions.
func (c *Code) InstructionCount() int {
	return len(c.instructions)
}

// InstructionAt returns the instruction at the given offset.
func (c *Code) InstructionAt(offset int) Instruction {
	return c.instructions[offset]
}

// ConstantCount returns the number of constants.
func (c *Code) ConstantCount() int {
	return len(c.constants)
}

// ConstantAt returns the constant at the given index. Constants may include
// nested *Code values for closures.
func (c *Code) ConstantAt(index int) any {
	return c.constants[index]
}

// NameCount returns the number of names (globals and attributes).
func (c *Code) NameCount() int {
	return len(c.names)
}

// NameAt returns the name at the given index.
func (c *Code) NameAt(index int) string {
	return c.names[index]
}

// VarnameCount returns the number of local variable names.
func (c *Code) VarnameCount() int {
	return len(c.varnames)
}

// VarnameAt returns the local variable name at the given index.
// Returns an empty string if the index is out of range.
func (c *Code) VarnameAt(index int) string {
	if index < 0 || index >= len(c.varnames) {
		return ""
	}
	return c.varnames[index]
}

// ArgCount returns the number of positional parameters.
func (c *Code) ArgCount() int {
	return c.argCount
}

// PosOnlyCount returns the number of positional-only parameters.
func (c *Code) PosOnlyCount() int {
	return c.posOnlyCount
}

// KwOnlyCount returns the number of keyword-only parameters.
func (c *Code) KwOnlyCount() int {
	return c.kwOnlyCount
}

// LocalCount returns the number of local variable slots, parameters included.
func (c *Code) LocalCount() int {
	return c.localCount
}

// StackSize returns the maximum operand stack depth.
func (c *Code) StackSize() int {
	return c.stackSize
}

// Flags returns the flag bitset for this code block.
func (c *Code) Flags() Flags {
	return c.flags
}

// Filename returns the source filename.
func (c *Code) Filename() string {
	return c.filename
}

// Flatten returns this code and all nested code constants in a flat slice.
// The returned slice is newly allocated.
func (c *Code) Flatten() []*Code {
	codes := []*Code{c}
	for _, constant := range c.constants {
		if child, ok := constant.(*Code); ok {
			codes = append(codes, child.Flatten()...)
		}
	}
	return codes
}
