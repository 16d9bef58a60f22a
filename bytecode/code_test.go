package bytecode

import (
	"strings"
	"testing"

	"github.com/deepnoodle-ai/starling/op"
	"github.com/stretchr/testify/require"
)

func TestNewCodeImmutability(t *testing.T) {
	instructions := []Instruction{
		{Op: op.LoadConst, Arg: 0},
		{Op: op.ReturnValue},
	}
	constants := []any{int64(42), "hello"}
	names := []string{"foo"}
	varnames := []string{"x", "y"}

	code := NewCode(CodeParams{
		Name:         "test_code",
		Instructions: instructions,
		Constants:    constants,
		Names:        names,
		Varnames:     varnames,
		ArgCount:     1,
		LocalCount:   2,
		StackSize:    1,
	})

	// Modify the original slices
	instructions[0].Op = op.Nil
	constants[0] = int64(99)
	names[0] = "modified"
	varnames[0] = "modified"

	// Verify the code was not affected by the modifications
	require.Equal(t, op.LoadConst, code.InstructionAt(0).Op)
	require.Equal(t, int64(42), code.ConstantAt(0))
	require.Equal(t, "foo", code.NameAt(0))
	require.Equal(t, "x", code.VarnameAt(0))
}

func TestCodeAccessors(t *testing.T) {
	code := NewCode(CodeParams{
		Name: "f",
		Instructions: []Instruction{
			{Op: op.LoadFast, Arg: 0},
			{Op: op.ReturnValue},
		},
		Varnames:   []string{"a"},
		ArgCount:   1,
		LocalCount: 1,
		StackSize:  1,
		Flags:      FlagOptimized | FlagNewLocals,
	})
	require.Equal(t, "f", code.Name())
	require.Equal(t, 2, code.InstructionCount())
	require.Equal(t, 1, code.ArgCount())
	require.Equal(t, 1, code.LocalCount())
	require.Equal(t, 1, code.StackSize())
	require.True(t, code.Flags().Has(FlagOptimized))
	require.False(t, code.Flags().Has(FlagGenerator))
	require.Equal(t, "", code.VarnameAt(5))
}

func TestFlatten(t *testing.T) {
	inner := NewCode(CodeParams{Name: "inner"})
	outer := NewCode(CodeParams{
		Name:      "outer",
		Constants: []any{int64(1), inner},
	})
	codes := outer.Flatten()
	require.Len(t, codes, 2)
	require.Equal(t, "outer", codes[0].Name())
	require.Equal(t, "inner", codes[1].Name())
}

func TestValidateOK(t *testing.T) {
	code := NewCode(CodeParams{
		Name: "ok",
		Instructions: []Instruction{
			{Op: op.LoadConst, Arg: 0},
			{Op: op.PopJumpIfFalse, Arg: 3},
			{Op: op.LoadFast, Arg: 0},
			{Op: op.ReturnValue},
		},
		Constants:  []any{int64(1)},
		Varnames:   []string{"x"},
		LocalCount: 1,
		StackSize:  1,
	})
	require.NoError(t, code.Validate())
}

func TestValidateAggregatesAllFindings(t *testing.T) {
	code := NewCode(CodeParams{
		Name: "bad",
		Instructions: []Instruction{
			{Op: op.LoadConst, Arg: 7},       // invalid constant index
			{Op: op.Jump, Arg: 99},           // invalid jump target
			{Op: op.LoadFast, Arg: 3},        // invalid local slot
			{Op: op.Code(250), Arg: 0},       // unknown opcode
			{Op: op.Code(999), Arg: 0},       // opcode beyond the table
			{Op: op.ReturnValue},
		},
		Constants:  []any{int64(1)},
		ArgCount:   2,
		LocalCount: 1, // fewer locals than parameters
		StackSize:  1,
	})
	err := code.Validate()
	require.Error(t, err)
	msg := err.Error()
	require.True(t, strings.Contains(msg, "invalid constant"))
	require.True(t, strings.Contains(msg, "invalid offset"))
	require.True(t, strings.Contains(msg, "invalid local slot"))
	require.True(t, strings.Contains(msg, "unknown opcode"))
	require.True(t, strings.Contains(msg, "less than parameter count"))
}

func TestFunctionID(t *testing.T) {
	a := NewFunctionID()
	b := NewFunctionID()
	require.NotEqual(t, a, b)
	require.NotEmpty(t, a.String())
}
