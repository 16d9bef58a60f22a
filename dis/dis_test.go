package dis

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/starling/bytecode"
	"github.com/deepnoodle-ai/starling/op"
)

func TestFunctionDisassembly(t *testing.T) {
	// Disable colors for consistent test output
	color.NoColor = true
	defer func() { color.NoColor = false }()

	code := bytecode.NewCode(bytecode.CodeParams{
		Name: "f",
		Instructions: []bytecode.Instruction{
			{Op: op.LoadConst, Arg: 0},
			{Op: op.PopTop},
			{Op: op.LoadGlobal, Arg: 0},
			{Op: op.LoadConst, Arg: 1},
			{Op: op.Call, Arg: 1},
			{Op: op.ReturnValue},
		},
		Constants: []any{int64(42), "kaboom"},
		Names:     []string{"error"},
		StackSize: 2,
	})

	rows, err := Disassemble(code)
	require.NoError(t, err)

	var buf bytes.Buffer
	Print(rows, &buf)

	expected := strings.TrimSpace(`
+--------+--------------+----------+----------+
| OFFSET |    OPCODE    | OPERANDS |   INFO   |
+--------+--------------+----------+----------+
|      0 | LOAD_CONST   |        0 | 42       |
|      1 | POP_TOP      |          |          |
|      2 | LOAD_GLOBAL  |        0 | error    |
|      3 | LOAD_CONST   |        1 | "kaboom" |
|      4 | CALL         |        1 |          |
|      5 | RETURN_VALUE |          |          |
+--------+--------------+----------+----------+
`)
	require.Equal(t, expected+"\n", buf.String())
}

func TestOperandInfo(t *testing.T) {
	code := bytecode.NewCode(bytecode.CodeParams{
		Name: "ops",
		Instructions: []bytecode.Instruction{
			{Op: op.LoadFast, Arg: 0},
			{Op: op.BinaryOp, Arg: int32(op.Add)},
			{Op: op.CompareOp, Arg: int32(op.LessThan)},
			{Op: op.Jump, Arg: 0},
		},
		Varnames:   []string{"x"},
		ArgCount:   1,
		LocalCount: 1,
	})

	rows, err := Disassemble(code)
	require.NoError(t, err)
	require.Equal(t, "x", rows[0].Info)
	require.Equal(t, "+", rows[1].Info)
	require.Equal(t, "<", rows[2].Info)
	require.Equal(t, "-> 0", rows[3].Info)
}

func TestUnknownOpcode(t *testing.T) {
	code := bytecode.NewCode(bytecode.CodeParams{
		Name:         "bad",
		Instructions: []bytecode.Instruction{{Op: op.Code(999)}},
	})
	_, err := Disassemble(code)
	require.Error(t, err)
}
