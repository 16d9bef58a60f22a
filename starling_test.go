package starling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/starling/bytecode"
	"github.com/deepnoodle-ai/starling/op"
	"github.com/deepnoodle-ai/starling/runtime"
)

func squareCode() *bytecode.Code {
	return bytecode.NewCode(bytecode.CodeParams{
		Name: "square",
		Instructions: []bytecode.Instruction{
			{Op: op.LoadFast, Arg: 0},
			{Op: op.LoadFast, Arg: 0},
			{Op: op.BinaryOp, Arg: int32(op.Multiply)},
			{Op: op.ReturnValue},
		},
		Varnames:   []string{"x"},
		ArgCount:   1,
		LocalCount: 1,
		StackSize:  2,
	})
}

func TestCall(t *testing.T) {
	result, err := Call(context.Background(), squareCode(), []any{int64(9)})
	require.NoError(t, err)
	require.Equal(t, int64(81), result)
}

func TestCallWithoutJIT(t *testing.T) {
	result, err := Call(context.Background(), squareCode(), []any{int64(9)}, WithoutJIT())
	require.NoError(t, err)
	require.Equal(t, int64(81), result)
}

func TestBothTiersAgree(t *testing.T) {
	ctx := context.Background()
	code := squareCode()

	jitted := NewMachine(WithHotThreshold(1))
	interp := NewMachine(WithoutJIT())

	for i := int64(-3); i <= 3; i++ {
		args := []runtime.Word{runtime.BoxInt(i)}
		fast, err := jitted.Call(ctx, jitted.FunctionFor(code), args)
		require.NoError(t, err)
		slow, err := interp.Call(ctx, interp.FunctionFor(code), args)
		require.NoError(t, err)
		require.Equal(t, interp.Unbox(slow), jitted.Unbox(fast), "square(%d)", i)
	}
	require.True(t, jitted.Compiler().Cache().IsCompiled(jitted.FunctionFor(code).ID))
}
