package llvmgen

import (
	"testing"

	"github.com/deepnoodle-ai/starling/ir"
	"github.com/deepnoodle-ai/starling/runtime"
	"github.com/stretchr/testify/require"
)

func TestLowerGuardedAdd(t *testing.T) {
	be := New()
	b, err := be.NewFunction(ir.Signature{Name: "guarded_add", NumParams: 3})
	require.NoError(t, err)

	x := b.LoadWord(b.Param(1), 0)
	ok := b.CallImport(runtime.TrampIsInteger, []ir.Value{x})
	cont := b.NewBlock()
	deopt := b.NewBlock()
	b.CondBr(ok, cont, deopt)

	b.SetBlock(deopt)
	b.CallImport(runtime.TrampTriggerDeopt, []ir.Value{
		b.ConstInt(1), b.ConstInt(2), b.ConstInt(3),
	})
	b.Ret(b.ConstInt(runtime.Null))

	b.SetBlock(cont)
	sum := b.IAdd(b.AShr(x, b.ConstInt(1)), b.ConstInt(5))
	b.Ret(b.Or(b.Shl(sum, b.ConstInt(1)), b.ConstInt(1)))

	fn, err := b.Finalize()
	require.NoError(t, err)
	require.True(t, fn.Size() > 0)

	text := be.IR()
	require.Contains(t, text, "declare i64 @is_integer(i64 %a0)")
	require.Contains(t, text, "declare i64 @trigger_deopt(i64 %a0, i64 %a1, i64 %a2)")
	require.Contains(t, text, "define i64 @guarded_add(i64 %p0, i64 %p1, i64 %p2)")
	require.Contains(t, text, "ashr")
	require.Contains(t, text, "br i1")

	// lowering-only: not invocable in-process
	_, err = fn.Invoke(runtime.Null, nil)
	require.ErrorIs(t, err, ir.ErrNotExecutable)
}

func TestResetDiscardsInProgressFunction(t *testing.T) {
	be := New()
	b, err := be.NewFunction(ir.Signature{Name: "partial", NumParams: 3})
	require.NoError(t, err)
	b.Ret(b.ConstInt(runtime.Null))

	// Simulate a failed translation: the partial function is discarded and
	// never published into the module.
	be.Reset()
	require.NotContains(t, be.IR(), "partial")

	b, err = be.NewFunction(ir.Signature{Name: "whole", NumParams: 3})
	require.NoError(t, err)
	b.Ret(b.ConstInt(runtime.Null))
	_, err = b.Finalize()
	require.NoError(t, err)
	require.Contains(t, be.IR(), "define i64 @whole")
}

func TestImplicitTerminators(t *testing.T) {
	be := New()
	b, err := be.NewFunction(ir.Signature{Name: "open_block", NumParams: 3})
	require.NoError(t, err)
	b.SetBlock(b.NewBlock()) // leave both entry and this block unterminated

	_, err = b.Finalize()
	require.NoError(t, err)
	require.Contains(t, be.IR(), "ret i64 0")
}
