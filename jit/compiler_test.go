package jit

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/starling/bytecode"
	"github.com/deepnoodle-ai/starling/ir"
	"github.com/deepnoodle-ai/starling/ir/irvm"
	"github.com/deepnoodle-ai/starling/op"
	"github.com/deepnoodle-ai/starling/runtime"
)

// deoptRecorder implements the trigger_deopt trampoline the way a host
// runtime would: it looks up the frame state recorded for the call site's
// native offset and resolves every value descriptor against live state.
type deoptRecorder struct {
	mu     sync.Mutex
	meta   *DeoptMetadata
	events []runtime.DeoptEvent
}

func (r *deoptRecorder) attach(code *CompiledCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta = code.Metadata()
}

func (r *deoptRecorder) trigger(ctx runtime.ImportContext, args []runtime.Word) runtime.Word {
	r.mu.Lock()
	defer r.mu.Unlock()
	event := runtime.DeoptEvent{
		FuncID:         args[0],
		BytecodeOffset: int(args[1]),
		NativeOffset:   ctx.NativeOffset(),
		Reason:         runtime.DeoptReason(args[2]),
	}
	if r.meta != nil {
		if state, ok := r.meta.PointAt(ctx.NativeOffset()); ok {
			for _, dv := range state.Stack {
				event.Stack = append(event.Stack, dv.Resolve(ctx))
			}
			event.Locals = map[int]runtime.Word{}
			for i, dv := range state.Locals {
				event.Locals[i] = dv.Resolve(ctx)
			}
		}
	}
	r.events = append(r.events, event)
	return runtime.Null
}

func (r *deoptRecorder) all() []runtime.DeoptEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runtime.DeoptEvent(nil), r.events...)
}

func testTrampolines(rec *deoptRecorder) runtime.Trampolines {
	return runtime.Trampolines{
		runtime.TrampIsInteger: func(_ runtime.ImportContext, args []runtime.Word) runtime.Word {
			return runtime.BoxBool(runtime.IsInt(args[0]))
		},
		runtime.TrampTriggerDeopt: rec.trigger,
		runtime.TrampBinaryOp: func(_ runtime.ImportContext, args []runtime.Word) runtime.Word {
			kind := op.BinaryOpType(args[0])
			lhs := runtime.UnboxInt(args[1])
			rhs := runtime.UnboxInt(args[2])
			switch kind {
			case op.Divide, op.FloorDivide:
				return runtime.BoxInt(lhs / rhs)
			case op.Modulo:
				return runtime.BoxInt(lhs % rhs)
			case op.Power:
				result := int64(1)
				for i := int64(0); i < rhs; i++ {
					result *= lhs
				}
				return runtime.BoxInt(result)
			default:
				return runtime.Null
			}
		},
	}
}

func newTestCompiler(t *testing.T, opts ...Option) (*Compiler, *deoptRecorder, *runtime.Handles) {
	t.Helper()
	rec := &deoptRecorder{}
	handles := runtime.NewHandles()
	backend := irvm.New(testTrampolines(rec))
	return New(backend, handles, opts...), rec, handles
}

func constAddCode() *bytecode.Code {
	return bytecode.NewCode(bytecode.CodeParams{
		Name: "const_add",
		Instructions: []bytecode.Instruction{
			{Op: op.LoadConst, Arg: 0},
			{Op: op.LoadConst, Arg: 1},
			{Op: op.BinaryOp, Arg: int32(op.Add)},
			{Op: op.ReturnValue},
		},
		Constants: []any{int64(10), int64(3)},
		StackSize: 2,
	})
}

func addFunctionCode() *bytecode.Code {
	return bytecode.NewCode(bytecode.CodeParams{
		Name: "add",
		Instructions: []bytecode.Instruction{
			{Op: op.LoadFast, Arg: 0},
			{Op: op.LoadFast, Arg: 1},
			{Op: op.BinaryOp, Arg: int32(op.Add)},
			{Op: op.ReturnValue},
		},
		Varnames:   []string{"a", "b"},
		ArgCount:   2,
		LocalCount: 2,
		StackSize:  2,
	})
}

func TestCompileConstantAdd(t *testing.T) {
	c, rec, _ := newTestCompiler(t)
	id := bytecode.NewFunctionID()

	compiled, err := c.Compile(id, constAddCode())
	require.NoError(t, err)
	require.Equal(t, id, compiled.FuncID())
	require.True(t, c.Cache().IsCompiled(id))
	require.Equal(t, 1, c.Cache().Len())

	result, err := compiled.Invoke(runtime.Null, nil)
	require.NoError(t, err)
	require.Equal(t, runtime.BoxInt(13), result)
	require.Empty(t, rec.all())
}

func TestCompileIdempotent(t *testing.T) {
	c, _, _ := newTestCompiler(t)
	id := bytecode.NewFunctionID()
	code := constAddCode()

	first, err := c.Compile(id, code)
	require.NoError(t, err)
	second, err := c.Compile(id, code)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, c.Cache().Len())
}

func TestGuardedAddFastPath(t *testing.T) {
	c, rec, _ := newTestCompiler(t)
	id := bytecode.NewFunctionID()

	compiled, err := c.Compile(id, addFunctionCode())
	require.NoError(t, err)

	// Two operands, two independent guards, both at the BinaryOp offset.
	guards := compiled.Guards()
	require.Len(t, guards, 2)
	for _, g := range guards {
		require.Equal(t, GuardIsInteger, g.Kind)
		require.Equal(t, 2, g.BytecodeOffset)
	}
	require.Equal(t, 2, compiled.Metadata().PointCount())

	result, err := compiled.Invoke(runtime.Null, []runtime.Word{
		runtime.BoxInt(40), runtime.BoxInt(2),
	})
	require.NoError(t, err)
	require.Equal(t, runtime.BoxInt(42), result)
	require.Empty(t, rec.all())

	result, err = compiled.Invoke(runtime.Null, []runtime.Word{
		runtime.BoxInt(-5), runtime.BoxInt(3),
	})
	require.NoError(t, err)
	require.Equal(t, runtime.BoxInt(-2), result)
}

func TestGuardFailureDeoptFrameState(t *testing.T) {
	c, rec, handles := newTestCompiler(t)
	id := bytecode.NewFunctionID()

	compiled, err := c.Compile(id, addFunctionCode())
	require.NoError(t, err)
	rec.attach(compiled)

	// The second argument is a handle, not a boxed integer, so the second
	// operand guard fails. The deopt is not an error: the call returns the
	// null sentinel and the event carries the full frame state.
	str := handles.Alloc("not a number")
	intArg := runtime.BoxInt(7)
	result, err := compiled.Invoke(runtime.Null, []runtime.Word{intArg, str})
	require.NoError(t, err)
	require.Equal(t, runtime.Null, result)

	events := rec.all()
	require.Len(t, events, 1)
	event := events[0]
	require.Equal(t, 2, event.BytecodeOffset)
	require.Equal(t, runtime.DeoptTypeGuardFailed, event.Reason)

	// Both operands were still pending on the operand stack when the guard
	// fired, and the locals hold the original arguments.
	require.Equal(t, []runtime.Word{intArg, str}, event.Stack)
	require.Equal(t, map[int]runtime.Word{0: intArg, 1: str}, event.Locals)

	// The event's function identity resolves back to the bytecode function.
	resolved, ok := c.ResolveFuncID(event.FuncID)
	require.True(t, ok)
	require.Equal(t, id, resolved)

	// The recorded frame state for the event's native offset matches.
	state, ok := compiled.Metadata().PointAt(event.NativeOffset)
	require.True(t, ok)
	require.Equal(t, 2, state.BytecodeOffset)
	require.Len(t, state.Stack, 2)
}

func TestUnsupportedOpcodeThenRecovers(t *testing.T) {
	c, _, _ := newTestCompiler(t)
	id := bytecode.NewFunctionID()

	bad := bytecode.NewCode(bytecode.CodeParams{
		Name: "iterates",
		Instructions: []bytecode.Instruction{
			{Op: op.LoadFast, Arg: 0},
			{Op: op.GetIter},
			{Op: op.ReturnValue},
		},
		Varnames:   []string{"xs"},
		ArgCount:   1,
		LocalCount: 1,
		StackSize:  1,
	})
	_, err := c.Compile(id, bad)
	require.Error(t, err)
	require.True(t, IsKind(err, ErrUnsupportedOpcode))

	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, 1, cerr.Offset)
	require.Equal(t, op.GetIter, cerr.Opcode)

	// A failed compilation leaves nothing behind: no cache entry, and the
	// backend accepts the next function.
	require.Equal(t, 0, c.Cache().Len())

	compiled, err := c.Compile(bytecode.NewFunctionID(), constAddCode())
	require.NoError(t, err)
	result, err := compiled.Invoke(runtime.Null, nil)
	require.NoError(t, err)
	require.Equal(t, runtime.BoxInt(13), result)
}

func TestGeneratorNotCompiled(t *testing.T) {
	c, _, _ := newTestCompiler(t)
	code := bytecode.NewCode(bytecode.CodeParams{
		Name: "gen",
		Instructions: []bytecode.Instruction{
			{Op: op.Nil},
			{Op: op.ReturnValue},
		},
		StackSize: 1,
		Flags:     bytecode.FlagGenerator,
	})
	_, err := c.Compile(bytecode.NewFunctionID(), code)
	require.True(t, IsKind(err, ErrUnsupportedOpcode))
}

func TestCodeTooLarge(t *testing.T) {
	c, _, _ := newTestCompiler(t, WithMaxInstructions(2))
	_, err := c.Compile(bytecode.NewFunctionID(), constAddCode())
	require.True(t, IsKind(err, ErrCodeTooLarge))
}

func TestInvalidBytecodeRejected(t *testing.T) {
	c, _, _ := newTestCompiler(t)
	code := bytecode.NewCode(bytecode.CodeParams{
		Name: "jumps_nowhere",
		Instructions: []bytecode.Instruction{
			{Op: op.Jump, Arg: 99},
		},
	})
	_, err := c.Compile(bytecode.NewFunctionID(), code)
	require.True(t, IsKind(err, ErrInvalidBytecode))
}

func TestBackendDeclarationFailure(t *testing.T) {
	c := New(refusingBackend{}, runtime.NewHandles())

	_, err := c.Compile(bytecode.NewFunctionID(), constAddCode())
	require.True(t, IsKind(err, ErrModule))
	require.Equal(t, 0, c.Cache().Len())
}

// refusingBackend declines every function declaration.
type refusingBackend struct{}

func (refusingBackend) NewFunction(ir.Signature) (ir.Builder, error) {
	return nil, errors.New("declaration refused")
}

func (refusingBackend) Reset() {}

func TestInvalidate(t *testing.T) {
	c, _, _ := newTestCompiler(t)
	id := bytecode.NewFunctionID()
	code := constAddCode()

	first, err := c.Compile(id, code)
	require.NoError(t, err)

	require.True(t, c.Cache().Invalidate(id))
	require.False(t, c.Cache().IsCompiled(id))
	require.False(t, c.Cache().Invalidate(id))

	second, err := c.Compile(id, code)
	require.NoError(t, err)
	require.NotSame(t, first, second)
}

func TestLoopCountdown(t *testing.T) {
	c, rec, _ := newTestCompiler(t)

	// acc = 0; while n > 0 { acc += n; n -= 1 }; return acc
	code := bytecode.NewCode(bytecode.CodeParams{
		Name: "triangular",
		Instructions: []bytecode.Instruction{
			{Op: op.LoadConst, Arg: 0},
			{Op: op.StoreFast, Arg: 1},
			{Op: op.LoadFast, Arg: 0}, // loop head
			{Op: op.LoadConst, Arg: 0},
			{Op: op.CompareOp, Arg: int32(op.GreaterThan)},
			{Op: op.PopJumpIfFalse, Arg: 15},
			{Op: op.LoadFast, Arg: 1},
			{Op: op.LoadFast, Arg: 0},
			{Op: op.BinaryOp, Arg: int32(op.Add)},
			{Op: op.StoreFast, Arg: 1},
			{Op: op.LoadFast, Arg: 0},
			{Op: op.LoadConst, Arg: 1},
			{Op: op.BinaryOp, Arg: int32(op.Subtract)},
			{Op: op.StoreFast, Arg: 0},
			{Op: op.Jump, Arg: 2},
			{Op: op.LoadFast, Arg: 1}, // exit
			{Op: op.ReturnValue},
		},
		Constants:  []any{int64(0), int64(1)},
		Varnames:   []string{"n", "acc"},
		ArgCount:   1,
		LocalCount: 2,
		StackSize:  2,
	})

	compiled, err := c.Compile(bytecode.NewFunctionID(), code)
	require.NoError(t, err)

	result, err := compiled.Invoke(runtime.Null, []runtime.Word{runtime.BoxInt(5)})
	require.NoError(t, err)
	require.Equal(t, runtime.BoxInt(15), result)
	require.Empty(t, rec.all())

	result, err = compiled.Invoke(runtime.Null, []runtime.Word{runtime.BoxInt(0)})
	require.NoError(t, err)
	require.Equal(t, runtime.BoxInt(0), result)
}

func TestBranchJoin(t *testing.T) {
	c, rec, handles := newTestCompiler(t)

	// if x < 0 { x = -x }; return x
	code := bytecode.NewCode(bytecode.CodeParams{
		Name: "abs",
		Instructions: []bytecode.Instruction{
			{Op: op.LoadFast, Arg: 0},
			{Op: op.LoadConst, Arg: 0},
			{Op: op.CompareOp, Arg: int32(op.GreaterThanOrEqual)},
			{Op: op.PopJumpIfTrue, Arg: 7},
			{Op: op.LoadFast, Arg: 0},
			{Op: op.UnaryNegative},
			{Op: op.StoreFast, Arg: 0},
			{Op: op.LoadFast, Arg: 0}, // join
			{Op: op.ReturnValue},
		},
		Constants:  []any{int64(0)},
		Varnames:   []string{"x"},
		ArgCount:   1,
		LocalCount: 1,
		StackSize:  2,
	})

	compiled, err := c.Compile(bytecode.NewFunctionID(), code)
	require.NoError(t, err)
	rec.attach(compiled)

	for input, want := range map[int64]int64{-4: 4, 3: 3, 0: 0} {
		result, err := compiled.Invoke(runtime.Null, []runtime.Word{runtime.BoxInt(input)})
		require.NoError(t, err)
		require.Equal(t, runtime.BoxInt(want), result, "abs(%d)", input)
	}
	require.Empty(t, rec.all())

	// Comparisons compile without a guard, so a handle word takes whichever
	// branch its raw value selects. Handles are even and positive, the
	// compare against BoxInt(0) holds, and the word flows to the return
	// untouched with no deopt.
	h := handles.Alloc("nope")
	result, err := compiled.Invoke(runtime.Null, []runtime.Word{h})
	require.NoError(t, err)
	require.Equal(t, h, result)
	require.Empty(t, rec.all())

	// Null is the one non-integer word that compares below BoxInt(0), so it
	// reaches the negate branch and trips its guard.
	result, err = compiled.Invoke(runtime.Null, []runtime.Word{runtime.Null})
	require.NoError(t, err)
	require.Equal(t, runtime.Null, result)
	events := rec.all()
	require.Len(t, events, 1)
	require.Equal(t, 5, events[0].BytecodeOffset)
	require.Equal(t, []runtime.Word{runtime.Null}, events[0].Stack)
}

func TestDivisionDefersToRuntime(t *testing.T) {
	c, _, _ := newTestCompiler(t)

	code := bytecode.NewCode(bytecode.CodeParams{
		Name: "halve",
		Instructions: []bytecode.Instruction{
			{Op: op.LoadFast, Arg: 0},
			{Op: op.LoadConst, Arg: 0},
			{Op: op.BinaryOp, Arg: int32(op.Divide)},
			{Op: op.ReturnValue},
		},
		Constants:  []any{int64(2)},
		Varnames:   []string{"x"},
		ArgCount:   1,
		LocalCount: 1,
		StackSize:  2,
	})

	compiled, err := c.Compile(bytecode.NewFunctionID(), code)
	require.NoError(t, err)

	// Division is never speculated on, so no guards are emitted.
	require.Empty(t, compiled.Guards())

	result, err := compiled.Invoke(runtime.Null, []runtime.Word{runtime.BoxInt(84)})
	require.NoError(t, err)
	require.Equal(t, runtime.BoxInt(42), result)
}

func TestConcurrentCompileDedup(t *testing.T) {
	rec := &deoptRecorder{}
	handles := runtime.NewHandles()
	counting := &countingBackend{inner: irvm.New(testTrampolines(rec))}
	c := New(counting, handles)

	id := bytecode.NewFunctionID()
	code := constAddCode()

	const workers = 16
	results := make([]*CompiledCode, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			compiled, err := c.Compile(id, code)
			require.NoError(t, err)
			results[i] = compiled
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(1), counting.count())
	for i := 1; i < workers; i++ {
		require.Same(t, results[0], results[i])
	}
}

func TestDistinctFunctionIDsCompileIndependently(t *testing.T) {
	c, _, _ := newTestCompiler(t)
	code := addFunctionCode()

	idA := bytecode.NewFunctionID()
	idB := bytecode.NewFunctionID()

	compiledA, err := c.Compile(idA, code)
	require.NoError(t, err)
	compiledB, err := c.Compile(idB, code)
	require.NoError(t, err)

	// Same code object, separate identities: two cache entries, each tagged
	// with its own id and metadata.
	require.NotSame(t, compiledA, compiledB)
	require.Equal(t, 2, c.Cache().Len())
	require.True(t, c.Cache().IsCompiled(idA))
	require.True(t, c.Cache().IsCompiled(idB))
	require.Equal(t, idA, compiledA.FuncID())
	require.Equal(t, idB, compiledB.FuncID())
	require.Equal(t, idA, compiledA.Metadata().FuncID())
	require.Equal(t, idB, compiledB.Metadata().FuncID())

	args := []runtime.Word{runtime.BoxInt(20), runtime.BoxInt(22)}
	resultA, err := compiledA.Invoke(runtime.Null, args)
	require.NoError(t, err)
	resultB, err := compiledB.Invoke(runtime.Null, args)
	require.NoError(t, err)
	require.Equal(t, runtime.BoxInt(42), resultA)
	require.Equal(t, resultA, resultB)
}

func TestSharedJumpTargetGetsOneBlock(t *testing.T) {
	rec := &deoptRecorder{}
	counting := &blockCountingBackend{inner: irvm.New(testTrampolines(rec))}
	c := New(counting, runtime.NewHandles())

	// if a { r = 1 } else { r = 2 }; return r
	// Both arms end in an explicit jump to the shared tail at offset 8.
	code := bytecode.NewCode(bytecode.CodeParams{
		Name: "pick",
		Instructions: []bytecode.Instruction{
			{Op: op.LoadFast, Arg: 0},
			{Op: op.PopJumpIfFalse, Arg: 5},
			{Op: op.LoadConst, Arg: 0},
			{Op: op.StoreFast, Arg: 1},
			{Op: op.Jump, Arg: 8},
			{Op: op.LoadConst, Arg: 1},
			{Op: op.StoreFast, Arg: 1},
			{Op: op.Jump, Arg: 8},
			{Op: op.LoadFast, Arg: 1},
			{Op: op.ReturnValue},
		},
		Constants:  []any{int64(1), int64(2)},
		Varnames:   []string{"a", "r"},
		ArgCount:   1,
		LocalCount: 2,
		StackSize:  2,
	})

	compiled, err := c.Compile(bytecode.NewFunctionID(), code)
	require.NoError(t, err)

	// Two distinct jump targets (offsets 5 and 8), one conditional
	// fallthrough, and three blocks opened after terminators: six total.
	// A naive block per jump instruction would have made it seven.
	require.Equal(t, 6, counting.blocks)

	result, err := compiled.Invoke(runtime.Null, []runtime.Word{runtime.BoxInt(1)})
	require.NoError(t, err)
	require.Equal(t, runtime.BoxInt(1), result)
	result, err = compiled.Invoke(runtime.Null, []runtime.Word{runtime.Null})
	require.NoError(t, err)
	require.Equal(t, runtime.BoxInt(2), result)
}

// blockCountingBackend wraps a real backend so tests can observe how many
// basic blocks a translation asked for.
type blockCountingBackend struct {
	inner  ir.Backend
	blocks int
}

func (b *blockCountingBackend) NewFunction(sig ir.Signature) (ir.Builder, error) {
	builder, err := b.inner.NewFunction(sig)
	if err != nil {
		return nil, err
	}
	return &blockCountingBuilder{Builder: builder, backend: b}, nil
}

func (b *blockCountingBackend) Reset() { b.inner.Reset() }

type blockCountingBuilder struct {
	ir.Builder
	backend *blockCountingBackend
}

func (b *blockCountingBuilder) NewBlock() ir.Block {
	b.backend.blocks++
	return b.Builder.NewBlock()
}

type countingBackend struct {
	mu    sync.Mutex
	n     int64
	inner ir.Backend
}

func (b *countingBackend) NewFunction(sig ir.Signature) (ir.Builder, error) {
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
	return b.inner.NewFunction(sig)
}

func (b *countingBackend) Reset() { b.inner.Reset() }

func (b *countingBackend) count() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}
