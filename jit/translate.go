package jit

import (
	"fmt"

	"github.com/deepnoodle-ai/starling/bytecode"
	"github.com/deepnoodle-ai/starling/ir"
	"github.com/deepnoodle-ai/starling/op"
	"github.com/deepnoodle-ai/starling/runtime"
)

// translation is the per-compilation mutable context: a faithful simulation
// of the bytecode operand stack and locals as IR-level values, the lazily
// populated offset-to-block map, and the guard and deopt records accumulated
// during emission. It is owned exclusively by one in-flight compilation and
// destroyed when the compilation finishes or fails.
type translation struct {
	builder   ir.Builder
	code      *bytecode.Code
	funcID    bytecode.FunctionID
	funcIDVal ir.Value
	frameVal  ir.Value
	stack     []ir.Value
	locals    []ir.Variable
	blockMap  map[int]ir.Block
	offset    int
	guards    []TypeGuard
	meta      *DeoptMetadata
}

func newTranslation(b ir.Builder, id bytecode.FunctionID, idWord runtime.Word, code *bytecode.Code) *translation {
	t := &translation{
		builder:   b,
		code:      code,
		funcID:    id,
		funcIDVal: b.ConstInt(idWord),
		frameVal:  b.Param(0),
		blockMap:  map[int]ir.Block{},
		meta:      newDeoptMetadata(id),
	}
	// Materialize local slots. Parameters are unmarshalled from the args
	// buffer; remaining locals start as the null sentinel.
	argsPtr := b.Param(1)
	for i := 0; i < code.LocalCount(); i++ {
		v := b.NewVariable()
		if i < code.ArgCount() {
			b.DefVar(v, b.LoadWord(argsPtr, i))
		} else {
			b.DefVar(v, b.ConstInt(runtime.Null))
		}
		t.locals = append(t.locals, v)
	}
	return t
}

func (t *translation) push(v ir.Value) {
	t.stack = append(t.stack, v)
}

func (t *translation) pop() (ir.Value, error) {
	if len(t.stack) == 0 {
		return ir.NoValue, t.invalid("stack underflow")
	}
	v := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	return v, nil
}

// peekN returns the n-th value from the top of the stack (peekN(1) is TOS).
func (t *translation) peekN(n int) (ir.Value, error) {
	if n < 1 || len(t.stack) < n {
		return ir.NoValue, t.invalid("stack underflow")
	}
	return t.stack[len(t.stack)-n], nil
}

func (t *translation) invalid(format string, args ...any) error {
	return &CompileError{
		Kind:   ErrInvalidBytecode,
		FuncID: t.funcID,
		Offset: t.offset,
		Opcode: t.code.InstructionAt(t.offset).Op,
		Cause:  fmt.Errorf(format, args...),
	}
}

// getOrCreateBlock returns the block for a bytecode offset, creating and
// caching it on first use. Every distinct jump target gets exactly one
// block, no matter how many instructions jump to it.
func (t *translation) getOrCreateBlock(offset int) ir.Block {
	if blk, ok := t.blockMap[offset]; ok {
		return blk
	}
	blk := t.builder.NewBlock()
	t.blockMap[offset] = blk
	return blk
}

// run translates the whole instruction stream in offset order. Jump targets
// are materialized as blocks before the main pass so that backward branches
// land in the block that was current when their target offset was reached.
func (t *translation) run() error {
	b := t.builder
	count := t.code.InstructionCount()

	for offset := 0; offset < count; offset++ {
		instr := t.code.InstructionAt(offset)
		if op.IsJump(instr.Op) {
			t.getOrCreateBlock(int(instr.Arg))
		}
	}

	for offset := 0; offset < count; offset++ {
		if blk, ok := t.blockMap[offset]; ok {
			// Fall through into the jump-target block.
			b.Br(blk)
			b.SetBlock(blk)
		}
		t.offset = offset
		if err := t.translate(t.code.InstructionAt(offset)); err != nil {
			return err
		}
	}

	// The IR requires every path to end in a terminator; append an implicit
	// "return null" when the bytecode does not end with an explicit return.
	if count == 0 || t.code.InstructionAt(count-1).Op != op.ReturnValue {
		b.Ret(b.ConstInt(runtime.Null))
	}
	return nil
}

func (t *translation) translate(instr bytecode.Instruction) error {
	b := t.builder
	arg := int(instr.Arg)

	switch instr.Op {

	case op.Nop:

	case op.PopTop:
		_, err := t.pop()
		return err

	case op.Copy:
		v, err := t.peekN(arg)
		if err != nil {
			return err
		}
		t.push(v)

	case op.Swap:
		if arg < 1 || len(t.stack) < arg {
			return t.invalid("swap depth %d exceeds stack", arg)
		}
		top := len(t.stack) - 1
		t.stack[top], t.stack[top-arg+1] = t.stack[top-arg+1], t.stack[top]

	case op.LoadConst:
		t.push(t.loadConst(arg))

	case op.LoadFast:
		if arg >= len(t.locals) {
			return t.invalid("local index %d out of range", arg)
		}
		t.push(b.UseVar(t.locals[arg]))

	case op.StoreFast:
		if arg >= len(t.locals) {
			return t.invalid("local index %d out of range", arg)
		}
		v, err := t.pop()
		if err != nil {
			return err
		}
		b.DefVar(t.locals[arg], v)

	case op.LoadGlobal:
		t.push(b.CallImport(runtime.TrampLoadGlobal,
			[]ir.Value{t.frameVal, b.ConstInt(runtime.Word(arg))}))

	case op.StoreGlobal:
		v, err := t.pop()
		if err != nil {
			return err
		}
		b.CallImport(runtime.TrampStoreGlobal,
			[]ir.Value{t.frameVal, b.ConstInt(runtime.Word(arg)), v})

	case op.LoadName:
		t.push(b.CallImport(runtime.TrampLoadName,
			[]ir.Value{t.frameVal, b.ConstInt(runtime.Word(arg))}))

	case op.Nil, op.False:
		t.push(b.ConstInt(runtime.Null))

	case op.True:
		t.push(b.ConstInt(runtime.True))

	case op.BinaryOp:
		return t.translateBinaryOp(op.BinaryOpType(arg))

	case op.CompareOp:
		return t.translateCompareOp(op.CompareOpType(arg))

	case op.UnaryNegative:
		v, err := t.peekN(1)
		if err != nil {
			return err
		}
		t.guardInt(v)
		if _, err := t.pop(); err != nil {
			return err
		}
		raw := b.ISub(b.ConstInt(0), b.AShr(v, b.ConstInt(1)))
		t.push(t.retag(raw))

	case op.UnaryNot:
		v, err := t.pop()
		if err != nil {
			return err
		}
		t.push(t.boxCmp(b.ICmp(ir.Eq, v, b.ConstInt(runtime.Null))))

	case op.ContainsOp:
		container, err := t.pop()
		if err != nil {
			return err
		}
		item, err := t.pop()
		if err != nil {
			return err
		}
		t.push(b.CallImport(runtime.TrampContains,
			[]ir.Value{item, container, b.ConstInt(runtime.Word(arg))}))

	case op.GetLen:
		v, err := t.peekN(1)
		if err != nil {
			return err
		}
		t.push(b.CallImport(runtime.TrampLen, []ir.Value{v}))

	case op.Jump:
		b.Br(t.getOrCreateBlock(arg))
		b.SetBlock(b.NewBlock())

	case op.JumpIfTrue, op.JumpIfFalse, op.PopJumpIfTrue, op.PopJumpIfFalse,
		op.JumpIfTrueOrPop, op.JumpIfFalseOrPop, op.PopJumpIfNone, op.PopJumpIfNotNone:
		return t.translateCondJump(instr.Op, arg)

	case op.ReturnValue:
		v, err := t.pop()
		if err != nil {
			return err
		}
		b.Ret(v)
		b.SetBlock(b.NewBlock())

	case op.Call:
		return t.translateCall(arg)

	case op.CallKw:
		return t.translateCallKw(arg)

	case op.LoadMethod:
		obj, err := t.pop()
		if err != nil {
			return err
		}
		method := b.CallImport(runtime.TrampLoadMethod,
			[]ir.Value{t.frameVal, obj, b.ConstInt(runtime.Word(arg))})
		t.push(method)
		t.push(obj)

	case op.CallMethod:
		return t.translateCallMethod(arg)

	case op.MakeFunction:
		t.push(b.CallImport(runtime.TrampMakeFunction,
			[]ir.Value{t.frameVal, b.ConstInt(runtime.Word(arg))}))

	case op.MakeClosure:
		t.push(b.CallImport(runtime.TrampMakeClosure,
			[]ir.Value{t.frameVal, b.ConstInt(runtime.Word(arg))}))

	case op.GetIter, op.ForIter:
		// The baseline tier does not implement the iterator protocol.
		// Functions containing these opcodes stay on the interpreter.
		return newOpcodeError(ErrUnsupportedOpcode, t.funcID, t.offset, instr.Op)

	default:
		return newOpcodeError(ErrUnsupportedOpcode, t.funcID, t.offset, instr.Op)
	}
	return nil
}

// loadConst pushes a constant. Integer and boolean constants are
// materialized as immediates; everything else is fetched from the code
// object's constant pool at run time.
func (t *translation) loadConst(index int) ir.Value {
	b := t.builder
	switch c := t.code.ConstantAt(index).(type) {
	case int64:
		return b.ConstInt(runtime.BoxInt(c))
	case int:
		return b.ConstInt(runtime.BoxInt(int64(c)))
	case bool:
		return b.ConstInt(runtime.BoxBool(c))
	case nil:
		return b.ConstInt(runtime.Null)
	default:
		return b.CallImport(runtime.TrampLoadConst,
			[]ir.Value{t.frameVal, b.ConstInt(runtime.Word(index))})
	}
}

// retag boxes a raw machine integer as a tagged word.
func (t *translation) retag(raw ir.Value) ir.Value {
	b := t.builder
	return b.Or(b.Shl(raw, b.ConstInt(1)), b.ConstInt(1))
}

// boxCmp turns an ICmp result (0 or 1) into the word encoding of the
// boolean: Null for false, BoxInt(1) for true.
func (t *translation) boxCmp(r ir.Value) ir.Value {
	b := t.builder
	return b.IAdd(b.Shl(r, b.ConstInt(1)), r)
}

// translateBinaryOp compiles add, subtract, and multiply as guarded
// speculative integer operations: both operands are independently guarded,
// so a two-operand add emits two guard/deopt block pairs. Division, modulo,
// and exponentiation defer to the runtime arithmetic helper instead;
// non-trivial numeric semantics are delegated, not specialized.
func (t *translation) translateBinaryOp(kind op.BinaryOpType) error {
	b := t.builder

	switch kind {
	case op.Add, op.Subtract, op.Multiply:
		// Guards are emitted while both operands are still on the simulated
		// stack, so the recorded frame state matches the interpreter's view
		// of this offset.
		lhs, err := t.peekN(2)
		if err != nil {
			return err
		}
		rhs, err := t.peekN(1)
		if err != nil {
			return err
		}
		t.guardInt(lhs)
		t.guardInt(rhs)
		t.stack = t.stack[:len(t.stack)-2]

		one := b.ConstInt(1)
		a := b.AShr(lhs, one)
		c := b.AShr(rhs, one)
		var raw ir.Value
		switch kind {
		case op.Add:
			raw = b.IAdd(a, c)
		case op.Subtract:
			raw = b.ISub(a, c)
		default:
			raw = b.IMul(a, c)
		}
		t.push(t.retag(raw))
		return nil

	case op.Divide, op.FloorDivide, op.Modulo, op.Power:
		rhs, err := t.pop()
		if err != nil {
			return err
		}
		lhs, err := t.pop()
		if err != nil {
			return err
		}
		t.push(b.CallImport(runtime.TrampBinaryOp,
			[]ir.Value{b.ConstInt(runtime.Word(kind)), lhs, rhs}))
		return nil

	default:
		return t.invalid("unknown binary op %d", kind)
	}
}

// translateCompareOp compiles comparisons as native signed compares on
// tagged words. The integer encoding is order-preserving, so this is exact
// for boxed integers; applying it to handles is a known baseline-tier
// simplification.
func (t *translation) translateCompareOp(kind op.CompareOpType) error {
	b := t.builder
	rhs, err := t.pop()
	if err != nil {
		return err
	}
	lhs, err := t.pop()
	if err != nil {
		return err
	}
	var pred ir.Pred
	switch kind {
	case op.LessThan:
		pred = ir.Lt
	case op.LessThanOrEqual:
		pred = ir.Le
	case op.Equal:
		pred = ir.Eq
	case op.NotEqual:
		pred = ir.Ne
	case op.GreaterThan:
		pred = ir.Gt
	case op.GreaterThanOrEqual:
		pred = ir.Ge
	default:
		return t.invalid("unknown compare op %d", kind)
	}
	t.push(t.boxCmp(b.ICmp(pred, lhs, rhs)))
	return nil
}

// translateCondJump compiles one conditional jump. The top value is popped
// or peeked per the opcode, compared against the null sentinel, and a
// conditional branch is emitted to the target block versus a fresh
// fallthrough block. The fallthrough is sealed immediately since it has
// exactly one predecessor.
func (t *translation) translateCondJump(opcode op.Code, targetOffset int) error {
	b := t.builder
	target := t.getOrCreateBlock(targetOffset)
	fall := b.NewBlock()

	var v ir.Value
	var err error
	switch opcode {
	case op.PopJumpIfTrue, op.PopJumpIfFalse, op.PopJumpIfNone, op.PopJumpIfNotNone:
		v, err = t.pop()
	default:
		v, err = t.peekN(1)
	}
	if err != nil {
		return err
	}

	switch opcode {
	case op.JumpIfTrue, op.PopJumpIfTrue, op.JumpIfTrueOrPop:
		b.CondBr(v, target, fall)
	case op.JumpIfFalse, op.PopJumpIfFalse, op.JumpIfFalseOrPop:
		b.CondBr(v, fall, target)
	case op.PopJumpIfNone:
		b.CondBr(b.ICmp(ir.Eq, v, b.ConstInt(runtime.Null)), target, fall)
	case op.PopJumpIfNotNone:
		b.CondBr(b.ICmp(ir.Ne, v, b.ConstInt(runtime.Null)), target, fall)
	}

	b.SetBlock(fall)
	b.Seal(fall)

	// The OrPop variants keep the value only on the jump path.
	if opcode == op.JumpIfTrueOrPop || opcode == op.JumpIfFalseOrPop {
		if _, err := t.pop(); err != nil {
			return err
		}
	}
	return nil
}

// marshalArgs pops n argument values into a fresh stack-allocated buffer,
// one machine word per argument, and returns its address value.
func (t *translation) marshalArgs(n int) (ir.Value, error) {
	b := t.builder
	slot := b.StackSlot(n)
	for i := n - 1; i >= 0; i-- {
		v, err := t.pop()
		if err != nil {
			return ir.NoValue, err
		}
		b.SlotStore(slot, i, v)
	}
	return b.SlotAddr(slot), nil
}

// Calls are never inlined or specialized by the baseline tier: arguments are
// marshalled into a buffer and dispatch goes through the generic call
// trampoline.
func (t *translation) translateCall(nargs int) error {
	b := t.builder
	addr, err := t.marshalArgs(nargs)
	if err != nil {
		return err
	}
	callable, err := t.pop()
	if err != nil {
		return err
	}
	t.push(b.CallImport(runtime.TrampCallFunction,
		[]ir.Value{callable, addr, b.ConstInt(runtime.Word(nargs))}))
	return nil
}

func (t *translation) translateCallKw(nargs int) error {
	b := t.builder
	kwNames, err := t.pop()
	if err != nil {
		return err
	}
	addr, err := t.marshalArgs(nargs)
	if err != nil {
		return err
	}
	callable, err := t.pop()
	if err != nil {
		return err
	}
	t.push(b.CallImport(runtime.TrampCallKw,
		[]ir.Value{callable, addr, b.ConstInt(runtime.Word(nargs)), kwNames}))
	return nil
}

func (t *translation) translateCallMethod(nargs int) error {
	b := t.builder
	addr, err := t.marshalArgs(nargs)
	if err != nil {
		return err
	}
	self, err := t.pop()
	if err != nil {
		return err
	}
	method, err := t.pop()
	if err != nil {
		return err
	}
	t.push(b.CallImport(runtime.TrampCallMethod,
		[]ir.Value{method, self, addr, b.ConstInt(runtime.Word(nargs))}))
	return nil
}
