// Package llvmgen lowers builder IR onto LLVM IR using llir/llvm. It
// implements the same ir.Backend surface as the executing backend, but the
// product is a textual LLVM module for offline compilation and for IR dumps;
// finalized functions are not invocable in-process.
//
// All words are lowered as i64. Runtime trampolines become external function
// declarations, so a host object file can link the generated module against
// the real trampoline symbols.
package llvmgen

import (
	"fmt"

	"github.com/deepnoodle-ai/starling/ir"
	"github.com/deepnoodle-ai/starling/runtime"
	llir "github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// Backend lowers functions into one accumulating LLVM module.
type Backend struct {
	module     *llir.Module
	imports    map[string]*llir.Func
	inProgress *builder
}

// New creates an empty lowering backend.
func New() *Backend {
	return &Backend{
		module:  llir.NewModule(),
		imports: map[string]*llir.Func{},
	}
}

// IR returns the accumulated module as LLVM assembly text.
func (be *Backend) IR() string {
	return be.module.String()
}

// NewFunction opens a builder for one function.
func (be *Backend) NewFunction(sig ir.Signature) (ir.Builder, error) {
	if be.inProgress != nil {
		return nil, ir.ErrFunctionInProgress
	}
	params := make([]*llir.Param, sig.NumParams)
	for i := range params {
		params[i] = llir.NewParam(fmt.Sprintf("p%d", i), types.I64)
	}
	fn := llir.NewFunc(sig.Name, types.I64, params...)
	entry := fn.NewBlock("entry")
	b := &builder{
		backend: be,
		sig:     sig,
		fn:      fn,
		entry:   entry,
		blocks:  []*llir.Block{entry},
		current: entry,
	}
	for _, p := range params {
		b.values = append(b.values, p)
	}
	be.inProgress = b
	return b, nil
}

// Reset discards any in-progress function state. Functions are only added to
// the module on successful Finalize, so a failed lowering leaves the module
// untouched.
func (be *Backend) Reset() {
	be.inProgress = nil
}

func (be *Backend) importFunc(name string, arity int) *llir.Func {
	if fn, ok := be.imports[name]; ok {
		return fn
	}
	params := make([]*llir.Param, arity)
	for i := range params {
		params[i] = llir.NewParam(fmt.Sprintf("a%d", i), types.I64)
	}
	fn := be.module.NewFunc(name, types.I64, params...)
	be.imports[name] = fn
	return fn
}

type builder struct {
	backend *Backend
	sig     ir.Signature
	fn      *llir.Func
	entry   *llir.Block
	blocks  []*llir.Block
	current *llir.Block
	values  []value.Value // ir.Value -> llvm value
	slots   []*llir.InstAlloca
	numVars int
	varMem  []*llir.InstAlloca
	offset  int
	done    bool
}

func (b *builder) track(v value.Value) ir.Value {
	b.values = append(b.values, v)
	return ir.Value(len(b.values) - 1)
}

func (b *builder) val(v ir.Value) value.Value {
	return b.values[v]
}

func (b *builder) Entry() ir.Block { return 0 }

func (b *builder) CurrentBlock() ir.Block {
	for i, blk := range b.blocks {
		if blk == b.current {
			return ir.Block(i)
		}
	}
	return 0
}

func (b *builder) NewBlock() ir.Block {
	blk := b.fn.NewBlock(fmt.Sprintf("b%d", len(b.blocks)))
	b.blocks = append(b.blocks, blk)
	return ir.Block(len(b.blocks) - 1)
}

func (b *builder) SetBlock(blk ir.Block) { b.current = b.blocks[blk] }
func (b *builder) Seal(blk ir.Block)     {}

func (b *builder) Param(i int) ir.Value { return ir.Value(i) }

func (b *builder) ConstInt(w runtime.Word) ir.Value {
	return b.track(constant.NewInt(types.I64, int64(w)))
}

func (b *builder) IAdd(x, y ir.Value) ir.Value {
	b.offset++
	return b.track(b.current.NewAdd(b.val(x), b.val(y)))
}

func (b *builder) ISub(x, y ir.Value) ir.Value {
	b.offset++
	return b.track(b.current.NewSub(b.val(x), b.val(y)))
}

func (b *builder) IMul(x, y ir.Value) ir.Value {
	b.offset++
	return b.track(b.current.NewMul(b.val(x), b.val(y)))
}

func (b *builder) IDiv(x, y ir.Value) ir.Value {
	b.offset++
	return b.track(b.current.NewSDiv(b.val(x), b.val(y)))
}

func (b *builder) Shl(x, y ir.Value) ir.Value {
	b.offset++
	return b.track(b.current.NewShl(b.val(x), b.val(y)))
}

func (b *builder) AShr(x, y ir.Value) ir.Value {
	b.offset++
	return b.track(b.current.NewAShr(b.val(x), b.val(y)))
}

func (b *builder) Or(x, y ir.Value) ir.Value {
	b.offset++
	return b.track(b.current.NewOr(b.val(x), b.val(y)))
}

func predOf(p ir.Pred) enum.IPred {
	switch p {
	case ir.Eq:
		return enum.IPredEQ
	case ir.Ne:
		return enum.IPredNE
	case ir.Lt:
		return enum.IPredSLT
	case ir.Le:
		return enum.IPredSLE
	case ir.Gt:
		return enum.IPredSGT
	default:
		return enum.IPredSGE
	}
}

func (b *builder) ICmp(p ir.Pred, x, y ir.Value) ir.Value {
	b.offset += 2
	cmp := b.current.NewICmp(predOf(p), b.val(x), b.val(y))
	return b.track(b.current.NewZExt(cmp, types.I64))
}

func (b *builder) Br(target ir.Block) {
	b.offset++
	b.current.NewBr(b.blocks[target])
}

func (b *builder) CondBr(cond ir.Value, then, els ir.Block) {
	b.offset += 2
	nz := b.current.NewICmp(enum.IPredNE, b.val(cond), constant.NewInt(types.I64, 0))
	b.current.NewCondBr(nz, b.blocks[then], b.blocks[els])
}

func (b *builder) Ret(v ir.Value) {
	b.offset++
	if v == ir.NoValue {
		b.current.NewRet(constant.NewInt(types.I64, 0))
		return
	}
	b.current.NewRet(b.val(v))
}

func (b *builder) NewVariable() ir.Variable {
	v := ir.Variable(b.numVars)
	b.numVars++
	// Variable storage lives in the entry block frame. The alloca is
	// appended to the entry instruction list regardless of the current
	// block; LLVM block terminators are stored separately.
	mem := llir.NewAlloca(types.I64)
	b.entry.Insts = append(b.entry.Insts, mem)
	b.varMem = append(b.varMem, mem)
	return v
}

func (b *builder) DefVar(v ir.Variable, val ir.Value) {
	b.offset++
	b.current.NewStore(b.val(val), b.varMem[v])
}

func (b *builder) UseVar(v ir.Variable) ir.Value {
	b.offset++
	return b.track(b.current.NewLoad(types.I64, b.varMem[v]))
}

func (b *builder) StackSlot(words int) ir.Slot {
	mem := llir.NewAlloca(types.NewArray(uint64(words), types.I64))
	b.entry.Insts = append(b.entry.Insts, mem)
	b.slots = append(b.slots, mem)
	return ir.Slot(len(b.slots) - 1)
}

func (b *builder) slotElem(s ir.Slot, i int) value.Value {
	mem := b.slots[s]
	return b.current.NewGetElementPtr(mem.ElemType, mem,
		constant.NewInt(types.I64, 0), constant.NewInt(types.I64, int64(i)))
}

func (b *builder) SlotStore(s ir.Slot, i int, val ir.Value) {
	b.offset += 2
	b.current.NewStore(b.val(val), b.slotElem(s, i))
}

func (b *builder) SlotAddr(s ir.Slot) ir.Value {
	b.offset++
	return b.track(b.current.NewPtrToInt(b.slots[s], types.I64))
}

func (b *builder) LoadWord(addr ir.Value, i int) ir.Value {
	b.offset += 3
	ptr := b.current.NewIntToPtr(b.val(addr), types.NewPointer(types.I64))
	elem := b.current.NewGetElementPtr(types.I64, ptr, constant.NewInt(types.I64, int64(i)))
	return b.track(b.current.NewLoad(types.I64, elem))
}

func (b *builder) CallImport(name string, args []ir.Value) ir.Value {
	b.offset++
	callee := b.backend.importFunc(name, len(args))
	llArgs := make([]value.Value, len(args))
	for i, a := range args {
		llArgs[i] = b.val(a)
	}
	return b.track(b.current.NewCall(callee, llArgs...))
}

func (b *builder) NativeOffset() int { return b.offset }

func (b *builder) Abort() {
	b.done = true
	if b.backend.inProgress == b {
		b.backend.inProgress = nil
	}
}

// Finalize terminates any open blocks with a null return and publishes the
// function into the backend's module.
func (b *builder) Finalize() (ir.Func, error) {
	if b.done {
		return nil, fmt.Errorf("llvmgen: builder already finished")
	}
	size := 0
	for _, blk := range b.blocks {
		if blk.Term == nil {
			blk.NewRet(constant.NewInt(types.I64, 0))
		}
		size += len(blk.Insts) + 1
	}
	b.backend.module.Funcs = append(b.backend.module.Funcs, b.fn)
	b.done = true
	b.backend.inProgress = nil
	return &loweredFunc{name: b.sig.Name, size: size}, nil
}

// loweredFunc is the finalized artifact of a lowering-only backend: it has a
// size and identity but cannot be invoked in-process.
type loweredFunc struct {
	name string
	size int
}

func (f *loweredFunc) Invoke(frame runtime.Word, args []runtime.Word) (runtime.Word, error) {
	return runtime.Null, ir.ErrNotExecutable
}

func (f *loweredFunc) Size() int       { return f.size }
func (f *loweredFunc) Handle() uintptr { return 0 }
