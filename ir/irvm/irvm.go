// Package irvm provides the reference code-generation backend: an in-process
// interpreter for the builder IR. It implements the same ir.Backend surface a
// native backend would, tracks native offsets per emitted instruction, and
// resolves import calls against a runtime trampoline table. Finalized
// functions are safe to invoke from multiple goroutines; the backend and its
// in-progress builder are not.
package irvm

import (
	"fmt"
	"sync/atomic"

	"github.com/deepnoodle-ai/starling/ir"
	"github.com/deepnoodle-ai/starling/runtime"
)

// MaxSteps bounds one invocation of a finalized function. Generated loops
// that exceed it indicate a translation bug, not a long-running program.
const MaxSteps = 50_000_000

type opKind int

const (
	opAdd opKind = iota + 1
	opSub
	opMul
	opDiv
	opShl
	opAShr
	opOr
	opICmp
	opBr
	opCondBr
	opRet
	opDefVar
	opUseVar
	opSlotStore
	opSlotAddr
	opLoadWord
	opCallImport
)

type instr struct {
	kind     opKind
	offset   int // native offset
	dest     ir.Value
	a, b     ir.Value
	pred     ir.Pred
	variable ir.Variable
	slot     ir.Slot
	index    int
	name     string
	args     []ir.Value
	then     ir.Block
	els      ir.Block
}

func isTerminator(k opKind) bool {
	return k == opBr || k == opCondBr || k == opRet
}

// Backend is an executing IR backend. One function may be under construction
// at a time; Reset discards it.
type Backend struct {
	tramps     runtime.Trampolines
	inProgress *builder
	nextHandle uintptr
}

// New creates a backend that resolves import calls against the given
// trampoline table.
func New(tramps runtime.Trampolines) *Backend {
	return &Backend{tramps: tramps}
}

// NewFunction opens a builder for one function.
func (be *Backend) NewFunction(sig ir.Signature) (ir.Builder, error) {
	if be.inProgress != nil {
		return nil, ir.ErrFunctionInProgress
	}
	b := &builder{
		backend: be,
		sig:     sig,
		blocks:  [][]instr{nil}, // entry block
		sealed:  []bool{false},
	}
	for i := 0; i < sig.NumParams; i++ {
		b.params = append(b.params, b.newValue())
	}
	be.inProgress = b
	return b, nil
}

// Reset discards any in-progress function state.
func (be *Backend) Reset() {
	be.inProgress = nil
}

type constEntry struct {
	value ir.Value
	word  runtime.Word
}

type builder struct {
	backend *Backend
	sig     ir.Signature
	blocks  [][]instr
	sealed  []bool
	current ir.Block
	params  []ir.Value
	consts  []constEntry
	nextVal int
	numVars int
	slots   []int // words per slot
	offset  int
	done    bool
}

func (b *builder) newValue() ir.Value {
	v := ir.Value(b.nextVal)
	b.nextVal++
	return v
}

func (b *builder) emit(in instr) ir.Value {
	in.offset = b.offset
	b.offset++
	b.blocks[b.current] = append(b.blocks[b.current], in)
	return in.dest
}

func (b *builder) binary(kind opKind, x, y ir.Value) ir.Value {
	return b.emit(instr{kind: kind, dest: b.newValue(), a: x, b: y})
}

func (b *builder) Entry() ir.Block        { return 0 }
func (b *builder) CurrentBlock() ir.Block { return b.current }

func (b *builder) NewBlock() ir.Block {
	b.blocks = append(b.blocks, nil)
	b.sealed = append(b.sealed, false)
	return ir.Block(len(b.blocks) - 1)
}

func (b *builder) SetBlock(blk ir.Block) { b.current = blk }
func (b *builder) Seal(blk ir.Block)     { b.sealed[blk] = true }

func (b *builder) Param(i int) ir.Value { return b.params[i] }

func (b *builder) ConstInt(w runtime.Word) ir.Value {
	v := b.newValue()
	b.consts = append(b.consts, constEntry{value: v, word: w})
	return v
}

func (b *builder) IAdd(x, y ir.Value) ir.Value { return b.binary(opAdd, x, y) }
func (b *builder) ISub(x, y ir.Value) ir.Value { return b.binary(opSub, x, y) }
func (b *builder) IMul(x, y ir.Value) ir.Value { return b.binary(opMul, x, y) }
func (b *builder) IDiv(x, y ir.Value) ir.Value { return b.binary(opDiv, x, y) }
func (b *builder) Shl(x, y ir.Value) ir.Value  { return b.binary(opShl, x, y) }
func (b *builder) AShr(x, y ir.Value) ir.Value { return b.binary(opAShr, x, y) }
func (b *builder) Or(x, y ir.Value) ir.Value   { return b.binary(opOr, x, y) }

func (b *builder) ICmp(p ir.Pred, x, y ir.Value) ir.Value {
	return b.emit(instr{kind: opICmp, dest: b.newValue(), pred: p, a: x, b: y})
}

func (b *builder) Br(target ir.Block) {
	b.emit(instr{kind: opBr, dest: ir.NoValue, then: target})
}

func (b *builder) CondBr(cond ir.Value, then, els ir.Block) {
	b.emit(instr{kind: opCondBr, dest: ir.NoValue, a: cond, then: then, els: els})
}

func (b *builder) Ret(v ir.Value) {
	b.emit(instr{kind: opRet, dest: ir.NoValue, a: v})
}

func (b *builder) NewVariable() ir.Variable {
	v := ir.Variable(b.numVars)
	b.numVars++
	return v
}

func (b *builder) DefVar(v ir.Variable, val ir.Value) {
	b.emit(instr{kind: opDefVar, dest: ir.NoValue, variable: v, a: val})
}

func (b *builder) UseVar(v ir.Variable) ir.Value {
	return b.emit(instr{kind: opUseVar, dest: b.newValue(), variable: v})
}

func (b *builder) StackSlot(words int) ir.Slot {
	b.slots = append(b.slots, words)
	return ir.Slot(len(b.slots) - 1)
}

func (b *builder) SlotStore(s ir.Slot, i int, val ir.Value) {
	b.emit(instr{kind: opSlotStore, dest: ir.NoValue, slot: s, index: i, a: val})
}

func (b *builder) SlotAddr(s ir.Slot) ir.Value {
	return b.emit(instr{kind: opSlotAddr, dest: b.newValue(), slot: s})
}

func (b *builder) LoadWord(addr ir.Value, i int) ir.Value {
	return b.emit(instr{kind: opLoadWord, dest: b.newValue(), a: addr, index: i})
}

func (b *builder) CallImport(name string, args []ir.Value) ir.Value {
	copied := make([]ir.Value, len(args))
	copy(copied, args)
	return b.emit(instr{kind: opCallImport, dest: b.newValue(), name: name, args: copied})
}

func (b *builder) NativeOffset() int { return b.offset }

func (b *builder) Abort() {
	b.done = true
	if b.backend.inProgress == b {
		b.backend.inProgress = nil
	}
}

// Finalize validates imports, terminates any open blocks with a null return,
// lays out stack slots, and returns the callable function.
func (b *builder) Finalize() (ir.Func, error) {
	if b.done {
		return nil, fmt.Errorf("irvm: builder already finished")
	}
	for blk, instrs := range b.blocks {
		for _, in := range instrs {
			if in.kind == opCallImport {
				if _, ok := b.backend.tramps[in.name]; !ok {
					return nil, fmt.Errorf("%w: %q in block %d",
						ir.ErrUnresolvedImport, in.name, blk)
				}
			}
		}
	}
	size := 0
	for blk := range b.blocks {
		n := len(b.blocks[blk])
		if n == 0 || !isTerminator(b.blocks[blk][n-1].kind) {
			b.blocks[blk] = append(b.blocks[blk], instr{
				kind: opRet, offset: b.offset, dest: ir.NoValue, a: ir.NoValue,
			})
			b.offset++
		}
		size += len(b.blocks[blk])
	}
	slotBase := make([]int, len(b.slots))
	total := 0
	for i, words := range b.slots {
		slotBase[i] = total
		total += words
	}
	b.backend.nextHandle++
	fn := &function{
		sig:       b.sig,
		blocks:    b.blocks,
		params:    b.params,
		consts:    b.consts,
		numValues: b.nextVal,
		numVars:   b.numVars,
		slotBase:  slotBase,
		slotWords: total,
		tramps:    b.backend.tramps,
		size:      size,
		handle:    b.backend.nextHandle,
	}
	b.done = true
	b.backend.inProgress = nil
	return fn, nil
}

type function struct {
	sig       ir.Signature
	blocks    [][]instr
	params    []ir.Value
	consts    []constEntry
	numValues int
	numVars   int
	slotBase  []int
	slotWords int
	tramps    runtime.Trampolines
	size      int
	handle    uintptr
	calls     int64
}

func (f *function) Size() int       { return f.size }
func (f *function) Handle() uintptr { return f.handle }

// importCtx exposes the live register file and frame memory of one
// invocation to trampoline implementations.
type importCtx struct {
	offset int
	mem    []runtime.Word
	regs   []runtime.Word
	vars   []runtime.Word
}

func (c *importCtx) NativeOffset() int { return c.offset }

func (c *importCtx) ReadWord(addr runtime.Word, i int) runtime.Word {
	idx := int(addr) - 1 + i
	if idx < 0 || idx >= len(c.mem) {
		return runtime.Null
	}
	return c.mem[idx]
}

func (c *importCtx) Register(index int) runtime.Word {
	if index < 0 || index >= len(c.regs) {
		return runtime.Null
	}
	return c.regs[index]
}

func (c *importCtx) Local(index int) runtime.Word {
	if index < 0 || index >= len(c.vars) {
		return runtime.Null
	}
	return c.vars[index]
}

// Invoke executes the function with the fixed (frame_ptr, args_ptr, nargs)
// calling convention. Each invocation gets its own register file and frame
// memory, so concurrent calls are safe.
func (f *function) Invoke(frame runtime.Word, args []runtime.Word) (runtime.Word, error) {
	atomic.AddInt64(&f.calls, 1)

	mem := make([]runtime.Word, f.slotWords+len(args))
	argsBase := f.slotWords
	copy(mem[argsBase:], args)
	argsAddr := runtime.Word(argsBase + 1)

	regs := make([]runtime.Word, f.numValues)
	for _, c := range f.consts {
		regs[c.value] = c.word
	}
	callConv := []runtime.Word{frame, argsAddr, runtime.Word(len(args))}
	for i, p := range f.params {
		if i < len(callConv) {
			regs[p] = callConv[i]
		}
	}
	vars := make([]runtime.Word, f.numVars)

	readReg := func(v ir.Value) runtime.Word {
		if v == ir.NoValue {
			return runtime.Null
		}
		return regs[v]
	}

	block := ir.Block(0)
	ip := 0
	for steps := 0; ; steps++ {
		if steps >= MaxSteps {
			return runtime.Null, fmt.Errorf("irvm: step limit exceeded in %q", f.sig.Name)
		}
		in := f.blocks[block][ip]
		switch in.kind {
		case opAdd:
			regs[in.dest] = readReg(in.a) + readReg(in.b)
		case opSub:
			regs[in.dest] = readReg(in.a) - readReg(in.b)
		case opMul:
			regs[in.dest] = runtime.Word(int64(readReg(in.a)) * int64(readReg(in.b)))
		case opDiv:
			d := int64(readReg(in.b))
			if d == 0 {
				return runtime.Null, fmt.Errorf("irvm: integer division by zero in %q", f.sig.Name)
			}
			regs[in.dest] = runtime.Word(int64(readReg(in.a)) / d)
		case opShl:
			regs[in.dest] = readReg(in.a) << (readReg(in.b) & 63)
		case opAShr:
			regs[in.dest] = runtime.Word(int64(readReg(in.a)) >> (readReg(in.b) & 63))
		case opOr:
			regs[in.dest] = readReg(in.a) | readReg(in.b)
		case opICmp:
			a, b := int64(readReg(in.a)), int64(readReg(in.b))
			var r bool
			switch in.pred {
			case ir.Eq:
				r = a == b
			case ir.Ne:
				r = a != b
			case ir.Lt:
				r = a < b
			case ir.Le:
				r = a <= b
			case ir.Gt:
				r = a > b
			case ir.Ge:
				r = a >= b
			}
			if r {
				regs[in.dest] = 1
			} else {
				regs[in.dest] = 0
			}
		case opBr:
			block, ip = in.then, 0
			continue
		case opCondBr:
			if readReg(in.a) != 0 {
				block, ip = in.then, 0
			} else {
				block, ip = in.els, 0
			}
			continue
		case opRet:
			return readReg(in.a), nil
		case opDefVar:
			vars[in.variable] = readReg(in.a)
		case opUseVar:
			regs[in.dest] = vars[in.variable]
		case opSlotStore:
			mem[f.slotBase[in.slot]+in.index] = readReg(in.a)
		case opSlotAddr:
			regs[in.dest] = runtime.Word(f.slotBase[in.slot] + 1)
		case opLoadWord:
			addr := readReg(in.a)
			idx := int(addr) - 1 + in.index
			if idx < 0 || idx >= len(mem) {
				return runtime.Null, fmt.Errorf("irvm: load out of bounds in %q", f.sig.Name)
			}
			regs[in.dest] = mem[idx]
		case opCallImport:
			tramp := f.tramps[in.name]
			callArgs := make([]runtime.Word, len(in.args))
			for i, a := range in.args {
				callArgs[i] = readReg(a)
			}
			ctx := &importCtx{offset: in.offset, mem: mem, regs: regs, vars: vars}
			regs[in.dest] = tramp(ctx, callArgs)
		default:
			return runtime.Null, fmt.Errorf("irvm: invalid instruction kind %d", in.kind)
		}
		ip++
	}
}
