package vm

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/deepnoodle-ai/starling/bytecode"
	"github.com/deepnoodle-ai/starling/ir"
	"github.com/deepnoodle-ai/starling/jit"
	"github.com/deepnoodle-ai/starling/op"
	"github.com/deepnoodle-ai/starling/runtime"
)

const (
	// DefaultContextCheckInterval is how often, in instructions, the
	// interpreter polls ctx.Done() during execution.
	DefaultContextCheckInterval = 1000

	// MaxCallDepth bounds guest recursion.
	MaxCallDepth = 1024
)

// BackendFactory builds the code-generation backend for a machine, given
// the machine's trampoline set.
type BackendFactory func(runtime.Trampolines) ir.Backend

// Machine executes bytecode functions. Cold functions run in the
// interpreter; once a function's call count crosses the hot threshold it is
// compiled and subsequent calls run native code, falling back to the
// interpreter mid-function when a speculation fails.
//
// A Machine is single-threaded: it must not be used from multiple
// goroutines concurrently.
type Machine struct {
	handles  *runtime.Handles
	globals  map[string]runtime.Word
	strings  map[string]runtime.Word
	funcs    map[*bytecode.Code]*Function
	compiler *jit.Compiler
	profiler *jit.Profiler
	logger   zerolog.Logger
	stdout   io.Writer

	backendFactory       BackendFactory
	hotThreshold         int64
	contextCheckInterval int
	inputGlobals         map[string]any
	deoptSink            runtime.DeoptSink

	// live execution state
	ctx        context.Context
	depth      int
	activeCode *jit.CompiledCode
	pending    *runtime.DeoptEvent
	trapErr    error
}

// New creates a machine. Without a backend the machine is a plain
// interpreter; with one, hot functions are tiered up automatically.
func New(opts ...Option) *Machine {
	m := &Machine{
		handles:              runtime.NewHandles(),
		globals:              map[string]runtime.Word{},
		strings:              map[string]runtime.Word{},
		funcs:                map[*bytecode.Code]*Function{},
		logger:               zerolog.Nop(),
		stdout:               os.Stdout,
		hotThreshold:         jit.DefaultHotThreshold,
		contextCheckInterval: DefaultContextCheckInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.backendFactory != nil {
		backend := m.backendFactory(m.trampolines())
		m.compiler = jit.New(backend, m.handles, jit.WithLogger(m.logger))
		m.profiler = jit.NewProfiler(m.hotThreshold)
	}
	m.registerBuiltins()
	for name, value := range m.inputGlobals {
		m.globals[name] = m.Box(value)
	}
	return m
}

// Handles returns the machine's handle table.
func (m *Machine) Handles() *runtime.Handles {
	return m.handles
}

// Compiler returns the machine's compiler, or nil when running
// interpreter-only.
func (m *Machine) Compiler() *jit.Compiler {
	return m.compiler
}

// Profiler returns the machine's call profiler, or nil when running
// interpreter-only.
func (m *Machine) Profiler() *jit.Profiler {
	return m.profiler
}

// SetGlobal binds a global name to a host value.
func (m *Machine) SetGlobal(name string, value any) {
	m.globals[name] = m.Box(value)
}

// Box converts a host value to its word representation.
func (m *Machine) Box(value any) runtime.Word {
	switch v := value.(type) {
	case nil:
		return runtime.Null
	case bool:
		return runtime.BoxBool(v)
	case int:
		return runtime.BoxInt(int64(v))
	case int64:
		return runtime.BoxInt(v)
	case string:
		return m.stringWord(v)
	case *Function:
		return v.frameWord(m.handles)
	case runtime.Word:
		return v
	default:
		return m.handles.Alloc(value)
	}
}

// Unbox converts a word back to a host value: int64 for boxed integers,
// nil for the null sentinel, and the referenced object for handles.
func (m *Machine) Unbox(w runtime.Word) any {
	if w == runtime.Null {
		return nil
	}
	if runtime.IsInt(w) {
		return runtime.UnboxInt(w)
	}
	return m.handles.Get(w)
}

// FunctionFor wraps a code block as a function, reusing the same identity
// for repeat wrappings so compiled code stays cached across calls.
func (m *Machine) FunctionFor(code *bytecode.Code) *Function {
	if fn, ok := m.funcs[code]; ok {
		return fn
	}
	fn := NewFunction(code)
	m.funcs[code] = fn
	return fn
}

// Call invokes a function with the given arguments and returns its result
// word. Tier selection, compilation, and deoptimization recovery are all
// internal: callers observe only the result.
func (m *Machine) Call(ctx context.Context, fn *Function, args []runtime.Word) (runtime.Word, error) {
	if len(args) != fn.Code.ArgCount() {
		return runtime.Null, fmt.Errorf("%w: %s takes %d, got %d",
			ErrArity, fn.Code.Name(), fn.Code.ArgCount(), len(args))
	}
	if m.depth >= MaxCallDepth {
		return runtime.Null, ErrCallDepth
	}
	m.depth++
	prevCtx := m.ctx
	m.ctx = ctx
	defer func() {
		m.depth--
		m.ctx = prevCtx
	}()

	// Closures carry captured locals the compiled calling convention does
	// not marshal, so they stay on the interpreter.
	if m.compiler != nil && fn.Free == nil {
		if compiled, ok := m.compiler.Cache().Get(fn.ID); ok {
			return m.invokeCompiled(ctx, fn, compiled, args)
		}
		if m.profiler.RecordCall(fn.ID) {
			compiled, err := m.compiler.Compile(fn.ID, fn.Code)
			if err != nil {
				m.logger.Debug().
					Str("name", fn.Code.Name()).
					Err(err).
					Msg("staying in interpreter")
			} else {
				return m.invokeCompiled(ctx, fn, compiled, args)
			}
		}
	}

	f := &frame{}
	f.activate(fn, args)
	return m.run(ctx, f)
}

func (m *Machine) invokeCompiled(ctx context.Context, fn *Function, compiled *jit.CompiledCode, args []runtime.Word) (runtime.Word, error) {
	prevActive := m.activeCode
	m.activeCode = compiled
	m.pending = nil
	result, err := compiled.Invoke(fn.frameWord(m.handles), args)
	m.activeCode = prevActive
	if err != nil {
		return runtime.Null, err
	}
	if m.trapErr != nil {
		err := m.trapErr
		m.trapErr = nil
		return runtime.Null, err
	}
	if event := m.pending; event != nil {
		m.pending = nil
		if m.deoptSink != nil {
			m.deoptSink.OnDeopt(*event)
		}
		m.logger.Debug().
			Str("name", fn.Code.Name()).
			Int("offset", event.BytecodeOffset).
			Str("reason", event.Reason.String()).
			Msg("deoptimizing")
		return m.resume(ctx, fn, event)
	}
	return result, nil
}

// resume continues a deoptimized invocation in the interpreter: the frame
// is rebuilt from the event's captured stack and locals and execution
// restarts at the bytecode offset of the failed speculation, re-executing
// that instruction generically.
func (m *Machine) resume(ctx context.Context, fn *Function, event *runtime.DeoptEvent) (runtime.Word, error) {
	f := &frame{}
	f.activate(fn, nil)
	for i, w := range event.Locals {
		if i < len(f.locals) {
			f.locals[i] = w
		}
	}
	f.stack = append(f.stack, event.Stack...)
	f.ip = event.BytecodeOffset
	return m.run(ctx, f)
}

func (m *Machine) run(ctx context.Context, f *frame) (runtime.Word, error) {
	steps := 0
	count := f.code.InstructionCount()

	for f.ip < count {
		steps++
		if m.contextCheckInterval > 0 && steps%m.contextCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return runtime.Null, ctx.Err()
			default:
			}
		}

		instr := f.code.InstructionAt(f.ip)
		f.ip++
		arg := int(instr.Arg)

		switch instr.Op {

		case op.Nop:

		case op.PopTop:
			f.pop()

		case op.Copy:
			f.push(f.peek(arg))

		case op.Swap:
			top := len(f.stack) - 1
			f.stack[top], f.stack[top-arg+1] = f.stack[top-arg+1], f.stack[top]

		case op.LoadConst:
			f.push(m.constWord(f.code.ConstantAt(arg)))

		case op.LoadFast:
			f.push(f.locals[arg])

		case op.StoreFast:
			f.locals[arg] = f.pop()

		case op.LoadGlobal, op.LoadName:
			w, ok := m.globals[f.code.NameAt(arg)]
			if !ok {
				return runtime.Null, fmt.Errorf("%w: %s", ErrUndefinedName, f.code.NameAt(arg))
			}
			f.push(w)

		case op.StoreGlobal:
			m.globals[f.code.NameAt(arg)] = f.pop()

		case op.Nil, op.False:
			f.push(runtime.Null)

		case op.True:
			f.push(runtime.True)

		case op.BinaryOp:
			rhs, lhs := f.pop(), f.pop()
			result, err := m.binaryOp(op.BinaryOpType(arg), lhs, rhs)
			if err != nil {
				return runtime.Null, err
			}
			f.push(result)

		case op.CompareOp:
			rhs, lhs := f.pop(), f.pop()
			result, err := m.compare(op.CompareOpType(arg), lhs, rhs)
			if err != nil {
				return runtime.Null, err
			}
			f.push(result)

		case op.UnaryNegative:
			v := f.pop()
			if !runtime.IsInt(v) {
				return runtime.Null, fmt.Errorf("%w: negation requires an integer", ErrTypeMismatch)
			}
			f.push(runtime.BoxInt(-runtime.UnboxInt(v)))

		case op.UnaryNot:
			f.push(runtime.BoxBool(!runtime.Truthy(f.pop())))

		case op.ContainsOp:
			container, item := f.pop(), f.pop()
			result, err := m.contains(item, container, arg != 0)
			if err != nil {
				return runtime.Null, err
			}
			f.push(result)

		case op.GetLen:
			result, err := m.lengthOf(f.peek(1))
			if err != nil {
				return runtime.Null, err
			}
			f.push(result)

		case op.Jump:
			f.ip = arg

		case op.JumpIfTrue:
			if runtime.Truthy(f.peek(1)) {
				f.ip = arg
			}

		case op.JumpIfFalse:
			if !runtime.Truthy(f.peek(1)) {
				f.ip = arg
			}

		case op.PopJumpIfTrue:
			if runtime.Truthy(f.pop()) {
				f.ip = arg
			}

		case op.PopJumpIfFalse:
			if !runtime.Truthy(f.pop()) {
				f.ip = arg
			}

		case op.JumpIfTrueOrPop:
			if runtime.Truthy(f.peek(1)) {
				f.ip = arg
			} else {
				f.pop()
			}

		case op.JumpIfFalseOrPop:
			if !runtime.Truthy(f.peek(1)) {
				f.ip = arg
			} else {
				f.pop()
			}

		case op.PopJumpIfNone:
			if f.pop() == runtime.Null {
				f.ip = arg
			}

		case op.PopJumpIfNotNone:
			if f.pop() != runtime.Null {
				f.ip = arg
			}

		case op.ReturnValue:
			return f.pop(), nil

		case op.Call:
			args := m.popArgs(f, arg)
			callable := f.pop()
			result, err := m.callValue(ctx, callable, args, nil)
			if err != nil {
				return runtime.Null, err
			}
			f.push(result)

		case op.CallKw:
			kwNames, ok := m.handles.Get(f.pop()).([]string)
			if !ok {
				return runtime.Null, fmt.Errorf("%w: bad keyword names", ErrTypeMismatch)
			}
			args := m.popArgs(f, arg)
			callable := f.pop()
			result, err := m.callValue(ctx, callable, args, kwNames)
			if err != nil {
				return runtime.Null, err
			}
			f.push(result)

		case op.LoadMethod:
			obj := f.pop()
			method, err := m.loadMethod(obj, f.code.NameAt(arg))
			if err != nil {
				return runtime.Null, err
			}
			f.push(method)
			f.push(obj)

		case op.CallMethod:
			args := m.popArgs(f, arg)
			self := f.pop()
			method := f.pop()
			result, err := m.callMethod(method, self, args)
			if err != nil {
				return runtime.Null, err
			}
			f.push(result)

		case op.MakeFunction:
			code, ok := f.code.ConstantAt(arg).(*bytecode.Code)
			if !ok {
				return runtime.Null, fmt.Errorf("%w: constant %d is not code", ErrTypeMismatch, arg)
			}
			f.push(m.FunctionFor(code).frameWord(m.handles))

		case op.MakeClosure:
			code, ok := f.code.ConstantAt(arg).(*bytecode.Code)
			if !ok {
				return runtime.Null, fmt.Errorf("%w: constant %d is not code", ErrTypeMismatch, arg)
			}
			f.push(m.handles.Alloc(m.makeClosure(code, f.locals)))

		case op.GetIter:
			it, err := m.makeIterator(f.pop())
			if err != nil {
				return runtime.Null, err
			}
			f.push(it)

		case op.ForIter:
			it, ok := m.handles.Get(f.peek(1)).(*iterator)
			if !ok {
				return runtime.Null, fmt.Errorf("%w: for-iter on non-iterator", ErrTypeMismatch)
			}
			if v, more := it.next(); more {
				f.push(v)
			} else {
				f.pop()
				f.ip = arg
			}

		default:
			return runtime.Null, fmt.Errorf("unknown opcode %d at offset %d", instr.Op, f.ip-1)
		}
	}
	return runtime.Null, nil
}

func (m *Machine) popArgs(f *frame, n int) []runtime.Word {
	args := make([]runtime.Word, n)
	for i := n - 1; i >= 0; i-- {
		args[i] = f.pop()
	}
	return args
}

// makeClosure captures the enclosing frame's locals as the new function's
// free values. On activation they fill the local slots after the closure's
// parameters, in the same order.
func (m *Machine) makeClosure(code *bytecode.Code, enclosing []runtime.Word) *Function {
	free := append([]runtime.Word(nil), enclosing...)
	return &Function{ID: bytecode.NewFunctionID(), Code: code, Free: free}
}

func (m *Machine) callValue(ctx context.Context, callable runtime.Word, args []runtime.Word, kwNames []string) (runtime.Word, error) {
	switch target := m.handles.Get(callable).(type) {
	case *Function:
		if kwNames != nil {
			full, err := bindKeywords(target, args, kwNames)
			if err != nil {
				return runtime.Null, err
			}
			args = full
		}
		return m.Call(ctx, target, args)
	case *Builtin:
		if kwNames != nil {
			return runtime.Null, fmt.Errorf("%w: %s does not accept keywords", ErrTypeMismatch, target.Name)
		}
		return target.Fn(m, args)
	default:
		return runtime.Null, ErrNotCallable
	}
}

// bindKeywords reorders a mixed positional/keyword argument list into the
// function's declared parameter order. The trailing len(kwNames) values in
// args are the keyword values.
func bindKeywords(fn *Function, args []runtime.Word, kwNames []string) ([]runtime.Word, error) {
	npos := len(args) - len(kwNames)
	if npos < 0 || len(args) != fn.Code.ArgCount() {
		return nil, fmt.Errorf("%w: %s takes %d, got %d",
			ErrArity, fn.Code.Name(), fn.Code.ArgCount(), len(args))
	}
	full := make([]runtime.Word, fn.Code.ArgCount())
	copy(full, args[:npos])
	for i, name := range kwNames {
		index := -1
		for p := npos; p < fn.Code.ArgCount(); p++ {
			if fn.Code.VarnameAt(p) == name {
				index = p
				break
			}
		}
		if index < 0 {
			return nil, fmt.Errorf("%w: unexpected keyword %q", ErrArity, name)
		}
		full[index] = args[npos+i]
	}
	return full, nil
}

func (m *Machine) callMethod(method, self runtime.Word, args []runtime.Word) (runtime.Word, error) {
	builtin, ok := m.handles.Get(method).(*Builtin)
	if !ok {
		return runtime.Null, ErrNotCallable
	}
	return builtin.Fn(m, append([]runtime.Word{self}, args...))
}

func (m *Machine) constWord(c any) runtime.Word {
	switch v := c.(type) {
	case nil:
		return runtime.Null
	case bool:
		return runtime.BoxBool(v)
	case int:
		return runtime.BoxInt(int64(v))
	case int64:
		return runtime.BoxInt(v)
	case string:
		return m.stringWord(v)
	case *bytecode.Code:
		return m.FunctionFor(v).frameWord(m.handles)
	default:
		return m.handles.Alloc(v)
	}
}
