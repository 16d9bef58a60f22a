package vm

import (
	"fmt"

	"github.com/deepnoodle-ai/starling/bytecode"
	"github.com/deepnoodle-ai/starling/op"
	"github.com/deepnoodle-ai/starling/runtime"
)

// trampolines builds the import table linked into generated code. Each
// trampoline delegates to the same helpers the interpreter uses, so the two
// tiers cannot drift apart. Trampolines cannot return errors through the
// calling convention; a failure is trapped on the machine and surfaced when
// the native invocation returns.
func (m *Machine) trampolines() runtime.Trampolines {
	return runtime.Trampolines{

		runtime.TrampIsInteger: func(_ runtime.ImportContext, args []runtime.Word) runtime.Word {
			return runtime.BoxBool(runtime.IsInt(args[0]))
		},

		runtime.TrampTriggerDeopt: func(ctx runtime.ImportContext, args []runtime.Word) runtime.Word {
			event := runtime.DeoptEvent{
				FuncID:         args[0],
				BytecodeOffset: int(args[1]),
				NativeOffset:   ctx.NativeOffset(),
				Reason:         runtime.DeoptReason(args[2]),
			}
			if compiled := m.activeCode; compiled != nil {
				if state, ok := compiled.Metadata().PointAt(ctx.NativeOffset()); ok {
					for _, dv := range state.Stack {
						event.Stack = append(event.Stack, dv.Resolve(ctx))
					}
					event.Locals = make(map[int]runtime.Word, len(state.Locals))
					for i, dv := range state.Locals {
						event.Locals[i] = dv.Resolve(ctx)
					}
				}
			}
			m.pending = &event
			return runtime.Null
		},

		runtime.TrampCallFunction: func(ctx runtime.ImportContext, args []runtime.Word) runtime.Word {
			callable, callArgs := args[0], m.readArgs(ctx, args[1], args[2])
			result, err := m.callValue(m.ctx, callable, callArgs, nil)
			if err != nil {
				return m.trap(err)
			}
			return result
		},

		runtime.TrampCallKw: func(ctx runtime.ImportContext, args []runtime.Word) runtime.Word {
			callable, callArgs := args[0], m.readArgs(ctx, args[1], args[2])
			kwNames, ok := m.handles.Get(args[3]).([]string)
			if !ok {
				return m.trap(fmt.Errorf("%w: bad keyword names", ErrTypeMismatch))
			}
			result, err := m.callValue(m.ctx, callable, callArgs, kwNames)
			if err != nil {
				return m.trap(err)
			}
			return result
		},

		runtime.TrampCallMethod: func(ctx runtime.ImportContext, args []runtime.Word) runtime.Word {
			method, self := args[0], args[1]
			callArgs := m.readArgs(ctx, args[2], args[3])
			result, err := m.callMethod(method, self, callArgs)
			if err != nil {
				return m.trap(err)
			}
			return result
		},

		runtime.TrampLoadMethod: func(_ runtime.ImportContext, args []runtime.Word) runtime.Word {
			code := m.frameCode(args[0])
			if code == nil {
				return m.trap(ErrNotCallable)
			}
			method, err := m.loadMethod(args[1], code.NameAt(int(args[2])))
			if err != nil {
				return m.trap(err)
			}
			return method
		},

		runtime.TrampLoadConst: func(_ runtime.ImportContext, args []runtime.Word) runtime.Word {
			code := m.frameCode(args[0])
			if code == nil {
				return m.trap(ErrNotCallable)
			}
			return m.constWord(code.ConstantAt(int(args[1])))
		},

		runtime.TrampLoadGlobal: func(_ runtime.ImportContext, args []runtime.Word) runtime.Word {
			return m.loadGlobalWord(args[0], args[1])
		},

		runtime.TrampLoadName: func(_ runtime.ImportContext, args []runtime.Word) runtime.Word {
			return m.loadGlobalWord(args[0], args[1])
		},

		runtime.TrampStoreGlobal: func(_ runtime.ImportContext, args []runtime.Word) runtime.Word {
			code := m.frameCode(args[0])
			if code == nil {
				return m.trap(ErrNotCallable)
			}
			m.globals[code.NameAt(int(args[1]))] = args[2]
			return runtime.Null
		},

		runtime.TrampMakeFunction: func(_ runtime.ImportContext, args []runtime.Word) runtime.Word {
			nested := m.nestedCode(args[0], args[1])
			if nested == nil {
				return m.trap(fmt.Errorf("%w: constant %d is not code", ErrTypeMismatch, args[1]))
			}
			return m.FunctionFor(nested).frameWord(m.handles)
		},

		runtime.TrampMakeClosure: func(ctx runtime.ImportContext, args []runtime.Word) runtime.Word {
			code := m.frameCode(args[0])
			nested := m.nestedCode(args[0], args[1])
			if code == nil || nested == nil {
				return m.trap(fmt.Errorf("%w: constant %d is not code", ErrTypeMismatch, args[1]))
			}
			// Capture the enclosing frame's live locals. Local slots map to
			// the first LocalCount backend variables in declaration order.
			free := make([]runtime.Word, code.LocalCount())
			for i := range free {
				free[i] = ctx.Local(i)
			}
			fn := &Function{ID: bytecode.NewFunctionID(), Code: nested, Free: free}
			return m.handles.Alloc(fn)
		},

		runtime.TrampBinaryOp: func(_ runtime.ImportContext, args []runtime.Word) runtime.Word {
			result, err := m.binaryOp(op.BinaryOpType(args[0]), args[1], args[2])
			if err != nil {
				return m.trap(err)
			}
			return result
		},

		runtime.TrampContains: func(_ runtime.ImportContext, args []runtime.Word) runtime.Word {
			result, err := m.contains(args[0], args[1], args[2] != 0)
			if err != nil {
				return m.trap(err)
			}
			return result
		},

		runtime.TrampStringCmp: func(_ runtime.ImportContext, args []runtime.Word) runtime.Word {
			result, err := m.compare(op.CompareOpType(args[2]), args[0], args[1])
			if err != nil {
				return m.trap(err)
			}
			return result
		},

		runtime.TrampLen: func(_ runtime.ImportContext, args []runtime.Word) runtime.Word {
			result, err := m.lengthOf(args[0])
			if err != nil {
				return m.trap(err)
			}
			return result
		},
	}
}

// readArgs unmarshals a native call's argument buffer.
func (m *Machine) readArgs(ctx runtime.ImportContext, addr, nargs runtime.Word) []runtime.Word {
	args := make([]runtime.Word, int(nargs))
	for i := range args {
		args[i] = ctx.ReadWord(addr, i)
	}
	return args
}

// frameCode resolves a frame word to the code object of the executing
// function.
func (m *Machine) frameCode(frame runtime.Word) *bytecode.Code {
	fn, ok := m.handles.Get(frame).(*Function)
	if !ok {
		return nil
	}
	return fn.Code
}

// nestedCode resolves a nested code constant of the executing function.
func (m *Machine) nestedCode(frame, index runtime.Word) *bytecode.Code {
	code := m.frameCode(frame)
	if code == nil {
		return nil
	}
	nested, _ := code.ConstantAt(int(index)).(*bytecode.Code)
	return nested
}

func (m *Machine) loadGlobalWord(frame, nameIndex runtime.Word) runtime.Word {
	code := m.frameCode(frame)
	if code == nil {
		return m.trap(ErrNotCallable)
	}
	name := code.NameAt(int(nameIndex))
	w, ok := m.globals[name]
	if !ok {
		return m.trap(fmt.Errorf("%w: %s", ErrUndefinedName, name))
	}
	return w
}

// trap records the first runtime error raised inside a native invocation.
// The trampoline returns the null sentinel and the error surfaces when the
// invocation completes.
func (m *Machine) trap(err error) runtime.Word {
	if m.trapErr == nil {
		m.trapErr = err
	}
	return runtime.Null
}
