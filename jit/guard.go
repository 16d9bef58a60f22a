package jit

import (
	"github.com/deepnoodle-ai/starling/ir"
	"github.com/deepnoodle-ai/starling/runtime"
)

// GuardKind identifies the speculative assumption a type guard validates.
type GuardKind int

const (
	// GuardIsInteger checks that an operand is a boxed integer.
	GuardIsInteger GuardKind = iota + 1
)

// String returns the name of the guard kind.
func (k GuardKind) String() string {
	switch k {
	case GuardIsInteger:
		return "is_integer"
	default:
		return "unknown"
	}
}

// TypeGuard records one emitted runtime type check. NativeOffset is the
// offset of the guard branch; BytecodeOffset is the instruction being
// speculatively specialized.
type TypeGuard struct {
	Kind           GuardKind
	NativeOffset   int
	BytecodeOffset int
}

// guardInt emits an integer type guard for one operand of a speculative
// operation: an is_integer trampoline call, a branch to either the continue
// block or a dedicated deopt block, and the deopt block body itself, which
// reports the deopt and returns the null sentinel. Execution never proceeds
// past a failed guard inside native code.
//
// One TypeGuard entry and one deopt frame state are recorded per call. The
// frame state snapshots the translation's current stack and locals, so it
// must be emitted while the simulated stack still holds everything the
// interpreter would hold at the current bytecode offset.
func (t *translation) guardInt(v ir.Value) {
	b := t.builder

	ok := b.CallImport(runtime.TrampIsInteger, []ir.Value{v})

	cont := b.NewBlock()
	deopt := b.NewBlock()
	t.guards = append(t.guards, TypeGuard{
		Kind:           GuardIsInteger,
		NativeOffset:   b.NativeOffset(),
		BytecodeOffset: t.offset,
	})
	b.CondBr(ok, cont, deopt)

	b.SetBlock(deopt)
	t.recordDeoptPoint(runtime.DeoptTypeGuardFailed)
	b.CallImport(runtime.TrampTriggerDeopt, []ir.Value{
		t.funcIDVal,
		b.ConstInt(runtime.Word(t.offset)),
		b.ConstInt(runtime.Word(runtime.DeoptTypeGuardFailed)),
	})
	b.Ret(b.ConstInt(runtime.Null))
	b.Seal(deopt)

	b.SetBlock(cont)
	b.Seal(cont)
}

// recordDeoptPoint snapshots the current stack and locals as deopt value
// descriptors at the native offset of the next emitted instruction, which
// must be the trigger_deopt call.
func (t *translation) recordDeoptPoint(reason runtime.DeoptReason) {
	stack := make([]DeoptValue, len(t.stack))
	for i, v := range t.stack {
		stack[i] = RegisterValue(int(v))
	}
	locals := make(map[int]DeoptValue, len(t.locals))
	for i, v := range t.locals {
		locals[i] = LocalValue(int(v))
	}
	t.meta.add(DeoptFrameState{
		BytecodeOffset: t.offset,
		Reason:         reason,
		NativeOffset:   t.builder.NativeOffset(),
		Stack:          stack,
		Locals:         locals,
	})
}
