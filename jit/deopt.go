package jit

import (
	"github.com/deepnoodle-ai/starling/bytecode"
	"github.com/deepnoodle-ai/starling/runtime"
)

// DeoptValueKind says where a logical value lives in generated code.
type DeoptValueKind int

const (
	// FromRegister means the value lives in the virtual register with the
	// recorded index.
	FromRegister DeoptValueKind = iota + 1
	// FromLocal means the value lives in the local-variable slot with the
	// recorded index.
	FromLocal
)

// DeoptValue describes where one logical stack or local value lives in the
// generated code at a deopt point. It names a location, not runtime content.
type DeoptValue struct {
	Kind  DeoptValueKind
	Index int
}

// RegisterValue returns a descriptor for a virtual register.
func RegisterValue(index int) DeoptValue {
	return DeoptValue{Kind: FromRegister, Index: index}
}

// LocalValue returns a descriptor for a local slot.
func LocalValue(index int) DeoptValue {
	return DeoptValue{Kind: FromLocal, Index: index}
}

// Resolve reads the described location through an import context, yielding
// the concrete word held there.
func (v DeoptValue) Resolve(ctx runtime.ImportContext) runtime.Word {
	switch v.Kind {
	case FromRegister:
		return ctx.Register(v.Index)
	case FromLocal:
		return ctx.Local(v.Index)
	default:
		return runtime.Null
	}
}

// DeoptFrameState records everything needed to resume interpretation at one
// deopt point. The recorded stack depth and local-index set exactly match
// what the interpreter would hold at BytecodeOffset had it executed the
// function interpretively up to that point.
type DeoptFrameState struct {
	BytecodeOffset int
	Reason         runtime.DeoptReason
	NativeOffset   int
	Stack          []DeoptValue
	Locals         map[int]DeoptValue
}

// DeoptMetadata maps native offsets to frame states for one compiled
// function. It is owned by the CompiledCode it was built for and is
// immutable after compilation.
type DeoptMetadata struct {
	funcID bytecode.FunctionID
	points map[int]DeoptFrameState
}

func newDeoptMetadata(funcID bytecode.FunctionID) *DeoptMetadata {
	return &DeoptMetadata{
		funcID: funcID,
		points: map[int]DeoptFrameState{},
	}
}

func (m *DeoptMetadata) add(state DeoptFrameState) {
	m.points[state.NativeOffset] = state
}

// FuncID returns the function this metadata belongs to.
func (m *DeoptMetadata) FuncID() bytecode.FunctionID {
	return m.funcID
}

// PointAt returns the frame state recorded at the given native offset.
func (m *DeoptMetadata) PointAt(nativeOffset int) (DeoptFrameState, bool) {
	state, ok := m.points[nativeOffset]
	return state, ok
}

// PointCount returns the number of recorded deopt points.
func (m *DeoptMetadata) PointCount() int {
	return len(m.points)
}

// Points returns all recorded frame states in unspecified order.
func (m *DeoptMetadata) Points() []DeoptFrameState {
	states := make([]DeoptFrameState, 0, len(m.points))
	for _, state := range m.points {
		states = append(states, state)
	}
	return states
}
