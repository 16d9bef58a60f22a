package runtime

// DeoptReason describes why a compiled function abandoned native execution.
type DeoptReason int

const (
	DeoptTypeGuardFailed DeoptReason = iota + 1
	DeoptUnsupported
)

// String returns the name of the deopt reason.
func (r DeoptReason) String() string {
	switch r {
	case DeoptTypeGuardFailed:
		return "type_guard_failed"
	case DeoptUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Trampoline names resolved by CallImport in generated code. All trampolines
// use a fixed ABI of machine-word-sized arguments and results.
const (
	TrampIsInteger    = "is_integer"
	TrampTriggerDeopt = "trigger_deopt"
	TrampCallFunction = "call_function"
	TrampCallKw       = "call_kw"
	TrampCallMethod   = "call_method"
	TrampLoadMethod   = "load_method"
	TrampLoadConst    = "load_const"
	TrampLoadGlobal   = "load_global"
	TrampStoreGlobal  = "store_global"
	TrampLoadName     = "load_name"
	TrampMakeFunction = "make_function"
	TrampMakeClosure  = "make_closure"
	TrampBinaryOp     = "binary_op"
	TrampContains     = "contains"
	TrampStringCmp    = "string_compare"
	TrampLen          = "len"
)

// ImportContext gives a trampoline implementation access to the state of the
// generated code at the call site. NativeOffset identifies the calling
// instruction; Register and Local read the live virtual-register file and
// variable storage, which is how deopt frame reconstruction resolves
// DeoptValue descriptors into concrete words.
type ImportContext interface {
	// NativeOffset returns the native offset of the import call instruction.
	NativeOffset() int

	// ReadWord reads the word at index i of the buffer addressed by addr.
	// Used to unmarshal argument buffers passed by address.
	ReadWord(addr Word, i int) Word

	// Register returns the current value of the virtual register with the
	// given index.
	Register(index int) Word

	// Local returns the current value of the local variable with the given
	// index.
	Local(index int) Word
}

// TrampolineFunc is a host-provided runtime service callable from generated
// code.
type TrampolineFunc func(ctx ImportContext, args []Word) Word

// Trampolines maps import names to their host implementations. A backend
// resolves CallImport instructions against this table when a function is
// finalized.
type Trampolines map[string]TrampolineFunc

// DeoptEvent is the record delivered to a DeoptSink when generated code
// triggers deoptimization. Stack and Locals hold the concrete words resolved
// from the frame-state descriptors at the deopt point; the consumer resumes
// interpretation at BytecodeOffset with this state.
type DeoptEvent struct {
	FuncID         Word
	BytecodeOffset int
	NativeOffset   int
	Reason         DeoptReason
	Stack          []Word
	Locals         map[int]Word
}

// DeoptSink receives deoptimization events. Deoptimization is a recoverable
// control-flow event, not an error: after the sink is notified, the compiled
// function returns the Null sentinel and the caller finishes the invocation
// in the interpreter.
type DeoptSink interface {
	OnDeopt(event DeoptEvent)
}
