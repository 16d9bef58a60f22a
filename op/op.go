// Package op defines opcodes used by the Starling compiler, interpreter,
// and baseline JIT.
package op

// Code is an integer opcode that indicates an operation to execute.
type Code uint16

const (
	Invalid Code = 0

	// Execution
	Nop         Code = 1
	ReturnValue Code = 2

	// Stack
	PopTop Code = 10
	Copy   Code = 11
	Swap   Code = 12

	// Load
	LoadConst  Code = 20
	LoadFast   Code = 21
	LoadGlobal Code = 22
	LoadName   Code = 23

	// Store
	StoreFast   Code = 30
	StoreGlobal Code = 31

	// Push constants
	Nil   Code = 40
	True  Code = 41
	False Code = 42

	// Operations
	BinaryOp      Code = 50
	CompareOp     Code = 51
	UnaryNegative Code = 52
	UnaryNot      Code = 53
	ContainsOp    Code = 54

	// Jump (operands are absolute instruction offsets)
	Jump             Code = 60
	JumpIfTrue       Code = 61
	JumpIfFalse      Code = 62
	PopJumpIfTrue    Code = 63
	PopJumpIfFalse   Code = 64
	JumpIfTrueOrPop  Code = 65
	JumpIfFalseOrPop Code = 66
	PopJumpIfNone    Code = 67
	PopJumpIfNotNone Code = 68

	// Calls
	Call         Code = 70
	CallKw       Code = 71
	LoadMethod   Code = 72
	CallMethod   Code = 73
	MakeFunction Code = 74
	MakeClosure  Code = 75

	// Iteration
	GetIter Code = 80
	ForIter Code = 81
	GetLen  Code = 82
)

// BinaryOpType describes a type of binary operation, as in an operation that
// takes two operands. For example, addition, subtraction, multiplication, etc.
type BinaryOpType uint16

const (
	Add         BinaryOpType = 1
	Subtract    BinaryOpType = 2
	Multiply    BinaryOpType = 3
	Divide      BinaryOpType = 4
	FloorDivide BinaryOpType = 5
	Modulo      BinaryOpType = 6
	Power       BinaryOpType = 7
)

// String returns a string representation of the binary operation.
// For example "+" for addition.
func (bop BinaryOpType) String() string {
	switch bop {
	case Add:
		return "+"
	case Subtract:
		return "-"
	case Multiply:
		return "*"
	case Divide:
		return "/"
	case FloorDivide:
		return "//"
	case Modulo:
		return "%"
	case Power:
		return "**"
	default:
		return ""
	}
}

// CompareOpType describes a type of comparison operation. For example, less
// than, greater than, equal, etc.
type CompareOpType uint16

const (
	LessThan           CompareOpType = 1
	LessThanOrEqual    CompareOpType = 2
	Equal              CompareOpType = 3
	NotEqual           CompareOpType = 4
	GreaterThan        CompareOpType = 5
	GreaterThanOrEqual CompareOpType = 6
)

// String returns a string representation of the comparison operation.
// For example "<" for less than.
func (cop CompareOpType) String() string {
	switch cop {
	case LessThan:
		return "<"
	case LessThanOrEqual:
		return "<="
	case Equal:
		return "=="
	case NotEqual:
		return "!="
	case GreaterThan:
		return ">"
	case GreaterThanOrEqual:
		return ">="
	default:
		return ""
	}
}

// Info contains information about an opcode.
type Info struct {
	Code         Code
	Name         string
	OperandCount int
}

var infos = make([]Info, 256)

func init() {
	type opInfo struct {
		op    Code
		name  string
		count int
	}
	ops := []opInfo{
		{BinaryOp, "BINARY_OP", 1},
		{Call, "CALL", 1},
		{CallKw, "CALL_KW", 1},
		{CallMethod, "CALL_METHOD", 1},
		{CompareOp, "COMPARE_OP", 1},
		{ContainsOp, "CONTAINS_OP", 1},
		{Copy, "COPY", 1},
		{False, "FALSE", 0},
		{ForIter, "FOR_ITER", 1},
		{GetIter, "GET_ITER", 0},
		{GetLen, "GET_LEN", 0},
		{Jump, "JUMP", 1},
		{JumpIfFalse, "JUMP_IF_FALSE", 1},
		{JumpIfFalseOrPop, "JUMP_IF_FALSE_OR_POP", 1},
		{JumpIfTrue, "JUMP_IF_TRUE", 1},
		{JumpIfTrueOrPop, "JUMP_IF_TRUE_OR_POP", 1},
		{LoadConst, "LOAD_CONST", 1},
		{LoadFast, "LOAD_FAST", 1},
		{LoadGlobal, "LOAD_GLOBAL", 1},
		{LoadMethod, "LOAD_METHOD", 1},
		{LoadName, "LOAD_NAME", 1},
		{MakeClosure, "MAKE_CLOSURE", 1},
		{MakeFunction, "MAKE_FUNCTION", 1},
		{Nil, "NIL", 0},
		{Nop, "NOP", 0},
		{PopJumpIfFalse, "POP_JUMP_IF_FALSE", 1},
		{PopJumpIfNone, "POP_JUMP_IF_NONE", 1},
		{PopJumpIfNotNone, "POP_JUMP_IF_NOT_NONE", 1},
		{PopJumpIfTrue, "POP_JUMP_IF_TRUE", 1},
		{PopTop, "POP_TOP", 0},
		{ReturnValue, "RETURN_VALUE", 0},
		{StoreFast, "STORE_FAST", 1},
		{StoreGlobal, "STORE_GLOBAL", 1},
		{Swap, "SWAP", 1},
		{True, "TRUE", 0},
		{UnaryNegative, "UNARY_NEGATIVE", 0},
		{UnaryNot, "UNARY_NOT", 0},
	}
	for _, o := range ops {
		infos[o.op] = Info{
			Name:         o.name,
			Code:         o.op,
			OperandCount: o.count,
		}
	}
}

// GetInfo returns information about the given opcode. Unknown opcodes,
// including values beyond the table, yield a zero Info with an empty Name.
func GetInfo(op Code) Info {
	if int(op) >= len(infos) {
		return Info{}
	}
	return infos[op]
}

// IsJump returns true if the opcode transfers control to the instruction
// offset given by its operand.
func IsJump(op Code) bool {
	switch op {
	case Jump, JumpIfTrue, JumpIfFalse, PopJumpIfTrue, PopJumpIfFalse,
		JumpIfTrueOrPop, JumpIfFalseOrPop, PopJumpIfNone, PopJumpIfNotNone,
		ForIter:
		return true
	}
	return false
}
