// Package dis disassembles compiled bytecode for debugging.
package dis

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/deepnoodle-ai/starling/bytecode"
	"github.com/deepnoodle-ai/starling/op"
)

// Instruction is one disassembled instruction row.
type Instruction struct {
	Offset  int
	Opcode  string
	Operand string
	Info    string
}

// Disassemble decodes a code block into printable instruction rows.
func Disassemble(code *bytecode.Code) ([]Instruction, error) {
	rows := make([]Instruction, 0, code.InstructionCount())
	for offset := 0; offset < code.InstructionCount(); offset++ {
		instr := code.InstructionAt(offset)
		info := op.GetInfo(instr.Op)
		if info.Name == "" {
			return nil, fmt.Errorf("unknown opcode %d at offset %d", instr.Op, offset)
		}
		row := Instruction{Offset: offset, Opcode: info.Name}
		if info.OperandCount > 0 {
			row.Operand = fmt.Sprintf("%d", instr.Arg)
			row.Info = operandInfo(code, instr)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func operandInfo(code *bytecode.Code, instr bytecode.Instruction) string {
	arg := int(instr.Arg)
	switch instr.Op {
	case op.LoadConst:
		if arg < code.ConstantCount() {
			return constantInfo(code.ConstantAt(arg))
		}
	case op.LoadFast, op.StoreFast:
		if arg < code.VarnameCount() {
			return code.VarnameAt(arg)
		}
	case op.LoadGlobal, op.StoreGlobal, op.LoadName, op.LoadMethod:
		if arg < code.NameCount() {
			return code.NameAt(arg)
		}
	case op.BinaryOp:
		return op.BinaryOpType(arg).String()
	case op.CompareOp:
		return op.CompareOpType(arg).String()
	case op.MakeFunction, op.MakeClosure:
		if arg < code.ConstantCount() {
			if nested, ok := code.ConstantAt(arg).(*bytecode.Code); ok {
				return nested.Name()
			}
		}
	default:
		if op.IsJump(instr.Op) {
			return fmt.Sprintf("-> %d", arg)
		}
	}
	return ""
}

func constantInfo(c any) string {
	switch v := c.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case *bytecode.Code:
		return "code " + v.Name()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Print renders instruction rows as an aligned table.
func Print(rows []Instruction, w io.Writer) {
	widths := []int{len("OFFSET"), len("OPCODE"), len("OPERANDS"), len("INFO")}
	for _, row := range rows {
		for i, cell := range row.cells() {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	opcodeColor := color.New(color.FgCyan)
	divider := rule(widths)
	fmt.Fprintln(w, divider)
	fmt.Fprintf(w, "| %s | %s | %s | %s |\n",
		center("OFFSET", widths[0]), center("OPCODE", widths[1]),
		center("OPERANDS", widths[2]), center("INFO", widths[3]))
	fmt.Fprintln(w, divider)
	for _, row := range rows {
		fmt.Fprintf(w, "| %*d | %s | %*s | %-*s |\n",
			widths[0], row.Offset,
			opcodeColor.Sprintf("%-*s", widths[1], row.Opcode),
			widths[2], row.Operand,
			widths[3], row.Info)
	}
	fmt.Fprintln(w, divider)
}

func (i Instruction) cells() [4]string {
	return [4]string{fmt.Sprintf("%d", i.Offset), i.Opcode, i.Operand, i.Info}
}

func rule(widths []int) string {
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = strings.Repeat("-", w+2)
	}
	return "+" + strings.Join(parts, "+") + "+"
}

func center(s string, width int) string {
	pad := width - len(s)
	left := pad / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", pad-left)
}
