package bytecode

import (
	"fmt"

	"github.com/deepnoodle-ai/starling/op"
	"github.com/hashicorp/go-multierror"
)

// Validate checks structural invariants of the code object and returns an
// error describing every violation found, or nil if the code is well-formed.
// It does not execute or type-check the code. The checked invariants:
//
//   - every opcode is known
//   - every jump target is a valid instruction offset
//   - every constant, name, and local index is in range
//   - the local slot count covers all parameters
func (c *Code) Validate() error {
	var result *multierror.Error

	if c.localCount < c.argCount+c.kwOnlyCount {
		result = multierror.Append(result, fmt.Errorf(
			"local count %d is less than parameter count %d",
			c.localCount, c.argCount+c.kwOnlyCount))
	}

	count := len(c.instructions)
	for offset, instr := range c.instructions {
		info := op.GetInfo(instr.Op)
		if info.Name == "" {
			result = multierror.Append(result, fmt.Errorf(
				"unknown opcode %d at offset %d", instr.Op, offset))
			continue
		}
		arg := int(instr.Arg)
		switch {
		case op.IsJump(instr.Op):
			if arg < 0 || arg >= count {
				result = multierror.Append(result, fmt.Errorf(
					"%s at offset %d jumps to invalid offset %d",
					info.Name, offset, arg))
			}
		case instr.Op == op.LoadConst, instr.Op == op.MakeFunction, instr.Op == op.MakeClosure:
			if arg < 0 || arg >= len(c.constants) {
				result = multierror.Append(result, fmt.Errorf(
					"%s at offset %d references invalid constant %d",
					info.Name, offset, arg))
			}
		case instr.Op == op.LoadFast, instr.Op == op.StoreFast:
			if arg < 0 || arg >= c.localCount {
				result = multierror.Append(result, fmt.Errorf(
					"%s at offset %d references invalid local slot %d",
					info.Name, offset, arg))
			}
		case instr.Op == op.LoadGlobal, instr.Op == op.StoreGlobal,
			instr.Op == op.LoadName, instr.Op == op.LoadMethod:
			if arg < 0 || arg >= len(c.names) {
				result = multierror.Append(result, fmt.Errorf(
					"%s at offset %d references invalid name %d",
					info.Name, offset, arg))
			}
		}
	}

	return result.ErrorOrNil()
}
