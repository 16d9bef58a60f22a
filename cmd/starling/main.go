// Command starling runs a demo workload through the tiering machine: it
// disassembles a sample function, executes it until it tiers up, provokes a
// deoptimization, and can dump the LLVM IR the lowering backend produces.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/deepnoodle-ai/starling"
	"github.com/deepnoodle-ai/starling/bytecode"
	"github.com/deepnoodle-ai/starling/dis"
	"github.com/deepnoodle-ai/starling/ir/llvmgen"
	"github.com/deepnoodle-ai/starling/jit"
	"github.com/deepnoodle-ai/starling/op"
	"github.com/deepnoodle-ai/starling/runtime"
)

func main() {
	var (
		calls     = flag.Int("n", 10, "number of calls to make")
		threshold = flag.Int64("threshold", 3, "hot threshold in calls")
		emitLLVM  = flag.Bool("llvm", false, "print the lowered LLVM IR and exit")
		noColor   = flag.Bool("no-color", false, "disable colored output")
		verbose   = flag.Bool("v", false, "log tier transitions and deopts")
	)
	flag.Parse()
	if *noColor {
		color.NoColor = true
	}
	if err := run(*calls, *threshold, *emitLLVM, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// triangular(n): acc = 0; while n > 0 { acc = acc + n; n = n - 1 }; return acc
func triangularCode() *bytecode.Code {
	return bytecode.NewCode(bytecode.CodeParams{
		Name: "triangular",
		Instructions: []bytecode.Instruction{
			{Op: op.LoadConst, Arg: 0},
			{Op: op.StoreFast, Arg: 1},
			{Op: op.LoadFast, Arg: 0},
			{Op: op.LoadConst, Arg: 0},
			{Op: op.CompareOp, Arg: int32(op.GreaterThan)},
			{Op: op.PopJumpIfFalse, Arg: 15},
			{Op: op.LoadFast, Arg: 1},
			{Op: op.LoadFast, Arg: 0},
			{Op: op.BinaryOp, Arg: int32(op.Add)},
			{Op: op.StoreFast, Arg: 1},
			{Op: op.LoadFast, Arg: 0},
			{Op: op.LoadConst, Arg: 1},
			{Op: op.BinaryOp, Arg: int32(op.Subtract)},
			{Op: op.StoreFast, Arg: 0},
			{Op: op.Jump, Arg: 2},
			{Op: op.LoadFast, Arg: 1},
			{Op: op.ReturnValue},
		},
		Constants:  []any{int64(0), int64(1)},
		Varnames:   []string{"n", "acc"},
		ArgCount:   1,
		LocalCount: 2,
		StackSize:  2,
	})
}

func run(calls int, threshold int64, emitLLVM, verbose bool) error {
	code := triangularCode()

	rows, err := dis.Disassemble(code)
	if err != nil {
		return err
	}
	dis.Print(rows, os.Stdout)

	if emitLLVM {
		return dumpLLVM(code)
	}

	logger := zerolog.Nop()
	if verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel).
			With().Timestamp().Logger()
	}

	m := starling.NewMachine(
		starling.WithHotThreshold(threshold),
		starling.WithLogger(logger),
	)
	fn := m.FunctionFor(code)
	ctx := context.Background()

	for i := 1; i <= calls; i++ {
		result, err := m.Call(ctx, fn, []runtime.Word{runtime.BoxInt(int64(i))})
		if err != nil {
			return err
		}
		tier := "interp"
		if m.Compiler().Cache().IsCompiled(fn.ID) {
			tier = "native"
		}
		fmt.Printf("triangular(%d) = %v  [%s]\n", i, m.Unbox(result), tier)
	}

	// Provoke a deoptimization: a string argument fails the integer guard
	// and the call transparently falls back to the interpreter.
	_, err = m.Call(ctx, fn, []runtime.Word{m.Box("oops")})
	fmt.Printf("triangular(\"oops\") -> %v\n", err)
	return nil
}

func dumpLLVM(code *bytecode.Code) error {
	backend := llvmgen.New()
	compiler := jit.New(backend, runtime.NewHandles())
	if _, err := compiler.Compile(bytecode.NewFunctionID(), code); err != nil {
		return err
	}
	fmt.Println(backend.IR())
	return nil
}
