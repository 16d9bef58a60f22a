// Package starling executes bytecode with a tiering virtual machine: cold
// functions run in an interpreter and hot functions are compiled to native
// code with speculative integer fast paths.
package starling

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/deepnoodle-ai/starling/bytecode"
	"github.com/deepnoodle-ai/starling/ir"
	"github.com/deepnoodle-ai/starling/ir/irvm"
	"github.com/deepnoodle-ai/starling/runtime"
	"github.com/deepnoodle-ai/starling/vm"
)

// Option describes a function used to configure an evaluation.
type Option func(*config)

type config struct {
	globals      map[string]any
	logger       zerolog.Logger
	hotThreshold int64
	withoutJIT   bool
}

// WithGlobals provides global variables that are made available to the
// executed code. This option is additive, so multiple WithGlobals options
// may be supplied. If the same key is supplied multiple times, the last
// supplied value is used.
func WithGlobals(globals map[string]any) Option {
	return func(cfg *config) {
		for k, v := range globals {
			cfg.globals[k] = v
		}
	}
}

// WithGlobal supplies a single named global variable.
func WithGlobal(name string, value any) Option {
	return func(cfg *config) {
		cfg.globals[name] = value
	}
}

// WithLogger sets the logger used for compilation and deoptimization
// diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithHotThreshold sets the call count at which functions are compiled.
func WithHotThreshold(threshold int64) Option {
	return func(cfg *config) {
		cfg.hotThreshold = threshold
	}
}

// WithoutJIT disables the compiled tier; all code runs in the interpreter.
func WithoutJIT() Option {
	return func(cfg *config) {
		cfg.withoutJIT = true
	}
}

// NewMachine builds a machine configured by the given options. By default
// the compiled tier is enabled with the executing IR backend.
func NewMachine(opts ...Option) *vm.Machine {
	cfg := &config{
		globals: map[string]any{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	vmOpts := []vm.Option{
		vm.WithGlobals(cfg.globals),
		vm.WithLogger(cfg.logger),
	}
	if !cfg.withoutJIT {
		vmOpts = append(vmOpts, vm.WithBackend(func(tramps runtime.Trampolines) ir.Backend {
			return irvm.New(tramps)
		}))
		if cfg.hotThreshold > 0 {
			vmOpts = append(vmOpts, vm.WithHotThreshold(cfg.hotThreshold))
		}
	}
	return vm.New(vmOpts...)
}

// Call executes a code block with the given arguments and returns the
// unboxed result.
func Call(ctx context.Context, code *bytecode.Code, args []any, opts ...Option) (any, error) {
	m := NewMachine(opts...)
	words := make([]runtime.Word, len(args))
	for i, a := range args {
		words[i] = m.Box(a)
	}
	result, err := m.Call(ctx, m.FunctionFor(code), words)
	if err != nil {
		return nil, err
	}
	return m.Unbox(result), nil
}
