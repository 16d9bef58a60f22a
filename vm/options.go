package vm

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/deepnoodle-ai/starling/runtime"
)

// Option is a configuration function for a Machine.
type Option func(*Machine)

// WithBackend enables the compiled tier with the given backend factory.
// The factory receives the machine's trampoline set so generated code can
// call back into the runtime.
func WithBackend(factory BackendFactory) Option {
	return func(m *Machine) {
		m.backendFactory = factory
	}
}

// WithHotThreshold sets the call count at which functions are compiled.
// Only meaningful together with WithBackend.
func WithHotThreshold(threshold int64) Option {
	return func(m *Machine) {
		m.hotThreshold = threshold
	}
}

// WithGlobals provides global variables with the given names.
func WithGlobals(globals map[string]any) Option {
	return func(m *Machine) {
		if m.inputGlobals == nil {
			m.inputGlobals = map[string]any{}
		}
		for name, value := range globals {
			m.inputGlobals[name] = value
		}
	}
}

// WithLogger sets the logger for tier transitions and deoptimizations.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithStdout sets the writer used by the print builtin.
func WithStdout(w io.Writer) Option {
	return func(m *Machine) {
		m.stdout = w
	}
}

// WithDeoptSink sets an observer for deoptimization events. The sink is
// called synchronously before the machine resumes in the interpreter, so
// implementations should be fast.
func WithDeoptSink(sink runtime.DeoptSink) Option {
	return func(m *Machine) {
		m.deoptSink = sink
	}
}

// WithContextCheckInterval sets how often the interpreter checks ctx.Done()
// during execution, in instructions. A value of 0 disables the check.
func WithContextCheckInterval(interval int) Option {
	return func(m *Machine) {
		m.contextCheckInterval = interval
	}
}
