package jit

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/deepnoodle-ai/starling/bytecode"
	"github.com/deepnoodle-ai/starling/ir"
	"github.com/deepnoodle-ai/starling/runtime"
)

// DefaultMaxInstructions is the size threshold above which functions are
// rejected rather than compiled. Very large functions are rare and their
// compile time is better spent elsewhere.
const DefaultMaxInstructions = 10000

// Compiler translates bytecode functions into native code through an IR
// backend. A compiler is safe for concurrent use: the cache serializes
// per-function compilation, and the backend's one-function-at-a-time
// constraint is upheld by the compiler's own lock.
type Compiler struct {
	backend ir.Backend
	handles *runtime.Handles
	cache   *Cache
	logger  zerolog.Logger
	maxInst int

	compileMu chan struct{} // backend admission, one compilation at a time
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithCache sets the compiled-code cache. Sharing one cache between
// compilers is allowed.
func WithCache(cache *Cache) Option {
	return func(c *Compiler) {
		c.cache = cache
	}
}

// WithLogger sets the logger used for per-compilation diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Compiler) {
		c.logger = logger
	}
}

// WithMaxInstructions sets the instruction-count threshold above which
// functions are rejected with ErrCodeTooLarge.
func WithMaxInstructions(n int) Option {
	return func(c *Compiler) {
		c.maxInst = n
	}
}

// New returns a compiler that emits code through the given backend. The
// handle table is shared with the host runtime so that function identities
// baked into generated code can be resolved back during deoptimization.
func New(backend ir.Backend, handles *runtime.Handles, opts ...Option) *Compiler {
	c := &Compiler{
		backend:   backend,
		handles:   handles,
		cache:     NewCache(),
		logger:    zerolog.Nop(),
		maxInst:   DefaultMaxInstructions,
		compileMu: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cache returns the compiled-code cache.
func (c *Compiler) Cache() *Cache {
	return c.cache
}

// ResolveFuncID maps a function-identity word found in generated code back
// to the bytecode function it identifies.
func (c *Compiler) ResolveFuncID(w runtime.Word) (bytecode.FunctionID, bool) {
	id, ok := c.handles.Get(w).(bytecode.FunctionID)
	return id, ok
}

// Compile returns compiled code for the function, compiling it on first
// use. Concurrent calls for the same function result in exactly one
// compilation; the losers block until it completes and share its result.
// Compiling the same function twice returns the cached code unchanged.
func (c *Compiler) Compile(id bytecode.FunctionID, code *bytecode.Code) (*CompiledCode, error) {
	entry, winner := c.cache.reserve(id)
	if !winner {
		<-entry.ready
		if entry.err != nil {
			return nil, entry.err
		}
		return entry.code, nil
	}

	compiled, err := c.compileFunc(id, code)
	if err != nil {
		c.cache.fail(id, entry, err)
		c.logger.Debug().
			Str("func_id", string(id)).
			Err(err).
			Msg("compilation failed")
		return nil, err
	}
	c.cache.publish(entry, compiled)
	c.logger.Debug().
		Str("func_id", string(id)).
		Str("name", code.Name()).
		Int("size", compiled.Size()).
		Int("guards", len(compiled.Guards())).
		Msg("compiled function")
	return compiled, nil
}

func (c *Compiler) compileFunc(id bytecode.FunctionID, code *bytecode.Code) (*CompiledCode, error) {
	if err := code.Validate(); err != nil {
		return nil, newError(ErrInvalidBytecode, id, err)
	}
	if code.Flags().Has(bytecode.FlagGenerator) || code.Flags().Has(bytecode.FlagCoroutine) {
		return nil, newError(ErrUnsupportedOpcode, id,
			errors.New("generator and coroutine functions are not compiled"))
	}
	if code.InstructionCount() > c.maxInst {
		return nil, newError(ErrCodeTooLarge, id,
			fmt.Errorf("%d instructions exceeds limit of %d", code.InstructionCount(), c.maxInst))
	}

	c.compileMu <- struct{}{}
	defer func() { <-c.compileMu }()

	name := code.Name()
	if name == "" {
		name = "anonymous"
	}
	builder, err := c.backend.NewFunction(ir.Signature{Name: name, NumParams: 3})
	if err != nil {
		return nil, newError(ErrModule, id, err)
	}

	idWord := c.handles.Alloc(id)
	tr := newTranslation(builder, id, idWord, code)
	if err := tr.run(); err != nil {
		builder.Abort()
		c.backend.Reset()
		return nil, err
	}

	fn, err := builder.Finalize()
	if err != nil {
		c.backend.Reset()
		if errors.Is(err, ir.ErrUnresolvedImport) {
			return nil, newError(ErrNativeBackend, id, err)
		}
		return nil, newError(ErrCompilationFailed, id, err)
	}

	return &CompiledCode{
		funcID: id,
		fn:     fn,
		guards: tr.guards,
		meta:   tr.meta,
	}, nil
}
