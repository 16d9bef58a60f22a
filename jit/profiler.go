package jit

import (
	"sync"

	"github.com/deepnoodle-ai/starling/bytecode"
)

// DefaultHotThreshold is the call count at which a function becomes a
// compilation candidate.
const DefaultHotThreshold = 100

// Tier identifies the execution tier a function currently runs in.
type Tier int

const (
	// TierInterpreted runs bytecode directly in the interpreter.
	TierInterpreted Tier = iota
	// TierBaseline runs code produced by the baseline compiler.
	TierBaseline
)

// String returns the name of the tier.
func (t Tier) String() string {
	switch t {
	case TierInterpreted:
		return "interpreted"
	case TierBaseline:
		return "baseline"
	default:
		return "unknown"
	}
}

// Profiler counts function invocations and flags functions that cross the
// hot threshold. It is safe for concurrent use.
type Profiler struct {
	mu        sync.Mutex
	threshold int64
	counts    map[bytecode.FunctionID]int64
}

// NewProfiler returns a profiler with the given hot threshold. A threshold
// of zero or less uses DefaultHotThreshold.
func NewProfiler(threshold int64) *Profiler {
	if threshold <= 0 {
		threshold = DefaultHotThreshold
	}
	return &Profiler{
		threshold: threshold,
		counts:    map[bytecode.FunctionID]int64{},
	}
}

// RecordCall counts one invocation of the function and reports whether this
// call made it hot. It returns true exactly once per function, on the call
// that reaches the threshold.
func (p *Profiler) RecordCall(id bytecode.FunctionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[id]++
	return p.counts[id] == p.threshold
}

// IsHot reports whether the function has reached the hot threshold.
func (p *Profiler) IsHot(id bytecode.FunctionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[id] >= p.threshold
}

// CallCount returns the number of recorded invocations for the function.
func (p *Profiler) CallCount(id bytecode.FunctionID) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[id]
}

// Forget clears the function's call count, e.g. after its compiled code is
// invalidated, so it must re-earn compilation.
func (p *Profiler) Forget(id bytecode.FunctionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counts, id)
}

// Reset clears all call counts.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts = map[bytecode.FunctionID]int64{}
}
