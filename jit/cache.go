package jit

import (
	"sync"

	"github.com/deepnoodle-ai/starling/bytecode"
)

// Cache maps function identities to their compiled code. It is safe for
// concurrent use. An in-flight compilation holds a reservation in the cache:
// concurrent requests for the same function block on the reservation instead
// of compiling a duplicate, and a failed compilation releases it so a later
// attempt can retry.
type Cache struct {
	mu      sync.Mutex
	entries map[bytecode.FunctionID]*cacheEntry
}

type cacheEntry struct {
	ready chan struct{}
	done  bool
	code  *CompiledCode
	err   error
}

// NewCache returns an empty compiled-code cache.
func NewCache() *Cache {
	return &Cache{entries: map[bytecode.FunctionID]*cacheEntry{}}
}

// Get returns the compiled code for a function, if a completed compilation
// is present. It never blocks on an in-flight compilation.
func (c *Cache) Get(id bytecode.FunctionID) (*CompiledCode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || !e.done {
		return nil, false
	}
	return e.code, true
}

// IsCompiled reports whether a completed compilation for the function is
// present in the cache.
func (c *Cache) IsCompiled(id bytecode.FunctionID) bool {
	_, ok := c.Get(id)
	return ok
}

// Invalidate removes the function's cache entry, if any, and reports
// whether an entry was removed. Subsequent compiles of the same function
// run again from scratch.
func (c *Cache) Invalidate(id bytecode.FunctionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	delete(c.entries, id)
	return ok
}

// Len returns the number of cache entries, including reservations held by
// in-flight compilations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// reserve returns the entry for id and whether the caller won the
// reservation. The winner must complete the entry with publish or fail;
// losers wait on the entry's ready channel.
func (c *Cache) reserve(id bytecode.FunctionID) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return e, false
	}
	e := &cacheEntry{ready: make(chan struct{})}
	c.entries[id] = e
	return e, true
}

// publish completes a reservation with successfully compiled code and wakes
// any waiters.
func (c *Cache) publish(e *cacheEntry, code *CompiledCode) {
	c.mu.Lock()
	e.code = code
	e.done = true
	c.mu.Unlock()
	close(e.ready)
}

// fail releases a reservation after a failed compilation. Waiters observe
// the error; the entry is removed so the function can be compiled again.
func (c *Cache) fail(id bytecode.FunctionID, e *cacheEntry, err error) {
	c.mu.Lock()
	e.err = err
	delete(c.entries, id)
	c.mu.Unlock()
	close(e.ready)
}
