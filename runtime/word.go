// Package runtime defines the value-representation ABI shared between
// JIT-generated code and the host runtime, along with the trampoline
// contracts that generated code calls back into.
//
// Values are opaque machine words:
//
//   - 0 is the null sentinel, which doubles as none, false, and the
//     "deoptimized" return value of compiled functions
//   - odd words are boxed small integers: BoxInt(v) == v<<1 | 1
//   - even non-zero words are handles into a host Handles table
//
// The integer encoding is order-preserving, so native signed comparison of
// two boxed integers gives the same result as comparing the integers.
package runtime

import "sync"

// Word is one opaque machine word passed between generated code and the
// host runtime.
type Word uint64

// Null is the sentinel word: none, false, and the deopt return value.
const Null Word = 0

// True is the canonical true word.
var True = BoxInt(1)

// BoxInt boxes a small integer as a tagged word.
func BoxInt(v int64) Word {
	return Word(uint64(v)<<1 | 1)
}

// UnboxInt returns the integer stored in a boxed integer word.
func UnboxInt(w Word) int64 {
	return int64(w) >> 1
}

// IsInt returns true if the word is a boxed integer.
func IsInt(w Word) bool {
	return w&1 == 1
}

// IsHandle returns true if the word is an object handle.
func IsHandle(w Word) bool {
	return w != 0 && w&1 == 0
}

// BoxBool returns the word encoding of a boolean.
func BoxBool(b bool) Word {
	if b {
		return True
	}
	return Null
}

// Truthy reports the truth value of a word: everything but Null is true.
func Truthy(w Word) bool {
	return w != Null
}

// Handles maps even non-zero words to host objects. Handle words are
// never reused within the lifetime of a table. Safe for concurrent use.
type Handles struct {
	mu      sync.RWMutex
	objects []any
}

// NewHandles creates an empty handle table.
func NewHandles() *Handles {
	return &Handles{}
}

// Alloc stores an object and returns its handle word.
func (h *Handles) Alloc(obj any) Word {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.objects = append(h.objects, obj)
	return Word(uint64(len(h.objects)) << 1)
}

// Get returns the object for a handle word, or nil if the word is not a
// valid handle.
func (h *Handles) Get(w Word) any {
	if !IsHandle(w) {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	index := int(uint64(w)>>1) - 1
	if index < 0 || index >= len(h.objects) {
		return nil
	}
	return h.objects[index]
}

// Len returns the number of allocated handles.
func (h *Handles) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.objects)
}
