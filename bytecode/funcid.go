package bytecode

import (
	"github.com/gofrs/uuid"
)

// FunctionID is a process-wide-unique identifier for one compilable unit.
// It is stable across repeated compile attempts for the same logical
// function and is used by the JIT solely as a cache key.
type FunctionID string

// NewFunctionID returns a new unique FunctionID.
func NewFunctionID() FunctionID {
	return FunctionID(uuid.Must(uuid.NewV4()).String())
}

// String returns the identifier as a string.
func (id FunctionID) String() string {
	return string(id)
}
