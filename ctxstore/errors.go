package ctxstore

import (
	"errors"

	"github.com/zot/ctxstore/internal/path"
)

var (
	// ErrNotConnected is returned by every operation on a store that is not open.
	ErrNotConnected = errors.New("ctxstore: not connected")

	// ErrProcedureMissing is returned when a procedure is still unknown to the
	// backing store after it was registered again.
	ErrProcedureMissing = errors.New("ctxstore: procedure missing")
)

// InvalidPathError reports a malformed property path. A call containing one
// fails before anything is sent to the store.
type InvalidPathError = path.InvalidPathError

// TransportError wraps a failure of the backing store connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "ctxstore: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
