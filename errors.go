package sshaio

import (
	"io/fs"

	"github.com/pkg/errors"
)

var (
	// ErrHandleInvalidated is returned by operations on a handle whose owning
	// Session or SFTP has been closed.
	ErrHandleInvalidated = errors.New("sshaio: handle invalidated")

	// ErrAbandoned is returned by operations on a handle after a previous
	// operation on it was cancelled while the engine was mid-exchange.
	// Only Close is allowed.
	ErrAbandoned = errors.New("sshaio: handle abandoned after cancellation")

	// ErrClosed is returned by operations on a handle that was closed.
	ErrClosed = errors.New("sshaio: handle closed")

	// ErrWriteClosed is returned by writes after SendEOF or Close.
	ErrWriteClosed = errors.New("sshaio: write side closed")
)

// CancelError is returned when the context of an operation ends before the
// operation produced a result. If Abandoned is set, the engine had already
// started the operation and the handle can no longer be used.
type CancelError struct {
	Op        string
	Err       error
	Abandoned bool
}

func (e *CancelError) Error() string {
	if e.Abandoned {
		return "sshaio: " + e.Op + ": abandoned: " + e.Err.Error()
	}
	return "sshaio: " + e.Op + ": " + e.Err.Error()
}

func (e *CancelError) Unwrap() error { return e.Err }

// StateError is returned by session operations that are not valid in the
// session's current state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return "sshaio: " + e.Op + ": session is " + e.State.String()
}

func wrapPathError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &fs.PathError{Op: op, Path: path, Err: err}
}

func wrapLinkError(op, oldpath, newpath string, err error) error {
	if err == nil {
		return nil
	}
	return &fs.PathError{Op: op, Path: oldpath + " " + newpath, Err: err}
}
