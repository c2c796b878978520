// Package readiness reports when the transport under an SSH engine can make
// progress again after an engine call returned engine.ErrWouldBlock.
package readiness

import (
	"context"

	"github.com/pkg/errors"

	"github.com/pkg/sshaio/engine"
)

var (
	// ErrClosed is the cause of a TransportError returned after Close.
	ErrClosed = errors.New("readiness: source closed")

	// ErrUnsupported is returned by NewSocket when the connection, or the
	// platform, offers no way to poll the underlying descriptor.
	ErrUnsupported = errors.New("readiness: unsupported transport")
)

// Source waits for transport readiness on behalf of the adapter loop.
//
// Arm is called immediately before each engine call and returns a generation
// token. Await blocks until the transport is ready in dir, or, for sources
// that learn about readiness through events, until an event newer than gen
// has arrived. This keeps an event that fires while the engine call is still
// running from being lost.
type Source interface {
	Arm() uint64
	Await(ctx context.Context, dir engine.Direction, gen uint64) error
	Close() error
}

// TransportError is a failure of the transport itself, observed while
// waiting for readiness. It is fatal for the connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "readiness: " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// effective widens None to ReadWrite: an engine that did not say what it is
// waiting for can be woken by either.
func effective(dir engine.Direction) engine.Direction {
	if dir == engine.None {
		return engine.ReadWrite
	}
	return dir
}
