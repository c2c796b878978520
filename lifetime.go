package sshaio

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// lifetime is the liveness record of one handle. A child holds a pointer to
// its parent's lifetime but does not keep the parent open.
type lifetime struct {
	parent    *lifetime
	closed    atomic.Bool
	abandoned atomic.Bool
}

func newLifetime(parent *lifetime) *lifetime {
	return &lifetime{parent: parent}
}

func (l *lifetime) close() bool { return !l.closed.Swap(true) }

func (l *lifetime) abandon() { l.abandoned.Store(true) }

func (l *lifetime) isClosed() bool { return l.closed.Load() }

func (l *lifetime) isAbandoned() bool { return l.abandoned.Load() }

// invalidated reports whether any ancestor of l has been closed.
func (l *lifetime) invalidated() bool {
	for p := l.parent; p != nil; p = p.parent {
		if p.closed.Load() {
			return true
		}
	}
	return false
}

// check is run before every operation on the handle.
func (l *lifetime) check(op string) error {
	switch {
	case l.invalidated():
		return errors.Wrap(ErrHandleInvalidated, op)
	case l.closed.Load():
		return errors.Wrap(ErrClosed, op)
	case l.abandoned.Load():
		return errors.Wrap(ErrAbandoned, op)
	}
	return nil
}

// checkClosing is run before close-type operations, which stay allowed on
// abandoned and locally closed handles.
func (l *lifetime) checkClosing(op string) error {
	if l.invalidated() {
		return errors.Wrap(ErrHandleInvalidated, op)
	}
	return nil
}
