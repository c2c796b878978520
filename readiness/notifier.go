package readiness

import (
	"context"
	"sync"

	"github.com/pkg/sshaio/engine"
)

// Notifier is a Source driven by explicit events rather than a descriptor.
// Engines that do their I/O on background goroutines call Notify whenever
// an operation makes progress.
//
// The zero value is not usable; call NewNotifier.
type Notifier struct {
	mu   sync.Mutex
	gen  uint64
	read uint64 // generation of the latest read event
	wr   uint64 // generation of the latest write event
	wake chan struct{}
	err  error
}

// NewNotifier returns a Notifier with no pending events.
func NewNotifier() *Notifier {
	return &Notifier{wake: make(chan struct{})}
}

// Arm returns the current event generation.
func (n *Notifier) Arm() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gen
}

// Notify records a readiness event in dir and wakes every waiter.
func (n *Notifier) Notify(dir engine.Direction) {
	dir = effective(dir)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.err != nil {
		return
	}
	n.gen++
	if dir.Readable() {
		n.read = n.gen
	}
	if dir.Writable() {
		n.wr = n.gen
	}
	close(n.wake)
	n.wake = make(chan struct{})
}

// Fail makes every current and future Await return a TransportError wrapping err.
func (n *Notifier) Fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.err != nil {
		return
	}
	n.err = err
	close(n.wake)
}

// Close is Fail(ErrClosed).
func (n *Notifier) Close() error {
	n.Fail(ErrClosed)
	return nil
}

// Await returns once an event intersecting dir with a generation newer than gen
// has been recorded.
func (n *Notifier) Await(ctx context.Context, dir engine.Direction, gen uint64) error {
	dir = effective(dir)

	for {
		n.mu.Lock()
		if n.err != nil {
			err := n.err
			n.mu.Unlock()
			return &TransportError{Op: "await " + dir.String(), Err: err}
		}
		if (dir.Readable() && n.read > gen) || (dir.Writable() && n.wr > gen) {
			n.mu.Unlock()
			return nil
		}
		wake := n.wake
		n.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
