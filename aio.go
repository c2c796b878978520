package sshaio

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/pkg/sshaio/engine"
	"github.com/pkg/sshaio/readiness"
)

// conn is the state shared by a Session and every handle derived from it.
type conn struct {
	eng engine.Session

	// guard serializes engine calls. semaphore.Weighted serves waiters in
	// FIFO order and honours context cancellation while queued.
	guard *semaphore.Weighted

	// src is set by Connect before the first engine call that can block,
	// and is not changed afterwards. Session.mu guards the write and the
	// read in Close, which may run while Connect is in progress.
	src readiness.Source

	log     zerolog.Logger
	metrics *Metrics

	// broken holds the first transport failure; it is fatal to the connection.
	broken atomic.Pointer[error]
}

func newConn(eng engine.Session, log zerolog.Logger, m *Metrics) *conn {
	return &conn{
		eng:     eng,
		guard:   semaphore.NewWeighted(1),
		log:     log,
		metrics: m,
	}
}

func (c *conn) fail(err error) {
	c.broken.CompareAndSwap(nil, &err)
}

func (c *conn) err() error {
	if p := c.broken.Load(); p != nil {
		return *p
	}
	return nil
}

// do runs a call that never reports would-block, such as a state query,
// under the guard.
func (c *conn) do(fn func()) {
	_ = c.guard.Acquire(context.Background(), 1)
	defer c.guard.Release(1)
	fn()
}

// call runs fn on behalf of handle h until it stops reporting
// engine.ErrWouldBlock. fn must repeat the identical engine call each time.
func call[T any](ctx context.Context, c *conn, h *lifetime, op string, fn func() (T, error)) (T, error) {
	return run(ctx, c, h, op, h.check, fn)
}

// callClosing is call for close-type operations, which stay allowed on
// abandoned and closed handles.
func callClosing[T any](ctx context.Context, c *conn, h *lifetime, op string, fn func() (T, error)) (T, error) {
	return run(ctx, c, h, op, h.checkClosing, fn)
}

// exec is call for operations with no result value.
func exec(ctx context.Context, c *conn, h *lifetime, op string, fn func() error) error {
	_, err := call(ctx, c, h, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func execClosing(ctx context.Context, c *conn, h *lifetime, op string, fn func() error) error {
	_, err := callClosing(ctx, c, h, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func run[T any](ctx context.Context, c *conn, h *lifetime, op string, check func(string) error, fn func() (T, error)) (T, error) {
	var zero T

	// started is set once the engine has accepted the operation and
	// reported would-block; from then on it cannot be abandoned cleanly.
	started := false

	cancelled := func(err error) (T, error) {
		if started {
			h.abandon()
			c.log.Debug().Str("op", op).Err(err).Msg("operation abandoned")
		}
		return zero, &CancelError{Op: op, Err: err, Abandoned: started}
	}

	for {
		if err := check(op); err != nil {
			return zero, err
		}
		if err := c.err(); err != nil {
			return zero, err
		}
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}

		queued := time.Now()
		if err := c.guard.Acquire(ctx, 1); err != nil {
			return cancelled(err)
		}
		c.metrics.observeGuardWait(time.Since(queued))

		// the handle, or one of its owners, may have been closed while queued.
		if err := check(op); err != nil {
			c.guard.Release(1)
			return zero, err
		}

		gen := c.src.Arm()
		v, err := fn()
		if !errors.Is(err, engine.ErrWouldBlock) {
			c.guard.Release(1)
			c.metrics.observeCall(op, err)
			return v, err
		}

		dir := c.eng.BlockDirections()
		c.guard.Release(1)
		started = true

		c.metrics.observeSuspension(op, dir)
		c.log.Trace().Str("op", op).Stringer("direction", dir).Msg("suspend")

		if err := c.src.Await(ctx, dir, gen); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return cancelled(ctxErr)
			}
			// closing the session closes its source under waiting handles.
			if cerr := check(op); cerr != nil {
				return zero, cerr
			}

			var terr *readiness.TransportError
			if errors.As(err, &terr) {
				c.fail(err)
			}
			c.log.Debug().Str("op", op).Err(err).Msg("readiness failed")
			return zero, err
		}

		c.log.Trace().Str("op", op).Msg("resume")
	}
}
