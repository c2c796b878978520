package readiness

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/sshaio/engine"
)

func shortContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestNotifierEventBeforeAwait(t *testing.T) {
	n := NewNotifier()

	// an event between Arm and Await is not lost
	gen := n.Arm()
	n.Notify(engine.Read)
	assert.NoError(t, n.Await(context.Background(), engine.Read, gen))

	// but an event from before Arm does not count
	gen = n.Arm()
	assert.ErrorIs(t, n.Await(shortContext(t), engine.Read, gen), context.DeadlineExceeded)
}

func TestNotifierDirections(t *testing.T) {
	n := NewNotifier()

	gen := n.Arm()
	n.Notify(engine.Write)
	assert.ErrorIs(t, n.Await(shortContext(t), engine.Read, gen), context.DeadlineExceeded)
	assert.NoError(t, n.Await(context.Background(), engine.Write, gen))
	assert.NoError(t, n.Await(context.Background(), engine.ReadWrite, gen))
	assert.NoError(t, n.Await(context.Background(), engine.None, gen))

	// None wakes waiters in either direction
	gen = n.Arm()
	n.Notify(engine.None)
	assert.NoError(t, n.Await(context.Background(), engine.Read, gen))
	assert.NoError(t, n.Await(context.Background(), engine.Write, gen))
}

func TestNotifierWakesWaiters(t *testing.T) {
	n := NewNotifier()
	gen := n.Arm()

	const waiters = 4
	done := make(chan error, waiters)
	for range waiters {
		go func() { done <- n.Await(context.Background(), engine.Read, gen) }()
	}

	time.Sleep(10 * time.Millisecond)
	n.Notify(engine.Write)
	n.Notify(engine.Read)

	for range waiters {
		assert.NoError(t, <-done)
	}
}

func TestNotifierFail(t *testing.T) {
	n := NewNotifier()
	gen := n.Arm()

	done := make(chan error, 1)
	go func() { done <- n.Await(context.Background(), engine.Read, gen) }()

	cause := errors.New("connection reset")
	n.Fail(cause)
	n.Fail(errors.New("ignored"))
	n.Notify(engine.Read)

	err := <-done
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "await read", terr.Op)
	assert.ErrorIs(t, err, cause)

	assert.ErrorIs(t, n.Await(context.Background(), engine.Write, n.Arm()), cause)
}

func TestNotifierClose(t *testing.T) {
	n := NewNotifier()
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	err := n.Await(context.Background(), engine.None, 0)
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, "readiness: await read-write: readiness: source closed", err.Error())
}
