//go:build linux || darwin || freebsd || netbsd || openbsd

package readiness

import (
	"context"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/pkg/sshaio/engine"
)

// aLongTimeAgo is a deadline that has already passed; setting it wakes
// every goroutine parked on the descriptor.
var aLongTimeAgo = time.Unix(1, 0)

type socket struct {
	conn   net.Conn
	rc     syscall.RawConn
	closed atomic.Bool
}

// NewSocket returns a level-triggered Source for conn, which must implement
// syscall.Conn (as *net.TCPConn and *net.UnixConn do).
//
// Waiting parks the goroutine on the Go runtime poller. Cancellation moves
// the connection's read or write deadline into the past to wake the waiter,
// so the caller must not rely on its own deadlines for conn while a wait
// is in progress.
func NewSocket(conn net.Conn) (Source, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupported, "%T has no file descriptor", conn)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "readiness: syscall conn")
	}
	return &socket{conn: conn, rc: rc}, nil
}

// Arm returns 0; the socket is polled for its current state, so no generation is needed.
func (s *socket) Arm() uint64 { return 0 }

func (s *socket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	// wake any waiter; they observe closed and return
	_ = s.conn.SetDeadline(aLongTimeAgo)
	return nil
}

func (s *socket) Await(ctx context.Context, dir engine.Direction, _ uint64) error {
	if s.closed.Load() {
		return &TransportError{Op: "await " + dir.String(), Err: ErrClosed}
	}

	switch effective(dir) {
	case engine.Read:
		return s.await(ctx, engine.Read)
	case engine.Write:
		return s.await(ctx, engine.Write)
	}

	var perr error
	var ready bool
	if err := s.rc.Control(func(fd uintptr) {
		ready, perr = pollNow(fd, unix.POLLIN|unix.POLLOUT)
	}); err != nil {
		return &TransportError{Op: "await read-write", Err: err}
	}
	if perr != nil {
		return &TransportError{Op: "await read-write", Err: perr}
	}
	if ready {
		return nil
	}

	both, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- s.await(both, engine.Read) }()
	go func() { errc <- s.await(both, engine.Write) }()

	err := <-errc
	cancel()
	<-errc
	return err
}

func (s *socket) await(ctx context.Context, dir engine.Direction) error {
	wait, setDeadline, events := s.rc.Read, s.conn.SetReadDeadline, int16(unix.POLLIN)
	if dir == engine.Write {
		wait, setDeadline, events = s.rc.Write, s.conn.SetWriteDeadline, int16(unix.POLLOUT)
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = setDeadline(aLongTimeAgo)
	})
	defer func() {
		if !stop() {
			<-fired
			_ = setDeadline(time.Time{})
		}
	}()

	for {
		var perr error
		err := wait(func(fd uintptr) bool {
			var ready bool
			ready, perr = pollNow(fd, events)
			return ready || perr != nil
		})
		if err == nil {
			err = perr
		}

		switch {
		case err == nil:
			return nil
		case s.closed.Load():
			return &TransportError{Op: "await " + dir.String(), Err: ErrClosed}
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, os.ErrDeadlineExceeded):
			// another waiter was cancelled and moved the shared deadline
			_ = setDeadline(time.Time{})
		default:
			return &TransportError{Op: "await " + dir.String(), Err: err}
		}
	}
}

// pollNow reports whether fd is ready for events without blocking.
// A socket error pending on fd is returned as the error.
func pollNow(fd uintptr, events int16) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}

		revents := fds[0].Revents
		switch {
		case revents&unix.POLLNVAL != 0:
			return false, unix.EBADF
		case revents&unix.POLLERR != 0:
			serr, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
			if err != nil {
				return false, err
			}
			if serr != 0 {
				return false, syscall.Errno(serr)
			}
			return false, unix.EIO
		}
		// POLLHUP counts as readable: the engine sees end of stream on its next read.
		return true, nil
	}
}
