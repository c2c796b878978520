package sshaio

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/pkg/sshaio/engine"
)

// Channel is an SSH channel. Its data stream is read and written directly;
// other extended-data streams, such as stderr, are reached through Stream.
//
// A Channel tracks its own half-close: after SendEOF writes fail with
// ErrWriteClosed, and after a read of the data stream reports io.EOF
// further reads return io.EOF without consulting the engine.
type Channel struct {
	c    *conn
	life *lifetime
	ch   engine.Channel

	mu           sync.Mutex
	writeClosed  bool
	readClosed   bool
	remoteClosed bool
}

func newChannel(c *conn, owner *lifetime, ch engine.Channel) *Channel {
	return &Channel{
		c:    c,
		life: newLifetime(owner),
		ch:   ch,
	}
}

// Setenv sets an environment variable for a later Exec or Shell.
func (ch *Channel) Setenv(ctx context.Context, name, value string) error {
	return exec(ctx, ch.c, ch.life, "setenv", func() error {
		return ch.ch.Setenv(name, value)
	})
}

// RequestPty requests a pseudo-terminal of the given size.
func (ch *Channel) RequestPty(ctx context.Context, term string, width, height int, modes ssh.TerminalModes) error {
	return exec(ctx, ch.c, ch.life, "request pty", func() error {
		return ch.ch.RequestPty(term, width, height, modes)
	})
}

// WindowChange reports a new terminal size.
func (ch *Channel) WindowChange(ctx context.Context, width, height int) error {
	return exec(ctx, ch.c, ch.life, "window change", func() error {
		return ch.ch.WindowChange(width, height)
	})
}

// Exec starts cmd on the server.
func (ch *Channel) Exec(ctx context.Context, cmd string) error {
	return exec(ctx, ch.c, ch.life, "exec", func() error {
		return ch.ch.Exec(cmd)
	})
}

// Shell starts the user's login shell on the server.
func (ch *Channel) Shell(ctx context.Context) error {
	return exec(ctx, ch.c, ch.life, "shell", ch.ch.Shell)
}

// Subsystem starts the named subsystem on the server.
func (ch *Channel) Subsystem(ctx context.Context, name string) error {
	return exec(ctx, ch.c, ch.life, "subsystem", func() error {
		return ch.ch.Subsystem(name)
	})
}

// Read reads from the data stream. At end of stream it returns 0, io.EOF.
func (ch *Channel) Read(ctx context.Context, p []byte) (int, error) {
	return ch.read(ctx, engine.StreamData, p)
}

// Write writes to the data stream. It may write fewer than len(p) bytes
// when the remote window is short; the count is returned with a nil error.
func (ch *Channel) Write(ctx context.Context, p []byte) (int, error) {
	return ch.write(ctx, engine.StreamData, p)
}

// Flush discards unread data on the data stream.
func (ch *Channel) Flush(ctx context.Context) error {
	return ch.flush(ctx, engine.StreamData)
}

// Stderr returns the stderr extended-data stream.
func (ch *Channel) Stderr() *Stream {
	return ch.Stream(engine.StreamStderr)
}

// Stream returns the extended-data stream with the given id.
// Stream(0) is the data stream.
func (ch *Channel) Stream(id int) *Stream {
	return &Stream{ch: ch, id: id}
}

// IO returns an io.ReadWriteCloser over the data stream whose calls use ctx.
// Write writes all of p. Close sends EOF.
func (ch *Channel) IO(ctx context.Context) io.ReadWriteCloser {
	return &channelIO{Stream: Stream{ch: ch, id: engine.StreamData}, ctx: ctx}
}

func (ch *Channel) read(ctx context.Context, stream int, p []byte) (int, error) {
	if stream == engine.StreamData {
		ch.mu.Lock()
		done := ch.readClosed
		ch.mu.Unlock()

		if done {
			if err := ch.life.check("read"); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
	}

	if len(p) == 0 {
		return 0, ch.life.check("read")
	}

	n, err := call(ctx, ch.c, ch.life, "read", func() (int, error) {
		return ch.ch.Read(stream, p)
	})
	if errors.Is(err, io.EOF) {
		if stream == engine.StreamData {
			ch.mu.Lock()
			ch.readClosed = true
			ch.mu.Unlock()
		}
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	return n, err
}

func (ch *Channel) write(ctx context.Context, stream int, p []byte) (int, error) {
	ch.mu.Lock()
	done := ch.writeClosed
	ch.mu.Unlock()

	if done {
		return 0, errors.Wrap(ErrWriteClosed, "write")
	}
	if len(p) == 0 {
		return 0, ch.life.check("write")
	}

	return call(ctx, ch.c, ch.life, "write", func() (int, error) {
		return ch.ch.Write(stream, p)
	})
}

func (ch *Channel) flush(ctx context.Context, stream int) error {
	return exec(ctx, ch.c, ch.life, "flush", func() error {
		return ch.ch.Flush(stream)
	})
}

// SendEOF tells the server that no more data will be written.
func (ch *Channel) SendEOF(ctx context.Context) error {
	ch.mu.Lock()
	done := ch.writeClosed
	ch.mu.Unlock()

	if done {
		return nil
	}

	if err := exec(ctx, ch.c, ch.life, "send eof", ch.ch.SendEOF); err != nil {
		return err
	}

	ch.mu.Lock()
	ch.writeClosed = true
	ch.mu.Unlock()
	return nil
}

// WaitEOF waits until the server has sent EOF. Data sent before the EOF
// can still be read.
func (ch *Channel) WaitEOF(ctx context.Context) error {
	return exec(ctx, ch.c, ch.life, "wait eof", ch.ch.WaitEOF)
}

// EOF reports whether the server has sent EOF and all data has been read.
func (ch *Channel) EOF() bool {
	if ch.life.check("eof") != nil {
		return true
	}

	ch.mu.Lock()
	done := ch.readClosed
	ch.mu.Unlock()

	if done {
		return true
	}

	var eof bool
	ch.c.do(func() { eof = ch.ch.EOF() })
	return eof
}

// Closed reports whether the channel is closed in both directions, either
// by SendEOF and reading to the end of the data stream, or by WaitClose.
func (ch *Channel) Closed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.remoteClosed || ch.writeClosed && ch.readClosed
}

// Close sends a channel close. The server's exit status and signal remain
// available through WaitClose, ExitStatus and ExitSignal; reads and writes
// fail afterwards with ErrClosed.
//
// Close is allowed on a channel abandoned by a cancelled operation.
func (ch *Channel) Close(ctx context.Context) error {
	if ch.life.isClosed() {
		return nil
	}

	err := execClosing(ctx, ch.c, ch.life, "close", ch.ch.Close)
	if err != nil && ch.life.invalidated() {
		return err
	}

	ch.life.close()

	ch.mu.Lock()
	ch.writeClosed = true
	ch.mu.Unlock()

	return err
}

// WaitClose waits for the server to close the channel, after Close.
func (ch *Channel) WaitClose(ctx context.Context) error {
	if err := execClosing(ctx, ch.c, ch.life, "wait close", ch.ch.WaitClose); err != nil {
		return err
	}

	ch.mu.Lock()
	ch.writeClosed = true
	ch.remoteClosed = true
	ch.mu.Unlock()
	return nil
}

// ExitStatus returns the exit status sent by the server. It is only
// meaningful after WaitClose.
func (ch *Channel) ExitStatus(ctx context.Context) (int, error) {
	return callClosing(ctx, ch.c, ch.life, "exit status", ch.ch.ExitStatus)
}

// ExitSignal returns the signal that terminated the remote command, if any.
// It is only meaningful after WaitClose.
func (ch *Channel) ExitSignal(ctx context.Context) (engine.ExitSignal, error) {
	return callClosing(ctx, ch.c, ch.life, "exit signal", ch.ch.ExitSignal)
}

// Stream is one stream of a Channel, identified by its extended-data id.
type Stream struct {
	ch *Channel
	id int
}

// ID returns the extended-data id of the stream.
func (s *Stream) ID() int { return s.id }

// Read reads from the stream. At end of stream it returns 0, io.EOF.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	return s.ch.read(ctx, s.id, p)
}

// Write writes to the stream, possibly fewer than len(p) bytes.
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	return s.ch.write(ctx, s.id, p)
}

// Flush discards unread data on the stream.
func (s *Stream) Flush(ctx context.Context) error {
	return s.ch.flush(ctx, s.id)
}

// IO returns an io.ReadWriter over the stream whose calls use ctx.
// Write writes all of p.
func (s *Stream) IO(ctx context.Context) io.ReadWriter {
	return &channelIO{Stream: *s, ctx: ctx}
}

type channelIO struct {
	Stream
	ctx context.Context
}

func (c *channelIO) Read(p []byte) (int, error) {
	return c.Stream.Read(c.ctx, p)
}

func (c *channelIO) Write(p []byte) (int, error) {
	var written int
	for written < len(p) {
		n, err := c.Stream.Write(c.ctx, p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

func (c *channelIO) Close() error {
	return c.ch.SendEOF(c.ctx)
}
