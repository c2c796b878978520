package enginetest

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/pkg/sshaio/engine"
)

// Channel is an in-memory channel. Session channels run a line shell on the
// data written to them:
//
//	echo WORDS   writes WORDS and a newline to stdout
//	warn WORDS   writes WORDS and a newline to stderr
//	exit N       ends the shell with status N
//
// EOF from the client ends the shell with status 0. Direct-tcpip channels
// echo their input back instead.
type Channel struct {
	e    *Engine
	h    handle
	id   int
	kind string
	echo bool

	mu         sync.Mutex
	env        map[string]string
	pty        string
	command    string
	subsystem  string
	line       []byte
	out        [2]bytes.Buffer
	peerEOF    bool
	peerClosed bool
	eofSent    bool
	closeSent  bool
	exitStatus int
	exitSignal engine.ExitSignal
}

var _ engine.Channel = (*Channel)(nil)

// Kind returns the channel type.
func (c *Channel) Kind() string { return c.kind }

// Env returns the variables set with Setenv.
func (c *Channel) Env() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.env))
	for k, v := range c.env {
		out[k] = v
	}
	return out
}

// Pty returns the terminal type of the requested pty, if any.
func (c *Channel) Pty() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pty
}

// Command returns the command passed to Exec.
func (c *Channel) Command() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.command
}

// EOFSent reports whether the client sent EOF.
func (c *Channel) EOFSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eofSent
}

// CloseSent reports whether the client sent a channel close.
func (c *Channel) CloseSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeSent
}

// Send delivers data from the peer on stream.
func (c *Channel) Send(stream int, data []byte) {
	c.mu.Lock()
	c.out[stream].Write(data)
	c.mu.Unlock()

	c.e.Notify(engine.Read)
}

// PeerEOF delivers EOF from the peer.
func (c *Channel) PeerEOF() {
	c.mu.Lock()
	c.peerEOF = true
	c.mu.Unlock()

	c.e.Notify(engine.Read)
}

// PeerClose delivers an exit status, EOF, and a channel close from the peer.
func (c *Channel) PeerClose(status int) {
	c.mu.Lock()
	c.exit(status)
	c.mu.Unlock()

	c.e.Notify(engine.Read)
}

// PeerSignal delivers an exit signal and closes the channel from the peer.
func (c *Channel) PeerSignal(sig engine.ExitSignal) {
	c.mu.Lock()
	c.exitSignal = sig
	c.peerEOF, c.peerClosed = true, true
	c.mu.Unlock()

	c.e.Notify(engine.Read)
}

// exit requires c.mu.
func (c *Channel) exit(status int) {
	if c.peerClosed {
		return
	}
	c.exitStatus = status
	c.peerEOF, c.peerClosed = true, true
}

// run executes one shell line. It requires c.mu.
func (c *Channel) run(line string) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "":
	case "echo":
		c.out[engine.StreamData].WriteString(arg + "\n")
	case "warn":
		c.out[engine.StreamStderr].WriteString(arg + "\n")
	case "exit":
		status, err := strconv.Atoi(arg)
		if err != nil {
			status = 255
		}
		c.exit(status)
	default:
		c.out[engine.StreamStderr].WriteString(cmd + ": command not found\n")
	}
}

func (c *Channel) request(op string, args ...any) error {
	defer c.e.enter()()
	if err := c.e.step(&c.h, op, args...); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peerClosed {
		return engine.Errorf(engine.CodeChannelClosed, op, "channel closed by peer")
	}
	return nil
}

func (c *Channel) Setenv(name, value string) error {
	if err := c.request("Channel.Setenv", name, value); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.env[name] = value
	return nil
}

func (c *Channel) RequestPty(term string, width, height int, modes ssh.TerminalModes) error {
	if err := c.request("Channel.RequestPty", term, width, height); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pty = term
	return nil
}

func (c *Channel) WindowChange(width, height int) error {
	return c.request("Channel.WindowChange", width, height)
}

// Exec runs cmd as one shell line, then ends the shell with status 0
// unless cmd exited itself.
func (c *Channel) Exec(cmd string) error {
	if err := c.request("Channel.Exec", cmd); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.command = cmd
	c.run(cmd)
	c.exit(0)
	return nil
}

func (c *Channel) Shell() error {
	return c.request("Channel.Shell")
}

func (c *Channel) Subsystem(name string) error {
	if err := c.request("Channel.Subsystem", name); err != nil {
		return err
	}
	return engine.Errorf(engine.CodeChannelFailure, "subsystem", "subsystem %q denied", name)
}

func (c *Channel) checkStream(op string, stream int) error {
	if stream != engine.StreamData && stream != engine.StreamStderr {
		return engine.Errorf(engine.CodeChannelFailure, op, "no stream %d", stream)
	}
	return nil
}

func (c *Channel) Read(stream int, p []byte) (int, error) {
	const op = "read"
	defer c.e.enter()()
	if err := c.checkStream(op, stream); err != nil {
		return 0, err
	}
	if err := c.e.step(&c.h, "Channel.Read", stream, len(p)); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	buf := &c.out[stream]
	if buf.Len() > 0 {
		return buf.Read(p)
	}
	if c.peerEOF {
		return 0, io.EOF
	}
	if c.closeSent {
		return 0, engine.Errorf(engine.CodeChannelClosed, op, "channel closed")
	}

	c.e.setDir(engine.Read)
	return 0, engine.ErrWouldBlock
}

func (c *Channel) Write(stream int, p []byte) (int, error) {
	const op = "write"
	defer c.e.enter()()
	if err := c.checkStream(op, stream); err != nil {
		return 0, err
	}
	if err := c.e.step(&c.h, "Channel.Write", stream, p); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.eofSent || c.closeSent:
		return 0, engine.Errorf(engine.CodeChannelEOF, op, "eof already sent")
	case c.peerClosed:
		return 0, engine.Errorf(engine.CodeChannelClosed, op, "channel closed by peer")
	}

	if c.e.window > 0 && len(p) > c.e.window {
		p = p[:c.e.window]
	}

	if c.echo {
		c.out[engine.StreamData].Write(p)
		c.e.Notify(engine.Read)
		return len(p), nil
	}
	if stream != engine.StreamData {
		return len(p), nil
	}

	c.line = append(c.line, p...)
	for !c.peerClosed {
		i := bytes.IndexByte(c.line, '\n')
		if i < 0 {
			break
		}
		line := string(c.line[:i])
		c.line = c.line[i+1:]
		c.run(line)
	}
	return len(p), nil
}

func (c *Channel) Flush(stream int) error {
	defer c.e.enter()()
	if err := c.checkStream("flush", stream); err != nil {
		return err
	}
	if err := c.e.step(&c.h, "Channel.Flush", stream); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.out[stream].Reset()
	return nil
}

// EOF reports whether the peer sent EOF and every byte on the data stream
// has been read.
func (c *Channel) EOF() bool {
	defer c.e.enter()()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.peerEOF && c.out[engine.StreamData].Len() == 0
}

func (c *Channel) SendEOF() error {
	defer c.e.enter()()
	if err := c.e.step(&c.h, "Channel.SendEOF"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eofSent {
		return nil
	}
	c.eofSent = true

	switch {
	case c.echo:
		c.peerEOF = true
	case len(c.line) > 0:
		c.run(string(c.line))
		c.line = nil
	}
	c.exit(0)

	c.e.Notify(engine.Read)
	return nil
}

func (c *Channel) WaitEOF() error {
	defer c.e.enter()()
	if err := c.e.step(&c.h, "Channel.WaitEOF"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peerEOF {
		return nil
	}
	c.e.setDir(engine.Read)
	return engine.ErrWouldBlock
}

// Close sends a channel close. The peer answers with its own close.
func (c *Channel) Close() error {
	defer c.e.enter()()
	if err := c.e.step(&c.h, "Channel.Close"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeSent = true
	c.eofSent = true
	c.peerEOF, c.peerClosed = true, true
	return nil
}

func (c *Channel) WaitClose() error {
	defer c.e.enter()()
	if err := c.e.step(&c.h, "Channel.WaitClose"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peerClosed {
		return nil
	}
	c.e.setDir(engine.Read)
	return engine.ErrWouldBlock
}

func (c *Channel) ExitStatus() (int, error) {
	defer c.e.enter()()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exitStatus, nil
}

func (c *Channel) ExitSignal() (engine.ExitSignal, error) {
	defer c.e.enter()()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exitSignal, nil
}

// Listener is an in-memory remote forward.
type Listener struct {
	e    *Engine
	h    handle
	addr string

	mu      sync.Mutex
	backlog []*Channel
	closed  bool
}

var _ engine.Listener = (*Listener)(nil)

// Addr returns the address the listener was bound to.
func (l *Listener) Addr() string { return l.addr }

// Connect queues a forwarded connection. The returned channel echoes its input.
func (l *Listener) Connect() *Channel {
	ch := l.e.newChannel("forwarded-tcpip", true)

	l.mu.Lock()
	l.backlog = append(l.backlog, ch)
	l.mu.Unlock()

	l.e.Notify(engine.Read)
	return ch
}

// Closed reports whether the forward was cancelled.
func (l *Listener) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) Accept() (engine.Channel, error) {
	defer l.e.enter()()
	if err := l.e.step(&l.h, "Listener.Accept"); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, engine.Errorf(engine.CodeClosed, "accept", "listener closed")
	}
	if len(l.backlog) == 0 {
		l.e.setDir(engine.Read)
		return nil, engine.ErrWouldBlock
	}
	ch := l.backlog[0]
	l.backlog = l.backlog[1:]
	return ch, nil
}

func (l *Listener) Close() error {
	defer l.e.enter()()
	if err := l.e.step(&l.h, "Listener.Close"); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	return nil
}
