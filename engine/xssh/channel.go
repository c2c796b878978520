package xssh

import (
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/pkg/sshaio/engine"
)

// channel is an engine.Channel over an ssh.Channel.
type channel struct {
	b     *Bridge
	ch    ssh.Channel
	calls calls

	// done is closed when the peer has closed the channel. Channels
	// accepted from a forward have no request stream, so it stays open.
	done    chan struct{}
	tracked bool

	mu         sync.Mutex
	eof        bool // a data read returned io.EOF
	eofSent    bool
	closeSent  bool
	exitStatus int
	exitSignal engine.ExitSignal
}

var _ engine.Channel = (*channel)(nil)

func newChannel(b *Bridge, ch ssh.Channel, reqs <-chan *ssh.Request) *channel {
	c := &channel{
		b:       b,
		ch:      ch,
		done:    make(chan struct{}),
		tracked: reqs != nil,
	}
	if reqs != nil {
		go c.serveRequests(reqs)
	}
	return c
}

// RFC 4254 6.10
type exitStatusMsg struct {
	Status uint32
}

type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

func (c *channel) serveRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "exit-status":
			var msg exitStatusMsg
			if ssh.Unmarshal(req.Payload, &msg) == nil {
				c.mu.Lock()
				c.exitStatus = int(msg.Status)
				c.mu.Unlock()
			}
		case "exit-signal":
			var msg exitSignalMsg
			if ssh.Unmarshal(req.Payload, &msg) == nil {
				c.mu.Lock()
				c.exitSignal = engine.ExitSignal{
					Signal:     msg.Signal,
					CoreDumped: msg.CoreDumped,
					Message:    msg.Error,
					Lang:       msg.Lang,
				}
				c.mu.Unlock()
			}
		}
		if req.WantReply {
			req.Reply(false, nil)
		}
	}

	close(c.done)
	c.b.notifier.Notify(engine.Read)
}

func (c *channel) request(op, name string, wantReply bool, payload []byte) error {
	_, err := poll(c.b, &c.calls, op, key(op, name, payload), engine.Read, func() (struct{}, error) {
		ok, err := c.ch.SendRequest(name, wantReply, payload)
		if err != nil {
			return struct{}{}, channelError(op, err)
		}
		if wantReply && !ok {
			return struct{}{}, engine.Errorf(engine.CodeChannelFailure, op, "%s request denied", name)
		}
		return struct{}{}, nil
	})
	return err
}

// RFC 4254 6.4
type setenvRequest struct {
	Name  string
	Value string
}

func (c *channel) Setenv(name, value string) error {
	return c.request("setenv", "env", true, ssh.Marshal(&setenvRequest{name, value}))
}

// RFC 4254 6.2
type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

const ttyOpEnd = 0

func (c *channel) RequestPty(term string, width, height int, modes ssh.TerminalModes) error {
	var tm []byte
	for k, v := range modes {
		kv := struct {
			Key byte
			Val uint32
		}{k, v}
		tm = append(tm, ssh.Marshal(&kv)...)
	}
	tm = append(tm, ttyOpEnd)

	return c.request("request pty", "pty-req", true, ssh.Marshal(&ptyRequestMsg{
		Term:     term,
		Columns:  uint32(width),
		Rows:     uint32(height),
		Width:    uint32(width * 8),
		Height:   uint32(height * 8),
		Modelist: string(tm),
	}))
}

// RFC 4254 6.7
type ptyWindowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

func (c *channel) WindowChange(width, height int) error {
	return c.request("window change", "window-change", false, ssh.Marshal(&ptyWindowChangeMsg{
		Columns: uint32(width),
		Rows:    uint32(height),
		Width:   uint32(width * 8),
		Height:  uint32(height * 8),
	}))
}

// RFC 4254 6.5
type execMsg struct {
	Command string
}

func (c *channel) Exec(cmd string) error {
	return c.request("exec", "exec", true, ssh.Marshal(&execMsg{cmd}))
}

func (c *channel) Shell() error {
	return c.request("shell", "shell", true, nil)
}

type subsystemRequestMsg struct {
	Subsystem string
}

func (c *channel) Subsystem(name string) error {
	return c.request("subsystem", "subsystem", true, ssh.Marshal(&subsystemRequestMsg{name}))
}

func (c *channel) stream(op string, id int) (io.ReadWriter, error) {
	switch id {
	case engine.StreamData:
		return c.ch, nil
	case engine.StreamStderr:
		return c.ch.Stderr(), nil
	}
	return nil, engine.Errorf(engine.CodeChannelFailure, op, "extended data stream %d is not supported", id)
}

type chunk struct {
	buf []byte
	n   int
}

func (c *channel) Read(id int, p []byte) (int, error) {
	const op = "read"
	rw, err := c.stream(op, id)
	if err != nil {
		return 0, err
	}

	if id == engine.StreamData {
		c.mu.Lock()
		eof := c.eof
		c.mu.Unlock()
		if eof {
			return 0, io.EOF
		}
	}

	r, err := poll(c.b, &c.calls, op, key(op, id, len(p)), engine.Read, func() (chunk, error) {
		buf := c.b.buffer(len(p))
		n, err := rw.Read(buf)
		return chunk{buf, n}, err
	})
	if r.buf != nil {
		copy(p, r.buf[:r.n])
		c.b.release(r.buf)
	}

	if err == io.EOF && id == engine.StreamData {
		c.mu.Lock()
		c.eof = true
		c.mu.Unlock()
	}
	if err == io.EOF && r.n > 0 {
		return r.n, nil
	}
	return r.n, channelError(op, err)
}

func (c *channel) Write(id int, p []byte) (int, error) {
	const op = "write"
	rw, err := c.stream(op, id)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	sent := c.eofSent || c.closeSent
	c.mu.Unlock()
	if sent {
		return 0, engine.Errorf(engine.CodeChannelEOF, op, "eof already sent")
	}

	// the write may outlive this call if the caller gives up on it
	data := append([]byte(nil), p...)
	return poll(c.b, &c.calls, op, key(op, id, p), engine.Write, func() (int, error) {
		n, err := rw.Write(data)
		return n, channelError(op, err)
	})
}

// Flush discards read results that were fetched but not yet collected.
// x/crypto/ssh offers no way to drop data still in its own buffers.
func (c *channel) Flush(id int) error {
	for _, v := range c.calls.drop(key("read", id) + "\x00") {
		if r, ok := v.(chunk); ok && r.buf != nil {
			c.b.release(r.buf)
		}
	}
	return nil
}

func (c *channel) EOF() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eof
}

func (c *channel) SendEOF() error {
	const op = "send eof"
	_, err := poll(c.b, &c.calls, op, op, engine.Write, func() (struct{}, error) {
		return struct{}{}, channelError(op, c.ch.CloseWrite())
	})
	if err == nil {
		c.mu.Lock()
		c.eofSent = true
		c.mu.Unlock()
	}
	return err
}

// WaitEOF returns once a data read has seen the end of the stream or the
// peer has closed the channel. Unread data is kept.
func (c *channel) WaitEOF() error {
	if c.EOF() {
		return nil
	}
	select {
	case <-c.done:
		return nil
	default:
	}
	c.b.blocked(engine.Read)
	return engine.ErrWouldBlock
}

func (c *channel) Close() error {
	const op = "close channel"
	_, err := poll(c.b, &c.calls, op, op, engine.Write, func() (struct{}, error) {
		err := c.ch.Close()
		if err == io.EOF {
			// already closed by the peer
			err = nil
		}
		return struct{}{}, channelError(op, err)
	})
	if err == nil {
		c.mu.Lock()
		c.closeSent = true
		c.mu.Unlock()
	}
	return err
}

func (c *channel) WaitClose() error {
	if !c.tracked {
		c.mu.Lock()
		sent := c.closeSent
		c.mu.Unlock()
		if sent {
			return nil
		}
		return engine.Errorf(engine.CodeInvalidState, "wait close", "close not sent")
	}

	select {
	case <-c.done:
		return nil
	default:
	}
	c.b.blocked(engine.Read)
	return engine.ErrWouldBlock
}

// ExitStatus returns the status from the peer's exit-status request, or 0
// if none was received.
func (c *channel) ExitStatus() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitStatus, nil
}

func (c *channel) ExitSignal() (engine.ExitSignal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitSignal, nil
}
