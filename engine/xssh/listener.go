package xssh

import (
	"io"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/pkg/sshaio/engine"
)

// listener is an engine.Listener over a remote forward set up by
// ssh.Client.Listen.
type listener struct {
	s     *Session
	addr  string
	ln    net.Listener
	calls calls
}

var _ engine.Listener = (*listener)(nil)

func newListener(s *Session, addr string, ln net.Listener) *listener {
	return &listener{s: s, addr: addr, ln: ln}
}

func (l *listener) Accept() (engine.Channel, error) {
	const op = "accept"
	return poll(l.s.bridge, &l.calls, op, op, engine.Read, func() (engine.Channel, error) {
		conn, err := l.ln.Accept()
		if errors.Is(err, io.EOF) {
			return nil, engine.WrapError(engine.CodeClosed, op, err)
		}
		if err != nil {
			return nil, sessionError(op, err)
		}

		// forwarded connections are ssh.Channels underneath; x/crypto/ssh
		// discards their requests, so they carry no exit status.
		ch, ok := conn.(ssh.Channel)
		if !ok {
			conn.Close()
			return nil, engine.Errorf(engine.CodeChannelFailure, op, "forwarded connection %T is not a channel", conn)
		}
		return newChannel(l.s.bridge, ch, nil), nil
	})
}

func (l *listener) Close() error {
	const op = "close listener"
	_, err := poll(l.s.bridge, &l.calls, op, op, engine.Write, func() (struct{}, error) {
		l.s.listeners.Delete(l.addr)
		if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return struct{}{}, engine.WrapError(engine.CodeRequestDenied, op, err)
		}
		return struct{}{}, nil
	})
	return err
}
