package sshaio

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/sshaio/engine"
)

// Listener receives connections forwarded by the server after
// Session.ForwardListen.
type Listener struct {
	c    *conn
	life *lifetime
	l    engine.Listener

	host string
	port int
}

// Port returns the port the server bound, which is the one it chose when
// ForwardListen was called with port 0.
func (l *Listener) Port() int { return l.port }

// Addr returns the address the server listens on.
func (l *Listener) Addr() string {
	return net.JoinHostPort(l.host, strconv.Itoa(l.port))
}

// Accept waits for the next forwarded connection. The returned channel
// belongs to the session and stays valid after the listener is closed.
func (l *Listener) Accept(ctx context.Context) (*Channel, error) {
	ch, err := call(ctx, l.c, l.life, "accept", l.l.Accept)
	if err != nil {
		return nil, err
	}
	return newChannel(l.c, l.life.parent, ch), nil
}

// Close cancels the forwarding on the server.
func (l *Listener) Close(ctx context.Context) error {
	if l.life.isClosed() {
		return nil
	}
	err := execClosing(ctx, l.c, l.life, "close listener", l.l.Close)
	if err != nil && l.life.invalidated() {
		return err
	}
	l.life.close()
	return err
}
