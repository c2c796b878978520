//go:build linux || darwin || freebsd || netbsd || openbsd

package readiness

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/sshaio/engine"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestSocketUnsupported(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := NewSocket(a)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestSocketWritable(t *testing.T) {
	client, _ := tcpPair(t)

	src, err := NewSocket(client)
	require.NoError(t, err)
	defer src.Close()

	assert.Zero(t, src.Arm())
	assert.NoError(t, src.Await(context.Background(), engine.Write, 0))
	assert.NoError(t, src.Await(context.Background(), engine.ReadWrite, 0))
	assert.NoError(t, src.Await(context.Background(), engine.None, 0))
}

func TestSocketReadable(t *testing.T) {
	client, server := tcpPair(t)

	src, err := NewSocket(client)
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, src.Await(ctx, engine.Read, 0), context.DeadlineExceeded)

	// the cancelled wait leaves no deadline behind
	done := make(chan error, 1)
	go func() { done <- src.Await(context.Background(), engine.Read, 0) }()

	time.Sleep(10 * time.Millisecond)
	_, err = server.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, <-done)

	// level triggered: still readable until the byte is consumed
	assert.NoError(t, src.Await(context.Background(), engine.Read, 0))

	buf := make([]byte, 1)
	_, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf))
}

func TestSocketPeerClose(t *testing.T) {
	client, server := tcpPair(t)

	src, err := NewSocket(client)
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, server.Close())

	// end of stream is readable; the engine sees it on its next read
	assert.NoError(t, src.Await(context.Background(), engine.Read, 0))
}

func TestSocketClose(t *testing.T) {
	client, _ := tcpPair(t)

	src, err := NewSocket(client)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- src.Await(context.Background(), engine.Read, 0) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	err = <-done
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, src.Await(context.Background(), engine.Write, 0), ErrClosed)
}
