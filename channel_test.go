package sshaio

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/pkg/sshaio/engine"
	"github.com/pkg/sshaio/internal/enginetest"
)

func TestChannelHalfClose(t *testing.T) {
	s, eng := readySession(t)
	ctx := testContext(t)

	ch, err := s.OpenSession(ctx)
	require.NoError(t, err)
	require.NoError(t, ch.Shell(ctx))

	_, err = ch.Write(ctx, []byte("echo hi\n"))
	require.NoError(t, err)

	require.NoError(t, ch.SendEOF(ctx))
	require.NoError(t, ch.SendEOF(ctx))
	assert.Len(t, eng.Calls("Channel.SendEOF"), 1)
	assert.False(t, ch.Closed())

	_, err = ch.Write(ctx, []byte("echo late\n"))
	assert.ErrorIs(t, err, ErrWriteClosed)
	assert.Len(t, eng.Calls("Channel.Write"), 1)

	// the read side is independent of the write side
	buf := make([]byte, 16)
	n, err := ch.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(buf[:n]))

	n, err = ch.Read(ctx, buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
	reads := len(eng.Calls("Channel.Read"))

	// later reads report EOF again without asking the engine
	for range 3 {
		n, err = ch.Read(ctx, buf)
		assert.Equal(t, 0, n)
		assert.ErrorIs(t, err, io.EOF)
	}
	assert.Len(t, eng.Calls("Channel.Read"), reads)

	assert.True(t, ch.EOF())
	assert.True(t, ch.Closed())

	require.NoError(t, ch.WaitClose(ctx))
	status, err := ch.ExitStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status)
}

func TestChannelExitStatus(t *testing.T) {
	s, _ := readySession(t)
	ctx := testContext(t)

	ch, err := s.OpenSession(ctx)
	require.NoError(t, err)

	_, err = ch.IO(ctx).Write([]byte("echo bye\nexit 3\n"))
	require.NoError(t, err)

	out, err := io.ReadAll(ch.IO(ctx))
	require.NoError(t, err)
	assert.Equal(t, "bye\n", string(out))

	require.NoError(t, ch.WaitClose(ctx))
	assert.True(t, ch.Closed())

	status, err := ch.ExitStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status)

	sig, err := ch.ExitSignal(ctx)
	require.NoError(t, err)
	assert.Empty(t, sig.Signal)

	_, err = ch.Write(ctx, []byte("echo\n"))
	assert.ErrorIs(t, err, ErrWriteClosed)
}

func TestChannelExitSignal(t *testing.T) {
	s, eng := readySession(t)
	ctx := testContext(t)

	ch, err := s.OpenSession(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ch.WaitClose(ctx) }()

	waitCalls(t, eng, "Channel.WaitClose", 1)
	eng.Channels()[0].PeerSignal(engine.ExitSignal{Signal: "KILL", Message: "killed"})
	require.NoError(t, <-done)

	sig, err := ch.ExitSignal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "KILL", sig.Signal)
	assert.Equal(t, "killed", sig.Message)
}

func TestChannelStderr(t *testing.T) {
	s, eng := readySession(t)
	ctx := testContext(t)

	ch, err := s.OpenSession(ctx)
	require.NoError(t, err)

	_, err = ch.Write(ctx, []byte("warn oops\necho fine\n"))
	require.NoError(t, err)

	stderr := ch.Stderr()
	assert.Equal(t, engine.StreamStderr, stderr.ID())

	buf := make([]byte, 16)
	n, err := stderr.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(buf[:n]))

	n, err = ch.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "fine\n", string(buf[:n]))

	_, err = ch.Stream(7).Read(ctx, buf)
	assert.True(t, engine.IsCode(err, engine.CodeChannelFailure))

	assert.Len(t, eng.Calls("Channel.Read"), 2)
	assert.Zero(t, eng.Overlaps())
}

func TestChannelFlush(t *testing.T) {
	s, eng := readySession(t)
	ctx := testContext(t)

	ch, err := s.OpenSession(ctx)
	require.NoError(t, err)

	eng.Channels()[0].Send(engine.StreamStderr, []byte("noise"))
	require.NoError(t, ch.Stderr().Flush(ctx))

	_, err = ch.Write(ctx, []byte("echo a\n"))
	require.NoError(t, err)
	require.NoError(t, ch.Flush(ctx))

	_, err = ch.Write(ctx, []byte("echo b\nwarn c\n"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := ch.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "b\n", string(buf[:n]))

	n, err = ch.Stderr().Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "c\n", string(buf[:n]))
}

func TestChannelPartialWrite(t *testing.T) {
	s, eng := readySession(t, enginetest.WithWriteWindow(4))
	ctx := testContext(t)

	ch, err := s.OpenSession(ctx)
	require.NoError(t, err)

	n, err := ch.Write(ctx, []byte("echo window\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// IO writes the remainder in window-sized pieces
	_, err = ch.IO(ctx).Write([]byte(" window\n"))
	require.NoError(t, err)
	assert.Len(t, eng.Calls("Channel.Write"), 3)

	buf := make([]byte, 16)
	n, err = ch.Read(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "window\n", string(buf[:n]))
}

func TestChannelZeroLength(t *testing.T) {
	s, eng := readySession(t)
	ctx := testContext(t)

	ch, err := s.OpenSession(ctx)
	require.NoError(t, err)

	n, err := ch.Read(ctx, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)

	n, err = ch.Write(ctx, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)

	assert.Empty(t, eng.Calls("Channel.Read"))
	assert.Empty(t, eng.Calls("Channel.Write"))
}

func TestChannelRequests(t *testing.T) {
	s, eng := readySession(t)
	ctx := testContext(t)

	ch, err := s.OpenSession(ctx)
	require.NoError(t, err)

	require.NoError(t, ch.Setenv(ctx, "LANG", "C"))
	require.NoError(t, ch.RequestPty(ctx, "xterm", 80, 24, ssh.TerminalModes{ssh.ECHO: 0}))
	require.NoError(t, ch.WindowChange(ctx, 120, 40))

	eng.Block("Channel.Exec", 1, engine.Write)
	require.NoError(t, ch.Exec(ctx, "echo from exec"))

	remote := eng.Channels()[0]
	assert.Equal(t, map[string]string{"LANG": "C"}, remote.Env())
	assert.Equal(t, "xterm", remote.Pty())
	assert.Equal(t, "echo from exec", remote.Command())

	out, err := io.ReadAll(ch.IO(ctx))
	require.NoError(t, err)
	assert.Equal(t, "from exec\n", string(out))

	sub, err := s.OpenSession(ctx)
	require.NoError(t, err)
	err = sub.Subsystem(ctx, "netconf")
	assert.True(t, engine.IsCode(err, engine.CodeChannelFailure))
}

func TestChannelWaitEOFKeepsData(t *testing.T) {
	s, eng := readySession(t)
	ctx := testContext(t)

	ch, err := s.OpenSession(ctx)
	require.NoError(t, err)

	remote := eng.Channels()[0]

	done := make(chan error, 1)
	go func() { done <- ch.WaitEOF(ctx) }()

	waitCalls(t, eng, "Channel.WaitEOF", 1)
	remote.Send(engine.StreamData, []byte("tail"))
	remote.PeerEOF()
	require.NoError(t, <-done)

	out, err := io.ReadAll(ch.IO(ctx))
	require.NoError(t, err)
	assert.Equal(t, "tail", string(out))
	assert.True(t, ch.EOF())
}

func TestChannelClose(t *testing.T) {
	s, eng := readySession(t)
	ctx := testContext(t)

	ch, err := s.OpenSession(ctx)
	require.NoError(t, err)

	eng.Block("Channel.Close", 2, engine.Write)
	require.NoError(t, ch.Close(ctx))
	require.NoError(t, ch.Close(ctx))
	assert.Len(t, eng.Calls("Channel.Close"), 3)

	_, err = ch.Read(ctx, make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = ch.Write(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrWriteClosed)
	assert.ErrorIs(t, ch.Exec(ctx, "true"), ErrClosed)

	require.NoError(t, ch.WaitClose(ctx))
	status, err := ch.ExitStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status)
}

func TestChannelInvalidatedBySession(t *testing.T) {
	s, _ := readySession(t)
	ctx := testContext(t)

	ch, err := s.OpenSession(ctx)
	require.NoError(t, err)

	for range 3 {
		_, err = ch.Write(ctx, []byte("echo x\n"))
		require.NoError(t, err)
	}

	require.NoError(t, s.Close())

	_, err = ch.Read(ctx, make([]byte, 8))
	assert.ErrorIs(t, err, ErrHandleInvalidated)
	_, err = ch.Write(ctx, []byte("echo x\n"))
	assert.ErrorIs(t, err, ErrHandleInvalidated)
	assert.ErrorIs(t, ch.SendEOF(ctx), ErrHandleInvalidated)
	assert.ErrorIs(t, ch.WaitClose(ctx), ErrHandleInvalidated)
	assert.ErrorIs(t, ch.Close(ctx), ErrHandleInvalidated)
	_, err = ch.ExitStatus(ctx)
	assert.ErrorIs(t, err, ErrHandleInvalidated)
	assert.True(t, ch.EOF())
}
