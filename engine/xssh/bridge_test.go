package xssh

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkg/sshaio/engine"
	"github.com/pkg/sshaio/readiness"
)

func TestPoll(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := readiness.NewNotifier()
	var blocked atomic.Uint32
	b := NewBridge(n, func(dir engine.Direction) { blocked.Store(uint32(dir)) }, 1, 0)

	var cs calls
	var started atomic.Int32
	release := make(chan struct{})
	fn := func() (int, error) {
		started.Add(1)
		<-release
		return 42, nil
	}

	gen := n.Arm()
	_, err := poll(b, &cs, "op", "k", engine.Write, fn)
	assert.ErrorIs(t, err, engine.ErrWouldBlock)
	assert.Equal(t, engine.Write, engine.Direction(blocked.Load()))

	// repeating the call joins the one in progress
	_, err = poll(b, &cs, "op", "k", engine.Write, fn)
	assert.ErrorIs(t, err, engine.ErrWouldBlock)

	// a different call needs a worker, and the only one is taken
	_, err = poll(b, &cs, "op", "other", engine.Read, fn)
	assert.True(t, engine.IsCode(err, engine.CodeBusy))

	close(release)
	require.NoError(t, n.Await(ctx, engine.Write, gen))

	v, err := poll(b, &cs, "op", "k", engine.Write, fn)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.EqualValues(t, 1, started.Load())

	require.NoError(t, b.Close())

	_, err = poll(b, &cs, "op", "k", engine.Write, fn)
	assert.True(t, engine.IsCode(err, engine.CodeBusy))
	assert.EqualValues(t, 1, started.Load())
}

func TestPollError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := readiness.NewNotifier()
	b := NewBridge(n, nil, 0, 0)
	defer b.Close()

	var cs calls
	want := engine.Errorf(engine.CodeChannelFailure, "exec", "denied")

	gen := n.Arm()
	_, err := poll(b, &cs, "exec", "k", engine.Read, func() (struct{}, error) { return struct{}{}, want })
	require.ErrorIs(t, err, engine.ErrWouldBlock)
	require.NoError(t, n.Await(ctx, engine.Read, gen))

	_, err = poll(b, &cs, "exec", "k", engine.Read, func() (struct{}, error) { return struct{}{}, nil })
	assert.Equal(t, want, err)
}

func TestCallsDrop(t *testing.T) {
	cs := calls{m: map[string]*pending{
		key("read", 0, 8):  {done: true, val: "a"},
		key("read", 0, 16): {done: false},
		key("read", 1, 8):  {done: true, val: "b"},
	}}

	vals := cs.drop(key("read", 0) + "\x00")
	assert.Equal(t, []any{"a"}, vals)
	assert.Len(t, cs.m, 2)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "read\x000\x008", key("read", 0, 8))
	assert.NotEqual(t, key("ab", "c"), key("a", "bc"))
	assert.Equal(t, key("w", []byte("data")), key("w", "data"))
	assert.Equal(t, "x\x004294967295\x00-1", key("x", ^uint32(0), int64(-1)))
	assert.Panics(t, func() { key(1.5) })
}

func TestStatKey(t *testing.T) {
	base := engine.FileStat{
		Flags: engine.AttrUIDGID | engine.AttrACModTime,
		UID:   1000,
		GID:   1000,
		Atime: time.Unix(100, 0),
		Mtime: time.Unix(200, 0),
	}
	assert.Equal(t, statKey("setstat", base, "/f"), statKey("setstat", base, "/f"))
	assert.NotEqual(t, statKey("setstat", base, "/f"), statKey("setstat", base, "/g"))

	for name, change := range map[string]func(*engine.FileStat){
		"uid":   func(st *engine.FileStat) { st.UID++ },
		"gid":   func(st *engine.FileStat) { st.GID++ },
		"atime": func(st *engine.FileStat) { st.Atime = st.Atime.Add(time.Second) },
		"mtime": func(st *engine.FileStat) { st.Mtime = st.Mtime.Add(time.Nanosecond) },
		"size":  func(st *engine.FileStat) { st.Size++ },
		"mode":  func(st *engine.FileStat) { st.Mode |= 0o100 },
		"flags": func(st *engine.FileStat) { st.Flags |= engine.AttrSize },
	} {
		t.Run(name, func(t *testing.T) {
			other := base
			change(&other)
			assert.NotEqual(t, statKey("fsetstat", base), statKey("fsetstat", other))
		})
	}
}

func TestBufferReuse(t *testing.T) {
	b := NewBridge(readiness.NewNotifier(), nil, 0, 16)
	defer b.Close()

	buf := b.buffer(4)
	assert.Len(t, buf, 4)
	b.release(buf)

	buf = b.buffer(64)
	assert.Len(t, buf, 16, "reads are capped at the buffer size")
}
