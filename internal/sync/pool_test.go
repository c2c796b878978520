package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlicePool(t *testing.T) {
	p := NewSlicePool[[]byte](2, 8)

	b := p.Get()
	assert.Len(t, b, 8)

	p.Put(b[:3])
	b = p.Get()
	assert.Len(t, b, 8, "get restores the full length")

	// oversized slices are dropped
	p.Put(make([]byte, 16))
	p.Put(make([]byte, 4))
	assert.Len(t, p.Get(), 4)

	var nilPool *SlicePool[[]byte, byte]
	assert.Nil(t, nilPool.Get())
	assert.NotPanics(t, func() { nilPool.Put(b) })

	assert.Panics(t, func() { NewSlicePool[[]byte](1, 0) })
}

func TestWorkPool(t *testing.T) {
	p := NewWorkPool[int](2)

	a, ok := p.TryGet()
	require.True(t, ok)
	b, ok := p.TryGet()
	require.True(t, ok)

	_, ok = p.TryGet()
	assert.False(t, ok, "pool is exhausted")

	a <- 1
	p.Put(a)

	a, ok = p.TryGet()
	require.True(t, ok)
	assert.Empty(t, a, "values left in a returned channel are discarded")

	closed := make(chan error)
	go func() { closed <- p.Close() }()

	p.Put(a)
	select {
	case <-closed:
		t.Fatal("close returned with work outstanding")
	default:
	}
	p.Put(b)
	require.NoError(t, <-closed)
	assert.NoError(t, p.Close())

	_, ok = p.TryGet()
	assert.False(t, ok, "pool is closed")

	assert.Panics(t, func() { p.Put(make(chan int, 1)) })

	var nilPool *WorkPool[int]
	c, ok := nilPool.TryGet()
	assert.True(t, ok)
	assert.NotNil(t, c)
	assert.Error(t, nilPool.Close())
}

func TestMap(t *testing.T) {
	var m Map[string, int]

	v, ok := m.Load("a")
	assert.False(t, ok)
	assert.Zero(t, v)

	m.Store("a", 1)
	actual, loaded := m.LoadOrStore("a", 2)
	assert.True(t, loaded)
	assert.Equal(t, 1, actual)

	prev, loaded := m.Swap("a", 3)
	assert.True(t, loaded)
	assert.Equal(t, 1, prev)

	m.Store("b", 4)
	sum := 0
	for _, v := range m.Range {
		sum += v
	}
	assert.Equal(t, 7, sum)

	v, loaded = m.LoadAndDelete("a")
	assert.True(t, loaded)
	assert.Equal(t, 3, v)

	m.Delete("b")
	_, ok = m.Load("b")
	assert.False(t, ok)
}
