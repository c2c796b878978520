package sync

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/pkg/sshaio/internal/pragma"
)

// SlicePool is a set of temporary slices that may be individually saved and retrieved.
// It mirrors [sync.Pool], but keeps a bounded free list in a channel.
//
// Any slice stored in the SlicePool will be held onto indefinitely,
// and slices are returned for reuse in a round-robin order.
//
// A SlicePool is safe for use by multiple goroutines simultaneously.
type SlicePool[S []T, T any] struct {
	noCopy pragma.DoNotCopy

	metrics

	ch     chan S
	length int
}

// NewSlicePool returns a [SlicePool] set to hold onto depth number of items,
// and discard any slice with a capacity greater than the cull length.
//
// It will panic if given a negative depth, the same as making a negative-buffer channel.
// It will also panic if given a zero or negative cull length.
func NewSlicePool[S []T, T any](depth, cullLength int) *SlicePool[S, T] {
	if cullLength <= 0 {
		panic("sshaio: slice pool: cull length must be greater than zero")
	}

	return &SlicePool[S, T]{
		ch:     make(chan S, depth),
		length: cullLength,
	}
}

// Get retrieves a slice from the pool, sets the length to the capacity, and then returns it to the caller.
// If the pool is empty, it allocates a new slice of the cull length.
//
// A nil SlicePool always returns nil.
func (p *SlicePool[S, T]) Get() S {
	if p == nil {
		return nil
	}

	select {
	case b := <-p.ch:
		p.hit()
		return b[:cap(b)]

	default:
		p.miss()
		return make(S, p.length)
	}
}

// Put adds the slice to the pool, if there is capacity in the pool,
// and if the capacity of the slice is not greater than the cull length.
//
// A nil SlicePool is treated as a pool with no capacity.
func (p *SlicePool[S, T]) Put(b S) {
	if p == nil {
		return
	}

	if cap(b) > p.length {
		// DO NOT reuse buffers with excessive capacity.
		return
	}

	select {
	case p.ch <- b:
	default:
	}
}

// WorkPool bounds and tracks goroutines doing background work.
//
// A WorkPool is filled to capacity at creation with work channels of the given type and a buffer of 1.
// It tracks channels that have been handed out through Get,
// and Close blocks until all of them have been returned.
type WorkPool[T any] struct {
	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool

	ch chan chan T
}

// NewWorkPool returns a [WorkPool] set to hold onto depth number of channels of the given type.
//
// It will panic if given a negative depth, the same as making a negative-buffer channel.
func NewWorkPool[T any](depth int) *WorkPool[T] {
	p := &WorkPool[T]{
		ch: make(chan chan T, depth),
	}

	for len(p.ch) < cap(p.ch) {
		p.ch <- make(chan T, 1)
	}

	return p
}

// Close closes the [WorkPool] to all further Get requests,
// then waits for all outstanding channels to be returned to the pool.
//
// Close is idempotent. It is an error to close a nil WorkPool.
func (p *WorkPool[T]) Close() error {
	if p == nil {
		return errors.New("sshaio: cannot close nil work pool")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()

	return nil
}

// TryGet retrieves a work channel from the pool without waiting.
// It returns a nil channel and false if the pool is closed or exhausted.
//
// A nil WorkPool always returns a new work channel and true.
func (p *WorkPool[T]) TryGet() (chan T, bool) {
	if p == nil {
		return make(chan T, 1), true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false
	}

	select {
	case v := <-p.ch:
		p.wg.Add(1)
		return v, true
	default:
		return nil, false
	}
}

// Put returns the given work channel to the pool.
// Any value left in the channel is discarded.
//
// Put panics if an attempt is made to return more work channels to the pool than its capacity.
//
// A nil WorkPool simply discards work channels.
func (p *WorkPool[T]) Put(v chan T) {
	if p == nil {
		return
	}

	select {
	case <-v:
	default:
	}

	select {
	case p.ch <- v:
		p.wg.Done()
	default:
		panic("work pool overfill")
	}
}
