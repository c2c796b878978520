package xssh

import (
	"strconv"
	"strings"

	"github.com/pkg/sshaio/engine"
	"github.com/pkg/sshaio/internal/sync"
	"github.com/pkg/sshaio/readiness"
)

const (
	defaultReadBufferSize = 32 * 1024
	defaultMaxOperations  = 256
)

// Bridge runs blocking client calls on background goroutines and presents
// them through the engine contract: the first call starts the work and
// reports engine.ErrWouldBlock, identical calls keep reporting it until the
// work is done, and the call after that returns the result. Completion is
// announced on the Bridge's readiness.Notifier.
type Bridge struct {
	notifier *readiness.Notifier
	blocked  func(engine.Direction)
	workers  *sync.WorkPool[struct{}]
	bufs     *sync.SlicePool[[]byte, byte]
	bufSize  int
}

// NewBridge returns a Bridge that announces completions on n and reports
// the direction of every would-block to blocked.
// maxOps bounds the number of calls in progress at once;
// bufSize is the largest single read. Zero selects the defaults.
func NewBridge(n *readiness.Notifier, blocked func(engine.Direction), maxOps, bufSize int) *Bridge {
	if maxOps <= 0 {
		maxOps = defaultMaxOperations
	}
	if bufSize <= 0 {
		bufSize = defaultReadBufferSize
	}
	if blocked == nil {
		blocked = func(engine.Direction) {}
	}
	return &Bridge{
		notifier: n,
		blocked:  blocked,
		workers:  sync.NewWorkPool[struct{}](maxOps),
		bufs:     sync.NewSlicePool[[]byte](64, bufSize),
		bufSize:  bufSize,
	}
}

// Readiness returns the notifier completions are announced on.
func (b *Bridge) Readiness() readiness.Source { return b.notifier }

// Close waits for every call in progress to return. The caller must first
// release whatever those calls are blocked on, usually by closing the
// underlying connection.
func (b *Bridge) Close() error {
	return b.workers.Close()
}

// buffer returns a read buffer of at most n bytes.
func (b *Bridge) buffer(n int) []byte {
	buf := b.bufs.Get()
	if n < len(buf) {
		return buf[:n]
	}
	return buf
}

func (b *Bridge) release(buf []byte) {
	b.bufs.Put(buf[:cap(buf)])
}

// calls holds the calls in progress on behalf of one handle, by key.
// A call made again with the same key joins the one in progress; a call
// with a different key proceeds alongside it.
type calls struct {
	mu sync.Mutex
	m  map[string]*pending
}

type pending struct {
	done bool
	val  any
	err  error
}

// poll is the engine contract for one call, identified by key.
func poll[T any](b *Bridge, cs *calls, op, key string, dir engine.Direction, fn func() (T, error)) (T, error) {
	var zero T

	cs.mu.Lock()
	if p, ok := cs.m[key]; ok {
		if !p.done {
			cs.mu.Unlock()
			b.blocked(dir)
			return zero, engine.ErrWouldBlock
		}

		delete(cs.m, key)
		cs.mu.Unlock()

		t, _ := p.val.(T)
		return t, p.err
	}

	ticket, ok := b.workers.TryGet()
	if !ok {
		cs.mu.Unlock()
		return zero, engine.Errorf(engine.CodeBusy, op, "engine closed or at its limit of calls in progress")
	}

	p := new(pending)
	if cs.m == nil {
		cs.m = make(map[string]*pending)
	}
	cs.m[key] = p
	cs.mu.Unlock()

	b.blocked(dir)

	go func() {
		defer b.workers.Put(ticket)

		v, err := fn()

		cs.mu.Lock()
		p.val, p.err, p.done = v, err, true
		cs.mu.Unlock()

		b.notifier.Notify(dir)
	}()

	return zero, engine.ErrWouldBlock
}

// drop forgets finished calls whose key starts with prefix.
// It returns what they produced, so buffers can be recycled.
func (cs *calls) drop(prefix string) []any {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var vals []any
	for k, p := range cs.m {
		if p.done && strings.HasPrefix(k, prefix) {
			vals = append(vals, p.val)
			delete(cs.m, k)
		}
	}
	return vals
}

func key(parts ...any) string {
	var sb strings.Builder
	for i, p := range parts {
		if i > 0 {
			sb.WriteByte(0)
		}
		switch p := p.(type) {
		case string:
			sb.WriteString(p)
		case int:
			sb.WriteString(strconv.Itoa(p))
		case uint32:
			sb.WriteString(strconv.FormatUint(uint64(p), 10))
		case int64:
			sb.WriteString(strconv.FormatInt(p, 10))
		case []byte:
			sb.Write(p)
		default:
			panic("xssh: unsupported key part")
		}
	}
	return sb.String()
}
