package enginetest

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/sshaio/engine"
	"github.com/pkg/sshaio/readiness"
)

// Recorder is a readiness.Source that records the direction of every wait.
type Recorder struct {
	readiness.Source

	mu   sync.Mutex
	dirs []engine.Direction
}

// NewRecorder wraps src.
func NewRecorder(src readiness.Source) *Recorder {
	return &Recorder{Source: src}
}

func (r *Recorder) Await(ctx context.Context, dir engine.Direction, gen uint64) error {
	r.mu.Lock()
	r.dirs = append(r.dirs, dir)
	r.mu.Unlock()

	return r.Source.Await(ctx, dir, gen)
}

// Directions returns the direction of every wait so far.
func (r *Recorder) Directions() []engine.Direction {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.dirs)
}
