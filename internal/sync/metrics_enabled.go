//go:build sshaio.sync.metrics

package sync

import (
	"sync/atomic"
)

// metrics counts how often a SlicePool hands back a reused slice (a hit)
// instead of allocating one (a miss).
type metrics struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

func (m *metrics) hit() {
	m.hits.Add(1)
}

func (m *metrics) miss() {
	m.misses.Add(1)
}

// Hits returns the reused slices and the total Get calls so far.
func (m *metrics) Hits() (hits, total uint64) {
	hits = m.hits.Load()
	return hits, hits + m.misses.Load()
}
