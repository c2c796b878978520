//go:build !sshaio.sync.metrics

package sync

// metrics is compiled out; SlicePool keeps no buffer reuse counts.
type metrics struct{}

func (m *metrics) hit() {}

func (m *metrics) miss() {}

// Hits reports 0, 0. Build with the tag "sshaio.sync.metrics" to count
// how often the engine read buffers are reused.
func (m *metrics) Hits() (hits, total uint64) {
	return 0, 0
}
