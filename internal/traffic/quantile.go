// Package traffic implements per-client attribution and aggregate anomaly
// detection: a sliding quantile baseline, a per-IP rate tracker, the ban
// list and the detector that ties them together each epoch.
package traffic

import (
	"slices"
	"sync"
)

// DefaultWindowSize is the number of epochs the baseline remembers
const DefaultWindowSize = 100

// SlidingQuantile keeps the last N epoch totals and answers quantile
// queries over them. The window starts filled with ones so the baseline is
// defined from the very first epoch.
type SlidingQuantile struct {
	mu     sync.Mutex
	values []uint64
	next   int
}

// NewSlidingQuantile creates a window of the given size seeded with ones
func NewSlidingQuantile(size int) *SlidingQuantile {
	if size <= 0 {
		size = DefaultWindowSize
	}
	values := make([]uint64, size)
	for i := range values {
		values[i] = 1
	}
	return &SlidingQuantile{values: values}
}

// Record replaces the oldest sample with max(v, 1)
func (q *SlidingQuantile) Record(v uint64) {
	if v < 1 {
		v = 1
	}

	q.mu.Lock()
	q.values[q.next] = v
	q.next = (q.next + 1) % len(q.values)
	q.mu.Unlock()
}

// Quantile returns the sample at floor(len*p) of the sorted window, with
// the index clamped to the last element.
func (q *SlidingQuantile) Quantile(p float64) uint64 {
	q.mu.Lock()
	sorted := slices.Clone(q.values)
	q.mu.Unlock()

	slices.Sort(sorted)

	idx := int(float64(len(sorted)) * p)
	if idx < 0 {
		idx = 0
	}
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Len returns the window capacity
func (q *SlidingQuantile) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.values)
}
