package traffic

import (
	"sync"
	"sync/atomic"
)

// Tracker counts requests per client IP for the current epoch. Increments
// are lock-free once an IP has an entry.
type Tracker struct {
	counts sync.Map // ip -> *atomic.Uint64
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{}
}

// Increment adds one request for ip and returns the new count
func (t *Tracker) Increment(ip string) uint64 {
	if counter, ok := t.counts.Load(ip); ok {
		return counter.(*atomic.Uint64).Add(1)
	}
	counter, _ := t.counts.LoadOrStore(ip, new(atomic.Uint64))
	return counter.(*atomic.Uint64).Add(1)
}

// Count returns the current count for ip
func (t *Tracker) Count(ip string) uint64 {
	if counter, ok := t.counts.Load(ip); ok {
		return counter.(*atomic.Uint64).Load()
	}
	return 0
}

// Total sums every counter
func (t *Tracker) Total() uint64 {
	var total uint64
	t.counts.Range(func(_, value any) bool {
		total += value.(*atomic.Uint64).Load()
		return true
	})
	return total
}

// Top returns the IP with the highest count. ok is false when empty.
func (t *Tracker) Top() (ip string, count uint64, ok bool) {
	t.counts.Range(func(key, value any) bool {
		c := value.(*atomic.Uint64).Load()
		if !ok || c > count {
			ip, count, ok = key.(string), c, true
		}
		return true
	})
	return ip, count, ok
}

// Remove drops ip from the tracker
func (t *Tracker) Remove(ip string) {
	t.counts.Delete(ip)
}

// Len returns the number of tracked IPs
func (t *Tracker) Len() int {
	n := 0
	t.counts.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Clear drops every counter
func (t *Tracker) Clear() {
	t.counts.Clear()
}
