package repository

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mir00r/guardian-lb/internal/domain"
	lberrors "github.com/mir00r/guardian-lb/internal/errors"
)

// Cursor is the routing position of the weighted round robin
type Cursor struct {
	Index   int
	Counter int
}

// ServerRegistry is the ordered set of backend servers together with the
// routing cursor. The cursor is only meaningful relative to the current
// order, so every operation that reorders or shrinks the set resets it
// under the same lock.
type ServerRegistry struct {
	mu      sync.Mutex
	servers []*domain.Server
	cursor  Cursor
	nextSeq uint64

	current     atomic.Pointer[domain.Server]
	globalMaxMs atomic.Int64
}

// NewServerRegistry creates a registry holding servers in the given order
func NewServerRegistry(servers ...*domain.Server) *ServerRegistry {
	r := &ServerRegistry{}
	for _, server := range servers {
		r.add(server)
	}
	return r
}

func (r *ServerRegistry) add(server *domain.Server) {
	r.nextSeq++
	server.SetSeq(r.nextSeq)
	r.servers = append(r.servers, server)
}

// Add appends a server. Addresses are unique.
func (r *ServerRegistry) Add(server *domain.Server) error {
	if server == nil {
		return fmt.Errorf("server cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.servers {
		if existing.Equal(server) {
			return fmt.Errorf("server '%s' already registered", server.Address)
		}
	}
	r.add(server)
	return nil
}

// Remove deletes the server with the given address and resets the cursor
func (r *ServerRegistry) Remove(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, server := range r.servers {
		if server.Address == address {
			r.servers = slices.Delete(r.servers, i, i+1)
			r.cursor = Cursor{}
			return true
		}
	}
	return false
}

// Newest returns the most recently added server, or nil when empty
func (r *ServerRegistry) Newest() *domain.Server {
	r.mu.Lock()
	defer r.mu.Unlock()

	var newest *domain.Server
	for _, server := range r.servers {
		if newest == nil || server.Seq() > newest.Seq() {
			newest = server
		}
	}
	return newest
}

// Get returns the server registered under address
func (r *ServerRegistry) Get(address string) (*domain.Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, server := range r.servers {
		if server.Address == address {
			return server, true
		}
	}
	return nil, false
}

// Servers returns a copy of the registry in routing order
func (r *ServerRegistry) Servers() []*domain.Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.servers)
}

// Len returns the number of registered servers
func (r *ServerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// Cursor returns the current routing position
func (r *ServerRegistry) Cursor() Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Select picks the next target with sequential weighted round robin.
//
// The counter records how many consecutive grants the server at Index has
// received. Once it reaches the server's weight the cursor moves on. From
// there the scan wraps forward to the first active server. An active
// server with weight 0 still gets one grant per rotation.
func (r *ServerRegistry) Select() (*domain.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.servers)
	if n == 0 {
		return nil, lberrors.NewNoHealthyServerError()
	}

	idx := r.cursor.Index % n
	if _, weight := r.servers[idx].RoutingState(); r.cursor.Counter >= weight {
		idx = (idx + 1) % n
		r.cursor.Counter = 0
	}

	found := -1
	for i := 0; i < n; i++ {
		j := (idx + i) % n
		if active, _ := r.servers[j].RoutingState(); active {
			found = j
			break
		}
	}
	if found < 0 {
		return nil, lberrors.NewNoHealthyServerError()
	}

	if found != idx {
		r.cursor.Counter = 0
	}
	r.cursor.Index = found
	r.cursor.Counter++

	target := r.servers[found]
	r.current.Store(target)
	return target, nil
}

// Current returns the most recently selected target
func (r *ServerRegistry) Current() *domain.Server {
	return r.current.Load()
}

// Reorder stable-sorts servers by effective weight, highest first, and
// resets the cursor.
func (r *ServerRegistry) Reorder() {
	r.mu.Lock()
	defer r.mu.Unlock()

	type ranked struct {
		server *domain.Server
		weight int
	}
	entries := make([]ranked, len(r.servers))
	for i, server := range r.servers {
		entries[i] = ranked{server: server, weight: server.EffectiveWeight()}
	}
	slices.SortStableFunc(entries, func(a, b ranked) int {
		return b.weight - a.weight
	})
	for i, entry := range entries {
		r.servers[i] = entry.server
	}
	r.cursor = Cursor{}
}

// ObserveLatency raises the global max response time if ms exceeds it
func (r *ServerRegistry) ObserveLatency(ms int64) {
	for {
		current := r.globalMaxMs.Load()
		if ms <= current || r.globalMaxMs.CompareAndSwap(current, ms) {
			return
		}
	}
}

// GlobalMaxMs returns the slowest response time observed so far
func (r *ServerRegistry) GlobalMaxMs() int64 {
	return r.globalMaxMs.Load()
}

// Snapshot returns copies of all servers in routing order
func (r *ServerRegistry) Snapshot() []domain.ServerSnapshot {
	servers := r.Servers()
	snapshots := make([]domain.ServerSnapshot, len(servers))
	for i, server := range servers {
		snapshots[i] = server.Snapshot()
	}
	return snapshots
}

// Stats returns registry statistics for the admin API
func (r *ServerRegistry) Stats() map[string]interface{} {
	servers := r.Servers()

	active := 0
	for _, server := range servers {
		if server.IsActive() {
			active++
		}
	}

	return map[string]interface{}{
		"total_servers":    len(servers),
		"active_servers":   active,
		"inactive_servers": len(servers) - active,
		"global_max_ms":    r.GlobalMaxMs(),
	}
}
