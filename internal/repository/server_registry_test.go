package repository

import (
	"fmt"
	"sync"
	"testing"

	"github.com/mir00r/guardian-lb/internal/domain"
	lberrors "github.com/mir00r/guardian-lb/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWeighted(address string, weight int, active bool) *domain.Server {
	server := domain.NewServer(address, active, false)
	server.SetWeight(weight)
	return server
}

func TestSelectWeightedRoundRobin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		weights  []int
		requests int
		expected map[string]int
	}{
		{
			name:     "equal weights",
			weights:  []int{1, 1, 1},
			requests: 300,
			expected: map[string]int{"s0": 100, "s1": 100, "s2": 100},
		},
		{
			name:     "weights 3:2:1",
			weights:  []int{3, 2, 1},
			requests: 600,
			expected: map[string]int{"s0": 300, "s1": 200, "s2": 100},
		},
		{
			name:     "single server",
			weights:  []int{10},
			requests: 50,
			expected: map[string]int{"s0": 50},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			servers := make([]*domain.Server, len(tt.weights))
			for i, weight := range tt.weights {
				servers[i] = newWeighted(fmt.Sprintf("s%d", i), weight, true)
			}
			registry := NewServerRegistry(servers...)

			counts := make(map[string]int)
			for i := 0; i < tt.requests; i++ {
				server, err := registry.Select()
				require.NoError(t, err)
				counts[server.Address]++
			}

			assert.Equal(t, tt.expected, counts)
		})
	}
}

func TestSelectGivesConsecutiveGrants(t *testing.T) {
	t.Parallel()

	registry := NewServerRegistry(
		newWeighted("a", 2, true),
		newWeighted("b", 1, true),
	)

	var order []string
	for i := 0; i < 6; i++ {
		server, err := registry.Select()
		require.NoError(t, err)
		order = append(order, server.Address)
	}

	assert.Equal(t, []string{"a", "a", "b", "a", "a", "b"}, order)
}

func TestSelectSkipsInactiveServers(t *testing.T) {
	t.Parallel()

	registry := NewServerRegistry(
		newWeighted("a", 1, true),
		newWeighted("b", 5, false),
		newWeighted("c", 1, true),
	)

	for i := 0; i < 100; i++ {
		server, err := registry.Select()
		require.NoError(t, err)
		assert.NotEqual(t, "b", server.Address, "inactive server must never be selected")
	}

	server, ok := registry.Get("b")
	require.True(t, ok)
	server.SetActive(true)

	seen := false
	for i := 0; i < 20; i++ {
		selected, err := registry.Select()
		require.NoError(t, err)
		if selected.Address == "b" {
			seen = true
		}
	}
	assert.True(t, seen, "server should be routable again once reactivated")
}

func TestSelectAllInactive(t *testing.T) {
	t.Parallel()

	registry := NewServerRegistry(
		newWeighted("a", 3, false),
		newWeighted("b", 3, false),
	)

	for i := 0; i < 10; i++ {
		server, err := registry.Select()
		assert.Nil(t, server)
		require.Error(t, err)
		assert.True(t, lberrors.HasCode(err, lberrors.ErrCodeNoHealthyServer))
	}

	empty := NewServerRegistry()
	_, err := empty.Select()
	assert.True(t, lberrors.HasCode(err, lberrors.ErrCodeNoHealthyServer))
}

func TestSelectReachesZeroWeightServer(t *testing.T) {
	t.Parallel()

	registry := NewServerRegistry(
		newWeighted("fast", 5, true),
		newWeighted("slow", 0, true),
	)

	counts := make(map[string]int)
	for i := 0; i < 600; i++ {
		server, err := registry.Select()
		require.NoError(t, err)
		counts[server.Address]++
	}

	assert.Equal(t, 500, counts["fast"])
	assert.Equal(t, 100, counts["slow"])
}

func TestSelectAllZeroWeightServers(t *testing.T) {
	t.Parallel()

	registry := NewServerRegistry(
		newWeighted("a", 0, true),
		newWeighted("b", 0, true),
	)

	counts := make(map[string]int)
	for i := 0; i < 10; i++ {
		server, err := registry.Select()
		require.NoError(t, err)
		counts[server.Address]++
	}

	assert.Equal(t, 5, counts["a"])
	assert.Equal(t, 5, counts["b"])
}

func TestSelectUpdatesCurrentTarget(t *testing.T) {
	t.Parallel()

	registry := NewServerRegistry(newWeighted("a", 1, true))
	assert.Nil(t, registry.Current())

	server, err := registry.Select()
	require.NoError(t, err)
	assert.Same(t, server, registry.Current())
}

func TestReorder(t *testing.T) {
	t.Parallel()

	registry := NewServerRegistry(
		newWeighted("slow", 2, true),
		newWeighted("dead", 9, false),
		newWeighted("fast", 8, true),
		newWeighted("tied", 2, true),
	)

	_, err := registry.Select()
	require.NoError(t, err)
	_, err = registry.Select()
	require.NoError(t, err)

	registry.Reorder()

	var order []string
	for _, server := range registry.Servers() {
		order = append(order, server.Address)
	}
	assert.Equal(t, []string{"fast", "slow", "tied", "dead"}, order)
	assert.Equal(t, Cursor{}, registry.Cursor())
}

func TestAddRemoveNewest(t *testing.T) {
	t.Parallel()

	registry := NewServerRegistry(newWeighted("a", 1, true), newWeighted("b", 9, true))
	require.NoError(t, registry.Add(newWeighted("c", 1, true)))
	assert.Error(t, registry.Add(newWeighted("a", 1, true)))
	assert.Error(t, registry.Add(nil))

	// reordering must not change which server is newest
	registry.Reorder()
	assert.Equal(t, "c", registry.Newest().Address)

	_, err := registry.Select()
	require.NoError(t, err)

	assert.True(t, registry.Remove("c"))
	assert.False(t, registry.Remove("c"))
	assert.Equal(t, 2, registry.Len())
	assert.Equal(t, Cursor{}, registry.Cursor())
	assert.Equal(t, "b", registry.Newest().Address)
}

func TestObserveLatency(t *testing.T) {
	t.Parallel()

	registry := NewServerRegistry()
	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(ms int64) {
			defer wg.Done()
			registry.ObserveLatency(ms)
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, int64(100), registry.GlobalMaxMs())
	registry.ObserveLatency(50)
	assert.Equal(t, int64(100), registry.GlobalMaxMs())
}

func TestConcurrentSelectAndReorder(t *testing.T) {
	t.Parallel()

	registry := NewServerRegistry(
		newWeighted("a", 3, true),
		newWeighted("b", 2, true),
		newWeighted("c", 1, true),
	)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := registry.Select()
				assert.NoError(t, err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			registry.Reorder()
		}
	}()
	wg.Wait()

	stats := registry.Stats()
	assert.Equal(t, 3, stats["active_servers"])
}
