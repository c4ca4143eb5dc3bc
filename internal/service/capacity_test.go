package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/mir00r/guardian-lb/internal/domain"
	lberrors "github.com/mir00r/guardian-lb/internal/errors"
	"github.com/mir00r/guardian-lb/internal/repository"
	"github.com/mir00r/guardian-lb/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvisioner struct {
	mu         sync.Mutex
	spawned    []string
	terminated []string
	refuse     bool
}

func (p *fakeProvisioner) Spawn(_ context.Context, address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refuse {
		return false
	}
	p.spawned = append(p.spawned, address)
	return true
}

func (p *fakeProvisioner) Terminate(_ context.Context, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refuse {
		return errors.New("refused")
	}
	p.terminated = append(p.terminated, address)
	return nil
}

type forgettingSender struct {
	mu        sync.Mutex
	forgotten []string
}

func (s *forgettingSender) Send(context.Context, string, *http.Request) (*http.Response, error) {
	return nil, errors.New("not used")
}

func (s *forgettingSender) Kind() domain.TransportKind { return domain.TransportLocalSocket }

func (s *forgettingSender) Forget(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgotten = append(s.forgotten, address)
}

func TestDecideCapacity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		oldMs   int64
		newMs   int64
		servers int
		action  CapacityAction
	}{
		{"latency tripled", 100, 300, 1, ActionSpinUp},
		{"latency dropped", 300, 100, 2, ActionSpinDown},
		{"latency dropped with one server", 300, 100, 1, ActionNone},
		{"within grace factor", 100, 140, 2, ActionNone},
		{"no previous data", NoLatency, 300, 1, ActionNone},
		{"no current data", 300, NoLatency, 3, ActionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.action, DecideCapacity(tt.oldMs, tt.newMs, 1.5, tt.servers))
		})
	}
}

func TestCapacityControllerScalesUpAndDown(t *testing.T) {
	t.Parallel()

	first := domain.NewServer("http://127.0.0.1:9001", true, true)
	registry := repository.NewServerRegistry(first)
	provisioner := &fakeProvisioner{}
	controller := NewCapacityController(domain.CapacityConfig{
		Dynamic:     true,
		GraceFactor: 1.5,
		MaxPort:     9010,
		Transport:   domain.TransportHTTP,
	}, registry, provisioner, logger.NewNop())

	controller.Observe(100)
	assert.Equal(t, ActionNone, controller.Evaluate(context.Background()))

	controller.Observe(300)
	assert.Equal(t, ActionSpinUp, controller.Evaluate(context.Background()))
	require.Equal(t, []string{"http://127.0.0.1:9002"}, provisioner.spawned)

	added, ok := registry.Get("http://127.0.0.1:9002")
	require.True(t, ok)
	assert.True(t, added.IsActive())
	assert.Equal(t, 1, added.Weight())
	assert.True(t, added.StrictTimeout, "strictness is inherited from the previous last server")

	controller.Observe(100)
	assert.Equal(t, ActionSpinDown, controller.Evaluate(context.Background()))
	assert.Equal(t, []string{"http://127.0.0.1:9002"}, provisioner.terminated)
	assert.Equal(t, 1, registry.Len())

	// an idle epoch rolls the trackers to the sentinel
	assert.Equal(t, ActionNone, controller.Evaluate(context.Background()))
	previous, current := controller.Latencies()
	assert.Equal(t, NoLatency, previous)
	assert.Equal(t, NoLatency, current)

	stats := controller.GetStats()
	assert.Equal(t, uint64(1), stats["spin_ups_total"])
	assert.Equal(t, uint64(1), stats["spin_downs_total"])
}

func TestCapacityControllerRespectsMaxPort(t *testing.T) {
	t.Parallel()

	registry := repository.NewServerRegistry(domain.NewServer("http://127.0.0.1:9001", true, false))
	provisioner := &fakeProvisioner{}
	controller := NewCapacityController(domain.CapacityConfig{
		Dynamic:     true,
		GraceFactor: 1.5,
		MaxPort:     9001,
	}, registry, provisioner, logger.NewNop())

	controller.Observe(100)
	controller.Evaluate(context.Background())
	controller.Observe(500)

	assert.Equal(t, ActionNone, controller.Evaluate(context.Background()))
	assert.Empty(t, provisioner.spawned)
	assert.Equal(t, 1, registry.Len())
}

func TestCapacityControllerDisabledStillRolls(t *testing.T) {
	t.Parallel()

	registry := repository.NewServerRegistry(domain.NewServer("http://127.0.0.1:9001", true, false))
	provisioner := &fakeProvisioner{}
	controller := NewCapacityController(domain.CapacityConfig{GraceFactor: 1.5}, registry, provisioner, logger.NewNop())

	controller.Observe(100)
	controller.Evaluate(context.Background())
	controller.Observe(900)
	assert.Equal(t, ActionNone, controller.Evaluate(context.Background()))

	previous, _ := controller.Latencies()
	assert.Equal(t, int64(900), previous)
	assert.Empty(t, provisioner.spawned)
}

func TestCapacityControllerRefusedSpawn(t *testing.T) {
	t.Parallel()

	registry := repository.NewServerRegistry(domain.NewServer("http://127.0.0.1:9001", true, false))
	controller := NewCapacityController(domain.CapacityConfig{Dynamic: true, GraceFactor: 1.5}, registry,
		&fakeProvisioner{refuse: true}, logger.NewNop())

	controller.Observe(100)
	controller.Evaluate(context.Background())
	controller.Observe(300)

	assert.Equal(t, ActionNone, controller.Evaluate(context.Background()))
	assert.Equal(t, 1, registry.Len())

	err := controller.spinUp(context.Background(), controller.logger)
	require.Error(t, err)
	assert.True(t, lberrors.HasCode(err, lberrors.ErrCodeProvisionFailed))
}

func TestCapacityControllerSocketAddresses(t *testing.T) {
	t.Parallel()

	prefix := "/tmp/guardian"
	registry := repository.NewServerRegistry(
		domain.NewServer(SocketPath(prefix, 1), true, false),
		domain.NewServer(SocketPath(prefix, 2), true, false),
	)
	provisioner := &fakeProvisioner{}
	controller := NewCapacityController(domain.CapacityConfig{
		Dynamic:     true,
		GraceFactor: 1.5,
		Transport:   domain.TransportLocalSocket,
		IPCPath:     prefix,
	}, registry, provisioner, logger.NewNop())

	controller.Observe(10)
	controller.Evaluate(context.Background())
	controller.Observe(100)

	assert.Equal(t, ActionSpinUp, controller.Evaluate(context.Background()))
	assert.Equal(t, []string{"/tmp/guardian3.sock"}, provisioner.spawned)

	n, err := SocketIndex(prefix, "/tmp/guardian3.sock")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = SocketIndex(prefix, "/var/run/other.sock")
	assert.Error(t, err)
}

func TestProcessProvisionerArgs(t *testing.T) {
	t.Parallel()

	tcp := NewProcessProvisioner("/usr/local/bin/backend", domain.TransportHTTP, logger.NewNop())
	args, err := tcp.Args("http://127.0.0.1:9005")
	require.NoError(t, err)
	assert.Equal(t, []string{"--port", "9005"}, args)

	_, err = tcp.Args("http://127.0.0.1")
	assert.Error(t, err)

	socket := NewProcessProvisioner("/usr/local/bin/backend", domain.TransportLocalSocket, logger.NewNop())
	args, err = socket.Args("/tmp/lb4.sock")
	require.NoError(t, err)
	assert.Equal(t, []string{"--socket", "/tmp/lb4.sock"}, args)

	assert.Error(t, tcp.Terminate(context.Background(), "http://127.0.0.1:9005"),
		"processes not started by the provisioner are left alone")
	assert.False(t, tcp.Spawn(context.Background(), "http://127.0.0.1"))
}

func TestCapacityControllerSpinDownReleasesConnections(t *testing.T) {
	t.Parallel()

	registry := repository.NewServerRegistry(
		domain.NewServer("/tmp/guardian1", true, false),
		domain.NewServer("/tmp/guardian2", true, false),
	)
	provisioner := &fakeProvisioner{}
	sender := &forgettingSender{}
	controller := NewCapacityController(domain.CapacityConfig{
		Dynamic:     true,
		GraceFactor: 1.5,
		Transport:   domain.TransportLocalSocket,
		IPCPath:     "/tmp/guardian",
	}, registry, provisioner, logger.NewNop()).UseSender(sender)

	controller.Observe(300)
	controller.Evaluate(context.Background())
	controller.Observe(100)

	assert.Equal(t, ActionSpinDown, controller.Evaluate(context.Background()))
	assert.Equal(t, []string{"/tmp/guardian2"}, provisioner.terminated)
	assert.Equal(t, []string{"/tmp/guardian2"}, sender.forgotten)
}
