package service

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/mir00r/guardian-lb/internal/domain"
	lberrors "github.com/mir00r/guardian-lb/internal/errors"
	"github.com/mir00r/guardian-lb/internal/repository"
	"github.com/mir00r/guardian-lb/internal/transport"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

// NoLatency marks an epoch without any successful upstream response
const NoLatency int64 = 0

// CapacityAction is the outcome of one capacity evaluation
type CapacityAction int

const (
	ActionNone CapacityAction = iota
	ActionSpinUp
	ActionSpinDown
)

func (a CapacityAction) String() string {
	switch a {
	case ActionSpinUp:
		return "spin_up"
	case ActionSpinDown:
		return "spin_down"
	default:
		return "none"
	}
}

// DecideCapacity compares this epoch's max latency with the previous one.
// Latency growing past the grace factor adds a backend; latency shrinking
// past it removes one, as long as more than one server remains.
func DecideCapacity(oldMs, newMs int64, graceFactor float64, servers int) CapacityAction {
	if oldMs != NoLatency && float64(newMs) > float64(oldMs)*graceFactor {
		return ActionSpinUp
	}
	if newMs != NoLatency && servers > 1 && float64(oldMs) > float64(newMs)*graceFactor {
		return ActionSpinDown
	}
	return ActionNone
}

// CapacityController scales the backend pool from the epoch-over-epoch
// trend of the slowest upstream response.
type CapacityController struct {
	config      domain.CapacityConfig
	registry    *repository.ServerRegistry
	provisioner domain.Provisioner
	sender      domain.Sender
	logger      *logger.Logger

	previous atomic.Int64
	current  atomic.Int64

	spinUps   atomic.Uint64
	spinDowns atomic.Uint64
}

// NewCapacityController creates a capacity controller
func NewCapacityController(config domain.CapacityConfig, registry *repository.ServerRegistry, provisioner domain.Provisioner, log *logger.Logger) *CapacityController {
	return &CapacityController{
		config:      config,
		registry:    registry,
		provisioner: provisioner,
		logger:      log.CapacityLogger(),
	}
}

// UseSender lets spin-down release connections held by sender for the
// removed backend.
func (c *CapacityController) UseSender(sender domain.Sender) *CapacityController {
	c.sender = sender
	return c
}

// Observe raises the current epoch's max latency. Observed epochs are
// never mistaken for the no-data sentinel.
func (c *CapacityController) Observe(ms int64) {
	if ms < 1 {
		ms = 1
	}
	for {
		current := c.current.Load()
		if ms <= current || c.current.CompareAndSwap(current, ms) {
			return
		}
	}
}

// Latencies returns the previous and current epoch maxima
func (c *CapacityController) Latencies() (previous, current int64) {
	return c.previous.Load(), c.current.Load()
}

// Evaluate decides and applies one capacity action, then rolls the
// trackers. The trackers roll even when dynamic scaling is off.
func (c *CapacityController) Evaluate(ctx context.Context) CapacityAction {
	newMs := c.current.Swap(NoLatency)
	oldMs := c.previous.Swap(newMs)

	if !c.config.Dynamic || c.provisioner == nil {
		return ActionNone
	}

	action := DecideCapacity(oldMs, newMs, c.config.GraceFactor, c.registry.Len())
	log := c.logger.WithField("old_ms", oldMs).WithField("new_ms", newMs)

	var err error
	switch action {
	case ActionSpinUp:
		err = c.spinUp(ctx, log)
	case ActionSpinDown:
		err = c.spinDown(ctx, log)
	}
	if err != nil {
		log.WithError(err).WithField("action", action.String()).Warn("Capacity action failed")
		return ActionNone
	}
	return action
}

func (c *CapacityController) spinUp(ctx context.Context, log *logger.Logger) error {
	newest := c.registry.Newest()
	if newest == nil {
		return fmt.Errorf("no server to derive the next address from")
	}

	address, err := c.nextAddress(newest.Address)
	if err != nil {
		return err
	}

	if !c.provisioner.Spawn(ctx, address) {
		return lberrors.NewError(lberrors.ErrCodeProvisionFailed, "capacity",
			fmt.Sprintf("provisioner refused to spawn %s", address))
	}

	if err := c.registry.Add(domain.NewServer(address, true, newest.StrictTimeout)); err != nil {
		return err
	}

	c.spinUps.Add(1)
	log.WithField("server", address).Info("Spun up backend")
	return nil
}

func (c *CapacityController) spinDown(ctx context.Context, log *logger.Logger) error {
	newest := c.registry.Newest()
	if newest == nil {
		return fmt.Errorf("registry is empty")
	}

	if err := c.provisioner.Terminate(ctx, newest.Address); err != nil {
		return lberrors.WrapError(err, lberrors.ErrCodeProvisionFailed, "capacity",
			fmt.Sprintf("failed to terminate %s", newest.Address))
	}
	c.registry.Remove(newest.Address)
	if forgetter, ok := c.sender.(domain.ConnectionForgetter); ok {
		forgetter.Forget(newest.Address)
	}

	c.spinDowns.Add(1)
	log.WithField("server", newest.Address).Info("Spun down backend")
	return nil
}

// nextAddress derives the address following last: the next port for TCP
// backends, the next numbered socket for local socket backends. Addresses
// already registered are skipped.
func (c *CapacityController) nextAddress(last string) (string, error) {
	for candidate := last; ; {
		next, n, err := c.successor(candidate)
		if err != nil {
			return "", err
		}
		if c.config.MaxPort > 0 && n > c.config.MaxPort {
			return "", fmt.Errorf("next backend %s exceeds max port %d", next, c.config.MaxPort)
		}
		if _, exists := c.registry.Get(next); !exists {
			return next, nil
		}
		candidate = next
	}
}

func (c *CapacityController) successor(address string) (string, int, error) {
	if c.config.Transport == domain.TransportLocalSocket {
		n, err := SocketIndex(c.config.IPCPath, address)
		if err != nil {
			return "", 0, err
		}
		return SocketPath(c.config.IPCPath, n+1), n + 1, nil
	}

	u, err := transport.ParseAddress(address)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return "", 0, fmt.Errorf("address %s has no numeric port", address)
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port+1))
	return u.String(), port + 1, nil
}

// SocketPath returns the numbered socket path <prefix><n>.sock
func SocketPath(prefix string, n int) string {
	return prefix + strconv.Itoa(n) + ".sock"
}

// SocketIndex parses n back out of a path built by SocketPath
func SocketIndex(prefix, path string) (int, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(path, prefix), ".sock")
	n, err := strconv.Atoi(trimmed)
	if err != nil || !strings.HasPrefix(path, prefix) {
		return 0, fmt.Errorf("socket %s does not match prefix %s", path, prefix)
	}
	return n, nil
}

// GetStats returns capacity controller statistics
func (c *CapacityController) GetStats() map[string]interface{} {
	previous, current := c.Latencies()
	return map[string]interface{}{
		"dynamic":          c.config.Dynamic,
		"grace_factor":     c.config.GraceFactor,
		"previous_max_ms":  previous,
		"current_max_ms":   current,
		"spin_ups_total":   c.spinUps.Load(),
		"spin_downs_total": c.spinDowns.Load(),
	}
}
