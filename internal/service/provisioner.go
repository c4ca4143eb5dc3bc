package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mir00r/guardian-lb/internal/domain"
	"github.com/mir00r/guardian-lb/internal/transport"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

// ProcessProvisioner runs backend binaries as child processes. A TCP
// backend is started with --port N, a socket backend with --socket PATH.
type ProcessProvisioner struct {
	binary string
	kind   domain.TransportKind
	grace  time.Duration
	logger *logger.Logger

	mu    sync.Mutex
	procs map[string]*child
}

type child struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewProcessProvisioner creates a provisioner for binary
func NewProcessProvisioner(binary string, kind domain.TransportKind, log *logger.Logger) *ProcessProvisioner {
	return &ProcessProvisioner{
		binary: binary,
		kind:   kind,
		grace:  5 * time.Second,
		logger: log.CapacityLogger(),
		procs:  make(map[string]*child),
	}
}

// Args returns the command line flags for a backend at address
func (p *ProcessProvisioner) Args(address string) ([]string, error) {
	if p.kind == domain.TransportLocalSocket {
		return []string{"--socket", address}, nil
	}

	u, err := transport.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if _, err := strconv.Atoi(u.Port()); err != nil {
		return nil, fmt.Errorf("address %s has no numeric port", address)
	}
	return []string{"--port", u.Port()}, nil
}

// Spawn implements domain.Provisioner
func (p *ProcessProvisioner) Spawn(_ context.Context, address string) bool {
	log := p.logger.ServerLogger(address)

	args, err := p.Args(address)
	if err != nil {
		log.WithError(err).Error("Cannot build backend command line")
		return false
	}

	// not bound to the request context: the child outlives the epoch
	cmd := exec.Command(p.binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		log.WithError(err).WithField("binary", p.binary).Error("Failed to start backend process")
		return false
	}

	proc := &child{cmd: cmd, done: make(chan struct{})}
	p.mu.Lock()
	p.procs[address] = proc
	p.mu.Unlock()

	go func() {
		err := cmd.Wait()
		close(proc.done)
		p.mu.Lock()
		if p.procs[address] == proc {
			delete(p.procs, address)
		}
		p.mu.Unlock()
		log.WithError(err).WithField("pid", cmd.Process.Pid).Debug("Backend process exited")
	}()

	log.WithField("pid", cmd.Process.Pid).Info("Started backend process")
	return true
}

// Terminate implements domain.Provisioner. Only processes started by this
// provisioner can be terminated.
func (p *ProcessProvisioner) Terminate(ctx context.Context, address string) error {
	p.mu.Lock()
	proc, ok := p.procs[address]
	delete(p.procs, address)
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("backend %s was not started by this balancer", address)
	}

	if err := proc.cmd.Process.Signal(os.Interrupt); err != nil {
		select {
		case <-proc.done:
			return nil
		default:
			return proc.cmd.Process.Kill()
		}
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	select {
	case <-proc.done:
		return nil
	case <-ctx.Done():
		return proc.cmd.Process.Kill()
	case <-timer.C:
		return proc.cmd.Process.Kill()
	}
}

// Running returns the addresses of live child processes
func (p *ProcessProvisioner) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	addresses := make([]string, 0, len(p.procs))
	for address := range p.procs {
		addresses = append(addresses, address)
	}
	return addresses
}

// Shutdown terminates every child process
func (p *ProcessProvisioner) Shutdown(ctx context.Context) {
	for _, address := range p.Running() {
		if err := p.Terminate(ctx, address); err != nil {
			p.logger.ServerLogger(address).WithError(err).Warn("Failed to stop backend process")
		}
	}
}
