package service

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/mir00r/guardian-lb/internal/domain"
	lberrors "github.com/mir00r/guardian-lb/internal/errors"
	"github.com/mir00r/guardian-lb/internal/repository"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

// HealthChecker probes every registered server on an interval, updates
// liveness and weight, then reorders the registry.
type HealthChecker struct {
	config    domain.HealthCheckConfig
	registry  *repository.ServerRegistry
	sender    domain.Sender
	logger    *logger.Logger
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
}

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(config domain.HealthCheckConfig, registry *repository.ServerRegistry, sender domain.Sender, logger *logger.Logger) *HealthChecker {
	return &HealthChecker{
		config:   config,
		registry: registry,
		sender:   sender,
		logger:   logger.HealthCheckLogger(),
		stopChan: make(chan struct{}),
	}
}

// Check probes one server and applies the result to it
func (hc *HealthChecker) Check(ctx context.Context, server *domain.Server) error {
	log := hc.logger.ServerLogger(server.Address)

	ctx, cancel := context.WithTimeout(ctx, hc.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.config.Path, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	req.Header.Set("User-Agent", "guardian-lb-healthcheck/1.0")

	start := time.Now()
	resp, err := hc.sender.Send(ctx, server.Address, req)
	duration := time.Since(start)
	server.MarkHealthChecked(time.Now())

	if err != nil {
		hc.markDown(server, log)
		return lberrors.WrapError(err, lberrors.ErrCodeHealthCheckFailed, "health_checker", "health check request failed")
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		hc.markDown(server, log)
		return lberrors.NewError(lberrors.ErrCodeHealthCheckFailed, "health_checker",
			fmt.Sprintf("health check failed with status %d", resp.StatusCode))
	}

	hc.markUp(server, log)
	log.WithField("duration_ms", duration.Milliseconds()).
		WithField("weight", server.Weight()).
		Debug("Health check passed")
	return nil
}

func (hc *HealthChecker) markUp(server *domain.Server, log *logger.Logger) {
	if !server.IsActive() {
		log.Info("Server recovered and marked as active")
	}
	server.SetActive(true)

	if weight, ok := ComputeWeight(server.AvgResponseMs(), hc.registry.GlobalMaxMs()); ok {
		server.SetWeight(weight)
	}
}

func (hc *HealthChecker) markDown(server *domain.Server, log *logger.Logger) {
	if server.IsActive() {
		log.Warn("Server failed health check and was marked inactive")
	}
	server.SetActive(false)
}

// ComputeWeight maps a server's average response time onto [0, MaxWeight]
// relative to the slowest response seen: floor((1 - avg/max) * 10). It
// reports false while no latency has been observed yet.
func ComputeWeight(avgMs, globalMaxMs int64) (int, bool) {
	if globalMaxMs <= 0 {
		return 0, false
	}
	weight := int(math.Floor((1 - float64(avgMs)/float64(globalMaxMs)) * domain.MaxWeight))
	if weight < 0 {
		weight = 0
	}
	if weight > domain.MaxWeight {
		weight = domain.MaxWeight
	}
	return weight, true
}

// CheckAll probes every server concurrently, waits for all of them and
// reorders the registry. It returns the number of servers that failed.
func (hc *HealthChecker) CheckAll(ctx context.Context) int {
	servers := hc.registry.Servers()

	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	for _, server := range servers {
		wg.Add(1)
		go func(server *domain.Server) {
			defer wg.Done()
			if err := hc.Check(ctx, server); err != nil {
				hc.logger.ServerLogger(server.Address).WithError(err).Debug("Health check failed")
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(server)
	}
	wg.Wait()

	hc.registry.Reorder()
	return failed
}

// Start begins periodic health checking
func (hc *HealthChecker) Start(ctx context.Context) error {
	if !hc.config.Enabled {
		hc.logger.Info("Health checking is disabled")
		return nil
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	if hc.isRunning {
		return fmt.Errorf("health checker is already running")
	}

	hc.isRunning = true
	hc.logger.Infof("Starting health checker with interval %v", hc.config.Interval)

	hc.wg.Add(1)
	go hc.loop(ctx)
	return nil
}

// Stop stops health checking and waits for the loop to exit
func (hc *HealthChecker) Stop() error {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if !hc.isRunning {
		return nil
	}

	hc.logger.Info("Stopping health checker")
	close(hc.stopChan)
	hc.wg.Wait()
	hc.isRunning = false
	hc.stopChan = make(chan struct{})

	hc.logger.Info("Health checker stopped")
	return nil
}

func (hc *HealthChecker) loop(ctx context.Context) {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hc.stopChan:
			return
		case <-ticker.C:
			if failed := hc.CheckAll(ctx); failed > 0 {
				hc.logger.WithField("failed", failed).Debug("Health check round completed with failures")
			}
		}
	}
}

// GetStats returns health checker statistics
func (hc *HealthChecker) GetStats() map[string]interface{} {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return map[string]interface{}{
		"enabled":    hc.config.Enabled,
		"running":    hc.isRunning,
		"interval":   hc.config.Interval.String(),
		"timeout":    hc.config.Timeout.String(),
		"check_path": hc.config.Path,
	}
}

// IsRunning returns true if health checking is currently running
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.isRunning
}
