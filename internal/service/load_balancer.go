package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mir00r/guardian-lb/internal/domain"
	lberrors "github.com/mir00r/guardian-lb/internal/errors"
	"github.com/mir00r/guardian-lb/internal/repository"
	"github.com/mir00r/guardian-lb/internal/traffic"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

// SecretHeader carries the method signature between balancer and backends
const SecretHeader = "X-secret"

const maxAdmissionBackoff = 50 * time.Millisecond

// hopHeaders are connection-scoped and never forwarded
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyRequest is a fully buffered inbound request
type ProxyRequest struct {
	Method   string
	URI      string
	Host     string
	Header   http.Header
	Body     []byte
	ClientIP string
}

// Upstream is a fully buffered backend response
type Upstream struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Server     string
	Elapsed    time.Duration
	Attempts   int
}

// LoadBalancer owns the routing engine and its background loops
type LoadBalancer struct {
	config        domain.ProxyConfig
	epoch         time.Duration
	registry      *repository.ServerRegistry
	sender        domain.Sender
	healthChecker *HealthChecker
	detector      *traffic.Detector
	capacity      *CapacityController
	metrics       *Metrics
	logger        *logger.Logger

	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
}

// NewLoadBalancer creates a new load balancer instance
func NewLoadBalancer(
	config domain.ProxyConfig,
	epoch time.Duration,
	registry *repository.ServerRegistry,
	sender domain.Sender,
	healthChecker *HealthChecker,
	detector *traffic.Detector,
	capacity *CapacityController,
	metrics *Metrics,
	logger *logger.Logger,
) (*LoadBalancer, error) {
	if registry == nil || sender == nil {
		return nil, fmt.Errorf("registry and sender are required")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 2
	}
	if config.AdmissionBackoff <= 0 {
		config.AdmissionBackoff = time.Millisecond
	}
	if epoch <= 0 {
		epoch = time.Second
	}

	return &LoadBalancer{
		config:        config,
		epoch:         epoch,
		registry:      registry,
		sender:        sender,
		healthChecker: healthChecker,
		detector:      detector,
		capacity:      capacity,
		metrics:       metrics,
		logger:        logger.LoadBalancerLogger(),
		stopChan:      make(chan struct{}),
	}, nil
}

// Registry returns the server registry
func (lb *LoadBalancer) Registry() *repository.ServerRegistry { return lb.registry }

// Detector returns the traffic anomaly detector
func (lb *LoadBalancer) Detector() *traffic.Detector { return lb.detector }

// Metrics returns the metrics publisher
func (lb *LoadBalancer) Metrics() *Metrics { return lb.metrics }

// Proxy dispatches req to a backend. Attempts start at -1 and become 0 on
// the first dispatch; the first failure is swallowed and retried against a
// freshly selected target, the second is returned. A saturated target is
// reselected without consuming an attempt, backing off between rounds
// until the request timeout, after which Overloaded is returned. Each
// attempt gets its own admission window.
func (lb *LoadBalancer) Proxy(ctx context.Context, req *ProxyRequest) (*Upstream, error) {
	attempt := -1
	backoff := lb.config.AdmissionBackoff
	admitDeadline := time.Now().Add(lb.config.Timeout)

	for {
		server, err := lb.registry.Select()
		if err != nil {
			return nil, err
		}

		if !server.TryAcquire(lb.config.MaxConcurrentPerServer) {
			if err := lb.waitForAdmission(ctx, admitDeadline, backoff); err != nil {
				return nil, err
			}
			backoff = min(backoff*2, maxAdmissionBackoff)
			continue
		}

		attempt++
		upstream, err := lb.dispatch(ctx, server, req)
		server.Release()

		if err == nil {
			upstream.Attempts = attempt + 1
			return upstream, nil
		}
		if ctx.Err() != nil {
			return nil, lberrors.WrapError(ctx.Err(), lberrors.ErrCodeUpstreamFailure, "load_balancer", "client went away")
		}
		if attempt+1 >= lb.config.MaxAttempts {
			return nil, err
		}

		lb.logger.ServerLogger(server.Address).WithError(err).Debug("Upstream attempt failed, retrying")
		backoff = lb.config.AdmissionBackoff
		admitDeadline = time.Now().Add(lb.config.Timeout)
	}
}

func (lb *LoadBalancer) waitForAdmission(ctx context.Context, deadline time.Time, backoff time.Duration) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return lberrors.NewError(lberrors.ErrCodeOverloaded, "load_balancer", "every server is at its concurrency limit")
	}

	timer := time.NewTimer(min(backoff, remaining))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return lberrors.WrapError(ctx.Err(), lberrors.ErrCodeUpstreamFailure, "load_balancer", "client went away")
	case <-timer.C:
		return nil
	}
}

func (lb *LoadBalancer) dispatch(parent context.Context, server *domain.Server, req *ProxyRequest) (*Upstream, error) {
	ctx, cancel := context.WithTimeout(parent, lb.config.Timeout)
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, req.Method, req.URI, bytes.NewReader(req.Body))
	if err != nil {
		return nil, lberrors.WrapError(err, lberrors.ErrCodeInternalError, "load_balancer", "failed to build upstream request")
	}
	out.Host = req.Host
	out.Header = OutboundHeaders(req.Header, req.ClientIP)
	if len(lb.config.OutboundSecret) > 0 {
		out.Header.Set(SecretHeader, SignMethod(lb.config.OutboundSecret, req.Method))
	}

	start := time.Now()
	resp, err := lb.sender.Send(ctx, server.Address, out)
	if err == nil {
		var body []byte
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err == nil {
			elapsed := time.Since(start)
			lb.recordSuccess(server, elapsed)
			return &Upstream{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       body,
				Server:     server.Address,
				Elapsed:    elapsed,
			}, nil
		}
	}

	return nil, lb.recordFailure(ctx, server, err, time.Since(start))
}

func (lb *LoadBalancer) recordSuccess(server *domain.Server, elapsed time.Duration) {
	server.RecordSuccess(elapsed)
	lb.registry.ObserveLatency(elapsed.Milliseconds())
	if lb.capacity != nil {
		lb.capacity.Observe(elapsed.Milliseconds())
	}
	if lb.metrics != nil {
		lb.metrics.ObserveUpstream(server.Address, elapsed, "success")
	}
}

func (lb *LoadBalancer) recordFailure(ctx context.Context, server *domain.Server, err error, elapsed time.Duration) error {
	log := lb.logger.ServerLogger(server.Address).WithError(err)

	if !IsTimeout(ctx, err) {
		if lb.metrics != nil {
			lb.metrics.ObserveUpstream(server.Address, elapsed, "error")
		}
		log.Warn("Upstream request failed")
		return lberrors.NewUpstreamError(server.Address, err)
	}

	if lb.metrics != nil {
		lb.metrics.ObserveUpstream(server.Address, elapsed, "timeout")
	}
	if server.RecordTimeout() {
		log.WithField("strict", server.StrictTimeout).Warn("Server deactivated after timeout")
	} else {
		log.WithField("streak", server.ConsecutiveTimeouts()).Warn("Upstream request timed out")
	}
	return lberrors.NewTimeoutError(server.Address, err)
}

// IsTimeout reports whether err came from the dispatch deadline
func IsTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// OutboundHeaders copies inbound headers minus hop-by-hop ones and sets
// X-Forwarded-For to the client address.
func OutboundHeaders(in http.Header, clientIP string) http.Header {
	out := in.Clone()
	if out == nil {
		out = make(http.Header)
	}
	RemoveHopHeaders(out)
	out.Del(SecretHeader)
	if clientIP != "" {
		out.Set("X-Forwarded-For", clientIP)
	}
	return out
}

// RemoveHopHeaders strips connection-scoped headers, including any named
// by the Connection header.
func RemoveHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// SignMethod returns base64(HMAC-SHA256(secret, method))
func SignMethod(secret []byte, method string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(method))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyMethod checks a signature produced by SignMethod
func VerifyMethod(secret []byte, method, signature string) bool {
	expected, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(method))
	return hmac.Equal(mac.Sum(nil), expected)
}

// Start runs an initial health check round and starts the background loops
func (lb *LoadBalancer) Start(ctx context.Context) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.isRunning {
		return fmt.Errorf("load balancer is already running")
	}
	if lb.registry.Len() == 0 {
		return fmt.Errorf("no servers configured")
	}

	lb.logger.Info("Starting load balancer")

	if lb.healthChecker != nil {
		if failed := lb.healthChecker.CheckAll(ctx); failed > 0 {
			lb.logger.WithField("failed", failed).Warn("Some servers failed the initial health check")
		}
		if err := lb.healthChecker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start health checking: %w", err)
		}
	}

	lb.isRunning = true
	lb.wg.Add(2)
	go lb.epochLoop(ctx)
	go lb.publishLoop(ctx)

	lb.logger.Infof("Load balancer started with %d servers", lb.registry.Len())
	return nil
}

// Stop gracefully stops the background loops
func (lb *LoadBalancer) Stop(ctx context.Context) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if !lb.isRunning {
		return nil
	}

	lb.logger.Info("Stopping load balancer")

	if lb.healthChecker != nil {
		if err := lb.healthChecker.Stop(); err != nil {
			lb.logger.WithError(err).Error("Failed to stop health checker")
		}
	}

	close(lb.stopChan)
	done := make(chan struct{})
	go func() {
		lb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	lb.isRunning = false
	lb.stopChan = make(chan struct{})
	lb.logger.Info("Load balancer stopped")
	return nil
}

// RunEpoch performs one epoch of detection and capacity control
func (lb *LoadBalancer) RunEpoch(ctx context.Context, now time.Time) (traffic.EpochReport, CapacityAction) {
	var report traffic.EpochReport
	if lb.detector != nil {
		report = lb.detector.Evaluate(now)
	}

	action := ActionNone
	if lb.capacity != nil {
		action = lb.capacity.Evaluate(ctx)
	}

	if lb.metrics != nil {
		lb.metrics.ObserveEpoch(report, action)
	}
	return report, action
}

func (lb *LoadBalancer) epochLoop(ctx context.Context) {
	defer lb.wg.Done()

	ticker := time.NewTicker(lb.epoch)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lb.stopChan:
			return
		case now := <-ticker.C:
			lb.RunEpoch(ctx, now)
		}
	}
}

func (lb *LoadBalancer) publishLoop(ctx context.Context) {
	defer lb.wg.Done()
	if lb.metrics == nil {
		return
	}

	ticker := time.NewTicker(lb.epoch)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lb.stopChan:
			return
		case now := <-ticker.C:
			lb.metrics.Publish(now)
		}
	}
}

// GetStats returns load balancer statistics
func (lb *LoadBalancer) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"timeout":                   lb.config.Timeout.String(),
		"max_attempts":              lb.config.MaxAttempts,
		"max_concurrent_per_server": lb.config.MaxConcurrentPerServer,
		"transport":                 string(lb.sender.Kind()),
		"registry":                  lb.registry.Stats(),
	}
	if lb.healthChecker != nil {
		stats["health_checker"] = lb.healthChecker.GetStats()
	}
	if lb.capacity != nil {
		stats["capacity"] = lb.capacity.GetStats()
	}
	return stats
}
