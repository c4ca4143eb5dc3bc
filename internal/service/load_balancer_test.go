package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mir00r/guardian-lb/internal/domain"
	lberrors "github.com/mir00r/guardian-lb/internal/errors"
	"github.com/mir00r/guardian-lb/internal/repository"
	"github.com/mir00r/guardian-lb/internal/traffic"
	"github.com/mir00r/guardian-lb/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendFunc func(ctx context.Context, address string, req *http.Request) (*http.Response, error)

type fakeSender struct {
	mu    sync.Mutex
	calls []string
	send  sendFunc
}

func (f *fakeSender) Send(ctx context.Context, address string, req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, address)
	f.mu.Unlock()
	return f.send(ctx, address, req)
}

func (f *fakeSender) Kind() domain.TransportKind { return domain.TransportHTTP }

func (f *fakeSender) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func blockUntilDeadline(ctx context.Context, _ string, _ *http.Request) (*http.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func testProxyConfig() domain.ProxyConfig {
	return domain.ProxyConfig{
		Timeout:                50 * time.Millisecond,
		MaxConcurrentPerServer: 10,
		AdmissionBackoff:       time.Millisecond,
		MaxAttempts:            2,
	}
}

func newTestLoadBalancer(t *testing.T, config domain.ProxyConfig, sender domain.Sender, servers ...*domain.Server) *LoadBalancer {
	t.Helper()

	registry := repository.NewServerRegistry(servers...)
	log := logger.NewNop()
	detector := traffic.NewDetector(domain.DefenseConfig{Percentile: 0.99, Cap: 50, GraceFactor: 2, SuspicionThreshold: 100, BanTimeout: time.Minute}, time.Now(), log)
	capacity := NewCapacityController(domain.CapacityConfig{GraceFactor: 1.5}, registry, nil, log)

	lb, err := NewLoadBalancer(config, time.Second, registry, sender, nil, detector, capacity, NewMetrics(registry, detector, log), log)
	require.NoError(t, err)
	return lb
}

func TestProxySuccess(t *testing.T) {
	t.Parallel()

	secret := []byte("s3cret")
	var seen http.Header
	sender := &fakeSender{send: func(_ context.Context, _ string, req *http.Request) (*http.Response, error) {
		seen = req.Header.Clone()
		return okResponse("hello"), nil
	}}

	config := testProxyConfig()
	config.OutboundSecret = secret
	server := domain.NewServer("a", true, false)
	lb := newTestLoadBalancer(t, config, sender, server)

	header := http.Header{}
	header.Set("Connection", "keep-alive, X-Private")
	header.Set("X-Private", "drop me")
	header.Set("Accept", "text/plain")

	upstream, err := lb.Proxy(context.Background(), &ProxyRequest{
		Method:   http.MethodGet,
		URI:      "/items",
		Header:   header,
		ClientIP: "10.1.2.3",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, upstream.StatusCode)
	assert.Equal(t, "hello", string(upstream.Body))
	assert.Equal(t, "a", upstream.Server)
	assert.Equal(t, 1, upstream.Attempts)
	assert.Equal(t, int64(0), server.InFlight())

	assert.Equal(t, "10.1.2.3", seen.Get("X-Forwarded-For"))
	assert.Equal(t, "text/plain", seen.Get("Accept"))
	assert.Empty(t, seen.Get("Connection"))
	assert.Empty(t, seen.Get("X-Private"))
	assert.True(t, VerifyMethod(secret, http.MethodGet, seen.Get(SecretHeader)))
}

func TestProxyRetriesOnceOnFailure(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{send: func(_ context.Context, address string, _ *http.Request) (*http.Response, error) {
		if address == "a" {
			return nil, errors.New("connection refused")
		}
		return okResponse("from b"), nil
	}}

	lb := newTestLoadBalancer(t, testProxyConfig(), sender,
		domain.NewServer("a", true, false),
		domain.NewServer("b", true, false),
	)

	upstream, err := lb.Proxy(context.Background(), &ProxyRequest{Method: http.MethodGet, URI: "/"})
	require.NoError(t, err)
	assert.Equal(t, "b", upstream.Server)
	assert.Equal(t, 2, upstream.Attempts)
	assert.Equal(t, []string{"a", "b"}, sender.Calls())
}

func TestProxySurfacesSecondFailure(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{send: func(context.Context, string, *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}}

	lb := newTestLoadBalancer(t, testProxyConfig(), sender,
		domain.NewServer("a", true, false),
		domain.NewServer("b", true, false),
	)

	_, err := lb.Proxy(context.Background(), &ProxyRequest{Method: http.MethodGet, URI: "/"})
	require.Error(t, err)
	assert.True(t, lberrors.HasCode(err, lberrors.ErrCodeUpstreamFailure))
	assert.Equal(t, "BadRequest", lberrors.GetKind(err))
	assert.Len(t, sender.Calls(), 2, "exactly one failure is swallowed")
}

func TestProxyStrictTimeoutDeactivatesImmediately(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{send: func(ctx context.Context, address string, req *http.Request) (*http.Response, error) {
		if address == "strict" {
			return blockUntilDeadline(ctx, address, req)
		}
		return okResponse("ok"), nil
	}}

	strict := domain.NewServer("strict", true, true)
	lb := newTestLoadBalancer(t, testProxyConfig(), sender, strict, domain.NewServer("b", true, false))

	upstream, err := lb.Proxy(context.Background(), &ProxyRequest{Method: http.MethodGet, URI: "/"})
	require.NoError(t, err)
	assert.Equal(t, "b", upstream.Server)
	assert.False(t, strict.IsActive())
}

func TestProxyTimeoutStreak(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{send: blockUntilDeadline}
	server := domain.NewServer("slow", true, false)
	lb := newTestLoadBalancer(t, testProxyConfig(), sender, server)

	_, err := lb.Proxy(context.Background(), &ProxyRequest{Method: http.MethodGet, URI: "/"})
	require.Error(t, err)
	assert.True(t, lberrors.HasCode(err, lberrors.ErrCodeUpstreamTimeout))
	assert.Equal(t, "TimeoutError", lberrors.GetKind(err))
	assert.Equal(t, 2, server.ConsecutiveTimeouts())
	assert.True(t, server.IsActive(), "two timeouts are tolerated")

	_, err = lb.Proxy(context.Background(), &ProxyRequest{Method: http.MethodGet, URI: "/"})
	require.Error(t, err)
	assert.False(t, server.IsActive(), "the third consecutive timeout deactivates")
	assert.True(t, lberrors.HasCode(err, lberrors.ErrCodeNoHealthyServer))
	assert.Len(t, sender.Calls(), 3)
}

func TestProxyNoHealthyServer(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{send: func(context.Context, string, *http.Request) (*http.Response, error) {
		return okResponse(""), nil
	}}
	lb := newTestLoadBalancer(t, testProxyConfig(), sender, domain.NewServer("a", false, false))

	_, err := lb.Proxy(context.Background(), &ProxyRequest{Method: http.MethodGet, URI: "/"})
	require.Error(t, err)
	assert.True(t, lberrors.HasCode(err, lberrors.ErrCodeNoHealthyServer))
	assert.Empty(t, sender.Calls())
}

func TestProxyAdmissionGate(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{send: func(context.Context, string, *http.Request) (*http.Response, error) {
		return okResponse("ok"), nil
	}}

	config := testProxyConfig()
	config.MaxConcurrentPerServer = 1
	server := domain.NewServer("a", true, false)
	lb := newTestLoadBalancer(t, config, sender, server)

	require.True(t, server.TryAcquire(1))

	_, err := lb.Proxy(context.Background(), &ProxyRequest{Method: http.MethodGet, URI: "/"})
	require.Error(t, err)
	assert.True(t, lberrors.HasCode(err, lberrors.ErrCodeOverloaded))
	assert.Equal(t, http.StatusServiceUnavailable, lberrors.GetHTTPStatusCode(err))
	assert.Empty(t, sender.Calls(), "a saturated server is never dispatched to")

	server.Release()
	_, err = lb.Proxy(context.Background(), &ProxyRequest{Method: http.MethodGet, URI: "/"})
	require.NoError(t, err)
}

func TestProxyRetryWaitsForAdmission(t *testing.T) {
	t.Parallel()

	slow := domain.NewServer("slow", true, true)
	busy := domain.NewServer("busy", true, false)
	require.True(t, busy.TryAcquire(1))

	sender := &fakeSender{send: func(ctx context.Context, address string, req *http.Request) (*http.Response, error) {
		if address == "slow" {
			time.AfterFunc(130*time.Millisecond, busy.Release)
			return blockUntilDeadline(ctx, address, req)
		}
		return okResponse("ok"), nil
	}}

	config := testProxyConfig()
	config.Timeout = 100 * time.Millisecond
	config.MaxConcurrentPerServer = 1
	lb := newTestLoadBalancer(t, config, sender, slow, busy)

	upstream, err := lb.Proxy(context.Background(), &ProxyRequest{Method: http.MethodGet, URI: "/"})
	require.NoError(t, err)
	assert.Equal(t, "busy", upstream.Server)
	assert.Equal(t, 2, upstream.Attempts)
	assert.Equal(t, []string{"slow", "busy"}, sender.Calls())
}

func TestProxyAdmissionBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var current, peak atomic.Int64
	sender := &fakeSender{send: func(context.Context, string, *http.Request) (*http.Response, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return okResponse("ok"), nil
	}}

	config := testProxyConfig()
	config.Timeout = 2 * time.Second
	config.MaxConcurrentPerServer = 2
	lb := newTestLoadBalancer(t, config, sender, domain.NewServer("a", true, false))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lb.Proxy(context.Background(), &ProxyRequest{Method: http.MethodGet, URI: "/"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Len(t, sender.Calls(), 20)
}

func TestProxyRecordsLatency(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{send: func(context.Context, string, *http.Request) (*http.Response, error) {
		time.Sleep(20 * time.Millisecond)
		return okResponse("ok"), nil
	}}

	server := domain.NewServer("a", true, false)
	lb := newTestLoadBalancer(t, testProxyConfig(), sender, server)

	_, err := lb.Proxy(context.Background(), &ProxyRequest{Method: http.MethodGet, URI: "/"})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, lb.Registry().GlobalMaxMs(), int64(20))
	assert.GreaterOrEqual(t, server.AvgResponseMs(), int64(10))
	_, current := lb.capacity.Latencies()
	assert.GreaterOrEqual(t, current, int64(20))
}

func TestRunEpochDetectsAnomaly(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{send: func(context.Context, string, *http.Request) (*http.Response, error) {
		return okResponse("ok"), nil
	}}
	lb := newTestLoadBalancer(t, testProxyConfig(), sender, domain.NewServer("a", true, false))

	for i := 0; i < 1000; i++ {
		lb.Detector().Observe("6.6.6.6")
	}

	report, action := lb.RunEpoch(context.Background(), time.Now())
	assert.True(t, report.Anomalous)
	assert.Equal(t, []string{"6.6.6.6"}, report.Banned)
	assert.Equal(t, ActionNone, action)

	stats := lb.Metrics().Publish(time.Now())
	assert.Equal(t, uint64(1), stats.AnomalousEpochs)
	assert.Equal(t, []string{"6.6.6.6"}, stats.BannedIPs)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{send: func(context.Context, string, *http.Request) (*http.Response, error) {
		return okResponse("ok"), nil
	}}
	lb := newTestLoadBalancer(t, testProxyConfig(), sender, domain.NewServer("a", true, false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, lb.Start(ctx))
	assert.Error(t, lb.Start(ctx))
	require.NoError(t, lb.Stop(context.Background()))
	require.NoError(t, lb.Stop(context.Background()))

	stats := lb.GetStats()
	assert.Equal(t, "http", stats["transport"])
}

func TestSignMethod(t *testing.T) {
	t.Parallel()

	secret := []byte("key")
	signature := SignMethod(secret, "POST")
	assert.True(t, VerifyMethod(secret, "POST", signature))
	assert.False(t, VerifyMethod(secret, "GET", signature))
	assert.False(t, VerifyMethod([]byte("other"), "POST", signature))
	assert.False(t, VerifyMethod(secret, "POST", "%%%not-base64"))
}
