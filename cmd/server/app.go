package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mir00r/guardian-lb/internal/cache"
	"github.com/mir00r/guardian-lb/internal/config"
	"github.com/mir00r/guardian-lb/internal/domain"
	"github.com/mir00r/guardian-lb/internal/handler"
	"github.com/mir00r/guardian-lb/internal/middleware"
	"github.com/mir00r/guardian-lb/internal/repository"
	"github.com/mir00r/guardian-lb/internal/service"
	"github.com/mir00r/guardian-lb/internal/traffic"
	"github.com/mir00r/guardian-lb/internal/transport"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

// app holds the wired components of one balancer process
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	secret []byte

	registry      *repository.ServerRegistry
	sender        domain.Sender
	healthChecker *service.HealthChecker
	detector      *traffic.Detector
	provisioner   *service.ProcessProvisioner
	loadBalancer  *service.LoadBalancer
	store         domain.Store
	interceptor   *cache.Interceptor
	rateLimiter   *middleware.RateLimiter
	stopCleanup   chan struct{}
}

// newApp wires every component from cfg. The cache store is connected
// here so a Redis server rejecting the memory limit stops startup.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	secret, err := cfg.LoadSecret()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, secret: secret}

	a.registry = repository.NewServerRegistry(cfg.ToServers()...)

	a.sender, err = transport.New(cfg.TransportKind(), cfg.Transport)
	if err != nil {
		return nil, err
	}

	a.healthChecker = service.NewHealthChecker(cfg.ToHealthCheckConfig(), a.registry, a.sender, log)
	a.detector = traffic.NewDetector(cfg.ToDefenseConfig(), time.Now(), log)

	var provisioner domain.Provisioner
	if cfg.Capacity.Dynamic {
		a.provisioner = service.NewProcessProvisioner(cfg.Capacity.BinaryPath, cfg.TransportKind(), log)
		provisioner = a.provisioner
	}
	capacity := service.NewCapacityController(cfg.ToCapacityConfig(), a.registry, provisioner, log).UseSender(a.sender)
	metrics := service.NewMetrics(a.registry, a.detector, log)

	var checker *service.HealthChecker
	if cfg.HealthCheck.Enabled {
		checker = a.healthChecker
	}

	a.loadBalancer, err = service.NewLoadBalancer(
		cfg.ToProxyConfig(secret),
		cfg.Defense.Epoch,
		a.registry,
		a.sender,
		checker,
		a.detector,
		capacity,
		metrics,
		log,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create load balancer: %w", err)
	}

	if cfg.Cache.Enabled {
		if err := a.openCache(ctx); err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *app) openCache(ctx context.Context) error {
	log := a.log.CacheLogger()

	switch a.cfg.Cache.Backend {
	case "redis":
		store, err := cache.NewRedisStore(ctx, a.cfg.Cache.Redis)
		if err != nil {
			return err
		}
		if err := store.ConfigureMemory(ctx, a.cfg.Cache.MaxMemory, a.cfg.Cache.EvictionPolicy, log); err != nil {
			store.Close()
			return err
		}
		a.store = store
	default:
		maxBytes, err := config.ParseByteSize(a.cfg.Cache.MaxMemory)
		if err != nil {
			return err
		}
		store, err := cache.NewMemoryStore(maxBytes)
		if err != nil {
			return err
		}
		a.store = store
	}

	a.interceptor = cache.NewInterceptor(a.store, a.cfg.ToCacheConfig(), log)
	log.WithField("backend", a.cfg.Cache.Backend).Info("Response cache enabled")
	return nil
}

// handler builds the public request pipeline. Banned clients are rejected
// before any other check runs. The challenge page is served ahead of the
// method signature check so browsers can reach it.
func (a *app) handler() (http.Handler, error) {
	metrics := a.loadBalancer.Metrics()

	middlewares := []middleware.Middleware{
		middleware.RecoveryMiddleware(a.log),
		middleware.RequestContextMiddleware(a.cfg.Server.TrustForwardedFor),
		middleware.LoggingMiddleware(a.log),
		middleware.BanGuard(a.detector, metrics, a.log),
	}

	if a.cfg.RateLimit.Enabled {
		a.rateLimiter = middleware.NewRateLimiter(a.cfg.ToRateLimitConfig(), metrics, a.log)
		a.stopCleanup = make(chan struct{})
		a.rateLimiter.StartCleanup(time.Minute, a.stopCleanup)
		middlewares = append(middlewares, a.rateLimiter.RateLimitMiddleware())
		a.log.Info("Per-client rate limiting enabled")
	}

	middlewares = append(middlewares, middleware.UserAgentMiddleware(a.cfg.ToUserAgentPolicy(), metrics, a.log))

	if a.cfg.Challenge.Enabled {
		challenge, err := middleware.NewChallenge(a.cfg.ToChallengeConfig(a.secret), metrics, a.log)
		if err != nil {
			return nil, err
		}
		middlewares = append(middlewares, challenge.Middleware())
	}

	if a.cfg.Security.MethodHashCheck && a.cfg.Security.CheckIn {
		middlewares = append(middlewares, middleware.MethodHashMiddleware(a.secret, metrics, a.log))
	}

	lbHandler := handler.NewLoadBalancerHandler(a.loadBalancer, a.interceptor, a.log)
	return middleware.Chain(lbHandler, middlewares...), nil
}

// close releases everything newApp and handler acquired
func (a *app) close(ctx context.Context) {
	if a.stopCleanup != nil {
		close(a.stopCleanup)
	}
	if a.provisioner != nil {
		a.provisioner.Shutdown(ctx)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close cache store")
		}
	}
}
