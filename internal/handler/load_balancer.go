package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/mir00r/guardian-lb/internal/cache"
	"github.com/mir00r/guardian-lb/internal/domain"
	lberrors "github.com/mir00r/guardian-lb/internal/errors"
	"github.com/mir00r/guardian-lb/internal/middleware"
	"github.com/mir00r/guardian-lb/internal/service"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

// DefaultMaxBodyBytes bounds request bodies buffered for the cache key and
// the retry.
const DefaultMaxBodyBytes = 10 << 20

// LoadBalancerHandler buffers inbound requests, answers from the cache when
// it can and otherwise forwards through the load balancer.
type LoadBalancerHandler struct {
	loadBalancer *service.LoadBalancer
	cache        *cache.Interceptor
	metrics      *service.Metrics
	logger       *logger.Logger
	maxBodyBytes int64
}

// NewLoadBalancerHandler creates a new load balancer handler. interceptor
// may be nil when caching is off.
func NewLoadBalancerHandler(
	loadBalancer *service.LoadBalancer,
	interceptor *cache.Interceptor,
	logger *logger.Logger,
) *LoadBalancerHandler {
	return &LoadBalancerHandler{
		loadBalancer: loadBalancer,
		cache:        interceptor,
		metrics:      loadBalancer.Metrics(),
		logger:       logger,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
}

// ServeHTTP handles incoming HTTP requests
func (h *LoadBalancerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestCtx, ok := domain.RequestContextFrom(r)
	if !ok {
		requestCtx = domain.NewRequestContext(r, middleware.ClientIP(r, false))
	}

	log := h.logger.RequestLogger(
		requestCtx.RequestID,
		requestCtx.Method,
		requestCtx.Path,
		requestCtx.ClientIP,
	)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		log.WithError(err).Debug("Failed to read request body")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, lberrors.WrapError(err, lberrors.ErrCodeRequestTooLarge, "handler", "request body too large"))
			return
		}
		h.fail(w, lberrors.WrapError(err, lberrors.ErrCodeUpstreamFailure, "handler", "failed to read request body"))
		return
	}

	uri := r.URL.RequestURI()
	caching := h.cache != nil && h.cache.Enabled()

	var key string
	if caching {
		key, err = h.cache.Key(r.Method, uri, body)
		if err != nil {
			log.WithError(err).Error("Failed to derive cache key")
			h.fail(w, err)
			return
		}

		cached, hit, err := h.cache.Lookup(r.Context(), key)
		if err != nil {
			log.WithError(err).Error("Cached response is corrupt")
			h.fail(w, err)
			return
		}
		h.observeCache(hit)
		if hit {
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(http.StatusOK)
			w.Write(cached)
			return
		}
	}

	upstream, err := h.loadBalancer.Proxy(r.Context(), &service.ProxyRequest{
		Method:   r.Method,
		URI:      uri,
		Host:     r.Host,
		Header:   r.Header,
		Body:     body,
		ClientIP: requestCtx.ClientIP,
	})
	if err != nil {
		log.WithError(err).Warn("Request failed")
		h.fail(w, err)
		return
	}

	requestCtx.Server = upstream.Server
	requestCtx.Attempts = upstream.Attempts

	if caching && upstream.StatusCode == http.StatusOK {
		if ttl, ok := cache.ParseTTL(upstream.Header.Get("Cache-Control")); ok {
			if err := h.cache.Store(r.Context(), key, upstream.Body, ttl); err != nil {
				log.WithError(err).Error("Failed to prepare response for the cache")
				h.fail(w, err)
				return
			}
		}
	}

	header := upstream.Header.Clone()
	service.RemoveHopHeaders(header)
	for k, values := range header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	if caching {
		w.Header().Set("X-Cache", "MISS")
	}

	w.WriteHeader(upstream.StatusCode)
	if _, err := w.Write(upstream.Body); err != nil {
		log.WithError(err).Debug("Failed to write response body")
	}
}

func (h *LoadBalancerHandler) fail(w http.ResponseWriter, err error) {
	if h.metrics != nil {
		h.metrics.IncrementFailed()
	}
	middleware.WriteError(w, err)
}

func (h *LoadBalancerHandler) observeCache(hit bool) {
	if h.metrics != nil {
		h.metrics.ObserveCache(hit)
	}
}
