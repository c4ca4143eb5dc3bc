package domain

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxWeight is the upper bound of a server's routing weight
	MaxWeight = 10
	// TimeoutStreakLimit is how many consecutive timeouts a non-strict
	// server tolerates before it is deactivated
	TimeoutStreakLimit = 3
)

// Server is a backend descriptor. Address identifies the server; every
// mutable field is guarded by the record's own mutex so timing updates on
// one server never block requests routed to another.
type Server struct {
	Address       string
	StrictTimeout bool

	seq      uint64
	inFlight atomic.Int64

	mu                  sync.Mutex
	weight              int
	active              bool
	avgResponseMs       int64
	consecutiveTimeouts int
	lastHealthCheck     time.Time
}

// ServerSnapshot is a point-in-time copy of a Server
type ServerSnapshot struct {
	Address             string    `json:"address"`
	Weight              int       `json:"weight"`
	Active              bool      `json:"active"`
	AvgResponseMs       int64     `json:"avg_response_ms"`
	StrictTimeout       bool      `json:"strict_timeout"`
	ConsecutiveTimeouts int       `json:"consecutive_timeouts"`
	InFlight            int64     `json:"in_flight"`
	LastHealthCheck     time.Time `json:"last_health_check"`
}

// NewServer creates a server with weight 1, as every server starts
// before its first health check.
func NewServer(address string, active, strictTimeout bool) *Server {
	return &Server{
		Address:       address,
		StrictTimeout: strictTimeout,
		weight:        1,
		active:        active,
	}
}

// Equal compares servers by address
func (s *Server) Equal(other *Server) bool {
	return other != nil && s.Address == other.Address
}

// Seq returns the registration order assigned by the registry
func (s *Server) Seq() uint64 { return s.seq }

// SetSeq is called by the registry on insertion
func (s *Server) SetSeq(seq uint64) { s.seq = seq }

// Weight returns the current routing weight
func (s *Server) Weight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weight
}

// SetWeight stores weight clamped to [0, MaxWeight]
func (s *Server) SetWeight(weight int) {
	if weight < 0 {
		weight = 0
	}
	if weight > MaxWeight {
		weight = MaxWeight
	}

	s.mu.Lock()
	s.weight = weight
	s.mu.Unlock()
}

// IsActive reports whether the server may receive traffic
func (s *Server) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetActive marks the server active or inactive
func (s *Server) SetActive(active bool) {
	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
}

// EffectiveWeight is the sort key used by the registry: inactive servers
// weigh nothing.
func (s *Server) EffectiveWeight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return 0
	}
	return s.weight
}

// RoutingState returns liveness and weight under a single lock
func (s *Server) RoutingState() (active bool, weight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.weight
}

// AvgResponseMs returns the rolling average response time
func (s *Server) AvgResponseMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avgResponseMs
}

// RecordSuccess folds elapsed into the rolling average, (elapsed+prev)/2,
// and resets the timeout streak.
func (s *Server) RecordSuccess(elapsed time.Duration) {
	ms := elapsed.Milliseconds()

	s.mu.Lock()
	s.avgResponseMs = (ms + s.avgResponseMs) / 2
	s.consecutiveTimeouts = 0
	s.mu.Unlock()
}

// RecordTimeout applies the timeout policy and reports whether the server
// was deactivated by this timeout.
func (s *Server) RecordTimeout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.StrictTimeout {
		s.active = false
		return true
	}

	s.consecutiveTimeouts++
	if s.consecutiveTimeouts >= TimeoutStreakLimit {
		s.active = false
		return true
	}
	return false
}

// ConsecutiveTimeouts returns the current timeout streak
func (s *Server) ConsecutiveTimeouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveTimeouts
}

// TryAcquire reserves an in-flight slot if fewer than limit requests are
// running. A limit <= 0 disables admission control.
func (s *Server) TryAcquire(limit int64) bool {
	if limit <= 0 {
		s.inFlight.Add(1)
		return true
	}
	for {
		current := s.inFlight.Load()
		if current >= limit {
			return false
		}
		if s.inFlight.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release returns an in-flight slot
func (s *Server) Release() {
	s.inFlight.Add(-1)
}

// InFlight returns the number of requests currently dispatched
func (s *Server) InFlight() int64 {
	return s.inFlight.Load()
}

// MarkHealthChecked stamps the last probe time
func (s *Server) MarkHealthChecked(at time.Time) {
	s.mu.Lock()
	s.lastHealthCheck = at
	s.mu.Unlock()
}

// Snapshot returns a copy of the server state
func (s *Server) Snapshot() ServerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ServerSnapshot{
		Address:             s.Address,
		Weight:              s.weight,
		Active:              s.active,
		AvgResponseMs:       s.avgResponseMs,
		StrictTimeout:       s.StrictTimeout,
		ConsecutiveTimeouts: s.consecutiveTimeouts,
		InFlight:            s.inFlight.Load(),
		LastHealthCheck:     s.lastHealthCheck,
	}
}

type requestContextKey struct{}

// RequestContext contains request-specific information
type RequestContext struct {
	RequestID string
	ClientIP  string
	UserAgent string
	Method    string
	Path      string
	StartTime time.Time
	Server    string
	Attempts  int
}

// NewRequestContext creates a new RequestContext from an HTTP request
func NewRequestContext(r *http.Request, clientIP string) *RequestContext {
	return &RequestContext{
		RequestID: uuid.NewString(),
		ClientIP:  clientIP,
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Path:      r.URL.Path,
		StartTime: time.Now(),
	}
}

// WithRequestContext attaches rc to r
func WithRequestContext(r *http.Request, rc *RequestContext) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), requestContextKey{}, rc))
}

// RequestContextFrom returns the RequestContext stored on r, if any
func RequestContextFrom(r *http.Request) (*RequestContext, bool) {
	rc, ok := r.Context().Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}
