package domain

import "time"

// ProxyConfig drives the admission and retry controller
type ProxyConfig struct {
	Timeout                time.Duration
	MaxConcurrentPerServer int64
	AdmissionBackoff       time.Duration
	MaxAttempts            int
	// OutboundSecret signs the method into X-secret when non-empty
	OutboundSecret []byte
}

// HealthCheckConfig holds health check settings
type HealthCheckConfig struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
	Path     string
}

// DefenseConfig holds the aggregate anomaly detection tunables
type DefenseConfig struct {
	Epoch              time.Duration
	Percentile         float64
	Cap                float64
	GraceFactor        float64
	SuspicionThreshold uint64
	BanTimeout         time.Duration
	WindowSize         int
}

// CapacityConfig holds the auto-scaler tunables
type CapacityConfig struct {
	Dynamic     bool
	GraceFactor float64
	MaxPort     int
	Transport   TransportKind
	IPCPath     string
}

// CacheConfig holds cache interceptor settings
type CacheConfig struct {
	Enabled     bool
	HashKeys    bool
	Compression bool
}
