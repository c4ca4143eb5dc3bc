package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mir00r/guardian-lb/internal/domain"
	"github.com/mir00r/guardian-lb/internal/repository"
	"github.com/mir00r/guardian-lb/internal/traffic"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

// emaAlpha weights the latest epoch in the requests-per-second EMA
const emaAlpha = 0.2

// Stats is the read-only snapshot consumed by the dashboard and the admin
// API. It is rebuilt by the publisher loop and swapped in atomically.
type Stats struct {
	TotalRequests   uint64                  `json:"total_requests"`
	BadRequests     uint64                  `json:"bad_requests"`
	AnomalousEpochs uint64                  `json:"ddos_epochs"`
	ServerNames     []string                `json:"server_names"`
	ResponseTimes   []int64                 `json:"response_times_ms"`
	ActiveStates    []bool                  `json:"active_states"`
	Servers         []domain.ServerSnapshot `json:"servers"`
	BannedIPs       []string                `json:"banned_ips"`
	RPSAverage      float64                 `json:"rps_average"`
	RPSEMA          float64                 `json:"rps_ema"`
	Uptime          string                  `json:"uptime"`
	Timestamp       time.Time               `json:"timestamp"`
}

// Metrics counts request outcomes, exports them to Prometheus and
// publishes the dashboard snapshot.
type Metrics struct {
	registry *repository.ServerRegistry
	detector *traffic.Detector
	logger   *logger.Logger
	started  time.Time

	totalRequests atomic.Uint64
	badRequests   atomic.Uint64

	mu          sync.Mutex
	lastTotal   uint64
	lastPublish time.Time
	ema         float64

	snapshot atomic.Pointer[Stats]

	promRegistry     *prometheus.Registry
	requestsTotal    prometheus.Counter
	rejectedTotal    *prometheus.CounterVec
	upstreamTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	cacheTotal       *prometheus.CounterVec
	anomalousEpochs  prometheus.Counter
	capacityActions  *prometheus.CounterVec
	bannedIPs        prometheus.Gauge
	serverActive     *prometheus.GaugeVec
	serverWeight     *prometheus.GaugeVec
	serverAvgLatency *prometheus.GaugeVec
	rpsEMA           prometheus.Gauge
}

// NewMetrics creates a metrics publisher with its own Prometheus registry
func NewMetrics(registry *repository.ServerRegistry, detector *traffic.Detector, log *logger.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	now := time.Now()
	m := &Metrics{
		registry:     registry,
		detector:     detector,
		logger:       log.MetricsLogger(),
		started:      now,
		lastPublish:  now,
		promRegistry: reg,

		requestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "guardian_requests_total",
			Help: "Total number of inbound requests",
		}),
		rejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_rejected_requests_total",
			Help: "Requests rejected before reaching a backend",
		}, []string{"reason"}),
		upstreamTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_upstream_requests_total",
			Help: "Upstream dispatches by server and result",
		}, []string{"server", "result"}),
		upstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guardian_upstream_duration_seconds",
			Help:    "Upstream response time",
			Buckets: prometheus.DefBuckets,
		}, []string{"server"}),
		cacheTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_cache_lookups_total",
			Help: "Cache lookups by result",
		}, []string{"result"}),
		anomalousEpochs: factory.NewCounter(prometheus.CounterOpts{
			Name: "guardian_ddos_epochs_total",
			Help: "Epochs flagged as traffic anomalies",
		}),
		capacityActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_capacity_actions_total",
			Help: "Backends spun up or down by the capacity controller",
		}, []string{"action"}),
		bannedIPs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_banned_ips",
			Help: "Number of currently banned client IPs",
		}),
		serverActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardian_server_active",
			Help: "1 if the server is eligible for routing",
		}, []string{"server"}),
		serverWeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardian_server_weight",
			Help: "Routing weight assigned by the health checker",
		}, []string{"server"}),
		serverAvgLatency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardian_server_avg_response_ms",
			Help: "Rolling average response time",
		}, []string{"server"}),
		rpsEMA: factory.NewGauge(prometheus.GaugeOpts{
			Name: "guardian_requests_per_second_ema",
			Help: "Exponential moving average of requests per second",
		}),
	}

	return m
}

// Registry returns the Prometheus registry for the /metrics handler
func (m *Metrics) Registry() *prometheus.Registry { return m.promRegistry }

// IncrementRequests counts an inbound request
func (m *Metrics) IncrementRequests() {
	m.totalRequests.Add(1)
	m.requestsTotal.Inc()
}

// IncrementRejected counts a request refused before dispatch
func (m *Metrics) IncrementRejected(reason string) {
	m.badRequests.Add(1)
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

// IncrementFailed counts a request that failed upstream
func (m *Metrics) IncrementFailed() {
	m.badRequests.Add(1)
}

// ObserveUpstream records one dispatch
func (m *Metrics) ObserveUpstream(server string, duration time.Duration, result string) {
	m.upstreamTotal.WithLabelValues(server, result).Inc()
	if result == "success" {
		m.upstreamDuration.WithLabelValues(server).Observe(duration.Seconds())
	}
}

// ObserveCache records a cache lookup result
func (m *Metrics) ObserveCache(hit bool) {
	if hit {
		m.cacheTotal.WithLabelValues("hit").Inc()
		return
	}
	m.cacheTotal.WithLabelValues("miss").Inc()
}

// ObserveEpoch records the detector and capacity outcome of an epoch
func (m *Metrics) ObserveEpoch(report traffic.EpochReport, action CapacityAction) {
	if report.Anomalous {
		m.anomalousEpochs.Inc()
	}
	if action != ActionNone {
		m.capacityActions.WithLabelValues(action.String()).Inc()
	}
}

// TotalRequests returns the inbound request count
func (m *Metrics) TotalRequests() uint64 { return m.totalRequests.Load() }

// BadRequests returns the rejected plus failed request count
func (m *Metrics) BadRequests() uint64 { return m.badRequests.Load() }

// Publish rebuilds the snapshot as of now
func (m *Metrics) Publish(now time.Time) *Stats {
	total := m.totalRequests.Load()

	m.mu.Lock()
	elapsed := now.Sub(m.lastPublish).Seconds()
	if elapsed > 0 {
		rps := float64(total-m.lastTotal) / elapsed
		m.ema = emaAlpha*rps + (1-emaAlpha)*m.ema
	}
	m.lastTotal = total
	m.lastPublish = now
	ema := m.ema
	m.mu.Unlock()

	var average float64
	if uptime := now.Sub(m.started).Seconds(); uptime > 0 {
		average = float64(total) / uptime
	}

	servers := m.registry.Snapshot()
	stats := &Stats{
		TotalRequests: total,
		BadRequests:   m.badRequests.Load(),
		ServerNames:   make([]string, len(servers)),
		ResponseTimes: make([]int64, len(servers)),
		ActiveStates:  make([]bool, len(servers)),
		Servers:       servers,
		RPSAverage:    average,
		RPSEMA:        ema,
		Uptime:        now.Sub(m.started).Truncate(time.Second).String(),
		Timestamp:     now,
	}

	m.serverActive.Reset()
	m.serverWeight.Reset()
	m.serverAvgLatency.Reset()
	for i, server := range servers {
		stats.ServerNames[i] = server.Address
		stats.ResponseTimes[i] = server.AvgResponseMs
		stats.ActiveStates[i] = server.Active

		active := 0.0
		if server.Active {
			active = 1
		}
		m.serverActive.WithLabelValues(server.Address).Set(active)
		m.serverWeight.WithLabelValues(server.Address).Set(float64(server.Weight))
		m.serverAvgLatency.WithLabelValues(server.Address).Set(float64(server.AvgResponseMs))
	}

	if m.detector != nil {
		stats.AnomalousEpochs = m.detector.AnomalousEpochs()
		stats.BannedIPs = m.detector.Bans().List()
		m.bannedIPs.Set(float64(len(stats.BannedIPs)))
	}
	m.rpsEMA.Set(ema)

	m.snapshot.Store(stats)
	return stats
}

// Snapshot returns the last published stats, nil before the first Publish
func (m *Metrics) Snapshot() *Stats {
	return m.snapshot.Load()
}
