package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mir00r/guardian-lb/internal/middleware"
	"github.com/mir00r/guardian-lb/internal/service"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

// HealthChecker runs one probe round on demand
type HealthChecker interface {
	CheckAll(ctx context.Context) int
}

// AdminHandler provides the administrative and observability API
type AdminHandler struct {
	loadBalancer  *service.LoadBalancer
	healthChecker HealthChecker
	logger        *logger.Logger
	startTime     time.Time
}

// HealthResponse represents the balancer's own health
type HealthResponse struct {
	Status        string    `json:"status"`
	TotalServers  int       `json:"total_servers"`
	ActiveServers int       `json:"active_servers"`
	Uptime        string    `json:"uptime"`
	Timestamp     time.Time `json:"timestamp"`
}

// ErrorResponse represents error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// NewAdminHandler creates a new admin handler. healthChecker may be nil.
func NewAdminHandler(loadBalancer *service.LoadBalancer, healthChecker HealthChecker, logger *logger.Logger) *AdminHandler {
	return &AdminHandler{
		loadBalancer:  loadBalancer,
		healthChecker: healthChecker,
		logger:        logger.WithField("component", "admin"),
		startTime:     time.Now(),
	}
}

// Router returns the admin routes
func (h *AdminHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(mux.MiddlewareFunc(middleware.SecurityHeadersMiddleware()))

	r.HandleFunc("/healthz", h.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(h.loadBalancer.Metrics().Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/status", h.StatusHandler).Methods(http.MethodGet)
	admin.HandleFunc("/servers", h.ServersHandler).Methods(http.MethodGet)
	admin.HandleFunc("/servers/{index:[0-9]+}", h.ServerHandler).Methods(http.MethodGet)
	admin.HandleFunc("/banned", h.BannedHandler).Methods(http.MethodGet)
	admin.HandleFunc("/health-check", h.HealthCheckHandler).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

// HealthHandler handles GET /healthz
func (h *AdminHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	registry := h.loadBalancer.Registry()

	active := 0
	servers := registry.Servers()
	for _, s := range servers {
		if s.IsActive() {
			active++
		}
	}

	status, code := "healthy", http.StatusOK
	if active == 0 {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	h.writeJSON(w, code, HealthResponse{
		Status:        status,
		TotalServers:  len(servers),
		ActiveServers: active,
		Uptime:        time.Since(h.startTime).Round(time.Second).String(),
		Timestamp:     time.Now().UTC(),
	})
}

// StatsHandler handles GET /admin/stats with the last published snapshot
func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	metrics := h.loadBalancer.Metrics()
	stats := metrics.Snapshot()
	if stats == nil {
		stats = metrics.Publish(time.Now())
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// StatusHandler handles GET /admin/status
func (h *AdminHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.loadBalancer.GetStats())
}

// ServersHandler handles GET /admin/servers in routing order
func (h *AdminHandler) ServersHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.loadBalancer.Registry().Snapshot())
}

// ServerHandler handles GET /admin/servers/{index}
func (h *AdminHandler) ServerHandler(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid index")
		return
	}

	snapshots := h.loadBalancer.Registry().Snapshot()
	if index < 0 || index >= len(snapshots) {
		h.writeError(w, http.StatusNotFound, "server not found")
		return
	}
	h.writeJSON(w, http.StatusOK, snapshots[index])
}

// BannedHandler handles GET /admin/banned
func (h *AdminHandler) BannedHandler(w http.ResponseWriter, r *http.Request) {
	banned := h.loadBalancer.Detector().Bans().List()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"banned_ips": banned,
		"count":      len(banned),
	})
}

// HealthCheckHandler handles POST /admin/health-check by running one probe
// round immediately.
func (h *AdminHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if h.healthChecker == nil {
		h.writeError(w, http.StatusServiceUnavailable, "health checking is disabled")
		return
	}

	failed := h.healthChecker.CheckAll(r.Context())
	h.logger.WithField("failed", failed).Info("Manual health check completed")

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"failed":  failed,
		"servers": h.loadBalancer.Registry().Snapshot(),
	})
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("Failed to encode admin response")
	}
}

func (h *AdminHandler) writeError(w http.ResponseWriter, code int, message string) {
	h.writeJSON(w, code, ErrorResponse{
		Error:     message,
		Code:      code,
		Timestamp: time.Now().UTC(),
	})
}
