package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// MonitoringServer serves /metrics and /health.
type MonitoringServer struct {
	metrics *Metrics

	mu           sync.Mutex
	healthChecks map[string]func() HealthCheck
	server       *http.Server
}

// NewMonitoringServer creates a server for m listening on addr.
func NewMonitoringServer(addr string, m *Metrics) *MonitoringServer {
	ms := &MonitoringServer{
		metrics:      m,
		healthChecks: make(map[string]func() HealthCheck),
	}
	ms.server = &http.Server{
		Addr:              addr,
		Handler:           ms.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ms
}

// Handler returns the routes.
func (ms *MonitoringServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ms.healthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(ms.metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.runHealthChecks()

	overallStatus := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			overallStatus = HealthStatusUnhealthy
			break
		} else if check.Status == HealthStatusDegraded {
			overallStatus = HealthStatusDegraded
		}
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now(),
		"checks":    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.healthChecks[name] = checkFn
}

func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	ms.mu.Lock()
	names := make([]string, 0, len(ms.healthChecks))
	for name := range ms.healthChecks {
		names = append(names, name)
	}
	fns := make(map[string]func() HealthCheck, len(ms.healthChecks))
	for k, v := range ms.healthChecks {
		fns[k] = v
	}
	ms.mu.Unlock()
	sort.Strings(names)

	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := fns[name]()
		if check.Name == "" {
			check.Name = name
		}
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Start serves until Shutdown.
func (ms *MonitoringServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("Starting monitoring server")
	if err := ms.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// GoroutineCheck degrades when the process runs unusually many goroutines.
func GoroutineCheck() HealthCheck {
	count := runtime.NumGoroutine()
	status := HealthStatusHealthy
	message := fmt.Sprintf("Goroutines: %d", count)
	if count > 5000 {
		status = HealthStatusDegraded
		message = fmt.Sprintf("High goroutine count: %d", count)
	}
	return HealthCheck{
		Name:    "goroutines",
		Status:  status,
		Message: message,
		Details: map[string]string{"count": fmt.Sprintf("%d", count)},
	}
}
