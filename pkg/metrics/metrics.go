// Package metrics exposes the fleet controller's Prometheus metrics. The
// promauto registration style is grounded in the orchestrator's
// pkg/agent/middleware/metrics/prometheus.go (CounterVec/HistogramVec with
// promauto.New*, labels kept narrow and low-cardinality).
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"studiofleet/pkg/logx"
)

// Registry holds every metric the fleet controller emits.
type Registry struct {
	InstancesTotal        *prometheus.GaugeVec
	PortChecksTotal       *prometheus.CounterVec
	HealthFailuresTotal   *prometheus.CounterVec
	RecoveryAttemptsTotal *prometheus.CounterVec
	LaunchDurationSeconds prometheus.Histogram
}

// New registers and returns the metrics set. Safe to call once per process;
// a second call would panic on duplicate registration with the default
// registerer, same as promauto everywhere else in the pack.
func New() *Registry {
	return &Registry{
		InstancesTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "studio_instances_total",
				Help: "Number of studio instances currently tracked by the registry, by status.",
			},
			[]string{"status"}, // starting | running | stopped | error
		),
		PortChecksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studio_port_checks_total",
				Help: "Total number of port availability/safety checks performed.",
			},
			[]string{"result"}, // available | unavailable | unsafe
		),
		HealthFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studio_health_failures_total",
				Help: "Total number of times a port crossed the health-failure threshold, by port.",
			},
			[]string{"port"},
		),
		RecoveryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studio_recovery_attempts_total",
				Help: "Total number of auto-recovery attempts, by port and outcome.",
			},
			[]string{"port", "outcome"}, // outcome: success | failure
		),
		LaunchDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "studio_launch_duration_seconds",
			Help:    "Wall-clock time to launch a studio instance, from Launch() to running.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveLaunch records how long a successful Launch took.
func (r *Registry) ObserveLaunch(d time.Duration) {
	r.LaunchDurationSeconds.Observe(d.Seconds())
}

// instanceStatuses is the fixed label set for InstancesTotal, kept in one
// place so SetInstanceCounts always zeroes a status with no instances
// instead of leaving a stale nonzero reading behind.
var instanceStatuses = []string{"starting", "running", "stopped", "error"}

// SetInstanceCounts repopulates InstancesTotal from a fresh count-by-status
// snapshot, zeroing any status absent from counts.
func (r *Registry) SetInstanceCounts(counts map[string]int) {
	for _, status := range instanceStatuses {
		r.InstancesTotal.WithLabelValues(status).Set(float64(counts[status]))
	}
}

// Server wraps an HTTP server exposing /metrics, started when
// config.Config.MetricsAddr is non-empty. There's no bundled dashboard —
// just the scrape endpoint, for whatever Prometheus already watches it.
type Server struct {
	httpServer *http.Server
	log        *logx.Logger
}

// NewServer builds (but does not start) a metrics HTTP server on addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
		log:        logx.NewLogger("metrics"),
	}
}

// Start begins serving in the background. Errors other than a clean Shutdown
// are logged, not returned, matching the teacher's fire-and-forget server
// goroutines.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics server stopped: %v", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
