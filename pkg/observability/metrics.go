package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the Prometheus collectors
type MetricsConfig struct {
	// Namespace prefixes every metric name (default: rpcrouter)
	Namespace string
	Subsystem string
	// HistogramBuckets are latency buckets in milliseconds
	HistogramBuckets []float64
	// ConstLabels are added to every metric
	ConstLabels prometheus.Labels
}

// Metrics holds the router's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestDuration   *prometheus.HistogramVec
	requestTotal      *prometheus.CounterVec
	transportDuration *prometheus.HistogramVec
	connectionState   *prometheus.GaugeVec
	healthDuration    *prometheus.HistogramVec
	serverHealthy     *prometheus.GaugeVec
	routeTotal        *prometheus.CounterVec
	errorTotal        *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "rpcrouter"
	}
	if cfg.HistogramBuckets == nil {
		cfg.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}

	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initialize(cfg)

	if err := m.register(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initialize(cfg MetricsConfig) {
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			Buckets:     cfg.HistogramBuckets,
			ConstLabels: cfg.ConstLabels,
		}, labels)
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}, labels)
	}

	m.requestDuration = histogram("request_duration_milliseconds",
		"Duration of routed requests in milliseconds", "server", "outcome")
	m.requestTotal = counter("request_total",
		"Total number of routed requests", "server", "outcome")
	m.transportDuration = histogram("transport_send_duration_milliseconds",
		"Duration of single transport sends in milliseconds", "server", "transport", "outcome")
	m.connectionState = gauge("connection_up",
		"Connection state per server (1=connected, 0=otherwise)", "server")
	m.healthDuration = histogram("health_check_duration_milliseconds",
		"Duration of health probes in milliseconds", "server", "result")
	m.serverHealthy = gauge("server_healthy",
		"Health state per server (1=usable, 0=unhealthy)", "server")
	m.routeTotal = counter("route_total",
		"Routing decisions by chosen server, strategy and outcome", "server", "strategy", "outcome")
	m.errorTotal = counter("error_total",
		"Errors returned to callers by kind", "kind")
}

func (m *Metrics) register() error {
	collectors := []prometheus.Collector{
		m.requestDuration,
		m.requestTotal,
		m.transportDuration,
		m.connectionState,
		m.healthDuration,
		m.serverHealthy,
		m.routeTotal,
		m.errorTotal,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// RecordRequest records one facade request attempt
func (m *Metrics) RecordRequest(serverID, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(serverID, outcome).Observe(milliseconds(duration))
	m.requestTotal.WithLabelValues(serverID, outcome).Inc()
}

// RecordTransportSend records one send on a connection
func (m *Metrics) RecordTransportSend(serverID, transport, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.transportDuration.WithLabelValues(serverID, transport, outcome).Observe(milliseconds(duration))
}

// RecordConnectionState records whether a server is connected
func (m *Metrics) RecordConnectionState(serverID string, connected bool) {
	if m == nil {
		return
	}
	m.connectionState.WithLabelValues(serverID).Set(boolValue(connected))
}

// RecordHealthCheck records one health probe
func (m *Metrics) RecordHealthCheck(serverID string, healthy bool, latency time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !healthy {
		result = "failure"
	}
	m.healthDuration.WithLabelValues(serverID, result).Observe(milliseconds(latency))
}

// RecordHealthStatus records whether a server is usable
func (m *Metrics) RecordHealthStatus(serverID string, healthy bool) {
	if m == nil {
		return
	}
	m.serverHealthy.WithLabelValues(serverID).Set(boolValue(healthy))
}

// RecordRoute records a routing decision
func (m *Metrics) RecordRoute(serverID, strategy, outcome string) {
	if m == nil {
		return
	}
	m.routeTotal.WithLabelValues(serverID, strategy, outcome).Inc()
}

// RecordError counts an error returned to a caller
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.errorTotal.WithLabelValues(kind).Inc()
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes Handler at /metrics on addr until ctx is done
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
