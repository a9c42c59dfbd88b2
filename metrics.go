package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics for the server. Counters are only
// touched from the event loop goroutine; the registry is private to the
// server so tests can run several instances side by side.
type Metrics struct {
	registry *prometheus.Registry

	CommandsTotal    *prometheus.CounterVec
	ConnectionsTotal prometheus.Counter
	ConnectionsOpen  prometheus.Gauge
	IdleClosedTotal  prometheus.Counter
	KeysTotal        prometheus.Gauge
	KeysExpiredTotal prometheus.Counter
	BytesReadTotal   prometheus.Counter
	BytesWrittenTotal prometheus.Counter
	AOFAppendsTotal  prometheus.Counter
	AOFSyncsTotal    prometheus.Counter
	AOFRewritesTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gokv",
			Name:      "commands_total",
			Help:      "Total number of commands processed, by command name",
		}, []string{"command"}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gokv",
			Name:      "connections_total",
			Help:      "Total number of accepted client connections",
		}),
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gokv",
			Name:      "connections_open",
			Help:      "Number of currently open client connections",
		}),
		IdleClosedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gokv",
			Name:      "connections_idle_closed_total",
			Help:      "Connections destroyed by the idle timeout",
		}),
		KeysTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gokv",
			Name:      "keys_total",
			Help:      "Number of live keys in the database",
		}),
		KeysExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gokv",
			Name:      "keys_expired_total",
			Help:      "Keys removed by TTL expiry",
		}),
		BytesReadTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gokv",
			Name:      "bytes_read_total",
			Help:      "Bytes read from client sockets",
		}),
		BytesWrittenTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gokv",
			Name:      "bytes_written_total",
			Help:      "Bytes written to client sockets",
		}),
		AOFAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gokv",
			Name:      "aof_appends_total",
			Help:      "Mutating commands staged to the AOF buffer",
		}),
		AOFSyncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gokv",
			Name:      "aof_syncs_total",
			Help:      "fsync calls on the AOF file",
		}),
		AOFRewritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gokv",
			Name:      "aof_rewrites_total",
			Help:      "Completed AOF rewrites",
		}),
	}
}

// MetricsServer serves Prometheus metrics via HTTP
type MetricsServer struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(port int, m *Metrics, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
	})

	return &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start starts the metrics server
func (s *MetricsServer) Start() {
	s.logger.Info("starting metrics server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("metrics server shutdown failed", zap.Error(err))
	}
}
