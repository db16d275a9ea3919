// Package http exposes the gateway's query surface over REST: device
// registration and lookup, command dispatch, latest/history reads, a
// health endpoint and the Prometheus scrape endpoint.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agrimesh/fieldgate/component"
	"github.com/agrimesh/fieldgate/errors"
	"github.com/agrimesh/fieldgate/faststore"
	"github.com/agrimesh/fieldgate/metric"
	"github.com/agrimesh/fieldgate/telemetry"
)

// Service is the slice of the gateway the API serves.
type Service interface {
	RegisterDevice(ctx context.Context, deviceID string, payload telemetry.RegisterPayload) telemetry.Device
	Devices() []telemetry.Device
	Device(deviceID string) (telemetry.Device, error)
	DeviceStatus(deviceID string) (telemetry.DeviceStatus, error)
	SendCommand(ctx context.Context, deviceID, command string, params map[string]any) (string, error)
	Latest(deviceID string) (telemetry.Reading, error)
	History(deviceID string, filter faststore.Filter) ([]telemetry.Reading, error)
}

// Config holds the server settings.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Deps holds the server's collaborators. Components are surfaced on the
// health endpoint; Metrics backs the scrape endpoint.
type Deps struct {
	Service    Service
	Components []component.Discoverable
	Metrics    *metric.Registry
	Logger     *slog.Logger
}

// Server is the REST API component. Implements component.Lifecycle.
type Server struct {
	cfg        Config
	service    Service
	components []component.Discoverable
	metrics    *metric.Registry
	logger     *slog.Logger

	mu        sync.Mutex
	compState component.State
	startTime time.Time
	lastError string
	errCount  int
	requests  int64
	lastReq   time.Time

	httpServer *http.Server
	serveErr   chan error

	reqTotal    *prometheus.CounterVec
	reqDuration prometheus.Histogram
}

// NewServer creates a Server.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Service == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "http", "NewServer", "missing service")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		cfg:        cfg,
		service:    deps.Service,
		components: deps.Components,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		compState:  component.StateCreated,
		serveErr:   make(chan error, 1),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "http",
			Name: "requests_total",
			Help: "API requests served, by method and status code",
		}, []string{"method", "code"}),
		reqDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace, Subsystem: "http",
			Name:    "request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if s.metrics != nil {
		s.metrics.MustRegister("http", map[string]prometheus.Collector{
			"requests_total":           s.reqTotal,
			"request_duration_seconds": s.reqDuration,
		})
	}
	return s, nil
}

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware, s.logMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", s.handleGetDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/status", s.handleGetStatus).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/commands", s.handleSendCommand).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/latest", s.handleLatest).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/history", s.handleHistory).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(
			s.metrics.PrometheusRegistry(),
			promhttp.HandlerOpts{}))
	}
	return r
}

// Meta implements component.Discoverable.
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        "query-api",
		Type:        "api",
		Description: "REST query surface for devices, telemetry and commands",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable.
func (s *Server) Health() component.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var uptime time.Duration
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}
	return component.HealthStatus{
		Healthy:    s.compState == component.StateStarted,
		LastCheck:  time.Now(),
		ErrorCount: s.errCount,
		LastError:  s.lastError,
		Uptime:     uptime,
	}
}

// DataFlow implements component.Discoverable.
func (s *Server) DataFlow() component.FlowMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rate float64
	if !s.startTime.IsZero() {
		if elapsed := time.Since(s.startTime).Seconds(); elapsed > 0 {
			rate = float64(s.requests) / elapsed
		}
	}
	return component.FlowMetrics{
		MessagesPerSecond: rate,
		LastActivity:      s.lastReq,
	}
}

// Initialize implements component.Lifecycle.
func (s *Server) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.compState != component.StateCreated {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "http", "Initialize", "lifecycle")
	}
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.compState = component.StateInitialized
	return nil
}

// Start begins serving. Listen failures surface asynchronously through
// Health rather than failing Start, matching the other components.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	if s.compState != component.StateInitialized {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "http", "Start", "lifecycle")
	}
	s.compState = component.StateStarted
	s.startTime = time.Now()
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.mu.Lock()
			s.compState = component.StateFailed
			s.lastError = err.Error()
			s.errCount++
			s.mu.Unlock()
			s.serveErr <- err
		}
	}()

	s.logger.Info("query api listening", "addr", s.cfg.Addr)
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.compState != component.StateStarted && s.compState != component.StateFailed {
		s.mu.Unlock()
		return nil
	}
	s.compState = component.StateStopped
	srv := s.httpServer
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "http", "Stop", "shutdown listener")
	}
	return nil
}
