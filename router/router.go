// Package router bridges the message fabric and the gateway pipeline.
// It subscribes to the device subject patterns, parses each inbound
// subject and dispatches the payload to the right handler. Malformed
// subjects are logged and dropped; nothing ever raises to the fabric.
//
// The router also owns the gateway's own presence: an online status is
// broadcast on start, offline on stop, and a heartbeat in between. The
// current status is additionally written to a key-value bucket so late
// subscribers see it immediately instead of waiting for the next
// broadcast.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agrimesh/fieldgate/component"
	"github.com/agrimesh/fieldgate/errors"
	"github.com/agrimesh/fieldgate/metric"
	"github.com/agrimesh/fieldgate/telemetry"
)

const (
	statusSubject   = NamespaceGateway + "." + TypeStatus
	commandsSubject = NamespaceGateway + "." + TypeCommands
	stateKey        = "status"
)

// Fabric is the slice of the messaging client the router needs.
type Fabric interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, string, []byte)) error
	Publish(ctx context.Context, subject string, data []byte) error
}

// StateStore persists the retained gateway status. jetstream.KeyValue
// satisfies this; a nil store disables retention.
type StateStore interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// MessageHandler consumes routed device and gateway messages.
type MessageHandler interface {
	HandleRegister(ctx context.Context, deviceID string, data []byte)
	HandleStatus(ctx context.Context, deviceID string, data []byte)
	HandleReading(ctx context.Context, deviceID string, data []byte)
	HandleGatewayCommand(ctx context.Context, data []byte)
}

// Config holds the router settings.
type Config struct {
	// GatewayID identifies this gateway in status broadcasts.
	GatewayID string
	// StatusInterval spaces heartbeat broadcasts. Zero disables them.
	StatusInterval time.Duration
}

// Deps holds the router's collaborators.
type Deps struct {
	Fabric  Fabric
	State   StateStore
	Handler MessageHandler
	Metrics *metric.Registry
	Logger  *slog.Logger
}

// Router is the inbound message adapter. Implements component.Lifecycle.
type Router struct {
	cfg     Config
	fabric  Fabric
	state   StateStore
	handler MessageHandler
	logger  *slog.Logger

	mu         sync.Mutex
	compState  component.State
	startTime  time.Time
	lastError  string
	errorCount int
	received   int64
	lastActive time.Time
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	messagesReceived *prometheus.CounterVec
	invalidSubjects  prometheus.Counter
	statusBroadcasts prometheus.Counter
}

// New creates a Router.
func New(cfg Config, deps Deps) (*Router, error) {
	if deps.Fabric == nil || deps.Handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"router", "New", "missing fabric or handler")
	}
	if cfg.GatewayID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"router", "New", "missing gateway id")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := &Router{
		cfg:       cfg,
		fabric:    deps.Fabric,
		state:     deps.State,
		handler:   deps.Handler,
		logger:    deps.Logger,
		compState: component.StateCreated,

		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "router",
			Name: "messages_received_total",
			Help: "Inbound messages by type",
		}, []string{"message_type"}),
		invalidSubjects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "router",
			Name: "invalid_subjects_total",
			Help: "Inbound messages dropped for unparsable subjects",
		}),
		statusBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "router",
			Name: "status_broadcasts_total",
			Help: "Gateway status broadcasts sent",
		}),
	}

	if deps.Metrics != nil {
		deps.Metrics.MustRegister("router", map[string]prometheus.Collector{
			"messages_received_total": r.messagesReceived,
			"invalid_subjects_total":  r.invalidSubjects,
			"status_broadcasts_total": r.statusBroadcasts,
		})
	}

	return r, nil
}

// Meta implements component.Discoverable.
func (r *Router) Meta() component.Metadata {
	return component.Metadata{
		Name:        "message-router",
		Type:        "input",
		Description: "Subscribes to device subjects and routes payloads into the pipeline",
		Version:     "1.0.0",
	}
}

// Health implements component.Discoverable.
func (r *Router) Health() component.HealthStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	var uptime time.Duration
	if !r.startTime.IsZero() {
		uptime = time.Since(r.startTime)
	}
	return component.HealthStatus{
		Healthy:    r.compState == component.StateStarted,
		LastCheck:  time.Now(),
		ErrorCount: r.errorCount,
		LastError:  r.lastError,
		Uptime:     uptime,
	}
}

// DataFlow implements component.Discoverable.
func (r *Router) DataFlow() component.FlowMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rate float64
	if !r.startTime.IsZero() {
		if elapsed := time.Since(r.startTime).Seconds(); elapsed > 0 {
			rate = float64(r.received) / elapsed
		}
	}
	var errRate float64
	if r.received > 0 {
		errRate = float64(r.errorCount) / float64(r.received)
	}
	return component.FlowMetrics{
		MessagesPerSecond: rate,
		ErrorRate:         errRate,
		LastActivity:      r.lastActive,
	}
}

// Initialize implements component.Lifecycle.
func (r *Router) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.compState != component.StateCreated {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "router", "Initialize", "lifecycle")
	}
	r.compState = component.StateInitialized
	return nil
}

// Start subscribes to the inbound subject patterns, broadcasts the
// gateway's online status and launches the heartbeat.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.compState != component.StateInitialized {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "router", "Start", "lifecycle")
	}
	r.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	patterns := []string{
		DeviceSubject("*", TypeData),
		DeviceSubject("*", TypeStatus),
		DeviceSubject("*", TypeRegister),
		commandsSubject,
		NamespaceAlerts + ".>",
	}
	for _, pattern := range patterns {
		if err := r.fabric.Subscribe(runCtx, pattern, r.route); err != nil {
			cancel()
			r.fail(err)
			return errors.WrapTransient(err, "router", "Start", "subscribe "+pattern)
		}
	}

	r.broadcastStatus(runCtx, "online")

	r.mu.Lock()
	r.cancel = cancel
	r.compState = component.StateStarted
	r.startTime = time.Now()
	r.mu.Unlock()

	if r.cfg.StatusInterval > 0 {
		r.wg.Add(1)
		go r.heartbeat(runCtx)
	}

	r.logger.Info("message router started",
		"gateway_id", r.cfg.GatewayID,
		"patterns", len(patterns))
	return nil
}

// Stop broadcasts the gateway's offline status and halts the heartbeat.
// Subscriptions are torn down with the fabric connection, not here.
func (r *Router) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if r.compState != component.StateStarted {
		r.mu.Unlock()
		return nil
	}
	r.compState = component.StateStopped
	cancel := r.cancel
	r.mu.Unlock()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), timeout)
	defer stopCancel()
	r.broadcastStatus(stopCtx, "offline")

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		return errors.WrapTransient(stopCtx.Err(), "router", "Stop", "wait for heartbeat")
	}

	r.logger.Info("message router stopped", "gateway_id", r.cfg.GatewayID)
	return nil
}

// Rebroadcast re-announces the gateway's online status and refreshes the
// retained copy. Wired to the fabric client's reconnect event so status
// recovers right after an outage instead of waiting for the heartbeat.
// No-op unless the router is running.
func (r *Router) Rebroadcast() {
	r.mu.Lock()
	started := r.compState == component.StateStarted
	r.mu.Unlock()
	if !started {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.broadcastStatus(ctx, "online")
}

// route dispatches one inbound message by its subject.
func (r *Router) route(ctx context.Context, subject string, data []byte) {
	addr, err := ParseSubject(subject)
	if err != nil {
		r.invalidSubjects.Inc()
		r.recordError(err)
		r.logger.Warn("unparsable subject, dropping", "subject", subject)
		return
	}

	r.recordActivity()

	switch {
	case addr.Namespace == NamespaceDevices && addr.MessageType == TypeData:
		r.messagesReceived.WithLabelValues(TypeData).Inc()
		r.handler.HandleReading(ctx, addr.DeviceID, data)

	case addr.Namespace == NamespaceDevices && addr.MessageType == TypeStatus:
		r.messagesReceived.WithLabelValues(TypeStatus).Inc()
		r.handler.HandleStatus(ctx, addr.DeviceID, data)

	case addr.Namespace == NamespaceDevices && addr.MessageType == TypeRegister:
		r.messagesReceived.WithLabelValues(TypeRegister).Inc()
		r.handler.HandleRegister(ctx, addr.DeviceID, data)

	case addr.Namespace == NamespaceGateway && addr.MessageType == TypeCommands:
		r.messagesReceived.WithLabelValues("gateway_command").Inc()
		r.handleGatewayCommand(ctx, data)

	case addr.Namespace == NamespaceAlerts:
		// the gateway's own fan-out comes back on the alerts subjects;
		// observed here for flow accounting only
		r.messagesReceived.WithLabelValues("alert").Inc()

	default:
		r.invalidSubjects.Inc()
		r.logger.Warn("unroutable subject, dropping", "subject", subject)
	}
}

// handleGatewayCommand answers a ping in place and delegates anything
// else to the pipeline handler.
func (r *Router) handleGatewayCommand(ctx context.Context, data []byte) {
	var probe struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Command == "ping" {
		r.broadcastStatus(ctx, "online")
		return
	}
	r.handler.HandleGatewayCommand(ctx, data)
}

// broadcastStatus publishes the gateway status and retains a copy in the
// state store. Both paths are best effort.
func (r *Router) broadcastStatus(ctx context.Context, status string) {
	payload := telemetry.GatewayStatus{
		GatewayID: r.cfg.GatewayID,
		Status:    status,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.recordError(err)
		return
	}

	if err := r.fabric.Publish(ctx, statusSubject, data); err != nil {
		r.recordError(err)
		r.logger.Warn("status broadcast failed", "status", status, "error", err)
	} else {
		r.statusBroadcasts.Inc()
	}

	if r.state != nil {
		if _, err := r.state.Put(ctx, stateKey, data); err != nil {
			r.recordError(err)
			r.logger.Warn("retained status write failed", "status", status, "error", err)
		}
	}
}

func (r *Router) heartbeat(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.broadcastStatus(ctx, "online")
		}
	}
}

func (r *Router) recordActivity() {
	r.mu.Lock()
	r.received++
	r.lastActive = time.Now()
	r.mu.Unlock()
}

func (r *Router) recordError(err error) {
	r.mu.Lock()
	r.errorCount++
	r.lastError = err.Error()
	r.mu.Unlock()
}

func (r *Router) fail(err error) {
	r.mu.Lock()
	r.compState = component.StateFailed
	r.lastError = err.Error()
	r.errorCount++
	r.mu.Unlock()
}
