// Package dispatch builds and publishes outbound device commands.
// Commands are fire and forget: the dispatcher returns the command id
// synchronously and keeps no acknowledgment state.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agrimesh/fieldgate/errors"
	"github.com/agrimesh/fieldgate/metric"
	"github.com/agrimesh/fieldgate/telemetry"
)

// Publisher sends a payload to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// DeviceChecker reports whether a device id is known to the registry.
type DeviceChecker interface {
	Exists(deviceID string) bool
}

// Dispatcher publishes command envelopes to device command subjects.
type Dispatcher struct {
	publisher Publisher
	devices   DeviceChecker
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	dispatched prometheus.Counter
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithTimeout bounds each publish (default 2s).
func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.timeout = d }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(dp *Dispatcher) { dp.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(dp *Dispatcher) { dp.now = now }
}

// WithIDGenerator overrides command id generation, for tests.
func WithIDGenerator(fn func() string) Option {
	return func(dp *Dispatcher) { dp.newID = fn }
}

// WithMetrics registers the dispatch counter with the registry.
func WithMetrics(registry *metric.Registry) Option {
	return func(dp *Dispatcher) {
		registry.MustRegister("dispatch", map[string]prometheus.Collector{
			"commands_dispatched_total": dp.dispatched,
		})
	}
}

// New creates a Dispatcher.
func New(publisher Publisher, devices DeviceChecker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		publisher: publisher,
		devices:   devices,
		timeout:   2 * time.Second,
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "dispatch",
			Name: "commands_dispatched_total",
			Help: "Commands published to device command subjects",
		}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send publishes a command to deviceID and returns the fresh command id.
// Unknown devices fail with NotFound before anything is published. There
// is no wait for acknowledgment; ack correlation by id is a downstream
// concern.
func (d *Dispatcher) Send(ctx context.Context, deviceID, command string, params map[string]any) (string, error) {
	if !d.devices.Exists(deviceID) {
		return "", errors.WrapNotFound(errors.ErrDeviceNotFound, "dispatch", "Send", deviceID)
	}

	envelope := telemetry.Command{
		ID:         d.newID(),
		Command:    command,
		Parameters: params,
		Timestamp:  d.now(),
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return "", errors.WrapInvalid(err, "dispatch", "Send", "marshal command")
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	subject := "devices." + deviceID + ".commands"
	if err := d.publisher.Publish(pubCtx, subject, data); err != nil {
		return "", errors.WrapTransient(err, "dispatch", "Send", "publish command")
	}

	d.dispatched.Inc()
	d.logger.Info("command dispatched",
		"device_id", deviceID,
		"command", command,
		"command_id", envelope.ID)

	return envelope.ID, nil
}
