// Package gateway wires the telemetry pipeline together: inbound device
// messages flow through the registry, the ingestion buffer, the alert
// evaluator and the fast store, while aggregates and alerts are forwarded
// to downstream collaborators. The query surface for the HTTP layer also
// lives here.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agrimesh/fieldgate/alert"
	"github.com/agrimesh/fieldgate/dispatch"
	"github.com/agrimesh/fieldgate/errors"
	"github.com/agrimesh/fieldgate/faststore"
	"github.com/agrimesh/fieldgate/ingest"
	"github.com/agrimesh/fieldgate/metric"
	"github.com/agrimesh/fieldgate/pkg/retry"
	"github.com/agrimesh/fieldgate/pkg/worker"
	"github.com/agrimesh/fieldgate/registry"
	"github.com/agrimesh/fieldgate/telemetry"
)

// Publisher sends a payload to a subject on the message fabric.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Notifier receives forwarded alert events.
type Notifier interface {
	NotifyAlert(ctx context.Context, event telemetry.AlertEvent) error
}

// Analytics receives forwarded aggregate windows.
type Analytics interface {
	RecordWindow(ctx context.Context, window telemetry.AggregateWindow) error
}

// Config holds the gateway forwarding tunables.
type Config struct {
	// ForwardTimeout bounds each downstream delivery attempt.
	ForwardTimeout time.Duration
	// ForwardWorkers sizes the forwarding pool.
	ForwardWorkers int
	// ForwardQueue sizes the forwarding queue. A full queue drops the
	// item; forwarding is loss tolerant.
	ForwardQueue int
}

// Deps holds the gateway's collaborators. Registry, Buffer, Evaluator,
// Dispatcher, Store and Publisher are required; Notifier and Analytics
// are optional downstream consumers.
type Deps struct {
	Registry   *registry.Registry
	Buffer     *ingest.Buffer
	Evaluator  *alert.Evaluator
	Dispatcher *dispatch.Dispatcher
	Store      *faststore.Store
	Publisher  Publisher
	Notifier   Notifier
	Analytics  Analytics
	Metrics    *metric.Registry
	Logger     *slog.Logger
}

// Gateway is the pipeline orchestrator.
type Gateway struct {
	registry   *registry.Registry
	buffer     *ingest.Buffer
	evaluator  *alert.Evaluator
	dispatcher *dispatch.Dispatcher
	store      *faststore.Store
	publisher  Publisher
	notifier   Notifier
	analytics  Analytics
	logger     *slog.Logger
	now        func() time.Time

	forwardPool    *worker.Pool[forwardJob]
	forwardTimeout time.Duration

	readingsIngested  prometheus.Counter
	windowsFlushed    prometheus.Counter
	alertsEmitted     *prometheus.CounterVec
	malformedPayloads prometheus.Counter
	forwardFailures   prometheus.Counter
	forwardDrops      prometheus.Counter
}

// New creates a Gateway. The forwarding pool is created but not started;
// call Start before feeding messages in.
func New(cfg Config, deps Deps) (*Gateway, error) {
	if deps.Registry == nil || deps.Buffer == nil || deps.Evaluator == nil ||
		deps.Dispatcher == nil || deps.Store == nil || deps.Publisher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"gateway", "New", "missing required dependency")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 2 * time.Second
	}
	if cfg.ForwardWorkers <= 0 {
		cfg.ForwardWorkers = 4
	}
	if cfg.ForwardQueue <= 0 {
		cfg.ForwardQueue = 256
	}

	g := &Gateway{
		registry:       deps.Registry,
		buffer:         deps.Buffer,
		evaluator:      deps.Evaluator,
		dispatcher:     deps.Dispatcher,
		store:          deps.Store,
		publisher:      deps.Publisher,
		notifier:       deps.Notifier,
		analytics:      deps.Analytics,
		logger:         deps.Logger,
		now:            time.Now,
		forwardTimeout: cfg.ForwardTimeout,

		readingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "gateway",
			Name: "readings_ingested_total",
			Help: "Readings accepted into device buffers",
		}),
		windowsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "gateway",
			Name: "windows_flushed_total",
			Help: "Aggregate windows produced by buffer flushes",
		}),
		alertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "gateway",
			Name: "alerts_emitted_total",
			Help: "Alert events produced by window evaluation",
		}, []string{"severity"}),
		malformedPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "gateway",
			Name: "malformed_payloads_total",
			Help: "Inbound payloads dropped as unparsable",
		}),
		forwardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "gateway",
			Name: "forward_failures_total",
			Help: "Downstream deliveries dropped after retry",
		}),
		forwardDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "gateway",
			Name: "forward_queue_drops_total",
			Help: "Forward jobs dropped on a full queue",
		}),
	}

	g.forwardPool = worker.NewPool(cfg.ForwardWorkers, cfg.ForwardQueue, g.forward)

	if deps.Metrics != nil {
		deps.Metrics.MustRegister("gateway", map[string]prometheus.Collector{
			"readings_ingested_total":   g.readingsIngested,
			"windows_flushed_total":     g.windowsFlushed,
			"alerts_emitted_total":      g.alertsEmitted,
			"malformed_payloads_total":  g.malformedPayloads,
			"forward_failures_total":    g.forwardFailures,
			"forward_queue_drops_total": g.forwardDrops,
			"buffer_evictions_total": prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metric.Namespace, Subsystem: "gateway",
				Name: "buffer_evictions_total",
				Help: "Readings evicted by ring overflow",
			}, func() float64 { return float64(g.buffer.Evictions()) }),
		})
	}

	return g, nil
}

// Start launches the forwarding pool.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.forwardPool.Start(ctx); err != nil {
		return errors.Wrap(err, "gateway", "Start", "start forward pool")
	}
	return nil
}

// Stop flushes remaining device buffers through the evaluator and drains
// the forwarding pool.
func (g *Gateway) Stop(timeout time.Duration) error {
	for _, window := range g.buffer.FlushAll() {
		g.processWindow(window)
	}
	if err := g.forwardPool.Stop(timeout); err != nil {
		return errors.Wrap(err, "gateway", "Stop", "stop forward pool")
	}
	return nil
}

// processWindow publishes a flushed window's alerts and schedules the
// downstream forwards.
func (g *Gateway) processWindow(window telemetry.AggregateWindow) {
	g.windowsFlushed.Inc()
	g.logger.Debug("window flushed",
		"device_id", window.DeviceID,
		"sample_count", window.SampleCount)

	events := g.evaluator.Evaluate(window)
	for _, event := range events {
		g.alertsEmitted.WithLabelValues(string(event.Severity)).Inc()
		g.publishAlert(event)
		g.submitForward(forwardJob{event: &event})
	}

	g.submitForward(forwardJob{window: &window})
}

func (g *Gateway) submitForward(job forwardJob) {
	if err := g.forwardPool.TrySubmit(job); err != nil {
		g.forwardDrops.Inc()
		g.logger.Warn("forward queue full, dropping", "kind", job.kind())
	}
}

// forward delivers one job downstream: one attempt plus one retry inside
// a short timeout, then log and drop. Failures never reach the ingestion
// caller.
func (g *Gateway) forward(ctx context.Context, job forwardJob) error {
	deliverCtx, cancel := context.WithTimeout(ctx, g.forwardTimeout)
	defer cancel()

	err := retry.Do(deliverCtx, retry.Once(), func() error {
		return job.deliver(deliverCtx, g.notifier, g.analytics)
	})
	if err != nil {
		g.forwardFailures.Inc()
		g.logger.Warn("downstream delivery dropped",
			"kind", job.kind(),
			"error", err)
	}
	// the pool must not count a dropped forward as a pipeline failure
	return nil
}

type forwardJob struct {
	window *telemetry.AggregateWindow
	event  *telemetry.AlertEvent
}

func (j forwardJob) kind() string {
	if j.event != nil {
		return "alert"
	}
	return "window"
}

func (j forwardJob) deliver(ctx context.Context, notifier Notifier, analytics Analytics) error {
	switch {
	case j.event != nil:
		if notifier == nil {
			return nil
		}
		return notifier.NotifyAlert(ctx, *j.event)
	case j.window != nil:
		if analytics == nil {
			return nil
		}
		return analytics.RecordWindow(ctx, *j.window)
	}
	return nil
}
