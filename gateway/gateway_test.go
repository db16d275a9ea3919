package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrimesh/fieldgate/alert"
	"github.com/agrimesh/fieldgate/config"
	"github.com/agrimesh/fieldgate/dispatch"
	"github.com/agrimesh/fieldgate/errors"
	"github.com/agrimesh/fieldgate/faststore"
	"github.com/agrimesh/fieldgate/ingest"
	"github.com/agrimesh/fieldgate/registry"
	"github.com/agrimesh/fieldgate/telemetry"
)

type capturingPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{messages: make(map[string][][]byte)}
}

func (p *capturingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[subject] = append(p.messages[subject], data)
	return nil
}

func (p *capturingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages[subject])
}

func (p *capturingPublisher) last(subject string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.messages[subject]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

type capturingNotifier struct {
	mu     sync.Mutex
	events []telemetry.AlertEvent
	fail   int // fail this many leading calls
	calls  int
}

func (n *capturingNotifier) NotifyAlert(_ context.Context, event telemetry.AlertEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.calls <= n.fail {
		return fmt.Errorf("notifier unavailable")
	}
	n.events = append(n.events, event)
	return nil
}

func (n *capturingNotifier) received() []telemetry.AlertEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]telemetry.AlertEvent(nil), n.events...)
}

type capturingAnalytics struct {
	mu      sync.Mutex
	windows []telemetry.AggregateWindow
}

func (a *capturingAnalytics) RecordWindow(_ context.Context, w telemetry.AggregateWindow) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windows = append(a.windows, w)
	return nil
}

func (a *capturingAnalytics) received() []telemetry.AggregateWindow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]telemetry.AggregateWindow(nil), a.windows...)
}

type testHarness struct {
	gateway   *Gateway
	registry  *registry.Registry
	publisher *capturingPublisher
	notifier  *capturingNotifier
	analytics *capturingAnalytics
	store     *faststore.Store
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	ctx := context.Background()

	publisher := newCapturingPublisher()
	notifier := &capturingNotifier{}
	analytics := &capturingAnalytics{}

	reg := registry.New(registry.WithConfigPusher(NewConfigPush(publisher, time.Second)))
	store, err := faststore.New(ctx, faststore.Config{
		HistorySize: 50,
		LatestTTL:   time.Minute,
		HistoryTTL:  time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	g, err := New(Config{
		ForwardTimeout: 500 * time.Millisecond,
		ForwardWorkers: 2,
		ForwardQueue:   64,
	}, Deps{
		Registry:   reg,
		Buffer:     ingest.New(10, 100, 0.05),
		Evaluator:  alert.NewEvaluator(config.DefaultAlertRules()),
		Dispatcher: dispatch.New(publisher, reg),
		Store:      store,
		Publisher:  publisher,
		Notifier:   notifier,
		Analytics:  analytics,
	})
	require.NoError(t, err)
	require.NoError(t, g.Start(ctx))
	t.Cleanup(func() { g.Stop(2 * time.Second) })

	return &testHarness{
		gateway:   g,
		registry:  reg,
		publisher: publisher,
		notifier:  notifier,
		analytics: analytics,
		store:     store,
	}
}

func dataMessage(t *testing.T, metrics map[string]float64) []byte {
	t.Helper()
	m := telemetry.NewMetrics()
	for k, v := range metrics {
		m.Set(k, v)
	}
	data, err := json.Marshal(map[string]any{"metrics": m})
	require.NoError(t, err)
	return data
}

func TestEndToEndSoilMoistureAlert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gateway.HandleRegister(ctx, "sensor-7",
		[]byte(`{"name":"south paddock probe","type":"soil","location":"field-s"}`))

	status, err := h.gateway.DeviceStatus("sensor-7")
	require.NoError(t, err)
	assert.Equal(t, telemetry.StatusRegistered, status)

	// registration pushed config back to the device
	assert.Equal(t, 1, h.publisher.count("devices.sensor-7.config"))

	for i := 0; i < 10; i++ {
		h.gateway.HandleReading(ctx, "sensor-7",
			dataMessage(t, map[string]float64{"soil_moisture": 15}))
	}

	// flush happened and produced exactly one drought alert
	require.Eventually(t, func() bool {
		return len(h.notifier.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	events := h.notifier.received()
	assert.Equal(t, "low_soil_moisture", events[0].Type)
	assert.Equal(t, telemetry.SeverityHigh, events[0].Severity)
	assert.Equal(t, "sensor-7", events[0].DeviceID)

	// the alert also went out on the fabric
	require.Equal(t, 1, h.publisher.count("alerts.low_soil_moisture"))
	var published telemetry.AlertEvent
	require.NoError(t, json.Unmarshal(h.publisher.last("alerts.low_soil_moisture"), &published))
	assert.Equal(t, events[0].ID, published.ID)

	// the aggregate window reached analytics with the right mean
	require.Eventually(t, func() bool {
		return len(h.analytics.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	window := h.analytics.received()[0]
	assert.Equal(t, 10, window.SampleCount)
	mean, _ := window.Means.Get("soil_moisture")
	assert.InDelta(t, 15.0, mean, 1e-9)

	// data activity moved the device online
	status, err = h.gateway.DeviceStatus("sensor-7")
	require.NoError(t, err)
	assert.Equal(t, telemetry.StatusOnline, status)
}

func TestReadingVisibleViaLatestBeforeFlush(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gateway.HandleRegister(ctx, "s1", []byte(`{"name":"probe"}`))
	h.gateway.HandleReading(ctx, "s1",
		dataMessage(t, map[string]float64{"temperature": 21.5}))

	latest, err := h.gateway.Latest("s1")
	require.NoError(t, err)
	temp, ok := latest.Metrics.Get("temperature")
	require.True(t, ok)
	assert.Equal(t, 21.5, temp)
	assert.False(t, latest.Timestamp.IsZero())
}

func TestBareMetricMapPayload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gateway.HandleReading(ctx, "s1", []byte(`{"temperature": 19.0, "ph": 6.8}`))

	latest, err := h.gateway.Latest("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Metrics.Len())
}

func TestDeviceSuppliedTimestampFormats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gateway.HandleReading(ctx, "s1",
		[]byte(`{"timestamp":"2026-04-01T08:30:00Z","metrics":{"temperature":20}}`))
	latest, err := h.gateway.Latest("s1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC), latest.Timestamp)

	h.gateway.HandleReading(ctx, "s2",
		[]byte(`{"timestamp":1774946400,"metrics":{"temperature":20}}`))
	latest, err = h.gateway.Latest("s2")
	require.NoError(t, err)
	assert.Equal(t, int64(1774946400), latest.Timestamp.Unix())
}

func TestBareMapTimestampIsNotAMetric(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gateway.HandleReading(ctx, "p1",
		[]byte(`{"soil_moisture":15,"timestamp":1774946400}`))

	latest, err := h.gateway.Latest("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"soil_moisture"}, latest.Metrics.Keys())
	assert.Equal(t, int64(1774946400), latest.Timestamp.Unix())

	h.gateway.HandleReading(ctx, "p2",
		[]byte(`{"soil_moisture":15,"timestamp":"2026-04-01T08:30:00Z"}`))

	latest, err = h.gateway.Latest("p2")
	require.NoError(t, err)
	assert.Equal(t, []string{"soil_moisture"}, latest.Metrics.Keys())
	assert.Equal(t, time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC), latest.Timestamp)

	// a payload that is only a timestamp carries no metrics
	h.gateway.HandleReading(ctx, "p3", []byte(`{"timestamp":1774946400}`))
	_, err = h.gateway.Latest("p3")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestMalformedPayloadsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gateway.HandleReading(ctx, "s1", []byte(`not json`))
	h.gateway.HandleRegister(ctx, "s1", []byte(`{{`))
	h.gateway.HandleStatus(ctx, "s1", []byte(`[]`))

	// nothing was stored for the device
	assert.False(t, h.registry.Exists("s1"))
}

func TestStatusMessageCreatesStub(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gateway.HandleStatus(ctx, "ghost-1", []byte(`{"status":"online","battery_level":64}`))

	device, err := h.gateway.Device("ghost-1")
	require.NoError(t, err)
	assert.Equal(t, telemetry.StatusOnline, device.Status)
	assert.Equal(t, 64.0, device.BatteryLevel)
}

func TestQueriesRequireRegistryRecord(t *testing.T) {
	h := newHarness(t)

	_, err := h.gateway.Latest("missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	_, err = h.gateway.History("missing", faststore.Filter{})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	_, err = h.gateway.SendCommand(context.Background(), "missing", "reboot", nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestSendCommandPublishesEnvelope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gateway.HandleRegister(ctx, "valve-2", []byte(`{"name":"irrigation valve"}`))

	id, err := h.gateway.SendCommand(ctx, "valve-2", "open_valve",
		map[string]any{"duration_s": 60})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Equal(t, 1, h.publisher.count("devices.valve-2.commands"))
	var cmd telemetry.Command
	require.NoError(t, json.Unmarshal(h.publisher.last("devices.valve-2.commands"), &cmd))
	assert.Equal(t, id, cmd.ID)
	assert.Equal(t, "open_valve", cmd.Command)
}

func TestForwardRetriesOnceThenDrops(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// first attempt fails, the single retry succeeds
	h.notifier.fail = 1

	for i := 0; i < 10; i++ {
		h.gateway.HandleReading(ctx, "s1",
			dataMessage(t, map[string]float64{"temperature": 45}))
	}

	require.Eventually(t, func() bool {
		return len(h.notifier.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "extreme_heat", h.notifier.received()[0].Type)
}

func TestFlushCommandDrainsBuffers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// three readings, below the threshold of ten
	for i := 0; i < 3; i++ {
		h.gateway.HandleReading(ctx, "s1",
			dataMessage(t, map[string]float64{"temperature": 22}))
	}

	h.gateway.HandleGatewayCommand(ctx, []byte(`{"command":"flush"}`))

	require.Eventually(t, func() bool {
		return len(h.analytics.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, h.analytics.received()[0].SampleCount)
}

func TestStopFlushesRemainingBuffers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		h.gateway.HandleReading(ctx, "s1",
			dataMessage(t, map[string]float64{"ph": 6.5}))
	}

	require.NoError(t, h.gateway.Stop(2*time.Second))

	windows := h.analytics.received()
	require.Len(t, windows, 1)
	assert.Equal(t, 4, windows[0].SampleCount)
}
