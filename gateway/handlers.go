package gateway

import (
	"context"
	"encoding/json"

	"github.com/agrimesh/fieldgate/pkg/timestamp"
	"github.com/agrimesh/fieldgate/telemetry"
)

// dataPayload is the preferred wire shape of devices.{id}.data messages.
// Fielded telemetry firmware also sends bare metric maps, and timestamps
// arrive as RFC3339 strings, Unix seconds or Unix milliseconds depending
// on firmware revision; HandleReading accepts all of them.
type dataPayload struct {
	Timestamp any                `json:"timestamp,omitempty"`
	Metrics   *telemetry.Metrics `json:"metrics,omitempty"`
}

// gatewayCommand is the wire shape of gateway.commands messages.
type gatewayCommand struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// HandleRegister processes a devices.{id}.register message. Unparsable
// payloads are logged and dropped; nothing escapes to the caller.
func (g *Gateway) HandleRegister(ctx context.Context, deviceID string, data []byte) {
	var payload telemetry.RegisterPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		g.dropMalformed("register", deviceID, err)
		return
	}
	g.registry.Register(ctx, deviceID, payload)
}

// HandleStatus processes a devices.{id}.status message. Unknown devices
// get a stub record rather than a drop.
func (g *Gateway) HandleStatus(_ context.Context, deviceID string, data []byte) {
	var payload telemetry.StatusPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		g.dropMalformed("status", deviceID, err)
		return
	}
	if _, err := g.registry.UpdateStatus(deviceID, payload); err != nil {
		g.dropMalformed("status", deviceID, err)
	}
}

// HandleReading processes a devices.{id}.data message: mark the device
// seen, record the latest snapshot and history entry, buffer the reading
// and, on reaching the flush threshold, reduce the buffer into a window
// and run it through the alert path.
func (g *Gateway) HandleReading(_ context.Context, deviceID string, data []byte) {
	reading, ok := g.parseReading(deviceID, data)
	if !ok {
		return
	}

	g.registry.MarkSeen(deviceID, reading.Timestamp)
	g.store.Record(reading)
	g.readingsIngested.Inc()

	if g.buffer.Append(reading) {
		if window, flushed := g.buffer.Flush(deviceID); flushed {
			g.processWindow(window)
		}
	}
}

// HandleGatewayCommand processes a gateway.commands message. A flush
// command drains one device buffer (parameters.device_id) or every
// buffer through the alert path. Unknown commands are logged and dropped.
func (g *Gateway) HandleGatewayCommand(_ context.Context, data []byte) {
	var cmd gatewayCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		g.dropMalformed("gateway_command", "", err)
		return
	}

	switch cmd.Command {
	case "flush":
		if id, ok := cmd.Parameters["device_id"].(string); ok && id != "" {
			if window, flushed := g.buffer.Flush(id); flushed {
				g.processWindow(window)
			}
			return
		}
		for _, window := range g.buffer.FlushAll() {
			g.processWindow(window)
		}
	default:
		g.logger.Warn("unknown gateway command, dropping", "command", cmd.Command)
	}
}

// parseReading decodes a data payload into a Reading, assigning the
// gateway's own timestamp when the device omits one.
func (g *Gateway) parseReading(deviceID string, data []byte) (telemetry.Reading, bool) {
	reading := telemetry.Reading{DeviceID: deviceID, Timestamp: g.now()}

	var payload dataPayload
	if err := json.Unmarshal(data, &payload); err == nil && payload.Metrics != nil && payload.Metrics.Len() > 0 {
		if at, ok := timestamp.Parse(payload.Timestamp); ok {
			reading.Timestamp = at
		}
		reading.Metrics = payload.Metrics
		return reading, true
	}

	// Bare metric map without an envelope. A top-level timestamp key is
	// the reading time, not a metric.
	metrics := telemetry.NewMetrics()
	if err := json.Unmarshal(data, metrics); err != nil {
		g.dropMalformed("data", deviceID, err)
		return telemetry.Reading{}, false
	}
	var stamp struct {
		Timestamp any `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &stamp); err == nil {
		if at, ok := timestamp.Parse(stamp.Timestamp); ok {
			reading.Timestamp = at
		}
	}
	metrics.Delete("timestamp")
	if metrics.Len() == 0 {
		g.dropMalformed("data", deviceID, nil)
		return telemetry.Reading{}, false
	}
	reading.Metrics = metrics
	return reading, true
}

// publishAlert fans an alert event out on alerts.{type}. Publish errors
// are logged and dropped; alert publication is best effort.
func (g *Gateway) publishAlert(event telemetry.AlertEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		g.logger.Error("marshal alert event", "alert_id", event.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.forwardTimeout)
	defer cancel()

	if err := g.publisher.Publish(ctx, "alerts."+event.Type, data); err != nil {
		g.logger.Warn("alert publish failed",
			"alert_id", event.ID,
			"type", event.Type,
			"error", err)
	}
}

func (g *Gateway) dropMalformed(messageType, deviceID string, err error) {
	g.malformedPayloads.Inc()
	g.logger.Warn("malformed payload dropped",
		"message_type", messageType,
		"device_id", deviceID,
		"error", err)
}
