// Package telemetry defines the core data model for the field telemetry
// gateway: devices, readings, aggregate windows, alerts and commands.
package telemetry

import (
	"time"
)

// DeviceStatus is the lifecycle state of a field device.
type DeviceStatus string

// Device lifecycle states
const (
	StatusUnregistered DeviceStatus = "unregistered"
	StatusRegistered   DeviceStatus = "registered"
	StatusOnline       DeviceStatus = "online"
	StatusOffline      DeviceStatus = "offline"
)

// Valid reports whether s is a known device status.
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusUnregistered, StatusRegistered, StatusOnline, StatusOffline:
		return true
	}
	return false
}

// Device is the authoritative registry record for a field device.
// The id is assigned externally and stable; records are created on first
// registration (or as a stub on telemetry from an unknown device) and are
// never auto-deleted.
type Device struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Type           string       `json:"type"`
	Location       string       `json:"location"`
	Status         DeviceStatus `json:"status"`
	LastSeen       time.Time    `json:"last_seen"`
	BatteryLevel   float64      `json:"battery_level"`
	SignalStrength float64      `json:"signal_strength"`
}

// Reading is a single schema-free sensor sample from one device.
// Timestamp is gateway-assigned when the device omits it.
type Reading struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Metrics   *Metrics  `json:"metrics"`
}

// Trend classifies the short-term direction of a metric across a window.
type Trend string

// Trend classifications
const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
	TrendUndefined  Trend = "undefined"
)

// AggregateWindow is the immutable result of flushing one device buffer:
// one tumbling window of readings reduced to per-metric means and trends.
// Means are computed over present values only.
type AggregateWindow struct {
	DeviceID    string           `json:"device_id"`
	SampleCount int              `json:"sample_count"`
	WindowStart time.Time        `json:"window_start"`
	WindowEnd   time.Time        `json:"window_end"`
	Means       *Metrics         `json:"means"`
	Trends      map[string]Trend `json:"trends"`
}

// Severity grades an alert.
type Severity string

// Alert severities, lowest to highest
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertEvent is an immutable alert raised from one aggregate window.
// Zero or more are produced per window; they are never retried or merged.
type AlertEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Command is a fire-and-forget outbound instruction to a device.
// Ack correlation by ID is a downstream concern; no ack state is kept here.
type Command struct {
	ID         string         `json:"id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
	Timestamp  time.Time      `json:"timestamp"`
}

// RegisterPayload is the wire shape of devices.{id}.register messages.
type RegisterPayload struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Location string `json:"location"`
}

// StatusPayload is the wire shape of devices.{id}.status messages.
// Battery and signal are pointers so absent fields are distinguishable
// from zero values.
type StatusPayload struct {
	Status         DeviceStatus `json:"status"`
	BatteryLevel   *float64     `json:"battery_level,omitempty"`
	SignalStrength *float64     `json:"signal_strength,omitempty"`
}

// GatewayStatus is the wire shape of the gateway.status broadcast.
type GatewayStatus struct {
	GatewayID string    `json:"gateway_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
