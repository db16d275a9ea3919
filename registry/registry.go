// Package registry is the authoritative in-memory record of device
// identity, status and metadata. Records are sharded by device id so
// concurrent updates for different devices never contend.
package registry

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/agrimesh/fieldgate/errors"
	"github.com/agrimesh/fieldgate/telemetry"
)

const defaultShardCount = 16

// ConfigPusher delivers the current device configuration back to a
// device after registration. A nil pusher disables the push.
type ConfigPusher interface {
	PushConfig(ctx context.Context, device telemetry.Device) error
}

// Registry stores device records behind a fixed set of shards.
type Registry struct {
	shards []*shard
	pusher ConfigPusher
	logger *slog.Logger
	now    func() time.Time
}

type shard struct {
	mu      sync.RWMutex
	devices map[string]telemetry.Device
}

// Option configures a Registry
type Option func(*Registry)

// WithConfigPusher sets the collaborator notified after each registration.
func WithConfigPusher(p ConfigPusher) Option {
	return func(r *Registry) { r.pusher = p }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		shards: make([]*shard, defaultShardCount),
		logger: slog.Default(),
		now:    time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{devices: make(map[string]telemetry.Device)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register creates or unconditionally overwrites the record for deviceID.
// There is no field-by-field merge: a re-registration replaces everything,
// including battery and signal readings. After the record is stored the
// configured pusher is invoked; push failures are logged, never returned.
func (r *Registry) Register(ctx context.Context, deviceID string, payload telemetry.RegisterPayload) telemetry.Device {
	device := telemetry.Device{
		ID:       deviceID,
		Name:     payload.Name,
		Type:     payload.Type,
		Location: payload.Location,
		Status:   telemetry.StatusRegistered,
		LastSeen: r.now(),
	}

	s := r.shardFor(deviceID)
	s.mu.Lock()
	s.devices[deviceID] = device
	s.mu.Unlock()

	r.logger.Info("device registered",
		"device_id", deviceID,
		"type", payload.Type,
		"location", payload.Location)

	if r.pusher != nil {
		if err := r.pusher.PushConfig(ctx, device); err != nil {
			r.logger.Warn("config push failed",
				"device_id", deviceID,
				"error", err)
		}
	}

	return device
}

// UpdateStatus applies a status message to deviceID. An unknown device is
// auto-registered as a minimal stub with the reported status; telemetry
// about an unknown device is still meaningful.
func (r *Registry) UpdateStatus(deviceID string, payload telemetry.StatusPayload) (telemetry.Device, error) {
	if !payload.Status.Valid() {
		return telemetry.Device{}, errors.WrapInvalid(errors.ErrParsingFailed,
			"registry", "UpdateStatus", "unknown status "+string(payload.Status))
	}

	s := r.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	device, exists := s.devices[deviceID]
	if !exists {
		device = telemetry.Device{ID: deviceID}
		r.logger.Info("stub record created for unknown device", "device_id", deviceID)
	}

	device.Status = payload.Status
	device.LastSeen = r.now()
	if payload.BatteryLevel != nil {
		device.BatteryLevel = *payload.BatteryLevel
	}
	if payload.SignalStrength != nil {
		device.SignalStrength = *payload.SignalStrength
	}
	s.devices[deviceID] = device

	return device, nil
}

// MarkSeen records activity from deviceID at the given time. Registered
// or offline devices transition to online; online devices stay online.
// An unknown device is auto-registered as an online stub. The offline
// transition only ever happens through an explicit offline status message.
func (r *Registry) MarkSeen(deviceID string, at time.Time) telemetry.Device {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	device, exists := s.devices[deviceID]
	if !exists {
		device = telemetry.Device{ID: deviceID}
		r.logger.Info("stub record created for unknown device", "device_id", deviceID)
	}

	switch device.Status {
	case telemetry.StatusOnline:
		// stays online
	default:
		device.Status = telemetry.StatusOnline
	}
	device.LastSeen = at
	s.devices[deviceID] = device

	return device
}

// Get returns the record for deviceID.
func (r *Registry) Get(deviceID string) (telemetry.Device, error) {
	s := r.shardFor(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, exists := s.devices[deviceID]
	if !exists {
		return telemetry.Device{}, errors.WrapNotFound(errors.ErrDeviceNotFound,
			"registry", "Get", deviceID)
	}
	return device, nil
}

// GetStatus returns the lifecycle status for deviceID.
func (r *Registry) GetStatus(deviceID string) (telemetry.DeviceStatus, error) {
	device, err := r.Get(deviceID)
	if err != nil {
		return "", errors.WrapNotFound(err, "registry", "GetStatus", deviceID)
	}
	return device.Status, nil
}

// Exists reports whether deviceID has a record.
func (r *Registry) Exists(deviceID string) bool {
	s := r.shardFor(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.devices[deviceID]
	return ok
}

// Delete removes the record for deviceID. Records are never removed by
// the pipeline itself; this supports administrative action only.
func (r *Registry) Delete(deviceID string) error {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.devices[deviceID]; !exists {
		return errors.WrapNotFound(errors.ErrDeviceNotFound, "registry", "Delete", deviceID)
	}
	delete(s.devices, deviceID)
	return nil
}

// List returns a snapshot of all device records, in no particular order.
func (r *Registry) List() []telemetry.Device {
	var out []telemetry.Device
	for _, s := range r.shards {
		s.mu.RLock()
		for _, d := range s.devices {
			out = append(out, d)
		}
		s.mu.RUnlock()
	}
	return out
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.devices)
		s.mu.RUnlock()
	}
	return n
}
