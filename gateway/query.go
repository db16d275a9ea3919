package gateway

import (
	"context"

	"github.com/agrimesh/fieldgate/faststore"
	"github.com/agrimesh/fieldgate/telemetry"
)

// RegisterDevice registers a device through the query surface. The same
// overwrite semantics apply as for a register message.
func (g *Gateway) RegisterDevice(ctx context.Context, deviceID string, payload telemetry.RegisterPayload) telemetry.Device {
	return g.registry.Register(ctx, deviceID, payload)
}

// Device returns the registry record for deviceID.
func (g *Gateway) Device(deviceID string) (telemetry.Device, error) {
	return g.registry.Get(deviceID)
}

// Devices returns all registry records.
func (g *Gateway) Devices() []telemetry.Device {
	return g.registry.List()
}

// DeviceStatus returns the lifecycle status for deviceID.
func (g *Gateway) DeviceStatus(deviceID string) (telemetry.DeviceStatus, error) {
	return g.registry.GetStatus(deviceID)
}

// SendCommand dispatches a command to deviceID and returns the command id.
func (g *Gateway) SendCommand(ctx context.Context, deviceID, command string, params map[string]any) (string, error) {
	return g.dispatcher.Send(ctx, deviceID, command, params)
}

// Latest returns the device's most recent reading. A device with no
// registry record reads as NotFound even if cached data lingers.
func (g *Gateway) Latest(deviceID string) (telemetry.Reading, error) {
	if _, err := g.registry.Get(deviceID); err != nil {
		return telemetry.Reading{}, err
	}
	return g.store.Latest(deviceID)
}

// History returns the device's recent readings after applying the
// filter. Registry existence is checked first, like Latest.
func (g *Gateway) History(deviceID string, filter faststore.Filter) ([]telemetry.Reading, error) {
	if _, err := g.registry.Get(deviceID); err != nil {
		return nil, err
	}
	return g.store.History(deviceID, filter)
}
