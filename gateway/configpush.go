package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agrimesh/fieldgate/errors"
	"github.com/agrimesh/fieldgate/telemetry"
)

// ConfigPush publishes a device's current registry record to its config
// subject after registration, so the device can confirm what the gateway
// holds for it. Satisfies registry.ConfigPusher.
type ConfigPush struct {
	publisher Publisher
	timeout   time.Duration
}

// NewConfigPush creates a ConfigPush with the given publish timeout.
func NewConfigPush(publisher Publisher, timeout time.Duration) *ConfigPush {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ConfigPush{publisher: publisher, timeout: timeout}
}

// PushConfig publishes the record to devices.{id}.config.
func (p *ConfigPush) PushConfig(ctx context.Context, device telemetry.Device) error {
	data, err := json.Marshal(device)
	if err != nil {
		return errors.WrapInvalid(err, "gateway", "PushConfig", "marshal device")
	}

	pushCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	subject := "devices." + device.ID + ".config"
	if err := p.publisher.Publish(pushCtx, subject, data); err != nil {
		return errors.WrapTransient(err, "gateway", "PushConfig", "publish config")
	}
	return nil
}
