// Package config defines the gateway configuration and its loader.
// Configuration comes from an optional YAML/JSON file plus FIELDGATE_*
// environment overrides; every tunable has a default so the gateway runs
// with no file at all.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agrimesh/fieldgate/errors"
	"github.com/agrimesh/fieldgate/telemetry"
)

// Defaults for the ingestion pipeline. The flush threshold and trend band
// were fixed constants in early firmware-facing deployments; they are
// exposed as configuration with the historical values as defaults.
const (
	DefaultFlushThreshold = 10
	DefaultBufferCapacity = 100
	DefaultTrendBand      = 0.05
	DefaultHistorySize    = 50
)

// Config represents the complete gateway configuration
type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	FastStore FastStoreConfig `mapstructure:"faststore"`
	Forward   ForwardConfig   `mapstructure:"forward"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Alerts    []ThresholdRule `mapstructure:"alerts"`
}

// GatewayConfig defines gateway identity and status broadcasting
type GatewayConfig struct {
	ID             string        `mapstructure:"id"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	ConnectWait   time.Duration `mapstructure:"connect_wait"`
	StateBucket   string        `mapstructure:"state_bucket"`
}

// IngestConfig defines the per-device buffering and aggregation tunables
type IngestConfig struct {
	// FlushThreshold is the tumbling window size: the buffer flushes into
	// an aggregate once this many readings are queued.
	FlushThreshold int `mapstructure:"flush_threshold"`
	// BufferCapacity is the hard ceiling of the per-device queue.
	// Independent of the flush threshold; overflow evicts oldest.
	BufferCapacity int `mapstructure:"buffer_capacity"`
	// TrendBand is the relative band around the first-half mean within
	// which a metric is classified as stable (0.05 = ±5%).
	TrendBand float64 `mapstructure:"trend_band"`
}

// FastStoreConfig defines the snapshot and history cache tunables
type FastStoreConfig struct {
	HistorySize int           `mapstructure:"history_size"`
	LatestTTL   time.Duration `mapstructure:"latest_ttl"`
	HistoryTTL  time.Duration `mapstructure:"history_ttl"`
}

// ForwardConfig defines how aggregates and alerts are pushed downstream
type ForwardConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Workers int           `mapstructure:"workers"`
	Queue   int           `mapstructure:"queue"`
}

// HTTPConfig defines the query API listener
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ThresholdRule is one row of the alert threshold table. A nil bound is
// unbounded on that side.
type ThresholdRule struct {
	Metric   string             `mapstructure:"metric" json:"metric"`
	Low      *float64           `mapstructure:"low" json:"low,omitempty"`
	High     *float64           `mapstructure:"high" json:"high,omitempty"`
	Type     string             `mapstructure:"type" json:"type"`
	Severity telemetry.Severity `mapstructure:"severity" json:"severity"`
	Message  string             `mapstructure:"message" json:"message"`
}

func f(v float64) *float64 { return &v }

// DefaultAlertRules returns the built-in threshold table for field
// sensors: heat, frost, drought, waterlogging and pH imbalance.
func DefaultAlertRules() []ThresholdRule {
	return []ThresholdRule{
		{Metric: "temperature", High: f(40), Type: "extreme_heat",
			Severity: telemetry.SeverityCritical, Message: "extreme heat: temperature %.1f above 40.0"},
		{Metric: "temperature", Low: f(5), Type: "frost_risk",
			Severity: telemetry.SeverityHigh, Message: "frost risk: temperature %.1f below 5.0"},
		{Metric: "soil_moisture", Low: f(20), Type: "low_soil_moisture",
			Severity: telemetry.SeverityHigh, Message: "drought conditions: soil moisture %.1f below 20.0"},
		{Metric: "soil_moisture", High: f(80), Type: "waterlogged",
			Severity: telemetry.SeverityMedium, Message: "waterlogged soil: soil moisture %.1f above 80.0"},
		{Metric: "ph", Low: f(5.5), High: f(7.5), Type: "ph_imbalance",
			Severity: telemetry.SeverityMedium, Message: "pH imbalance: reading %.2f outside [5.5, 7.5]"},
	}
}

// Default returns the configuration used when no file or overrides exist.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID:             "fieldgate-1",
			StatusInterval: 30 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			ConnectWait:   5 * time.Second,
			StateBucket:   "gateway_state",
		},
		Ingest: IngestConfig{
			FlushThreshold: DefaultFlushThreshold,
			BufferCapacity: DefaultBufferCapacity,
			TrendBand:      DefaultTrendBand,
		},
		FastStore: FastStoreConfig{
			HistorySize: DefaultHistorySize,
			LatestTTL:   time.Minute,
			HistoryTTL:  5 * time.Minute,
		},
		Forward: ForwardConfig{
			Timeout: 2 * time.Second,
			Workers: 4,
			Queue:   256,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Alerts: DefaultAlertRules(),
	}
}

// Load reads configuration from path (optional) and the environment.
// An empty path loads defaults plus FIELDGATE_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FIELDGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read config file")
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "unmarshal config")
	}

	// An explicit empty alert table stays empty; absent falls back to defaults.
	if cfg.Alerts == nil && !v.IsSet("alerts") {
		cfg.Alerts = DefaultAlertRules()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("gateway.id", d.Gateway.ID)
	v.SetDefault("gateway.status_interval", d.Gateway.StatusInterval)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.max_reconnects", d.NATS.MaxReconnects)
	v.SetDefault("nats.reconnect_wait", d.NATS.ReconnectWait)
	v.SetDefault("nats.connect_wait", d.NATS.ConnectWait)
	v.SetDefault("nats.state_bucket", d.NATS.StateBucket)
	v.SetDefault("ingest.flush_threshold", d.Ingest.FlushThreshold)
	v.SetDefault("ingest.buffer_capacity", d.Ingest.BufferCapacity)
	v.SetDefault("ingest.trend_band", d.Ingest.TrendBand)
	v.SetDefault("faststore.history_size", d.FastStore.HistorySize)
	v.SetDefault("faststore.latest_ttl", d.FastStore.LatestTTL)
	v.SetDefault("faststore.history_ttl", d.FastStore.HistoryTTL)
	v.SetDefault("forward.timeout", d.Forward.Timeout)
	v.SetDefault("forward.workers", d.Forward.Workers)
	v.SetDefault("forward.queue", d.Forward.Queue)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
}

// Validate checks the configuration for invalid combinations.
func (c *Config) Validate() error {
	if c.Gateway.ID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "gateway.id")
	}
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats.url")
	}
	if c.Ingest.FlushThreshold < 1 {
		return errors.WrapInvalid(
			fmt.Errorf("flush_threshold must be >= 1, got %d", c.Ingest.FlushThreshold),
			"config", "Validate", "ingest.flush_threshold")
	}
	if c.Ingest.BufferCapacity < c.Ingest.FlushThreshold {
		return errors.WrapInvalid(
			fmt.Errorf("buffer_capacity %d below flush_threshold %d",
				c.Ingest.BufferCapacity, c.Ingest.FlushThreshold),
			"config", "Validate", "ingest.buffer_capacity")
	}
	if c.Ingest.TrendBand <= 0 || c.Ingest.TrendBand >= 1 {
		return errors.WrapInvalid(
			fmt.Errorf("trend_band must be in (0,1), got %v", c.Ingest.TrendBand),
			"config", "Validate", "ingest.trend_band")
	}
	if c.FastStore.HistorySize < 1 {
		return errors.WrapInvalid(
			fmt.Errorf("history_size must be >= 1, got %d", c.FastStore.HistorySize),
			"config", "Validate", "faststore.history_size")
	}
	if c.FastStore.LatestTTL <= 0 || c.FastStore.HistoryTTL <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("cache TTLs must be positive"),
			"config", "Validate", "faststore ttls")
	}
	if c.Forward.Timeout <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("forward.timeout must be positive, got %v", c.Forward.Timeout),
			"config", "Validate", "forward.timeout")
	}

	for i, rule := range c.Alerts {
		if rule.Metric == "" || rule.Type == "" {
			return errors.WrapInvalid(
				fmt.Errorf("alert rule %d missing metric or type", i),
				"config", "Validate", "alert rule")
		}
		if rule.Low == nil && rule.High == nil {
			return errors.WrapInvalid(
				fmt.Errorf("alert rule %q has no bounds", rule.Type),
				"config", "Validate", "alert rule")
		}
		switch rule.Severity {
		case telemetry.SeverityLow, telemetry.SeverityMedium,
			telemetry.SeverityHigh, telemetry.SeverityCritical:
		default:
			return errors.WrapInvalid(
				fmt.Errorf("alert rule %q has unknown severity %q", rule.Type, rule.Severity),
				"config", "Validate", "alert rule severity")
		}
	}

	return nil
}
