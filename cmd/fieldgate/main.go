// Package main implements the entry point for the fieldgate daemon.
// Fieldgate is a telemetry ingestion and alerting gateway for field
// sensor fleets: it routes device messages off the NATS fabric, batches
// readings into tumbling windows, evaluates threshold alerts and serves
// a REST query surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/agrimesh/fieldgate/alert"
	httpapi "github.com/agrimesh/fieldgate/api/http"
	"github.com/agrimesh/fieldgate/component"
	"github.com/agrimesh/fieldgate/config"
	"github.com/agrimesh/fieldgate/dispatch"
	"github.com/agrimesh/fieldgate/faststore"
	"github.com/agrimesh/fieldgate/gateway"
	"github.com/agrimesh/fieldgate/ingest"
	"github.com/agrimesh/fieldgate/metric"
	"github.com/agrimesh/fieldgate/natsclient"
	"github.com/agrimesh/fieldgate/registry"
	"github.com/agrimesh/fieldgate/router"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fieldgate"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		fmt.Printf("%s %s (build %s)\n", appName, Version, BuildTime)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}
	if err := validateFlags(cliCfg); err != nil {
		return err
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	natsClient, err := connectNATS(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := natsClient.Close(ctx); err != nil {
			logger.Warn("nats close", "error", err)
		}
	}()

	metricsRegistry := metric.NewRegistry()

	// Retained gateway state lives in a KV bucket; running without it
	// degrades retention only, not routing.
	var state router.StateStore
	if kv, kvErr := natsClient.KeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.NATS.StateBucket,
	}); kvErr != nil {
		logger.Warn("retained state store unavailable", "error", kvErr)
	} else {
		state = kv
	}

	store, err := faststore.New(ctx, faststore.Config{
		HistorySize: cfg.FastStore.HistorySize,
		LatestTTL:   cfg.FastStore.LatestTTL,
		HistoryTTL:  cfg.FastStore.HistoryTTL,
	})
	if err != nil {
		return fmt.Errorf("create fast store: %w", err)
	}
	defer func() { _ = store.Close() }()

	deviceRegistry := registry.New(
		registry.WithConfigPusher(gateway.NewConfigPush(natsClient, cfg.Forward.Timeout)),
		registry.WithLogger(logger),
	)

	gw, err := gateway.New(gateway.Config{
		ForwardTimeout: cfg.Forward.Timeout,
		ForwardWorkers: cfg.Forward.Workers,
		ForwardQueue:   cfg.Forward.Queue,
	}, gateway.Deps{
		Registry:  deviceRegistry,
		Buffer:    ingest.New(cfg.Ingest.FlushThreshold, cfg.Ingest.BufferCapacity, cfg.Ingest.TrendBand),
		Evaluator: alert.NewEvaluator(cfg.Alerts),
		Dispatcher: dispatch.New(natsClient, deviceRegistry,
			dispatch.WithTimeout(cfg.Forward.Timeout),
			dispatch.WithLogger(logger),
			dispatch.WithMetrics(metricsRegistry)),
		Store:     store,
		Publisher: natsClient,
		Metrics:   metricsRegistry,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	messageRouter, err := router.New(router.Config{
		GatewayID:      cfg.Gateway.ID,
		StatusInterval: cfg.Gateway.StatusInterval,
	}, router.Deps{
		Fabric:  natsClient,
		State:   state,
		Handler: gw,
		Metrics: metricsRegistry,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}

	// Refresh broadcast and retained status as soon as the fabric is back.
	natsClient.SetReconnectCallback(messageRouter.Rebroadcast)
	natsClient.SetDisconnectCallback(func(err error) {
		logger.Warn("fabric disconnected", "error", err)
	})

	apiServer, err := httpapi.NewServer(httpapi.Config{
		Addr:            cfg.HTTP.Addr,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, httpapi.Deps{
		Service:    gw,
		Components: []component.Discoverable{messageRouter},
		Metrics:    metricsRegistry,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}

	// Start order: pipeline first, then the message intake, then the
	// query surface. Shutdown runs in reverse.
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	components := []component.Lifecycle{messageRouter, apiServer}
	started := make([]component.Lifecycle, 0, len(components))
	for _, c := range components {
		if err := c.Initialize(); err != nil {
			shutdown(logger, started, gw, cliCfg.ShutdownTimeout)
			return fmt.Errorf("initialize %s: %w", c.Meta().Name, err)
		}
		if err := c.Start(ctx); err != nil {
			shutdown(logger, started, gw, cliCfg.ShutdownTimeout)
			return fmt.Errorf("start %s: %w", c.Meta().Name, err)
		}
		started = append(started, c)
	}

	logger.Info("fieldgate running",
		"gateway_id", cfg.Gateway.ID,
		"nats_url", cfg.NATS.URL,
		"http_addr", cfg.HTTP.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	shutdown(logger, started, gw, cliCfg.ShutdownTimeout)
	return nil
}

func connectNATS(ctx context.Context, cfg *config.Config) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithClientName(cfg.Gateway.ID),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithTimeout(cfg.NATS.ConnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("create nats client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.NATS.ConnectWait)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.NATS.URL, err)
	}
	return client, nil
}

// shutdown stops components in reverse start order, then drains the
// pipeline itself.
func shutdown(logger *slog.Logger, started []component.Lifecycle, gw *gateway.Gateway, timeout time.Duration) {
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		if err := c.Stop(timeout); err != nil {
			logger.Warn("component stop", "component", c.Meta().Name, "error", err)
		}
	}
	if err := gw.Stop(timeout); err != nil {
		logger.Warn("gateway stop", "error", err)
	}
	logger.Info("shutdown complete")
}
