package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bhyvebridge/internal/api"
	"bhyvebridge/internal/bhyve"
	"bhyvebridge/internal/clock"
	"bhyvebridge/internal/config"
	"bhyvebridge/internal/coordinator"
	"bhyvebridge/internal/entity"
	"bhyvebridge/internal/metrics"
	"bhyvebridge/internal/mqtt"
	"bhyvebridge/internal/stream"
	"bhyvebridge/internal/telemetry"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("BHYVE_CONFIG"), "path to the YAML config file")
	flag.Parse()

	// Load environment variables
	envErr := godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal("Invalid timezone", zap.String("timezone", cfg.Timezone), zap.Error(err))
	}

	logger.Info("Starting B-hyve bridge",
		zap.String("base_url", cfg.Bhyve.BaseURL),
		zap.Strings("devices", cfg.Devices),
		zap.Bool("read_only", cfg.ReadOnly))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.Real()
	collector := metrics.New(clk)

	cloud := bhyve.NewClient(bhyve.Config{
		BaseURL:        cfg.Bhyve.BaseURL,
		Username:       cfg.Bhyve.Username,
		Password:       cfg.Bhyve.Password,
		RequestTimeout: cfg.Bhyve.RequestTimeout,
		PollPeriod:     cfg.Bhyve.PollPeriod,
		Clock:          clk,
	}, logger)

	if err := cloud.Login(ctx); err != nil {
		logger.Fatal("Failed to log in to B-hyve", zap.Error(err))
	}

	coord := coordinator.New(cloud, logger,
		coordinator.WithInterval(cfg.Refresh.Interval),
		coordinator.WithDebounce(cfg.Refresh.Debounce),
		coordinator.WithClock(clk),
		coordinator.WithMetrics(collector))

	if err := coord.Refresh(ctx, true); err != nil {
		logger.Fatal("Failed to fetch initial data", zap.Error(err))
	}
	coord.Subscribe(func(u coordinator.Update) { collector.ObserveSnapshot(u.Data) })
	collector.ObserveSnapshot(coord.Snapshot())

	events := stream.NewClient(cfg.Stream.URL, cloud, logger,
		stream.WithHeartbeat(cfg.Stream.Heartbeat),
		stream.WithReconnectPolicy(cfg.ReconnectPolicy()),
		stream.WithClock(clk),
		stream.WithMetrics(collector))
	events.OnEvent(coord.HandleEvent)

	if err := events.Start(ctx); err != nil {
		logger.Fatal("Failed to start event stream", zap.Error(err))
	}

	go func() {
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Coordinator stopped", zap.Error(err))
		}
	}()

	controller := entity.NewController(events, cloud, coord, logger, clk)
	build := entity.Options{DeviceFilter: cfg.Devices, Location: loc, Logger: logger}

	var (
		mqttClient *mqtt.Client
		bridge     *mqtt.Bridge
	)
	if cfg.MQTT.Enabled {
		mqttClient, bridge = startMQTT(cfg, controller, coord, build, collector, logger)
		defer mqttClient.Close()
	}

	if cfg.InfluxDB.Enabled {
		recorder, err := telemetry.Connect(ctx, telemetry.Config{
			Enabled: true,
			URL:     cfg.InfluxDB.URL,
			Token:   cfg.InfluxDB.Token,
			Org:     cfg.InfluxDB.Org,
			Bucket:  cfg.InfluxDB.Bucket,
		}, logger)
		if err != nil {
			logger.Warn("InfluxDB telemetry unavailable, continuing without it", zap.Error(err))
		} else {
			coord.Subscribe(recorder.HandleUpdate)
			go recorder.Run(ctx)
		}
	}

	var server *api.Server
	if cfg.HTTP.Enabled {
		server = api.NewServer(cfg.HTTP.Listen, coord, logger,
			api.WithStream(events),
			api.WithMetricsHandler(collector.Handler()),
			api.WithEntityOptions(build),
			api.WithClock(clk))
		if err := server.Start(); err != nil {
			logger.Fatal("Failed to start HTTP API server", zap.Error(err))
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Bridge running. Press Ctrl+C to exit.")
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()

	if bridge != nil {
		if err := bridge.Stop(); err != nil {
			logger.Warn("Failed to publish offline status", zap.Error(err))
		}
	}
	if server != nil {
		if err := server.Stop(); err != nil {
			logger.Warn("HTTP server shutdown failed", zap.Error(err))
		}
	}
	if err := events.Stop(); err != nil {
		logger.Warn("Event stream shutdown failed", zap.Error(err))
	}
	coord.Stop()
}

func startMQTT(cfg *config.Config, controller *entity.Controller, coord *coordinator.Coordinator, build entity.Options, collector *metrics.Collector, logger *zap.Logger) (*mqtt.Client, *mqtt.Bridge) {
	bridgeCfg := mqtt.BridgeConfig{
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		BaseTopic:       cfg.MQTT.BaseTopic,
		ReadOnly:        cfg.ReadOnly,
		Build:           build,
	}

	client, err := mqtt.Connect(mqtt.Config{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		QoS:         byte(cfg.MQTT.QoS),
		WillTopic:   cfg.MQTT.BaseTopic + "/status",
		WillPayload: "offline",
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
	}

	bridge := mqtt.NewBridge(client, controller, coord, bridgeCfg, logger, mqtt.WithObserver(collector))
	if err := bridge.Start(); err != nil {
		logger.Fatal("Failed to start MQTT bridge", zap.Error(err))
	}
	coord.Subscribe(bridge.HandleUpdate)

	// The broker publishes the will on drops, so announce again after reconnecting.
	client.SetOnConnect(func() {
		if err := bridge.Start(); err != nil {
			logger.Warn("Failed to republish after reconnect", zap.Error(err))
		}
	})
	return client, bridge
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}
