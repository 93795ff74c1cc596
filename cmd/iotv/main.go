// iotv - Smart TV Fleet Liveness Monitor
//
// This is the main entry point for the iotv monitor. It tracks the
// liveness of a fleet of networked displays through periodic heartbeats:
//   - Heartbeats arrive over MQTT (or HTTP for devices without MQTT)
//   - A background sweeper demotes devices that fall silent
//   - Operators inspect and command the fleet through the REST API
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/icaro258/iotv/migrations"

	"github.com/icaro258/iotv/internal/api"
	"github.com/icaro258/iotv/internal/device"
	"github.com/icaro258/iotv/internal/heartbeat"
	"github.com/icaro258/iotv/internal/infrastructure/config"
	"github.com/icaro258/iotv/internal/infrastructure/database"
	"github.com/icaro258/iotv/internal/infrastructure/influxdb"
	"github.com/icaro258/iotv/internal/infrastructure/logging"
	"github.com/icaro258/iotv/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting iotv monitor",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Bring the schema up to date
	pending, pendingErr := db.Pending(ctx, migrations.Files())
	if pendingErr != nil {
		return fmt.Errorf("checking pending migrations: %w", pendingErr)
	}
	if migrateErr := db.Migrate(ctx, migrations.Files()); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete", "applied", len(pending))

	// Initialise device registry
	deviceRepo := device.NewSQLiteRepository(db.DB)
	deviceRegistry := device.NewRegistry(deviceRepo)
	deviceRegistry.SetLogger(log)
	deviceRegistry.SetDefaultInterval(cfg.Heartbeat.DefaultInterval)

	if refreshErr := deviceRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", deviceRegistry.GetDeviceCount())

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// The telemetry sink is an interface; a nil *influxdb.Client must not
	// become a non-nil interface value.
	var metrics heartbeat.MetricsSink
	if influxClient != nil {
		metrics = influxClient
	}

	// Build the heartbeat pipeline. The notifier (WebSocket hub) comes
	// from the API server, so construct it first without subscribing.
	ingestor := heartbeat.NewIngestor(deviceRegistry, nil, metrics)
	ingestor.SetLogger(log)

	sweeper := heartbeat.NewSweeper(deviceRegistry, nil, metrics, heartbeat.SweeperConfig{
		Interval:        cfg.GetSweepInterval(),
		GraceMultiplier: cfg.Heartbeat.GraceMultiplier,
	})
	sweeper.SetLogger(log)

	// Operator and heartbeat status changes are mirrored to retained
	// MQTT status topics so late subscribers see the last known status.
	statusPublisher := heartbeat.NewStatusPublisher(mqttClient)
	statusPublisher.SetLogger(log)

	// Start API server
	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Auth:     cfg.Auth,
		Logger:   log,
		Registry: deviceRegistry,
		Ingestor: ingestor,
		Sweeper:  sweeper,
		MQTT:     mqttClient,
		Status:   statusPublisher,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)

	// Now that the hub exists, fan status changes out to WebSocket
	// clients and to the retained status topics, then start consuming
	// heartbeats.
	notifier := heartbeat.MultiNotifier{apiServer.Hub(), statusPublisher}
	ingestor.SetNotifier(notifier)
	sweeper.SetNotifier(notifier)

	if subErr := ingestor.Subscribe(mqttClient, byte(cfg.MQTT.QoS)); subErr != nil {
		return fmt.Errorf("subscribing to heartbeats: %w", subErr)
	}
	log.Info("heartbeat ingestor subscribed")

	go sweeper.Run(ctx)
	log.Info("staleness sweeper started",
		"interval", cfg.GetSweepInterval(),
		"grace_multiplier", cfg.Heartbeat.GraceMultiplier,
	)

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. InfluxDB (if enabled)
	// 3. MQTT
	// 4. Database

	log.Info("iotv monitor stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses IOTV_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("IOTV_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
