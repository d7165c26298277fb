// Package main provides the occupancy service entry point
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Spatial-NVR/occupancy/internal/api"
	"github.com/Spatial-NVR/occupancy/internal/config"
	"github.com/Spatial-NVR/occupancy/internal/core"
	"github.com/Spatial-NVR/occupancy/internal/counting"
	"github.com/Spatial-NVR/occupancy/internal/database"
	"github.com/Spatial-NVR/occupancy/internal/frames"
	"github.com/Spatial-NVR/occupancy/internal/ingest"
	"github.com/Spatial-NVR/occupancy/internal/logging"
	"github.com/Spatial-NVR/occupancy/internal/metrics"
	"github.com/Spatial-NVR/occupancy/internal/notify"
	"github.com/Spatial-NVR/occupancy/internal/rules"
	"github.com/Spatial-NVR/occupancy/internal/transition"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

const (
	defaultDataPath  = "/data"
	logBufferSize    = 2000
	memorySweepEvery = time.Minute
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	dataPath := getEnv("DATA_PATH", defaultDataPath)
	configPath := getEnv("CONFIG_PATH", filepath.Join(dataPath, "config.yaml"))

	cfg, err := config.LoadOrCreate(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	logCfg := cfg.LoggingSettings()
	if os.Getenv("LOG_LEVEL") != "" {
		logCfg.Level = os.Getenv("LOG_LEVEL")
	}
	logLevel := new(slog.LevelVar)
	logLevel.Set(logging.ParseLevel(logCfg.Level))
	logBuffer := logging.NewRingBuffer(logBufferSize)
	slog.SetDefault(logging.New(os.Stdout, logCfg.Format, logLevel, logBuffer))

	slog.Info("Starting occupancy service", "version", version, "config_path", configPath)

	if err := run(context.Background(), cfg, logLevel, logBuffer); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logLevel *slog.LevelVar, logBuffer *logging.RingBuffer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()

	// Database
	dbCfg := database.DefaultConfig(cfg.System.DataPath)
	dbCfg.Type = database.Dialect(cfg.System.Database.Type)
	dbCfg.Path = cfg.System.Database.Path
	dbCfg.DSN = cfg.System.Database.DSN
	if cfg.System.Database.MaxOpenConns > 0 {
		dbCfg.MaxOpenConns = cfg.System.Database.MaxOpenConns
	}
	if cfg.System.Database.MaxIdleConns > 0 {
		dbCfg.MaxIdleConns = cfg.System.Database.MaxIdleConns
	}

	db, err := database.Open(dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator := database.NewMigrator(db)
	if err := migrator.Run(ctx); err != nil {
		return err
	}
	if err := m.RegisterDB(db.DB, string(db.Dialect())); err != nil {
		slog.Warn("Failed to register database metrics", "error", err)
	}

	// Event bus
	busCfg := core.DefaultEventBusConfig()
	busCfg.URL = cfg.EventBus.URL
	busCfg.Host = cfg.EventBus.Host
	busCfg.Port = cfg.EventBus.Port
	busCfg.StoreDir = cfg.EventBus.StoreDir
	busCfg.EnableJetStream = cfg.EventBus.JetStreamEnabled()
	busCfg.Name = cfg.System.Name

	bus, err := core.NewEventBus(busCfg, slog.Default())
	if err != nil {
		return err
	}
	defer bus.Stop()

	// Transition tracker state
	countCfg := cfg.CountingSettings()
	var store transition.Store
	switch countCfg.TransitionStore {
	case "nats":
		kv, err := bus.KeyValue(transition.DefaultBucket, countCfg.TransitionTTL())
		if err != nil {
			return err
		}
		store = transition.NewKVStore(kv)
	default:
		mem := transition.NewMemoryStore()
		go mem.Run(ctx, memorySweepEvery)
		store = mem
	}
	tracker := transition.NewTracker(store, countCfg.TransitionTTL())

	// Delivery
	var hub *api.Hub
	sinks := notify.Multi{
		notify.NewBusSink(bus, cfg.Notifications.CountSubject, cfg.Notifications.NotificationSubject),
	}
	if cfg.Notifications.WebSocketEnabled() {
		hub = api.NewHub(m)
		go hub.Run(ctx)
		sinks = append(sinks, notify.NewHubSink(hub))
	}

	// Counting
	frameSvc := frames.NewService(db)
	ruleSvc := rules.NewService(db)

	proc := counting.NewProcessor(frameSvc, ruleSvc, tracker, sinks, m, countingSettings(countCfg))
	if _, err := proc.Subscribe(bus, core.SubjectFrames, "occupancy-counting"); err != nil {
		return err
	}

	// Ingest
	handler := ingest.NewHandler(frameSvc, bus, ingest.Options{
		FramesSubject: core.SubjectFrames,
		OnlyToday:     countCfg.OnlyTodayEnabled(),
		Metrics:       m,
	})

	switch cfg.Ingest.Mode {
	case "jetstream":
		consCfg := ingest.DefaultConsumerConfig(cfg.Ingest.Subject)
		consCfg.Stream = cfg.Ingest.Stream
		consCfg.Durable = cfg.Ingest.Durable
		consCfg.Batch = cfg.Ingest.BatchSize
		consCfg.MaxAge = time.Duration(cfg.Ingest.StreamMaxAgeHours) * time.Hour
		consCfg.Timeout = countCfg.EventTimeout()

		consumer := ingest.NewConsumer(bus.JetStream(), handler, consCfg)
		if err := consumer.EnsureStream(); err != nil {
			return err
		}
		go func() {
			if err := consumer.Run(ctx); err != nil {
				slog.Error("Telemetry consumer stopped", "error", err)
			}
		}()
	default:
		if _, err := handler.Subscribe(bus, cfg.Ingest.Subject, cfg.Ingest.QueueGroup, countCfg.EventTimeout()); err != nil {
			return err
		}
	}
	slog.Info("Ingesting telemetry", "subject", cfg.Ingest.Subject, "mode", cfg.Ingest.Mode)

	// Retention
	if maxAge := cfg.Frames.Retention(); maxAge > 0 {
		retention := frames.NewRetention(frameSvc, maxAge)
		retention.Start(ctx, cfg.Frames.CleanupInterval())
		defer retention.Stop()
	}

	// Hot reload
	cfg.OnChange(func(c *config.Config) {
		cc := c.CountingSettings()
		proc.UpdateSettings(countingSettings(cc))
		handler.SetOnlyToday(cc.OnlyTodayEnabled())
		logLevel.Set(logging.ParseLevel(c.LoggingSettings().Level))

		if err := bus.PublishConfigChanged("counting"); err != nil {
			slog.Warn("Failed to publish config change", "error", err)
		}
		if hub != nil {
			hub.Broadcast(api.Message{Type: api.MessageTypeConfig, Data: "counting"})
		}
		slog.Info("Configuration reloaded")
	})
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := cfg.Watch(stopWatch); err != nil {
		slog.Warn("Configuration hot reload disabled", "error", err)
	}

	// HTTP
	router := api.NewRouter(api.RouterConfig{
		Rules:   api.NewRuleHandler(ruleSvc),
		Devices: api.NewDeviceHandler(frameSvc, proc),
		Logs:    api.NewLogHandler(logBuffer),
		Hub:     hub,
		Metrics: m.Handler(),
		Health: map[string]api.HealthFunc{
			"database": db.Health,
			"schema":   migrator.Check,
			"eventbus": bus.HealthCheck,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        version,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-serverErr:
		return err
	}

	slog.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
	return nil
}

func countingSettings(c config.CountingConfig) counting.Settings {
	return counting.Settings{
		TrackedClass: c.TrackedClass,
		FilterWidth:  c.FilterWidth(),
		EventTimeout: c.EventTimeout(),
		Workers:      c.Workers,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
