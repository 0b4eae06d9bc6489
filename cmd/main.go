package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"azanhome/internal/announce"
	"azanhome/internal/api"
	"azanhome/internal/clock"
	"azanhome/internal/config"
	"azanhome/internal/ha"
	"azanhome/internal/notify"
	"azanhome/internal/orchestrator"
	"azanhome/internal/prayertimes"
	"azanhome/internal/scheduler"
	"azanhome/internal/speaker"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Bootstrap logger until the configured one is built
	bootLogger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		bootLogger.Warn("No .env file found, using environment variables")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.NewLoader(configPath, bootLogger).Load()
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		bootLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	defer logger.Sync()

	logger.Info("Starting Azan announcer",
		zap.String("city", cfg.Location.City),
		zap.String("country", cfg.Location.Country),
		zap.String("timezone", cfg.TimeLocation().String()),
		zap.String("ha_url", cfg.HomeAssistant.URL),
		zap.Bool("read_only", cfg.ReadOnly))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Azan announcer stopped with error", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	clk := clock.NewRealClock()

	// Connect to Home Assistant
	client := ha.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, cfg.HomeAssistant.RequestTimeout, logger)
	if err := client.ConnectWithRetry(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info("Shutdown requested before Home Assistant connected")
			return nil
		}
		return fmt.Errorf("failed to connect to Home Assistant: %w", err)
	}
	defer client.Disconnect()

	logger.Info("Connected to Home Assistant")

	if cfg.ReadOnly {
		logger.Info("Running in READ-ONLY mode - no changes will be made to the speaker")
	}

	// Notifier
	var notifier notify.Notifier = notify.Nop{}
	if cfg.MQTT.Enabled {
		mqttNotifier, err := notify.NewMQTTNotifier(cfg.MQTT, logger)
		if err != nil {
			logger.Warn("MQTT unavailable, continuing without event notifications", zap.Error(err))
		} else {
			notifier = mqttNotifier
		}
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.Warn("Failed to close notifier", zap.Error(err))
		}
	}()

	// Speaker
	controller := speaker.NewController(client, clk, speaker.Options{
		Name:        cfg.Speaker.Name,
		EntityID:    cfg.Speaker.EntityID,
		ContentType: cfg.Speaker.ContentType,
		ReadOnly:    cfg.ReadOnly,
	}, logger)

	announcer := announce.New(controller, notifier, clk, announce.Settings{
		AnnouncementVolume: cfg.Speaker.AnnouncementVolume,
		NormalVolume:       cfg.Speaker.NormalVolume,
		MediaURL:           cfg.Speaker.MediaURL,
		MaxDuration:        cfg.Speaker.MaxDuration,
		DiscoveryTimeout:   cfg.Speaker.DiscoveryTimeout,
	}, logger)

	if handle, err := controller.Discover(ctx, cfg.Speaker.DiscoveryTimeout); err != nil {
		logger.Warn("Speaker not found at startup, will retry before each announcement", zap.Error(err))
	} else {
		announcer.SetHandle(handle)
	}

	// Scheduling
	sched := scheduler.New(clk, logger)

	settings, err := orchestrator.SettingsFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	fetcher := prayertimes.NewClient(cfg.PrayerService.BaseURL, cfg.PrayerService.Timeout, settings.Location, logger)
	orch := orchestrator.New(fetcher, announcer, sched, notifier, clk, settings, logger)
	orch.Start(ctx)

	// Status API
	if cfg.API.Enabled {
		server := api.NewServer(orch, sched, announcer, logger, cfg.API.Port)
		if err := server.Start(); err != nil {
			logger.Error("Failed to start API server", zap.Error(err))
		} else {
			defer func() {
				if err := server.Stop(); err != nil {
					logger.Warn("Failed to stop API server", zap.Error(err))
				}
			}()
		}
	}

	logger.Info("Azan announcer running. Press Ctrl+C to exit.")

	if err := sched.Run(ctx, cfg.Schedule.PollInterval); err != nil {
		return err
	}

	logger.Info("Shutting down gracefully...")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zapConfig.Level = level
	}

	return zapConfig.Build()
}
