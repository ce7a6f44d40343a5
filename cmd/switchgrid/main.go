package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"switchgrid/internal/broker"
	"switchgrid/internal/metrics"
	"switchgrid/internal/rules"
	"switchgrid/internal/simulator"
	"switchgrid/internal/store"
	"switchgrid/internal/telemetry"
	"switchgrid/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Pipeline struct {
		QuietPeriod   string `yaml:"quiet_period"`
		AlertCooldown string `yaml:"alert_cooldown"`
	} `yaml:"pipeline"`
	Simulator struct {
		Enabled   bool     `yaml:"enabled"`
		Broker    string   `yaml:"broker"`
		Username  string   `yaml:"username"`
		Password  string   `yaml:"password"`
		DeviceIDs []string `yaml:"device_ids"`
		Interval  string   `yaml:"interval"`
	} `yaml:"simulator"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Web.Listen == "" {
		return fmt.Errorf("web.listen is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Simulator.Enabled && c.Simulator.Broker == "" {
		return fmt.Errorf("simulator.broker is required when the simulator is enabled")
	}
	for name, v := range map[string]string{
		"pipeline.quiet_period":   c.Pipeline.QuietPeriod,
		"pipeline.alert_cooldown": c.Pipeline.AlertCooldown,
		"simulator.interval":      c.Simulator.Interval,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("switchgrid starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	pm := metrics.NewPipelineMetrics(metrics.Registry)
	bus := telemetry.NewEventBus(logger)

	pipeline := telemetry.NewPipeline(db, bus, pm, telemetry.Config{
		QuietPeriod:   duration(cfg.Pipeline.QuietPeriod, telemetry.DefaultQuietPeriod),
		AlertCooldown: duration(cfg.Pipeline.AlertCooldown, telemetry.DefaultAlertCooldown),
	}, logger)

	dial := broker.PahoDialer(logger)
	manager := broker.NewManager(dial, pipeline, pm, logger)

	// Optional embedded device simulator, for development setups without
	// real hardware. It must be online before the orchestrator subscribes.
	var sim *simulator.Simulator
	if cfg.Simulator.Enabled {
		sim = simulator.New(dial, simulator.Config{
			Broker:    cfg.Simulator.Broker,
			Username:  cfg.Simulator.Username,
			Password:  cfg.Simulator.Password,
			DeviceIDs: cfg.Simulator.DeviceIDs,
			Interval:  duration(cfg.Simulator.Interval, 0),
		}, logger)
		if err := sim.Start(); err != nil {
			logger.Error("start simulator", "err", err)
			os.Exit(1)
		}
	}

	// Resubscribe every known device from persisted layouts.
	orch := broker.NewOrchestrator(db, manager, logger)
	syncCtx, syncCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := orch.SyncAll(syncCtx); err != nil {
		logger.Error("subscription sync", "err", err)
	}
	syncCancel()

	engine := rules.NewEngine(bus, logger)
	if err := engine.Start(cfg.ScriptsDir); err != nil {
		logger.Error("start rules engine", "err", err)
		os.Exit(1)
	}

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(db, manager, bus, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	engine.Stop()
	manager.Close()
	pipeline.Stop()
	if sim != nil {
		sim.Stop()
	}

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "switchgrid.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// duration parses a config duration, falling back when the field is empty.
// validate() has already rejected malformed values.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, _ := time.ParseDuration(s)
	return d
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
