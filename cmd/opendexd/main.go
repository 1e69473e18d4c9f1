package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opendexnet/opendexd/config"
	"github.com/opendexnet/opendexd/crypto"
	"github.com/opendexnet/opendexd/observability/logging"
	telemetry "github.com/opendexnet/opendexd/observability/otel"
	"github.com/opendexnet/opendexd/p2p"
	"github.com/opendexnet/opendexd/storage"
)

const version = "1.0.0"

func main() {
	configFile := flag.String("config", "./opendexd.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("OPENDEX_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.Setup("opendexd", env, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Level:      parseLevel(cfg.Log.Level),
	})

	// The standard env var overrides the file endpoint for containerized runs.
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Otel.Endpoint = endpoint
		if !cfg.Otel.Metrics && !cfg.Otel.Traces {
			cfg.Otel.Metrics = true
			cfg.Otel.Traces = true
		}
	}
	telemetryProvider, err := telemetry.Start(context.Background(), "opendexd", env, cfg.Otel)
	if err != nil {
		logger.Error("Failed to initialise telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		_ = telemetryProvider.Shutdown(context.Background())
	}()

	nodeKey, err := crypto.LoadOrCreateNodeKey(cfg.NodeKeyPath)
	if err != nil {
		logger.Error("Failed to load node key", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "nodes"))
	if err != nil {
		logger.Error("Failed to open node database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	pool := p2p.NewPool(p2p.Config{
		Listen:               cfg.P2P.Listen,
		Port:                 cfg.P2P.Port,
		Addresses:            cfg.P2P.Addresses,
		DetectExternalIP:     cfg.P2P.DetectExternalIP,
		Tor:                  cfg.P2P.Tor,
		TorPort:              cfg.P2P.TorPort,
		Discover:             cfg.P2P.Discover,
		DiscoverMinutes:      cfg.P2P.DiscoverMinutes,
		MinCompatibleVersion: cfg.P2P.MinCompatibleVersion,
		StrictReputation:     cfg.P2P.StrictReputation,
	}, version, nodeKey, p2p.NewDBNodeStore(db), logger)

	if err := pool.Init(context.Background()); err != nil {
		logger.Error("Failed to start peer pool", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("opendexd started",
		slog.String("version", version),
		slog.String("alias", pool.Alias()),
		slog.Int("listen_port", int(pool.ListenPort())))

	if addr := strings.TrimSpace(cfg.MetricsAddr); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("Metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	events, cancel := pool.Subscribe(256)
	defer cancel()
	go func() {
		for ev := range events {
			logger.Debug("Pool event",
				slog.String("kind", ev.Kind.String()),
				slog.String("alias", ev.Alias))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down")
	pool.Disconnect()
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
