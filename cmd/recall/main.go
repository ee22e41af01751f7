package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ummshsh/Recall-Sampler/internal/capture"
	"github.com/ummshsh/Recall-Sampler/internal/config"
	"github.com/ummshsh/Recall-Sampler/internal/export"
	"github.com/ummshsh/Recall-Sampler/internal/host"
	"github.com/ummshsh/Recall-Sampler/internal/metrics"
	"github.com/ummshsh/Recall-Sampler/internal/server"
	"github.com/ummshsh/Recall-Sampler/internal/silence"
)

const (
	serviceName    = "recall-sampler"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults and environment only when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := initLogger(cfg.Logging)
	defer closeLog()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("source", cfg.Source.Type),
		slog.Int("sample_rate", cfg.Capture.SampleRate),
		slog.Int("channels", cfg.Capture.Channels),
		slog.Float64("initial_duration", cfg.Capture.InitialDuration),
		slog.Bool("silence_enabled", cfg.Silence.Enabled),
		slog.Float64("silence_threshold", float64(cfg.Silence.Threshold)),
		slog.String("export_dir", cfg.Export.Dir),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		closeLog()
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	engine, err := capture.NewEngine(logger, capture.Config{
		Silence: silence.Config{
			Enabled:   cfg.Silence.Enabled,
			Threshold: cfg.Silence.Threshold,
			Hold:      cfg.Silence.GetHoldDuration(),
		},
		InitialDuration: cfg.Capture.InitialDuration,
		MinDuration:     cfg.Capture.MinDuration,
		MaxDuration:     cfg.Capture.MaxDuration,
		MaxCapacity:     cfg.Capture.MaxCapacitySamples,
	})
	if err != nil {
		return fmt.Errorf("failed to create capture engine: %w", err)
	}
	h := host.New(engine)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(reg, engine, h)
	logger.Info("Prometheus metrics initialized")

	source, udpSource, err := openSource(cfg, logger, h, engine, appMetrics)
	if err != nil {
		return err
	}
	if udpSource != nil {
		defer udpSource.Close()
	}

	// The host is not running yet, so the ring can be built directly
	if err := engine.Prepare(source.SampleRate(), source.Channels(), cfg.Capture.InitialDuration); err != nil {
		return fmt.Errorf("failed to prepare capture engine: %w", err)
	}
	defer engine.Release()

	exporter, err := export.NewExporter(logger, export.Config{
		Dir:      cfg.Export.Dir,
		BitDepth: cfg.Export.BitDepth,
		MaxFiles: cfg.Export.MaxFiles,
	})
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}

	monitor := capture.NewMonitor(logger, engine, cfg.HTTP.GetStatusInterval())

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		hub := server.NewStatusHub(logger, appMetrics)
		monitor.Subscribe(hub)

		var ingest server.IngestStatistics
		if udpSource != nil {
			ingest = udpSource
		}
		httpServer = server.NewHTTPServer(server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
			Enabled: cfg.HTTP.Enabled,
		}, logger, cfg, engine, h, exporter, hub, appMetrics, reg, ingest)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A replay that runs out of audio leaves the history available
		return source.Run(ctx)
	})
	g.Go(func() error {
		return monitor.Run(ctx)
	})
	if httpServer != nil {
		g.Go(func() error {
			return httpServer.Run(ctx)
		})
	}

	logger.Info("Service started successfully, waiting for signals...")

	err = g.Wait()

	stats := engine.Status()
	hostStats := h.Stats()
	logger.Info("Final capture statistics",
		slog.Uint64("blocks_processed", stats.Counters.BlocksProcessed),
		slog.Uint64("blocks_written", stats.Counters.BlocksWritten),
		slog.Uint64("blocks_silenced", stats.Counters.BlocksSilenced),
		slog.Uint64("blocks_frozen", stats.Counters.BlocksFrozen),
		slog.Uint64("host_dropped", hostStats.Dropped),
		slog.Uint64("resizes", stats.Counters.Resizes),
	)
	return err
}

// openSource builds the configured audio source. The UDP source is also
// returned on its own so the API can report its statistics.
func openSource(cfg *config.Config, logger *slog.Logger, h *host.Host, engine *capture.Engine,
	m *metrics.Metrics) (host.Source, *server.UDPSource, error) {

	switch cfg.Source.Type {
	case config.SourceReplay:
		src, err := host.OpenReplay(logger, h, host.ReplayConfig{
			Path:            cfg.Source.Replay.Path,
			Channels:        cfg.Capture.Channels,
			FramesPerBuffer: cfg.Capture.FramesPerBuffer,
			Loop:            cfg.Source.Replay.Loop,
			Realtime:        cfg.Source.Replay.Realtime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open replay source: %w", err)
		}
		return src, nil, nil

	case config.SourceUDP:
		src, err := server.ListenUDP(server.UDPSourceConfig{
			BindAddress: cfg.UDP.BindAddress,
			Port:        cfg.UDP.UDPPort,
			BufferSize:  cfg.UDP.BufferSize,
			QueueSize:   cfg.UDP.QueueSize,
			SampleRate:  float64(cfg.Capture.SampleRate),
			Channels:    cfg.Capture.Channels,
		}, logger, h, engine, m)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open UDP source: %w", err)
		}
		return src, src, nil

	default:
		src, err := host.NewDeviceSource(logger, h, host.DeviceConfig{
			DeviceName:      cfg.Source.DeviceName,
			SampleRate:      float64(cfg.Capture.SampleRate),
			Channels:        cfg.Capture.Channels,
			FramesPerBuffer: cfg.Capture.FramesPerBuffer,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create device source: %w", err)
		}
		return src, nil, nil
	}
}

// initLogger creates the structured logger described by cfg. File output
// is rotated by lumberjack. The returned func flushes and closes the file.
func initLogger(cfg config.LoggingConfig) (*slog.Logger, func()) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output io.Writer
	closeFn := func() {}
	switch {
	case cfg.Output == "stderr":
		output = os.Stderr
	case cfg.IsFileOutput():
		rotator := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		output = rotator
		closeFn = func() { rotator.Close() }
	default:
		output = os.Stdout
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), closeFn
}
