package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/slbailey/Retrovue-sub002/internal/config"
	"github.com/slbailey/Retrovue-sub002/internal/ffmpeg"
	internalhttp "github.com/slbailey/Retrovue-sub002/internal/http"
	"github.com/slbailey/Retrovue-sub002/internal/metrics"
	"github.com/slbailey/Retrovue-sub002/internal/monitor"
	"github.com/slbailey/Retrovue-sub002/internal/playout"
	"github.com/slbailey/Retrovue-sub002/internal/relay"
	"github.com/slbailey/Retrovue-sub002/internal/schedule"
	"github.com/slbailey/Retrovue-sub002/internal/stationclock"
	"github.com/slbailey/Retrovue-sub002/internal/version"
	"github.com/slbailey/Retrovue-sub002/pkg/bytesize"
	"github.com/slbailey/Retrovue-sub002/pkg/duration"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the retrovue server",
	Long: `Start the retrovue HTTP server.

The server provides:
- Channel streams at /channel/{id}.ts
- An M3U playlist of discovered channels at /channellist.m3u
- Channel status, reload, health and clock endpoints under /api/v1
- Prometheus metrics at /metrics
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8000, "Port to listen on")
	serveCmd.Flags().String("schedule-dir", "./schedules", "Directory of <channel-id>.json schedule files")
	serveCmd.Flags().String("backend", config.BackendProducer, "Playout backend (engine, producer)")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("schedule.dir", serveCmd.Flags().Lookup("schedule-dir"))
	mustBindPFlag("playout.backend", serveCmd.Flags().Lookup("backend"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	if err := cfg.ValidateStartup(); err != nil {
		return fmt.Errorf("startup checks failed: %w", err)
	}

	logger.Info("starting retrovue",
		slog.String("version", version.Version),
		slog.String("schedule_dir", cfg.Schedule.Dir),
		slog.String("backend", cfg.Playout.Backend),
		slog.Bool("strict_process_launch", cfg.Playout.StrictProcessLaunch),
		slog.String("max_buffer_size", bytesize.Format(bytesize.Size(cfg.Relay.MaxBufferSize))),
		slog.String("chunk_timeout", duration.Format(cfg.Relay.ChunkTimeout)),
	)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	clock := stationclock.New(stationclock.WithLogger(logger))
	store := schedule.NewOSStore(cfg.Schedule.Dir).WithLogger(logger)

	launcher, detector := buildLauncher(cfg, logger, m)
	if detector != nil {
		if info, err := detector.Detect(cmd.Context()); err != nil {
			logger.Warn("ffmpeg not usable, channel launches will fail",
				slog.String("binary", cfg.FFmpeg.Binary),
				slog.String("error", err.Error()))
		} else {
			logger.Info("ffmpeg detected",
				slog.String("path", info.Path),
				slog.String("version", info.Version))
		}
	}

	registry := relay.NewRegistry(relay.Options{
		Store:     store,
		Clock:     clock,
		Launcher:  launcher,
		Fallback:  &relay.PlaceholderLauncher{Logger: logger},
		Strict:    cfg.Playout.StrictProcessLaunch,
		ChunkSize: relay.ChunkSize(cfg.FFmpeg.ChunkPackets),
		Buffer: relay.CyclicBufferConfig{
			MaxBufferSize: int(cfg.Relay.MaxBufferSize.Int64()),
			MaxChunks:     cfg.Relay.MaxBufferChunks,
			ChunkTimeout:  cfg.Relay.ChunkTimeout,
		},
		Metrics: m,
		Logger:  logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := registry.Discover(ctx); err != nil {
		return fmt.Errorf("discovering channels: %w", err)
	}

	var mon *monitor.Monitor
	if cfg.Schedule.HorizonCheck != "" {
		mon, err = monitor.New(registry, clock, cfg.Schedule.HorizonCheck, cfg.Schedule.HorizonWarn)
		if err != nil {
			return err
		}
		mon.WithLogger(logger).WithMetrics(m)
		if err := mon.Start(ctx); err != nil {
			return err
		}
		defer mon.Stop()
		mon.Check()
	}

	server := internalhttp.NewServer(cfg.Server, logger, m, version.Version)
	server.Mount(internalhttp.Routes{
		Registry: registry,
		Clock:    clock,
		Metrics:  m,
		FFmpeg:   detector,
		BaseURL:  cfg.Server.BaseURL,
		Version:  version.Version,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	// Stopping the sources ends every open stream, which lets the HTTP
	// shutdown finish inside its timeout.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("stopping channels")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+cfg.Playout.TerminateTimeout)
		defer cancel()
		return registry.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("shutdown finished with errors", slog.String("error", err.Error()))
		return err
	}

	logger.Info("retrovue stopped")
	return nil
}

// buildLauncher returns the launcher for the configured backend. The
// detector is only set for the producer backend.
func buildLauncher(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (relay.Launcher, *ffmpeg.BinaryDetector) {
	if cfg.Playout.Backend == config.BackendEngine {
		adapter := playout.NewAdapter(cfg.Playout.EngineBinary, cfg.Playout.TerminateTimeout, logger)
		return &relay.EngineLauncher{Adapter: adapter}, nil
	}

	launcher := &relay.ProducerLauncher{
		Config: ffmpeg.ProducerConfig{
			Binary:           cfg.FFmpeg.Binary,
			GOPSize:          cfg.FFmpeg.GOPSize,
			VideoBitrate:     cfg.FFmpeg.VideoBitrate,
			AudioBitrate:     cfg.FFmpeg.AudioBitrate,
			RestartDelay:     cfg.FFmpeg.RestartDelay,
			MaxRestarts:      cfg.FFmpeg.MaxRestarts,
			TerminateTimeout: cfg.Playout.TerminateTimeout,
			ChunkPackets:     cfg.FFmpeg.ChunkPackets,
		},
		Logger:    logger,
		OnRespawn: m.IncRespawns,
	}
	return launcher, ffmpeg.NewBinaryDetector(cfg.FFmpeg.Binary)
}
