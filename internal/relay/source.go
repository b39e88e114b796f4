package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/asticode/go-astits"

	"github.com/slbailey/Retrovue-sub002/internal/ffmpeg"
	"github.com/slbailey/Retrovue-sub002/internal/playout"
	"github.com/slbailey/Retrovue-sub002/internal/schedule"
	"github.com/slbailey/Retrovue-sub002/internal/util"
)

// Source is a running producer of a channel's transport stream. A source
// is owned by exactly one controller.
type Source interface {
	ID() string
	Kind() string
	PID() int
	StartedAt() time.Time
	Output() io.Reader
	// Done is closed once the source has ended for good.
	Done() <-chan struct{}
	Err() error
	// Stop terminates the source with a bounded wait. It is idempotent.
	Stop() error
}

// LaunchRequest describes what a channel should put on air.
type LaunchRequest struct {
	ChannelID string
	Item      schedule.Item
	// Offset is how far into Item the channel is at launch.
	Offset time.Duration
}

// Launcher starts sources.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Source, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, req LaunchRequest) (Source, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, req LaunchRequest) (Source, error) {
	return f(ctx, req)
}

// ChunkSize returns the read size for n transport-stream packets.
func ChunkSize(packets int) int {
	if packets <= 0 {
		packets = 1
	}
	return astits.MpegTsPacketSize * packets
}

// EngineLauncher starts the external playout engine.
type EngineLauncher struct {
	Adapter *playout.Adapter
}

// Launch spawns the engine with a single request for req.Item.
func (l *EngineLauncher) Launch(_ context.Context, req LaunchRequest) (Source, error) {
	h, err := l.Adapter.Launch(playout.Request{
		AssetPath: req.Item.AssetPath,
		StartPTS:  playout.PTSFromOffset(req.Offset),
		Mode:      playout.ModeLive,
		ChannelID: req.ChannelID,
		Metadata:  req.Item.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// ProducerLauncher starts a continuous ffmpeg producer.
type ProducerLauncher struct {
	// Config is the reference profile; AssetPath and Offset are filled per launch.
	Config ffmpeg.ProducerConfig
	Logger *slog.Logger
	// OnRespawn is called with the channel id before each encoder respawn.
	OnRespawn func(channelID string)
	// Options are passed to every producer.
	Options []ffmpeg.ProducerOption
}

// Launch resolves ffmpeg and starts a producer for req.Item.
func (l *ProducerLauncher) Launch(_ context.Context, req LaunchRequest) (Source, error) {
	cfg := l.Config
	binary, err := util.FindBinary(cfg.Binary, ffmpeg.EnvBinary)
	if err != nil {
		return nil, err
	}
	cfg.Binary = binary
	cfg.AssetPath = req.Item.AssetPath
	cfg.Offset = req.Offset

	opts := append([]ffmpeg.ProducerOption{}, l.Options...)
	if l.OnRespawn != nil {
		channelID := req.ChannelID
		opts = append(opts, ffmpeg.WithRestartHook(func(int, error) { l.OnRespawn(channelID) }))
	}

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := ffmpeg.NewProducer(cfg, logger.With(slog.String("channel_id", req.ChannelID)), opts...)
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("starting producer: %w", err)
	}
	return p, nil
}

// PlaceholderLauncher starts the in-process placeholder stream.
type PlaceholderLauncher struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// Launch starts a placeholder. It does not fail.
func (l *PlaceholderLauncher) Launch(_ context.Context, req LaunchRequest) (Source, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return playout.NewPlaceholder(req.ChannelID, l.Interval, logger), nil
}
