package http

import (
	"log/slog"

	"github.com/slbailey/Retrovue-sub002/internal/ffmpeg"
	"github.com/slbailey/Retrovue-sub002/internal/http/handlers"
	"github.com/slbailey/Retrovue-sub002/internal/metrics"
	"github.com/slbailey/Retrovue-sub002/internal/relay"
	"github.com/slbailey/Retrovue-sub002/internal/stationclock"
)

// Routes are the services exposed over HTTP.
type Routes struct {
	Registry *relay.Registry
	Clock    *stationclock.Clock
	// Metrics mounts /metrics when non-nil.
	Metrics *metrics.Metrics
	// FFmpeg is reported in health output when the producer backend is used.
	FFmpeg  *ffmpeg.BinaryDetector
	BaseURL string
	Version string
}

// Mount registers every retrovue route on the server.
func (s *Server) Mount(r Routes) {
	logger := s.logger

	handlers.NewStreamHandler(r.Registry).
		WithLogger(logger.With(slog.String("handler", "stream"))).
		RegisterChiRoutes(s.router)
	handlers.NewPlaylistHandler(r.Registry, r.BaseURL).
		WithLogger(logger.With(slog.String("handler", "playlist"))).
		RegisterChiRoutes(s.router)

	handlers.NewChannelHandler(r.Registry, r.Clock).
		WithLogger(logger.With(slog.String("handler", "channels"))).
		Register(s.api)

	health := handlers.NewHealthHandler(r.Version, r.Registry, r.Clock)
	if r.FFmpeg != nil {
		health.WithFFmpegDetector(r.FFmpeg)
	}
	health.Register(s.api)

	if r.Metrics != nil {
		s.router.Handle("/metrics", r.Metrics.Handler())
	}
}
