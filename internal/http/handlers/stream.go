// Package handlers provides the HTTP handlers for retrovue.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/slbailey/Retrovue-sub002/internal/observability"
	"github.com/slbailey/Retrovue-sub002/internal/relay"
	"github.com/slbailey/Retrovue-sub002/internal/version"
)

// streamSuffix is the extension every channel stream URL carries.
const streamSuffix = ".ts"

// StreamHandler serves the open-ended transport stream of a channel.
type StreamHandler struct {
	registry *relay.Registry
	logger   *slog.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(registry *relay.Registry) *StreamHandler {
	return &StreamHandler{
		registry: registry,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *StreamHandler) WithLogger(logger *slog.Logger) *StreamHandler {
	h.logger = logger
	return h
}

// RegisterChiRoutes registers the stream route as a raw chi handler.
// Huma's StreamResponse commits 200 before the body runs, which would hide
// the 503 an attach can still produce.
func (h *StreamHandler) RegisterChiRoutes(router chi.Router) {
	// Ids may contain dots, so the suffix is stripped by hand rather than
	// through a {channelID}.ts pattern.
	router.Get("/channel/{file}", h.handleStream)
}

func (h *StreamHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	channelID, ok := strings.CutSuffix(chi.URLParam(r, "file"), streamSuffix)
	if !ok {
		http.NotFound(w, r)
		return
	}

	ctx := r.Context()
	logger := observability.WithChannel(h.logger, channelID)
	if requestID := observability.RequestIDFromContext(ctx); requestID != "" {
		logger = observability.WithRequestID(logger, requestID)
	}

	ctrl, err := h.registry.Get(channelID)
	if err != nil {
		writeRelayError(w, logger, err)
		return
	}

	sub, err := ctrl.Attach(ctx, relay.ClientInfo{
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	})
	if err != nil {
		writeRelayError(w, logger, err)
		return
	}
	defer sub.Close()

	logger.Debug("client attached",
		slog.String("client_id", sub.ClientID()),
		slog.String("source_kind", sub.SourceKind()),
	)

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("X-Retrovue-Source", sub.SourceKind())
	w.Header().Set("X-Retrovue-Version", version.Version)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	var written int64
	for {
		chunks, err := sub.Next(ctx)
		for _, chunk := range chunks {
			n, werr := w.Write(chunk.Data)
			written += int64(n)
			if werr != nil {
				logger.Debug("client write failed",
					slog.String("client_id", sub.ClientID()),
					slog.Int64("bytes", written),
					slog.String("error", werr.Error()),
				)
				return
			}
		}
		if len(chunks) > 0 {
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return
			}
		}
		if err != nil {
			logger.Debug("stream ended",
				slog.String("client_id", sub.ClientID()),
				slog.Int64("bytes", written),
				slog.String("reason", err.Error()),
			)
			return
		}
	}
}

// writeRelayError maps relay errors to status codes with a plain-text body.
func writeRelayError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := relayErrorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Warn("stream request refused",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	http.Error(w, err.Error(), status)
}

func relayErrorStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrInvalidChannelID):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrScheduleInvalid),
		errors.Is(err, relay.ErrNoActiveItem),
		errors.Is(err, relay.ErrProcessLaunch),
		errors.Is(err, relay.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
