package handlers

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/slbailey/Retrovue-sub002/internal/relay"
	"github.com/slbailey/Retrovue-sub002/pkg/m3u"
)

// PlaylistContentType identifies the channel lineup as an M3U playlist.
const PlaylistContentType = "audio/x-mpegurl"

// PlaylistHandler serves the channel lineup.
type PlaylistHandler struct {
	registry *relay.Registry
	baseURL  string
	logger   *slog.Logger
}

// NewPlaylistHandler creates a playlist handler. An empty baseURL makes
// stream URLs follow the request's scheme and host.
func NewPlaylistHandler(registry *relay.Registry, baseURL string) *PlaylistHandler {
	return &PlaylistHandler{
		registry: registry,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *PlaylistHandler) WithLogger(logger *slog.Logger) *PlaylistHandler {
	h.logger = logger
	return h
}

// RegisterChiRoutes registers the playlist route.
func (h *PlaylistHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/channellist.m3u", h.handlePlaylist)
}

func (h *PlaylistHandler) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	base := h.baseURL
	if base == "" {
		base = requestBaseURL(r)
	}

	var buf bytes.Buffer
	pw := m3u.NewWriter(&buf)
	if err := pw.WriteHeader(); err != nil {
		http.Error(w, "failed to render playlist", http.StatusInternalServerError)
		return
	}
	for _, id := range h.registry.ListedIDs() {
		err := pw.WriteEntry(&m3u.Entry{
			Duration: -1,
			TvgID:    id,
			TvgName:  id,
			Title:    id,
			URL:      fmt.Sprintf("%s/channel/%s%s", base, url.PathEscape(id), streamSuffix),
		})
		if err != nil {
			h.logger.Error("rendering playlist entry failed",
				slog.String("channel_id", id),
				slog.String("error", err.Error()),
			)
			http.Error(w, "failed to render playlist", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", PlaylistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(buf.Bytes())
}

// requestBaseURL rebuilds scheme://host from the request, honouring
// X-Forwarded-Proto and X-Forwarded-Host.
func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	host := r.Host
	if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
		host = fwdHost
	}

	return fmt.Sprintf("%s://%s", scheme, host)
}
