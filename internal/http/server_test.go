package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slbailey/Retrovue-sub002/internal/config"
	"github.com/slbailey/Retrovue-sub002/internal/http/middleware"
	"github.com/slbailey/Retrovue-sub002/internal/metrics"
	"github.com/slbailey/Retrovue-sub002/internal/relay"
	"github.com/slbailey/Retrovue-sub002/internal/schedule"
	"github.com/slbailey/Retrovue-sub002/internal/stationclock"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/schedules", 0o755))

	clock := stationclock.New()
	m := metrics.New()
	registry := relay.NewRegistry(relay.Options{
		Store: schedule.NewStore(fsys, "/schedules"),
		Clock: clock,
		Launcher: relay.LauncherFunc(func(context.Context, relay.LaunchRequest) (relay.Source, error) {
			return nil, relay.ErrProcessLaunch
		}),
		Strict:  true,
		Metrics: m,
		Logger:  logger,
	})
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })

	srv := NewServer(config.ServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		ShutdownTimeout: time.Second,
	}, logger, m, "1.2.3")
	srv.Mount(Routes{
		Registry: registry,
		Clock:    clock,
		Metrics:  m,
		Version:  "1.2.3",
	})
	return srv
}

func TestServer_Routes(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		path        string
		status      int
		contentType string
	}{
		{"/api/v1/health", http.StatusOK, "application/json"},
		{"/api/v1/clock?tz=Europe/London", http.StatusOK, "application/json"},
		{"/api/v1/channels", http.StatusOK, "application/json"},
		{"/api/v1/channels/nope", http.StatusNotFound, "application/problem+json"},
		{"/channellist.m3u", http.StatusOK, "audio/x-mpegurl"},
		{"/channel/empty.ts", http.StatusServiceUnavailable, "text/plain; charset=utf-8"},
		{"/metrics", http.StatusOK, "text/plain"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Contains(t, w.Header().Get("Content-Type"), tt.contentType)
			assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
		})
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	assert.Contains(t, body, `retrovue_http_requests_total{code="200"} 5`)
	assert.Contains(t, body, `retrovue_http_requests_total{code="404"} 1`)
	assert.Contains(t, body, `retrovue_http_requests_total{code="503"} 1`)
	assert.Contains(t, body, `retrovue_source_launch_failures_total{channel="empty",reason="schedule"} 1`)
}

func TestServer_HealthBody(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Channels struct {
			Known int `json:"known"`
		} `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
	assert.Equal(t, 0, body.Channels.Known)
}

func TestServer_ReloadRoute(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/channels/demo/reload", nil))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"state":"INVALID"`)
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
