package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/slbailey/Retrovue-sub002/internal/relay"
	"github.com/slbailey/Retrovue-sub002/internal/schedule"
	"github.com/slbailey/Retrovue-sub002/internal/stationclock"
)

const scheduleDir = "/srv/schedules"

var stationNow = time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)

// pipeSource emits one null-ish TS packet per millisecond until stopped.
type pipeSource struct {
	id      string
	started time.Time
	pr      *io.PipeReader
	pw      *io.PipeWriter
	done    chan struct{}
	once    sync.Once
	stops   atomic.Int32
}

func newPipeSource(id string) *pipeSource {
	pr, pw := io.Pipe()
	s := &pipeSource{id: id, started: time.Now(), pr: pr, pw: pw, done: make(chan struct{})}
	go func() {
		packet := make([]byte, 188)
		packet[0] = 0x47
		for {
			if _, err := pw.Write(packet); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return s
}

func (s *pipeSource) ID() string            { return s.id }
func (s *pipeSource) Kind() string          { return "engine" }
func (s *pipeSource) PID() int              { return 0 }
func (s *pipeSource) StartedAt() time.Time  { return s.started }
func (s *pipeSource) Output() io.Reader     { return s.pr }
func (s *pipeSource) Done() <-chan struct{} { return s.done }
func (s *pipeSource) Err() error            { return nil }

func (s *pipeSource) Stop() error {
	s.stops.Add(1)
	s.once.Do(func() {
		_ = s.pw.Close()
		close(s.done)
	})
	return nil
}

type countingLauncher struct {
	mu       sync.Mutex
	launches []relay.LaunchRequest
	sources  []*pipeSource
	err      error
}

func (l *countingLauncher) Launch(_ context.Context, req relay.LaunchRequest) (relay.Source, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches = append(l.launches, req)
	if l.err != nil {
		return nil, l.err
	}
	src := newPipeSource(fmt.Sprintf("src-%d", len(l.sources)))
	l.sources = append(l.sources, src)
	return src, nil
}

func (l *countingLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

func scheduleBody(channelID string, start time.Time, seconds int) string {
	return fmt.Sprintf(`{"schedule": [{"channel_id": %q, "asset_path": "/media/%s.mp4", "start_time_utc": %q, "duration_seconds": %d, "metadata": {"title": "Pilot"}}]}`,
		channelID, channelID, start.Format(time.RFC3339), seconds)
}

type testEnv struct {
	fs       afero.Fs
	clock    *stationclock.Clock
	launcher *countingLauncher
	registry *relay.Registry
	router   *chi.Mux
}

func newTestEnv(t *testing.T, files map[string]string) *testEnv {
	t.Helper()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll(scheduleDir, 0o755))
	for id, body := range files {
		require.NoError(t, afero.WriteFile(fsys, scheduleDir+"/"+id+".json", []byte(body), 0o644))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		fs:       fsys,
		clock:    stationclock.New(stationclock.WithSource(func() time.Time { return stationNow })),
		launcher: &countingLauncher{},
	}
	env.registry = relay.NewRegistry(relay.Options{
		Store:     schedule.NewStore(fsys, scheduleDir).WithLogger(logger),
		Clock:     env.clock,
		Launcher:  env.launcher,
		Strict:    true,
		ChunkSize: relay.ChunkSize(4),
		Buffer:    relay.DefaultCyclicBufferConfig(),
		Logger:    logger,
	})
	t.Cleanup(func() { _ = env.registry.Shutdown(context.Background()) })

	env.router = chi.NewRouter()
	NewStreamHandler(env.registry).WithLogger(logger).RegisterChiRoutes(env.router)
	NewPlaylistHandler(env.registry, "").WithLogger(logger).RegisterChiRoutes(env.router)
	return env
}

func (e *testEnv) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func demoSchedule() map[string]string {
	return map[string]string{"demo": scheduleBody("demo", stationNow.Add(-10*time.Minute), 3600)}
}

func lines(body string) []string {
	return strings.Split(strings.TrimRight(body, "\n"), "\n")
}
