package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slbailey/Retrovue-sub002/internal/relay"
	"github.com/slbailey/Retrovue-sub002/internal/schedule"
	"github.com/slbailey/Retrovue-sub002/internal/stationclock"
)

var now = time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)

func item(id string, start time.Time, seconds int) string {
	return fmt.Sprintf(`{"channel_id": %q, "asset_path": "/media/x.mp4", "start_time_utc": %q, "duration_seconds": %d}`,
		id, start.Format(time.RFC3339), seconds)
}

func newRegistry(t *testing.T, clock *stationclock.Clock, files map[string]string) *relay.Registry {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/s", 0o755))
	for id, body := range files {
		require.NoError(t, afero.WriteFile(fsys, "/s/"+id+".json", []byte(body), 0o644))
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := relay.NewRegistry(relay.Options{
		Store:  schedule.NewStore(fsys, "/s").WithLogger(logger),
		Clock:  clock,
		Logger: logger,
	})
	require.NoError(t, reg.Discover(context.Background()))
	return reg
}

func TestMonitor_Check(t *testing.T) {
	clock := stationclock.New(stationclock.WithSource(func() time.Time { return now }))
	reg := newRegistry(t, clock, map[string]string{
		// On air for another 3 hours.
		"healthy": `{"schedule": [` + item("healthy", now.Add(-time.Hour), 4*3600) + `]}`,
		// On air, but ends in 10 minutes.
		"short": `{"schedule": [` + item("short", now.Add(-time.Hour), 70*60) + `]}`,
		// Dead air now, next item starts in 2 hours.
		"gap": `{"schedule": [` + item("gap", now.Add(2*time.Hour), 3600) + `]}`,
		// Dead air now, next item starts in 5 minutes and runs long.
		"soon": `{"schedule": [` + item("soon", now.Add(5*time.Minute), 4*3600) + `]}`,
		// Invalid schedules are skipped.
		"broken": `{"schedule": [`,
	})

	m, err := New(reg, clock, "*/5 * * * *", time.Hour)
	require.NoError(t, err)
	m.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	findings := m.Check()
	got := map[string]string{}
	for _, f := range findings {
		got[f.ChannelID] = f.Reason
	}
	assert.Equal(t, map[string]string{
		"short": ReasonHorizonShort,
		"gap":   ReasonNothingOnAir,
	}, got)
}

func TestMonitor_InvalidExpression(t *testing.T) {
	_, err := New(nil, stationclock.New(), "every five minutes", time.Hour)
	assert.Error(t, err)

	_, err = New(nil, stationclock.New(), "* * * * * *", time.Hour)
	assert.Error(t, err, "seconds field is not accepted")
}

func TestMonitor_StartStop(t *testing.T) {
	clock := stationclock.New()
	reg := newRegistry(t, clock, nil)

	m, err := New(reg, clock, "* * * * *", time.Hour)
	require.NoError(t, err)
	m.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))
	m.Stop()
	require.NoError(t, m.Start(context.Background()), "monitor can restart after stop")
	m.Stop()
}
