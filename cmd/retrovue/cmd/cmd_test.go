package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slbailey/Retrovue-sub002/internal/config"
	"github.com/slbailey/Retrovue-sub002/internal/schedule"
)

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	return cfg
}

func TestToMap_HumanUnits(t *testing.T) {
	m := toMap(defaultConfig(t))

	server, ok := m["server"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 8000, server["port"])
	assert.Equal(t, "30s", server["read_timeout"])
	assert.Equal(t, "2m", server["idle_timeout"])

	relay, ok := m["relay"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "32MB", relay["max_buffer_size"])
	assert.Equal(t, 256, relay["max_buffer_chunks"])
}

func TestDumpConfig_RoundTrip(t *testing.T) {
	cfg := defaultConfig(t)

	var buf bytes.Buffer
	require.NoError(t, dumpConfig(&buf, cfg))
	assert.Contains(t, buf.String(), "# retrovue Configuration File")
	assert.Contains(t, buf.String(), "max_buffer_size: 32MB")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

const pilotSchedule = `{"schedule":[
	{"channel_id":"retro1","asset_path":"/media/pilot.mp4","start_time_utc":"2025-06-01T19:00:00Z","duration_seconds":3600,"metadata":{"title":"Pilot"}},
	{"channel_id":"retro1","asset_path":"/media/news.mp4","start_time_utc":"2025-06-01T20:00:00Z","duration_seconds":1800}
]}`

func newScheduleStore(t *testing.T, files map[string]string) *schedule.Store {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/schedules", 0o755))
	for name, body := range files {
		require.NoError(t, afero.WriteFile(fs, "/schedules/"+name, []byte(body), 0o644))
	}
	return schedule.NewStore(fs, "/schedules")
}

func TestValidateSchedules(t *testing.T) {
	now := time.Date(2025, 6, 1, 19, 30, 0, 0, time.UTC)

	t.Run("all valid", func(t *testing.T) {
		store := newScheduleStore(t, map[string]string{"retro1.json": pilotSchedule})

		var buf bytes.Buffer
		require.NoError(t, validateSchedules(&buf, store, nil, now))
		assert.Contains(t, buf.String(), "VALID    retro1: 2 items, ends 2025-06-01T20:30:00Z")
	})

	t.Run("one invalid", func(t *testing.T) {
		store := newScheduleStore(t, map[string]string{
			"retro1.json": pilotSchedule,
			"broken.json": `{"schedule": [`,
		})

		var buf bytes.Buffer
		err := validateSchedules(&buf, store, nil, now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 of 2 schedules invalid")
		assert.Contains(t, buf.String(), "INVALID  broken:")
		assert.Contains(t, buf.String(), "VALID    retro1:")
	})

	t.Run("named missing channel", func(t *testing.T) {
		store := newScheduleStore(t, nil)

		var buf bytes.Buffer
		err := validateSchedules(&buf, store, []string{"ghost"}, now)
		require.Error(t, err)
		assert.Contains(t, buf.String(), "INVALID  ghost:")
	})

	t.Run("empty directory", func(t *testing.T) {
		store := newScheduleStore(t, nil)

		var buf bytes.Buffer
		require.NoError(t, validateSchedules(&buf, store, nil, now))
		assert.Contains(t, buf.String(), "no schedules in /schedules")
	})
}

func TestDescribeNow(t *testing.T) {
	store := newScheduleStore(t, map[string]string{"retro1.json": pilotSchedule})
	sched, err := store.Load("retro1", time.Now())
	require.NoError(t, err)

	t.Run("on air", func(t *testing.T) {
		var buf bytes.Buffer
		now := time.Date(2025, 6, 1, 19, 10, 0, 0, time.UTC)
		require.NoError(t, describeNow(&buf, sched, now, time.UTC))

		out := buf.String()
		assert.Contains(t, out, "on air:   /media/pilot.mp4")
		assert.Contains(t, out, "title:    Pilot")
		assert.Contains(t, out, "offset:   10m")
		assert.Contains(t, out, "remains:  50m")
		assert.Contains(t, out, "next:     /media/news.mp4 at 2025-06-01T20:00:00Z")
	})

	t.Run("local zone", func(t *testing.T) {
		loc, err := time.LoadLocation("America/New_York")
		require.NoError(t, err)

		var buf bytes.Buffer
		now := time.Date(2025, 6, 1, 19, 10, 0, 0, time.UTC)
		require.NoError(t, describeNow(&buf, sched, now, loc))
		assert.Contains(t, buf.String(), "started:  2025-06-01T15:00:00-04:00")
	})

	t.Run("after the last item", func(t *testing.T) {
		var buf bytes.Buffer
		now := time.Date(2025, 6, 1, 21, 0, 0, 0, time.UTC)
		err := describeNow(&buf, sched, now, time.UTC)
		require.ErrorIs(t, err, errNothingOnAir)
		assert.Contains(t, buf.String(), "on air:   nothing")
		assert.NotContains(t, buf.String(), "next:")
	})
}
