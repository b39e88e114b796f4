package handlers

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slbailey/Retrovue-sub002/internal/ffmpeg"
)

func TestHealthHandler_GetHealth(t *testing.T) {
	files := demoSchedule()
	files["broken"] = `not json`
	env := newTestEnv(t, files)
	require.NoError(t, env.registry.Discover(context.Background()))

	handler := NewHealthHandler("1.0.0", env.registry, env.clock)

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)

	body := output.Body
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "1.0.0", body.Version)
	assert.True(t, body.StationTime.Equal(stationNow))
	assert.GreaterOrEqual(t, body.UptimeSeconds, 0.0)
	assert.Positive(t, body.CPU.Cores)

	assert.Equal(t, ChannelSum{Known: 2, Listed: 2, Valid: 1, Invalid: 1}, body.Channels)
	assert.False(t, body.FFmpeg.Required)
}

func TestHealthHandler_DegradedWithoutFFmpeg(t *testing.T) {
	t.Setenv(ffmpeg.EnvBinary, "")
	env := newTestEnv(t, nil)

	handler := NewHealthHandler("1.0.0", env.registry, env.clock).
		WithFFmpegDetector(ffmpeg.NewBinaryDetector(filepath.Join(t.TempDir(), "ffmpeg")))

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)

	assert.Equal(t, "degraded", output.Body.Status)
	assert.True(t, output.Body.FFmpeg.Required)
	assert.False(t, output.Body.FFmpeg.Found)
	assert.NotEmpty(t, output.Body.FFmpeg.Error)
}

func TestHealthHandler_GetClock(t *testing.T) {
	env := newTestEnv(t, nil)
	handler := NewHealthHandler("1.0.0", env.registry, env.clock)

	t.Run("utc only", func(t *testing.T) {
		output, err := handler.GetClock(context.Background(), &ClockInput{})
		require.NoError(t, err)

		assert.True(t, output.Body.UTC.Equal(stationNow))
		assert.Equal(t, time.UTC, output.Body.UTC.Location())
		assert.Empty(t, output.Body.Timezone)
		assert.False(t, output.Body.FellBackToUTC)
	})

	t.Run("named zone", func(t *testing.T) {
		output, err := handler.GetClock(context.Background(), &ClockInput{TZ: "America/New_York"})
		require.NoError(t, err)

		_, offset := output.Body.Local.Zone()
		assert.Equal(t, -4*3600, offset)
		assert.True(t, output.Body.Local.Equal(stationNow))
		assert.False(t, output.Body.FellBackToUTC)
	})

	t.Run("unknown zone falls back to utc", func(t *testing.T) {
		output, err := handler.GetClock(context.Background(), &ClockInput{TZ: "Mars/Olympus_Mons"})
		require.NoError(t, err)

		_, offset := output.Body.Local.Zone()
		assert.Equal(t, 0, offset)
		assert.True(t, output.Body.FellBackToUTC)
	})
}
