package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8000},
		Schedule: ScheduleConfig{Dir: t.TempDir()},
		Playout: PlayoutConfig{
			Backend:          BackendProducer,
			EngineBinary:     "retrovue-air",
			TerminateTimeout: 5 * time.Second,
		},
		FFmpeg:  FFmpegConfig{ChunkPackets: 64, GOPSize: 60},
		Relay:   RelayConfig{MaxBufferChunks: 16},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, "./schedules", cfg.Schedule.Dir)
	assert.Equal(t, "*/5 * * * *", cfg.Schedule.HorizonCheck)
	assert.Equal(t, time.Hour, cfg.Schedule.HorizonWarn)

	assert.Equal(t, BackendProducer, cfg.Playout.Backend)
	assert.Equal(t, "retrovue-air", cfg.Playout.EngineBinary)
	assert.True(t, cfg.Playout.StrictProcessLaunch)
	assert.Equal(t, 5*time.Second, cfg.Playout.TerminateTimeout)

	assert.Equal(t, "ffmpeg", cfg.FFmpeg.Binary)
	assert.Equal(t, 64, cfg.FFmpeg.ChunkPackets)
	assert.Equal(t, 60, cfg.FFmpeg.GOPSize)

	assert.Equal(t, 256, cfg.Relay.MaxBufferChunks)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_FromFile(t *testing.T) {
	chdir(t, t.TempDir())
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
server:
  host: "127.0.0.1"
  port: 9090
schedule:
  dir: "/srv/schedules"
playout:
  backend: engine
  engine_binary: /opt/air/bin/retrovue-air
  strict_process_launch: false
  terminate_timeout: 2s
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o600))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/srv/schedules", cfg.Schedule.Dir)
	assert.Equal(t, BackendEngine, cfg.Playout.Backend)
	assert.Equal(t, "/opt/air/bin/retrovue-air", cfg.Playout.EngineBinary)
	assert.False(t, cfg.Playout.StrictProcessLaunch)
	assert.Equal(t, 2*time.Second, cfg.Playout.TerminateTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Address())
}

func TestLoad_EnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RETROVUE_SERVER_PORT", "9191")
	t.Setenv("RETROVUE_PLAYOUT_STRICT_PROCESS_LAUNCH", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.False(t, cfg.Playout.StrictProcessLaunch)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RETROVUE_SCHEDULE_DIR=/from/dotenv\n"), 0o600))
	t.Setenv("RETROVUE_SCHEDULE_DIR", "")
	require.NoError(t, os.Unsetenv("RETROVUE_SCHEDULE_DIR"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/from/dotenv", cfg.Schedule.Dir)
}

func TestLoad_InvalidPort(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RETROVUE_SERVER_PORT", "70000")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too high", func(c *Config) { c.Server.Port = 65536 }, "server.port"},
		{"port lower bound", func(c *Config) { c.Server.Port = 1 }, ""},
		{"port upper bound", func(c *Config) { c.Server.Port = 65535 }, ""},
		{"empty schedule dir", func(c *Config) { c.Schedule.Dir = " " }, "schedule.dir"},
		{"unknown backend", func(c *Config) { c.Playout.Backend = "vlc" }, "playout.backend"},
		{"engine without binary", func(c *Config) {
			c.Playout.Backend = BackendEngine
			c.Playout.EngineBinary = ""
		}, "playout.engine_binary"},
		{"zero terminate timeout", func(c *Config) { c.Playout.TerminateTimeout = 0 }, "terminate_timeout"},
		{"zero chunk packets", func(c *Config) { c.FFmpeg.ChunkPackets = 0 }, "chunk_packets"},
		{"negative restarts", func(c *Config) { c.FFmpeg.MaxRestarts = -1 }, "max_restarts"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("reports every failure", func(t *testing.T) {
		cfg := validTestConfig(t)
		cfg.Server.Port = 0
		cfg.Logging.Format = "xml"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port")
		assert.Contains(t, err.Error(), "logging.format")
	})
}

func TestValidateStartup(t *testing.T) {
	t.Run("existing directory", func(t *testing.T) {
		assert.NoError(t, validTestConfig(t).ValidateStartup())
	})

	t.Run("missing directory", func(t *testing.T) {
		cfg := validTestConfig(t)
		cfg.Schedule.Dir = filepath.Join(t.TempDir(), "nope")
		assert.ErrorIs(t, cfg.ValidateStartup(), os.ErrNotExist)
	})

	t.Run("file instead of directory", func(t *testing.T) {
		cfg := validTestConfig(t)
		file := filepath.Join(t.TempDir(), "schedule.json")
		require.NoError(t, os.WriteFile(file, []byte("{}"), 0o600))
		cfg.Schedule.Dir = file
		err := cfg.ValidateStartup()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a directory")
	})
}

func TestLoad_HumanUnits(t *testing.T) {
	chdir(t, t.TempDir())
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
schedule:
  horizon_warn: 1d
relay:
  max_buffer_size: 8MB
ffmpeg:
  restart_delay: 1500ms
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o600))
	t.Setenv("RETROVUE_SERVER_IDLE_TIMEOUT", "2 minutes")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.Schedule.HorizonWarn)
	assert.Equal(t, ByteSize(8*1024*1024), cfg.Relay.MaxBufferSize)
	assert.Equal(t, "8MB", cfg.Relay.MaxBufferSize.String())
	assert.Equal(t, 1500*time.Millisecond, cfg.FFmpeg.RestartDelay)
	assert.Equal(t, 2*time.Minute, cfg.Server.IdleTimeout)
}

func TestLoad_DefaultBufferSize(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(32*1024*1024), cfg.Relay.MaxBufferSize.Int64())
}

func TestLoad_BadByteSize(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RETROVUE_RELAY_MAX_BUFFER_SIZE", "lots")

	_, err := Load("")
	assert.Error(t, err)
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent to testing.T.Chdir in Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
