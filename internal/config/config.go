// Package config provides configuration management for retrovue using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "RETROVUE"

// Default configuration values.
const (
	defaultServerPort        = 8000
	defaultServerTimeout     = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultTerminateTimeout  = 5 * time.Second
	defaultChunkPackets      = 64
	defaultGOPSize           = 60
	defaultRestartDelay      = time.Second
	defaultMaxBufferChunks   = 256
	defaultMaxBufferSize     = 32 * 1024 * 1024
	defaultChunkTimeout      = 30 * time.Second
	defaultHorizonWarn       = time.Hour
	defaultHorizonCheckCron  = "*/5 * * * *"
	defaultPlayoutEngineName = "retrovue-air"
)

// Playout backends.
const (
	BackendEngine   = "engine"
	BackendProducer = "producer"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Playout  PlayoutConfig  `mapstructure:"playout"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	BaseURL         string        `mapstructure:"base_url"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ScheduleConfig locates the per-channel schedule files.
type ScheduleConfig struct {
	Dir string `mapstructure:"dir"`
	// HorizonCheck is a 5-field cron expression. Empty disables the monitor.
	HorizonCheck string        `mapstructure:"horizon_check"`
	HorizonWarn  time.Duration `mapstructure:"horizon_warn"`
}

// PlayoutConfig selects and tunes the per-channel source process.
type PlayoutConfig struct {
	Backend             string        `mapstructure:"backend"` // engine, producer
	EngineBinary        string        `mapstructure:"engine_binary"`
	StrictProcessLaunch bool          `mapstructure:"strict_process_launch"`
	TerminateTimeout    time.Duration `mapstructure:"terminate_timeout"`
}

// FFmpegConfig holds the continuous producer's reference encoding profile.
type FFmpegConfig struct {
	Binary       string        `mapstructure:"binary"`
	ChunkPackets int           `mapstructure:"chunk_packets"`
	GOPSize      int           `mapstructure:"gop_size"`
	VideoBitrate string        `mapstructure:"video_bitrate"`
	AudioBitrate string        `mapstructure:"audio_bitrate"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
	MaxRestarts  int           `mapstructure:"max_restarts"`
}

// RelayConfig bounds the per-channel fan-out buffer.
type RelayConfig struct {
	MaxBufferChunks int           `mapstructure:"max_buffer_chunks"`
	MaxBufferSize   ByteSize      `mapstructure:"max_buffer_size"`
	ChunkTimeout    time.Duration `mapstructure:"chunk_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with RETROVUE_ and use underscores for nesting.
// Example: RETROVUE_SERVER_PORT=8000.
func Load(configPath string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.retrovue")
		v.AddConfigPath("/etc/retrovue")
	}

	ConfigureEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper unmarshals and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ConfigureEnv enables RETROVUE_ prefixed environment overrides on v.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// LoadDotEnv loads a .env file from the working directory if one exists.
// Variables already present in the environment are not overwritten.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.idle_timeout", defaultIdleTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Schedule defaults
	v.SetDefault("schedule.dir", "./schedules")
	v.SetDefault("schedule.horizon_check", defaultHorizonCheckCron)
	v.SetDefault("schedule.horizon_warn", defaultHorizonWarn)

	// Playout defaults
	v.SetDefault("playout.backend", BackendProducer)
	v.SetDefault("playout.engine_binary", defaultPlayoutEngineName)
	v.SetDefault("playout.strict_process_launch", true)
	v.SetDefault("playout.terminate_timeout", defaultTerminateTimeout)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary", "ffmpeg")
	v.SetDefault("ffmpeg.chunk_packets", defaultChunkPackets)
	v.SetDefault("ffmpeg.gop_size", defaultGOPSize)
	v.SetDefault("ffmpeg.video_bitrate", "4M")
	v.SetDefault("ffmpeg.audio_bitrate", "128k")
	v.SetDefault("ffmpeg.restart_delay", defaultRestartDelay)
	v.SetDefault("ffmpeg.max_restarts", 0)

	// Relay defaults
	v.SetDefault("relay.max_buffer_chunks", defaultMaxBufferChunks)
	v.SetDefault("relay.max_buffer_size", defaultMaxBufferSize)
	v.SetDefault("relay.chunk_timeout", defaultChunkTimeout)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", "")

	v.SetDefault("metrics.enabled", true)
}

// Validate checks the configuration values for errors. It does not touch the
// filesystem; see ValidateStartup.
func (c *Config) Validate() error {
	var errs []error

	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and %d, got %d", maxPort, c.Server.Port))
	}

	if strings.TrimSpace(c.Schedule.Dir) == "" {
		errs = append(errs, errors.New("schedule.dir is required"))
	}

	switch c.Playout.Backend {
	case BackendEngine:
		if c.Playout.EngineBinary == "" {
			errs = append(errs, errors.New("playout.engine_binary is required for the engine backend"))
		}
	case BackendProducer:
	default:
		errs = append(errs, fmt.Errorf("playout.backend must be one of: %s, %s", BackendEngine, BackendProducer))
	}
	if c.Playout.TerminateTimeout <= 0 {
		errs = append(errs, errors.New("playout.terminate_timeout must be positive"))
	}

	if c.FFmpeg.ChunkPackets < 1 {
		errs = append(errs, errors.New("ffmpeg.chunk_packets must be at least 1"))
	}
	if c.FFmpeg.GOPSize < 1 {
		errs = append(errs, errors.New("ffmpeg.gop_size must be at least 1"))
	}
	if c.FFmpeg.MaxRestarts < 0 {
		errs = append(errs, errors.New("ffmpeg.max_restarts must not be negative"))
	}

	if c.Relay.MaxBufferChunks < 1 {
		errs = append(errs, errors.New("relay.max_buffer_chunks must be at least 1"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, errors.New("logging.level must be one of: debug, info, warn, error"))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, errors.New("logging.format must be one of: json, text"))
	}

	return errors.Join(errs...)
}

// ValidateStartup runs Validate and additionally requires the schedule
// directory to exist and be a directory. Failures are fatal for serve.
func (c *Config) ValidateStartup() error {
	if err := c.Validate(); err != nil {
		return err
	}
	info, err := os.Stat(c.Schedule.Dir)
	if err != nil {
		return fmt.Errorf("schedule.dir %q: %w", c.Schedule.Dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("schedule.dir %q is not a directory", c.Schedule.Dir)
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
