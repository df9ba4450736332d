// Package config provides configuration management for rainwright using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultSegmentDuration       = 10 * time.Second
	defaultWindowSize            = 12
	defaultServingWindowSize     = 2
	defaultRequiredBufferSegs    = 6
	defaultTranscriptionBufMin   = 3
	defaultMaxCuesPerLanguage    = 1000
	defaultHTTPPort              = 8080
	defaultOutputDir             = "./data"
	defaultServerReadTimeout     = 30 * time.Second
	defaultServerWriteTimeout    = 30 * time.Second
	defaultShutdownTimeout       = 10 * time.Second
	defaultSessionInitTimeout    = 10 * time.Second
	defaultReconnectBaseDelay    = 5 * time.Second
	defaultReconnectJitterFactor = 0.5
	defaultReconnectMaxAttempts  = 10
	defaultWriteRetryAttempts    = 3
	defaultWriteRetryDelay       = 500 * time.Millisecond
	defaultPeriodicRefreshEvery  = 10
	defaultTrackerPollInterval   = 1 * time.Second
	defaultTrackerMissingRetries = 10
	defaultStallPollInterval     = 500 * time.Millisecond
	defaultHousekeepingCron      = "@every 1m"
	defaultAudioChunkDuration    = 100 * time.Millisecond
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Provider ProviderConfig `mapstructure:"provider"`
	Audio    AudioConfig    `mapstructure:"audio"`
}

// ServerConfig holds HTTP server configuration for the drip-feed server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StorageConfig holds the filesystem layout settings.
type StorageConfig struct {
	// OutputDir is the configurable root under which video/, audio/,
	// subtitles/<lang>/ and serving/ live.
	OutputDir string `mapstructure:"output_dir"`
}

// PipelineConfig holds the core captioning pipeline's tunables.
type PipelineConfig struct {
	// SegmentDuration is the transcoder's fixed media segment duration.
	SegmentDuration time.Duration `mapstructure:"segment_duration"`
	// WindowSize is the transcoder's own retention window (segments it keeps on disk).
	WindowSize int `mapstructure:"window_size"`
	// ServingWindowSize is the drip-feed server's sliding window length.
	ServingWindowSize int `mapstructure:"serving_window_size"`
	// RequiredBufferSegments is the gate's minimum observed segment count.
	RequiredBufferSegments int `mapstructure:"required_buffer_segments"`
	// TranscriptionBufferMin is the gate's minimum finalized source-language cue count.
	TranscriptionBufferMin int `mapstructure:"transcription_buffer_min"`
	// MaxCuesPerLanguage bounds the caption store per language.
	MaxCuesPerLanguage int `mapstructure:"max_cues_per_language"`
	// Languages lists the caption languages; the first entry is the source language.
	Languages []string `mapstructure:"languages"`
	// PeriodicRefreshEvery rebuilds all known segments every Nth poll tick.
	PeriodicRefreshEvery int `mapstructure:"periodic_refresh_every"`
	// TrackerPollInterval is the media segment tracker's poll cadence.
	TrackerPollInterval time.Duration `mapstructure:"tracker_poll_interval"`
	// TrackerMissingPlaylistRetries bounds silent retries before the tracker escalates to WARN.
	TrackerMissingPlaylistRetries int `mapstructure:"tracker_missing_playlist_retries"`
	// WriteRetryAttempts bounds atomic-write retries for VTT/playlist files.
	WriteRetryAttempts int `mapstructure:"write_retry_attempts"`
	// WriteRetryDelay is the back-off between write retries.
	WriteRetryDelay time.Duration `mapstructure:"write_retry_delay"`
	// StallPollInterval is how often the cadence loop rechecks a stalled segment.
	StallPollInterval time.Duration `mapstructure:"stall_poll_interval"`
	// HousekeepingCron schedules the serving-tree pruning sweep (robfig/cron expression).
	HousekeepingCron string `mapstructure:"housekeeping_cron"`
}

// ProviderConfig holds speech-to-text provider connection settings.
type ProviderConfig struct {
	Endpoint             string        `mapstructure:"endpoint"`
	APIKey               string        `mapstructure:"api_key"`
	SampleRate           int           `mapstructure:"sample_rate"`
	SessionInitTimeout   time.Duration `mapstructure:"session_init_timeout"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectJitter      float64       `mapstructure:"reconnect_jitter_factor"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`
}

// AudioConfig describes where to read 16-bit little-endian mono PCM from,
// and how it is chunked before being forwarded to the provider.
type AudioConfig struct {
	// SourcePath is a file or named pipe streaming raw PCM; empty disables
	// provider ingest entirely (the rest of the pipeline still serves
	// whatever the transcoder/builder have already produced).
	SourcePath string `mapstructure:"source_path"`
	// ChunkDuration is how much audio each forwarded frame carries.
	ChunkDuration time.Duration `mapstructure:"chunk_duration"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with RAINWRIGHT_ and use underscores for nesting.
// Example: RAINWRIGHT_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/rainwright")
		v.AddConfigPath("$HOME/.rainwright")
	}

	v.SetEnvPrefix("RAINWRIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultHTTPPort)
	v.SetDefault("server.read_timeout", defaultServerReadTimeout)
	v.SetDefault("server.write_timeout", defaultServerWriteTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("storage.output_dir", defaultOutputDir)

	v.SetDefault("pipeline.segment_duration", defaultSegmentDuration)
	v.SetDefault("pipeline.window_size", defaultWindowSize)
	v.SetDefault("pipeline.serving_window_size", defaultServingWindowSize)
	v.SetDefault("pipeline.required_buffer_segments", defaultRequiredBufferSegs)
	v.SetDefault("pipeline.transcription_buffer_min", defaultTranscriptionBufMin)
	v.SetDefault("pipeline.max_cues_per_language", defaultMaxCuesPerLanguage)
	v.SetDefault("pipeline.languages", []string{"ru", "en"})
	v.SetDefault("pipeline.periodic_refresh_every", defaultPeriodicRefreshEvery)
	v.SetDefault("pipeline.tracker_poll_interval", defaultTrackerPollInterval)
	v.SetDefault("pipeline.tracker_missing_playlist_retries", defaultTrackerMissingRetries)
	v.SetDefault("pipeline.write_retry_attempts", defaultWriteRetryAttempts)
	v.SetDefault("pipeline.write_retry_delay", defaultWriteRetryDelay)
	v.SetDefault("pipeline.stall_poll_interval", defaultStallPollInterval)
	v.SetDefault("pipeline.housekeeping_cron", defaultHousekeepingCron)

	v.SetDefault("provider.endpoint", "")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.sample_rate", 16000)
	v.SetDefault("provider.session_init_timeout", defaultSessionInitTimeout)
	v.SetDefault("provider.reconnect_base_delay", defaultReconnectBaseDelay)
	v.SetDefault("provider.reconnect_jitter_factor", defaultReconnectJitterFactor)
	v.SetDefault("provider.reconnect_max_attempts", defaultReconnectMaxAttempts)

	v.SetDefault("audio.source_path", "")
	v.SetDefault("audio.chunk_duration", defaultAudioChunkDuration)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Storage.OutputDir == "" {
		return fmt.Errorf("storage.output_dir is required")
	}

	if c.Pipeline.SegmentDuration <= 0 {
		return fmt.Errorf("pipeline.segment_duration must be positive")
	}
	if c.Pipeline.ServingWindowSize < 1 {
		return fmt.Errorf("pipeline.serving_window_size must be at least 1")
	}
	if c.Pipeline.RequiredBufferSegments < 1 {
		return fmt.Errorf("pipeline.required_buffer_segments must be at least 1")
	}
	if c.Pipeline.TranscriptionBufferMin < 0 {
		return fmt.Errorf("pipeline.transcription_buffer_min must not be negative")
	}
	if c.Pipeline.MaxCuesPerLanguage < 1 {
		return fmt.Errorf("pipeline.max_cues_per_language must be at least 1")
	}
	if len(c.Pipeline.Languages) < 1 {
		return fmt.Errorf("pipeline.languages must list at least the source language")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SourceLanguage returns the first configured language, which is always the
// source (transcription) language.
func (c *PipelineConfig) SourceLanguage() string {
	if len(c.Languages) == 0 {
		return ""
	}
	return c.Languages[0]
}

// TranslationLanguages returns every configured language other than the source.
func (c *PipelineConfig) TranslationLanguages() []string {
	if len(c.Languages) <= 1 {
		return nil
	}
	return append([]string(nil), c.Languages[1:]...)
}
