// Package config provides the configuration structure for the
// audiobook-service.
package config

import (
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// NATSConfig holds the NATS connection and subject layout.
type NATSConfig struct {
	URL                    string `toml:"url"`
	GenerationSubject      string `toml:"generation_subject"`
	ProgressSubject        string `toml:"progress_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
	JobTimeoutSeconds      int    `toml:"job_timeout_seconds"`
}

// PostgresConfig holds the row-store connection settings.
type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

// TTSConfig holds the external TTS provider settings.
type TTSConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// FFmpegConfig holds encoder settings.
type FFmpegConfig struct {
	Bitrate string `toml:"bitrate"`
}

// StorageConfig holds the blob-store key layout.
type StorageConfig struct {
	Namespace string `toml:"namespace"`
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	ListenAddress string `toml:"listen_address"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS     NATSConfig     `toml:"nats"`
	Postgres PostgresConfig `toml:"postgres"`
	TTS      TTSConfig      `toml:"tts"`
	FFmpeg   FFmpegConfig   `toml:"ffmpeg"`
	Storage  StorageConfig  `toml:"storage"`
	HTTP     HTTPConfig     `toml:"http"`
	Paths    PathsConfig    `toml:"paths"`
}

// JobTimeout returns the per-job timeout as a duration.
func (c NATSConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

// TTSTimeout returns the provider request timeout as a duration.
func (c TTSConfig) TTSTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load loads the configuration for the audiobook-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return &cfg, nil
}
