package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. RECALL_CAPTURE_SAMPLE_RATE
const EnvPrefix = "RECALL_"

// Config represents the complete recorder configuration
type Config struct {
	Capture CaptureConfig `yaml:"capture" envPrefix:"CAPTURE_"`
	Silence SilenceConfig `yaml:"silence" envPrefix:"SILENCE_"`
	Source  SourceConfig  `yaml:"source" envPrefix:"SOURCE_"`
	UDP     UDPConfig     `yaml:"udp" envPrefix:"UDP_"`
	HTTP    HTTPConfig    `yaml:"http" envPrefix:"HTTP_"`
	Export  ExportConfig  `yaml:"export" envPrefix:"EXPORT_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
}

// CaptureConfig contains the audio format and history length
type CaptureConfig struct {
	SampleRate         int     `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Channels           int     `yaml:"channels" env:"CHANNELS"`
	FramesPerBuffer    int     `yaml:"frames_per_buffer" env:"FRAMES_PER_BUFFER"`
	InitialDuration    float64 `yaml:"initial_duration" env:"INITIAL_DURATION"` // seconds
	MinDuration        float64 `yaml:"min_duration" env:"MIN_DURATION"`         // seconds
	MaxDuration        float64 `yaml:"max_duration" env:"MAX_DURATION"`         // seconds
	MaxCapacitySamples int     `yaml:"max_capacity_samples" env:"MAX_CAPACITY_SAMPLES"`
}

// SilenceConfig contains auto-pause parameters
type SilenceConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Threshold   float32 `yaml:"threshold" env:"THRESHOLD"`
	HoldSeconds float64 `yaml:"hold_seconds" env:"HOLD_SECONDS"`
}

// SourceConfig selects where audio comes from
type SourceConfig struct {
	Type       string       `yaml:"type" env:"TYPE"` // device, replay or udp
	DeviceName string       `yaml:"device_name" env:"DEVICE_NAME"`
	Replay     ReplayConfig `yaml:"replay" envPrefix:"REPLAY_"`
}

// ReplayConfig contains WAV replay options
type ReplayConfig struct {
	Path     string `yaml:"path" env:"PATH"`
	Loop     bool   `yaml:"loop" env:"LOOP"`
	Realtime bool   `yaml:"realtime" env:"REALTIME"`
}

// UDPConfig contains network audio ingest configuration
type UDPConfig struct {
	UDPPort     int    `yaml:"udp_port" env:"PORT"`
	BindAddress string `yaml:"bind_address" env:"BIND_ADDRESS"`
	BufferSize  int    `yaml:"buffer_size" env:"BUFFER_SIZE"`
	QueueSize   int    `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port             int    `yaml:"port" env:"PORT"`
	Address          string `yaml:"address" env:"ADDRESS"`
	Enabled          bool   `yaml:"enabled" env:"ENABLED"`
	StatusIntervalMs int    `yaml:"status_interval_ms" env:"STATUS_INTERVAL_MS"`
}

// ExportConfig contains rescue file options
type ExportConfig struct {
	Dir      string `yaml:"dir" env:"DIR"`
	BitDepth int    `yaml:"bit_depth" env:"BIT_DEPTH"`
	MaxFiles int    `yaml:"max_files" env:"MAX_FILES"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	Format     string `yaml:"format" env:"FORMAT"`
	Output     string `yaml:"output" env:"OUTPUT"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" env:"COMPRESS"`
}

// Default returns the configuration used for anything a file leaves out
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			SampleRate:         48000,
			Channels:           2,
			FramesPerBuffer:    512,
			InitialDuration:    30,
			MinDuration:        1,
			MaxDuration:        300,
			MaxCapacitySamples: 192000 * 600,
		},
		Silence: SilenceConfig{
			Enabled:     true,
			Threshold:   0.0002,
			HoldSeconds: 3,
		},
		Source: SourceConfig{
			Type: "device",
		},
		UDP: UDPConfig{
			UDPPort:     4444,
			BindAddress: "0.0.0.0",
			BufferSize:  65536,
			QueueSize:   1000,
		},
		HTTP: HTTPConfig{
			Port:             8080,
			Address:          "127.0.0.1",
			Enabled:          true,
			StatusIntervalMs: 100,
		},
		Export: ExportConfig{
			Dir:      "./rescues",
			BitDepth: 24,
			MaxFiles: 50,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the configuration file on top of the defaults, applies
// environment overrides (including a .env file in the working directory)
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if err := env.Parse(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Silence.Validate(); err != nil {
		return fmt.Errorf("silence config: %w", err)
	}

	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source config: %w", err)
	}

	if c.Source.Type == SourceUDP {
		if err := c.UDP.Validate(); err != nil {
			return fmt.Errorf("udp config: %w", err)
		}
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Export.Validate(); err != nil {
		return fmt.Errorf("export config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates capture configuration
func (a *CaptureConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.Channels < 1 || a.Channels > 32 {
		return fmt.Errorf("channels must be between 1 and 32, got %d", a.Channels)
	}

	if a.FramesPerBuffer < 0 || a.FramesPerBuffer > 8192 {
		return fmt.Errorf("frames_per_buffer must be between 0 and 8192, got %d", a.FramesPerBuffer)
	}

	if a.MinDuration <= 0 {
		return fmt.Errorf("min_duration must be positive, got %f", a.MinDuration)
	}

	if a.MaxDuration < a.MinDuration {
		return fmt.Errorf("max_duration (%f) must not be less than min_duration (%f)", a.MaxDuration, a.MinDuration)
	}

	if a.InitialDuration < a.MinDuration || a.InitialDuration > a.MaxDuration {
		return fmt.Errorf("initial_duration must be between %f and %f seconds, got %f",
			a.MinDuration, a.MaxDuration, a.InitialDuration)
	}

	if a.MaxCapacitySamples < 1 {
		return fmt.Errorf("max_capacity_samples must be positive, got %d", a.MaxCapacitySamples)
	}

	if need := a.MaxDuration * float64(a.SampleRate); need > float64(a.MaxCapacitySamples) {
		return fmt.Errorf("max_duration of %f seconds needs %.0f samples, more than max_capacity_samples %d",
			a.MaxDuration, need, a.MaxCapacitySamples)
	}

	return nil
}

// Validate validates silence configuration
func (s *SilenceConfig) Validate() error {
	if s.Threshold <= 0 || s.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %f", s.Threshold)
	}

	if s.HoldSeconds <= 0 {
		return fmt.Errorf("hold_seconds must be positive, got %f", s.HoldSeconds)
	}

	return nil
}

// Source types
const (
	SourceDevice = "device"
	SourceReplay = "replay"
	SourceUDP    = "udp"
)

// Validate validates source configuration
func (s *SourceConfig) Validate() error {
	switch s.Type {
	case SourceDevice, SourceUDP:
	case SourceReplay:
		if s.Replay.Path == "" {
			return fmt.Errorf("replay.path cannot be empty for replay source")
		}
	default:
		return fmt.Errorf("type must be one of [device, replay, udp], got '%s'", s.Type)
	}

	return nil
}

// Validate validates UDP configuration
func (u *UDPConfig) Validate() error {
	if u.UDPPort < 1 || u.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", u.UDPPort)
	}

	if u.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if u.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", u.BufferSize)
	}

	if u.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", u.QueueSize)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	if h.StatusIntervalMs < 10 {
		return fmt.Errorf("status_interval_ms must be at least 10, got %d", h.StatusIntervalMs)
	}

	return nil
}

// Validate validates export configuration
func (e *ExportConfig) Validate() error {
	if e.Dir == "" {
		return fmt.Errorf("dir cannot be empty")
	}

	if e.BitDepth != 16 && e.BitDepth != 24 && e.BitDepth != 32 {
		return fmt.Errorf("bit_depth must be 16, 24 or 32, got %d", e.BitDepth)
	}

	if e.MaxFiles < 1 {
		return fmt.Errorf("max_files must be at least 1, got %d", e.MaxFiles)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		return fmt.Errorf("rotation limits cannot be negative")
	}

	return nil
}

// GetHoldDuration returns the silence hold time as a time.Duration
func (s *SilenceConfig) GetHoldDuration() time.Duration {
	return time.Duration(s.HoldSeconds * float64(time.Second))
}

// GetStatusInterval returns the status polling interval as a time.Duration
func (h *HTTPConfig) GetStatusInterval() time.Duration {
	return time.Duration(h.StatusIntervalMs) * time.Millisecond
}

// IsFileOutput reports whether logs go to a file rather than a standard stream
func (l *LoggingConfig) IsFileOutput() bool {
	return l.Output != "" && l.Output != "stdout" && l.Output != "stderr"
}
