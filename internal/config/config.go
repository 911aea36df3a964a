// Package config loads and hot-reloads the worker's YAML configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EncoderConfig is an immutable snapshot of the encoder invocation for one
// supervisor run. See SPEC_FULL.md §6.1.
type EncoderConfig struct {
	InputURL   string   `yaml:"inputURL"`
	Device     string   `yaml:"device"`
	Container  string   `yaml:"container"` // "mkv" or "mp4"
	Width      int      `yaml:"width"`
	Height     int      `yaml:"height"`
	FPS        int      `yaml:"fps"`
	Codec      string   `yaml:"codec"`
	Audio      bool     `yaml:"audio"`
	ExtraArgs  []string `yaml:"extraArgs"`
	FFmpegPath string   `yaml:"ffmpegPath"`
}

// QueueConfig bounds the per-subscriber and per-session outbound queues.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// TimeoutConfig holds the session timeouts from spec.md §4.6/§5.
type TimeoutConfig struct {
	StartTimeout        string `yaml:"startTimeout"`
	InactivityTimeout   string `yaml:"inactivityTimeout"`
	HandshakeDeadline   string `yaml:"handshakeDeadline"`
	ShutdownCloseBudget string `yaml:"shutdownCloseBudget"`

	StartTimeoutDur        time.Duration `yaml:"-"`
	InactivityTimeoutDur   time.Duration `yaml:"-"`
	HandshakeDeadlineDur   time.Duration `yaml:"-"`
	ShutdownCloseBudgetDur time.Duration `yaml:"-"`
}

// SegmentConfig configures the out-of-scope archival SegmentWriter collaborator.
type SegmentConfig struct {
	RecordingsDir   string `yaml:"recordingsDir"`
	SegmentDuration string `yaml:"segmentDuration"`
	RetentionAge    string `yaml:"retentionAge"`

	SegmentDurationDur time.Duration `yaml:"-"`
	RetentionAgeDur    time.Duration `yaml:"-"`
}

// Config holds all runtime configuration for the worker.
type Config struct {
	Addr        string        `yaml:"addr"`
	MetricsAddr string        `yaml:"metricsAddr"`
	KeyFile     string        `yaml:"keyFile"`
	Encoder     EncoderConfig `yaml:"encoder"`
	Queue       QueueConfig   `yaml:"queue"`
	Timeouts    TimeoutConfig `yaml:"timeouts"`
	Segments    SegmentConfig `yaml:"segments"`
}

// defaults mirrors the zero-config fallbacks a freshly-unpacked worker should run with.
func defaults() Config {
	return Config{
		Addr:        ":8443",
		MetricsAddr: ":9090",
		KeyFile:     "tinycam-keys.json",
		Encoder: EncoderConfig{
			Container:  "mp4",
			Width:      1280,
			Height:     720,
			FPS:        30,
			Codec:      "h264",
			FFmpegPath: "ffmpeg",
		},
		Queue: QueueConfig{Capacity: 256},
		Timeouts: TimeoutConfig{
			StartTimeout:        "60s",
			InactivityTimeout:   "60s",
			HandshakeDeadline:   "5s",
			ShutdownCloseBudget: "1s",
		},
		Segments: SegmentConfig{
			RecordingsDir:   "recordings",
			SegmentDuration: "10m",
			RetentionAge:    "24h",
		},
	}
}

// Load reads path as YAML over top of the built-in defaults. A missing file
// is not an error: the defaults alone make a runnable config.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := parseDurations(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseDurations(cfg *Config) error {
	var err error
	if cfg.Timeouts.StartTimeoutDur, err = parseDuration(cfg.Timeouts.StartTimeout, 60*time.Second); err != nil {
		return err
	}
	if cfg.Timeouts.InactivityTimeoutDur, err = parseDuration(cfg.Timeouts.InactivityTimeout, 60*time.Second); err != nil {
		return err
	}
	if cfg.Timeouts.HandshakeDeadlineDur, err = parseDuration(cfg.Timeouts.HandshakeDeadline, 5*time.Second); err != nil {
		return err
	}
	if cfg.Timeouts.ShutdownCloseBudgetDur, err = parseDuration(cfg.Timeouts.ShutdownCloseBudget, time.Second); err != nil {
		return err
	}
	if cfg.Segments.SegmentDurationDur, err = parseDuration(cfg.Segments.SegmentDuration, 10*time.Minute); err != nil {
		return err
	}
	if cfg.Segments.RetentionAgeDur, err = parseDuration(cfg.Segments.RetentionAge, 24*time.Hour); err != nil {
		return err
	}
	if cfg.Timeouts.StartTimeoutDur < 2*time.Second || cfg.Timeouts.StartTimeoutDur > time.Hour {
		return fmt.Errorf("timeouts.startTimeout must be between 2s and 1h, got %s", cfg.Timeouts.StartTimeoutDur)
	}
	if cfg.Queue.Capacity < 2 || cfg.Queue.Capacity > 4096 {
		if cfg.Queue.Capacity == 0 {
			cfg.Queue.Capacity = 256
		} else {
			return fmt.Errorf("queue.capacity must be between 2 and 4096, got %d", cfg.Queue.Capacity)
		}
	}
	return nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Reload re-reads path and logs (but does not propagate) parse errors,
// keeping the previous config in that case. Used by the control plane's
// reload-config endpoint.
func Reload(path string, prev *Config) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Printf("config: ignoring reload of %s: %v", path, err)
		return prev
	}
	return cfg
}
