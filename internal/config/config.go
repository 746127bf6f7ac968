// Package config loads the vcam-relay YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	vcamrelay "github.com/e7canasta/vcam-relay"
)

// Config represents the complete relay configuration
type Config struct {
	Output      OutputConfig    `yaml:"output"`
	Source      SourceConfig    `yaml:"source"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
	Shutdown    ShutdownConfig  `yaml:"shutdown"`
	HistoryFile string          `yaml:"history_file"`
	LogFile     string          `yaml:"log_file"`
	HTTP        HTTPConfig      `yaml:"http"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
}

// OutputConfig contains virtual camera settings
type OutputConfig struct {
	Width           int     `yaml:"width"`
	Height          int     `yaml:"height"`
	FPS             float64 `yaml:"fps"`
	Device          string  `yaml:"device"`           // v4l2loopback device, e.g. /dev/video10
	Sink            string  `yaml:"sink"`             // v4l2, discard
	FreshnessFrames int     `yaml:"freshness_frames"` // output periods a live frame stays eligible
}

// SourceConfig contains stream source settings
type SourceConfig struct {
	URL            string        `yaml:"url"` // started on launch when set
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	StallTimeout   time.Duration `yaml:"stall_timeout"`
	Transport      string        `yaml:"transport"` // tcp, udp, auto
	LatencyMS      int           `yaml:"latency_ms"`
}

// ReconnectConfig contains backoff settings
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"` // 0 = unlimited
}

// ShutdownConfig contains teardown settings
type ShutdownConfig struct {
	CancelGrace time.Duration `yaml:"cancel_grace"`
	Timeout     time.Duration `yaml:"timeout"`
}

// HTTPConfig contains the HTTP API settings. An empty Listen disables it.
type HTTPConfig struct {
	Listen       string  `yaml:"listen"`
	PreviewFPS   float64 `yaml:"preview_fps"`
	PreviewWidth int     `yaml:"preview_width"`
}

// MQTTConfig contains MQTT broker settings. An empty Broker disables it.
type MQTTConfig struct {
	Broker   string          `yaml:"broker"`
	ClientID string          `yaml:"client_id"`
	Topics   MQTTTopics      `yaml:"topics"`
	QoS      map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Status  string `yaml:"status"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	relay := vcamrelay.DefaultConfig()
	return &Config{
		Output: OutputConfig{
			Width:           relay.Output.Width,
			Height:          relay.Output.Height,
			FPS:             relay.Output.FPS,
			Device:          "/dev/video10",
			Sink:            "v4l2",
			FreshnessFrames: relay.FreshnessFrames,
		},
		Source: SourceConfig{
			ConnectTimeout: relay.ConnectTimeout,
			StallTimeout:   relay.StallTimeout,
			Transport:      "tcp",
			LatencyMS:      50,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: relay.InitialDelay,
			MaxDelay:     relay.MaxDelay,
			MaxAttempts:  relay.MaxAttempts,
		},
		Shutdown: ShutdownConfig{
			CancelGrace: relay.CancelGrace,
			Timeout:     5 * time.Second,
		},
		HistoryFile: "vcam_relay_history.yaml",
		LogFile:     "vcam_relay.log",
		HTTP: HTTPConfig{
			Listen:       ":8080",
			PreviewFPS:   5,
			PreviewWidth: 320,
		},
		MQTT: MQTTConfig{
			ClientID: "vcam-relay",
		},
	}
}

// Load reads a YAML configuration file over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOptional is Load, except that a missing file yields the defaults.
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Load("")
	}
	return Load(path)
}

// Relay converts the file configuration to the core relay configuration.
func (c *Config) Relay() vcamrelay.Config {
	return vcamrelay.Config{
		Output: vcamrelay.Format{
			Width:  c.Output.Width,
			Height: c.Output.Height,
			FPS:    c.Output.FPS,
		},
		FreshnessFrames: c.Output.FreshnessFrames,
		ConnectTimeout:  c.Source.ConnectTimeout,
		StallTimeout:    c.Source.StallTimeout,
		InitialDelay:    c.Reconnect.InitialDelay,
		MaxDelay:        c.Reconnect.MaxDelay,
		MaxAttempts:     c.Reconnect.MaxAttempts,
		CancelGrace:     c.Shutdown.CancelGrace,
		HistoryFile:     c.HistoryFile,
		HistorySize:     vcamrelay.DefaultHistorySize,
	}
}
