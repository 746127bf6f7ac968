package config

import (
	"fmt"
	"strings"
)

// Validate checks if the configuration is valid and fills derived defaults
func Validate(cfg *Config) error {
	if err := cfg.Relay().Validate(); err != nil {
		return err
	}

	switch cfg.Output.Sink {
	case "v4l2":
		if cfg.Output.Device == "" {
			return fmt.Errorf("output.device is required for the v4l2 sink")
		}
	case "discard":
	default:
		return fmt.Errorf("output.sink must be 'v4l2' or 'discard', got '%s'", cfg.Output.Sink)
	}

	switch cfg.Source.Transport {
	case "tcp", "udp", "auto":
	default:
		return fmt.Errorf("source.transport must be 'tcp', 'udp' or 'auto', got '%s'", cfg.Source.Transport)
	}
	if cfg.Source.LatencyMS < 0 {
		return fmt.Errorf("source.latency_ms must be >= 0")
	}
	if cfg.Source.URL != "" && !supportedScheme(cfg.Source.URL) {
		return fmt.Errorf("source.url must be rtsp://, rtsps://, http:// or https://, got '%s'", cfg.Source.URL)
	}

	if cfg.Shutdown.Timeout <= 0 {
		return fmt.Errorf("shutdown.timeout must be > 0")
	}
	if cfg.Shutdown.Timeout < cfg.Shutdown.CancelGrace {
		return fmt.Errorf("shutdown.timeout (%s) must be >= shutdown.cancel_grace (%s)",
			cfg.Shutdown.Timeout, cfg.Shutdown.CancelGrace)
	}

	if cfg.HTTP.Listen != "" {
		if cfg.HTTP.PreviewFPS < 0 || cfg.HTTP.PreviewFPS > cfg.Output.FPS {
			return fmt.Errorf("http.preview_fps must be between 0 and output.fps (%g)", cfg.Output.FPS)
		}
		if cfg.HTTP.PreviewWidth <= 0 {
			cfg.HTTP.PreviewWidth = 320
		}
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required when mqtt.broker is set")
		}
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("vcam-relay/%s/control", cfg.MQTT.ClientID)
		}
		if cfg.MQTT.Topics.Status == "" {
			cfg.MQTT.Topics.Status = fmt.Sprintf("vcam-relay/%s/status", cfg.MQTT.ClientID)
		}
		if cfg.MQTT.QoS == nil {
			cfg.MQTT.QoS = map[string]byte{
				"control": 1,
				"status":  1,
			}
		}
		for name, qos := range cfg.MQTT.QoS {
			if qos > 2 {
				return fmt.Errorf("mqtt.qos.%s must be 0, 1 or 2, got %d", name, qos)
			}
		}
	}

	return nil
}

// supportedScheme reports whether url uses a scheme a source adapter handles.
func supportedScheme(url string) bool {
	lower := strings.ToLower(url)
	for _, prefix := range []string{"rtsp://", "rtsps://", "http://", "https://"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
