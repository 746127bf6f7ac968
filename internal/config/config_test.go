package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vcam-relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") = %v", err)
	}

	if cfg.Output.Width != 1920 || cfg.Output.Height != 1080 || cfg.Output.FPS != 30 {
		t.Errorf("output = %+v, want 1920x1080@30", cfg.Output)
	}
	if cfg.Reconnect.InitialDelay != time.Second || cfg.Reconnect.MaxDelay != 32*time.Second {
		t.Errorf("reconnect = %+v, want 1s/32s", cfg.Reconnect)
	}
	if cfg.Source.ConnectTimeout != 5*time.Second || cfg.Source.Transport != "tcp" {
		t.Errorf("source = %+v", cfg.Source)
	}
	if cfg.Shutdown.CancelGrace != 2*time.Second {
		t.Errorf("cancel grace = %s, want 2s", cfg.Shutdown.CancelGrace)
	}
	if cfg.MQTT.Broker != "" {
		t.Errorf("mqtt enabled by default: %q", cfg.MQTT.Broker)
	}
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := writeConfig(t, `
output:
  width: 1280
  height: 720
  fps: 25
  device: /dev/video42
source:
  url: rtsp://192.168.1.10/stream1
  stall_timeout: 3s
reconnect:
  max_delay: 16s
  max_attempts: 8
mqtt:
  broker: localhost:1883
  client_id: studio-a
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if cfg.Output.Width != 1280 || cfg.Output.FPS != 25 || cfg.Output.Device != "/dev/video42" {
		t.Errorf("output = %+v", cfg.Output)
	}
	if cfg.Source.StallTimeout != 3*time.Second {
		t.Errorf("stall timeout = %s, want 3s", cfg.Source.StallTimeout)
	}
	// Omitted values keep their defaults.
	if cfg.Source.ConnectTimeout != 5*time.Second || cfg.Reconnect.InitialDelay != time.Second {
		t.Errorf("defaults lost: %+v %+v", cfg.Source, cfg.Reconnect)
	}
	if cfg.MQTT.Topics.Control != "vcam-relay/studio-a/control" || cfg.MQTT.Topics.Status != "vcam-relay/studio-a/status" {
		t.Errorf("mqtt topics = %+v", cfg.MQTT.Topics)
	}
	if cfg.MQTT.QoS["control"] != 1 {
		t.Errorf("mqtt qos = %v", cfg.MQTT.QoS)
	}

	relay := cfg.Relay()
	if relay.Output.Width != 1280 || relay.MaxAttempts != 8 || relay.MaxDelay != 16*time.Second {
		t.Errorf("Relay() = %+v", relay)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"odd width", "output: {width: 1281}", "resolution"},
		{"fps", "output: {fps: 0}", "FPS"},
		{"sink", "output: {sink: hdmi}", "output.sink"},
		{"transport", "source: {transport: quic}", "source.transport"},
		{"scheme", "source: {url: 'file:///tmp/x.mp4'}", "source.url"},
		{"delays", "reconnect: {initial_delay: 10s, max_delay: 1s}", "max delay"},
		{"grace", "shutdown: {cancel_grace: 10s, timeout: 1s}", "shutdown.timeout"},
		{"qos", "mqtt: {broker: 'localhost:1883', qos: {control: 3}}", "mqtt.qos"},
		{"preview", "http: {preview_fps: 100}", "http.preview_fps"},
		{"yaml", "output: [", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() succeeded")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadOptional_MissingFile(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOptional() = %v", err)
	}
	if cfg.Output.Width != 1920 {
		t.Errorf("LoadOptional() did not return defaults: %+v", cfg.Output)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "vcam-relay.yaml"))
	if err != nil {
		t.Fatalf("Load(shipped config) = %v", err)
	}
	def, _ := Load("")
	if cfg.Relay() != def.Relay() {
		t.Errorf("shipped config differs from defaults:\n got %+v\nwant %+v", cfg.Relay(), def.Relay())
	}
}
