package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/vcam-relay/internal/config"
)

const offlineStatus = `{"state":"offline"}`

// Connect establishes the broker connection. The client reconnects on its
// own after a lost connection; the handler resubscribes in OnConnect.
func Connect(ctx context.Context, cfg config.MQTTConfig, onConnect func(mqtt.Client)) (mqtt.Client, error) {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)

	// Retained "offline" status when the process dies without Close.
	opts.SetWill(cfg.Topics.Status, offlineStatus, cfg.QoS["status"], true)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("control: mqtt connection established",
			"broker", broker,
			"client_id", cfg.ClientID,
		)
		if onConnect != nil {
			onConnect(c)
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("control: mqtt connection lost, will auto-reconnect",
			"broker", broker,
			"error", err,
		)
	}

	client := mqtt.NewClient(opts)
	slog.Info("control: connecting to mqtt broker", "broker", broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection cancelled: %w", ctx.Err())
	case <-time.After(5 * time.Second):
		// ConnectRetry keeps trying in the background.
		slog.Warn("control: mqtt broker not reachable yet, retrying in background", "broker", broker)
		return client, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}
