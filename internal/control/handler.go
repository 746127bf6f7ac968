// Package control is the MQTT control plane. Commands arrive as JSON on the
// control topic; every status transition is published, retained, on the
// status topic; command responses go to "<status topic>/ack".
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	vcamrelay "github.com/e7canasta/vcam-relay"
	"github.com/e7canasta/vcam-relay/internal/config"
)

// Relay is the part of *vcamrelay.Relay the control plane drives.
type Relay interface {
	Start(url string) error
	Stop() error
	Reconfigure(width, height int, fps float64) error
	State() vcamrelay.Status
	History() []string
	Stats() vcamrelay.Stats
	Subscribe(name string) (<-chan vcamrelay.Status, func())
}

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Handler handles control plane commands
type Handler struct {
	cfg      config.MQTTConfig
	client   mqtt.Client
	relay    Relay
	commands chan Command

	// OnShutdown is invoked by the "shutdown" command after its response
	// has been published.
	OnShutdown func()

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHandler creates a new control plane handler
func NewHandler(cfg config.MQTTConfig, relay Relay) *Handler {
	return &Handler{
		cfg:      cfg,
		relay:    relay,
		commands: make(chan Command, 10),
	}
}

// Connect opens the broker connection used by the handler.
func (h *Handler) Connect(ctx context.Context) error {
	client, err := Connect(ctx, h.cfg, h.Resubscribe)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.client = client
	h.mu.Unlock()
	return nil
}

// Start subscribes to the control topic and starts the command and status
// goroutines. They run until ctx is done.
func (h *Handler) Start(ctx context.Context) error {
	if h.client == nil {
		return errors.New("control: Connect must be called before Start")
	}
	if err := h.subscribe(); err != nil {
		return err
	}

	h.mu.Lock()
	h.started = true
	h.mu.Unlock()

	events, unsubscribe := h.relay.Subscribe("mqtt")
	h.publishStatus(h.relay.State())

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.processCommands(ctx)
	}()
	go func() {
		defer h.wg.Done()
		defer unsubscribe()
		h.forwardStatus(ctx, events)
	}()

	slog.Info("control: handler started",
		"control_topic", h.cfg.Topics.Control,
		"status_topic", h.cfg.Topics.Status,
	)
	return nil
}

// Resubscribe restores the control subscription after a reconnect. It is a
// no-op until Start has run.
func (h *Handler) Resubscribe(mqtt.Client) {
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	if !started {
		return
	}
	if err := h.subscribe(); err != nil {
		slog.Error("control: resubscribe failed", "error", err)
		return
	}
	h.publishStatus(h.relay.State())
}

func (h *Handler) subscribe() error {
	topic := h.cfg.Topics.Control
	qos := h.cfg.QoS["control"]

	slog.Info("control: subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}
	return nil
}

// Stop unsubscribes and waits for the handler goroutines. ctx passed to
// Start must be done first.
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			token := h.client.Unsubscribe(h.cfg.Topics.Control)
			token.WaitTimeout(2 * time.Second)
		}
		h.wg.Wait()
		slog.Info("control: handler stopped")
	})
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

func (h *Handler) forwardStatus(ctx context.Context, events <-chan vcamrelay.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-events:
			if !ok {
				return
			}
			h.publishStatus(st)
		}
	}
}

// handleCommand executes a command
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	fail := func(err error) Response {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}

	switch cmd.Command {
	case "start":
		url, ok := cmd.Params["url"].(string)
		if !ok || url == "" {
			return fail(errors.New("missing or invalid 'url' parameter (expected string)"))
		}
		if err := h.relay.Start(url); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"url":     url,
			"message": "connecting",
		}

	case "stop":
		if err := h.relay.Stop(); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"state": h.relay.State().State.String(),
		}

	case "reconfigure":
		width, okW := intParam(cmd.Params, "width")
		height, okH := intParam(cmd.Params, "height")
		fps, okF := cmd.Params["fps"].(float64)
		if !okW || !okH || !okF {
			return fail(errors.New("missing or invalid 'width', 'height' or 'fps' parameter (expected numbers)"))
		}
		if err := h.relay.Reconfigure(width, height, fps); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"output": vcamrelay.Format{Width: width, Height: height, FPS: fps}.String(),
		}

	case "get_status":
		st := h.relay.Stats()
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"state":                  st.State.String(),
			"status":                 st.StatusText,
			"url":                    st.URL,
			"output":                 st.Output.String(),
			"frames_received":        st.FramesReceived,
			"live_frames_written":    st.LiveFramesWritten,
			"pattern_frames_written": st.PatternFramesWritten,
			"reconnects":             st.Reconnects,
			"source_fps":             st.SourceFPS,
			"sink_healthy":           st.SinkHealthy,
			"uptime_s":               st.Uptime.Seconds(),
		}

	case "get_history":
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"urls": h.relay.History(),
		}

	case "shutdown":
		if h.OnShutdown == nil {
			return fail(errors.New("shutdown not implemented"))
		}
		slog.Warn("control: shutdown command received via MQTT control plane")
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"message": "graceful shutdown in progress",
		}
		go h.OnShutdown()

	default:
		return fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}

	return resp
}

// intParam reads a JSON number parameter as an int.
func intParam(params map[string]interface{}, name string) (int, bool) {
	v, ok := params[name].(float64)
	if !ok || v != float64(int(v)) {
		return 0, false
	}
	return int(v), true
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now()

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}
	if err := h.publish(h.cfg.Topics.Status+"/ack", false, payload); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}
	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func (h *Handler) publishStatus(st vcamrelay.Status) {
	payload, err := json.Marshal(st.Message())
	if err != nil {
		slog.Error("control: failed to marshal status", "error", err)
		return
	}
	if err := h.publish(h.cfg.Topics.Status, true, payload); err != nil {
		slog.Warn("control: failed to publish status", "state", st.State.String(), "error", err)
	}
}

func (h *Handler) publish(topic string, retained bool, payload []byte) error {
	if !h.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	token := h.client.Publish(topic, h.cfg.QoS["status"], retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

// Close marks the relay offline on the retained status topic and
// disconnects. Call after Stop.
func (h *Handler) Close() {
	if h.client == nil || !h.client.IsConnected() {
		return
	}
	if err := h.publish(h.cfg.Topics.Status, true, []byte(offlineStatus)); err != nil {
		slog.Warn("control: failed to publish offline status", "error", err)
	}
	h.client.Disconnect(250)
	slog.Info("control: mqtt disconnected")
}
