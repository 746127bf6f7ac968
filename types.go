package vcamrelay

import (
	"fmt"
	"time"
)

// PixelFormat identifies the memory layout of Frame.Data.
type PixelFormat int

const (
	// PixelRGB24 is packed 8-bit RGB (RGBRGB...), the format the virtual
	// camera is declared with.
	PixelRGB24 PixelFormat = iota
)

// BytesPerPixel returns the size of one pixel.
func (p PixelFormat) BytesPerPixel() int {
	return 3
}

// String returns the GStreamer-style format name.
func (p PixelFormat) String() string {
	switch p {
	case PixelRGB24:
		return "RGB"
	default:
		return "unknown"
	}
}

// Frame is one decoded image. Frames are immutable once handed to the
// FrameSlot: producers must not touch Data afterwards.
type Frame struct {
	// Seq is the per-session sequence number (test pattern frames use 0)
	Seq uint64
	// Timestamp is when the frame was captured or decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Format of Data
	Format PixelFormat
	// Data holds Width*Height*3 bytes for PixelRGB24
	Data []byte
	// Source is the URL the frame came from, or "testpattern"
	Source string
	// TraceID identifies the frame across logs
	TraceID string
}

// Validate checks that Data matches the declared geometry.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	want := f.Width * f.Height * f.Format.BytesPerPixel()
	if len(f.Data) != want {
		return fmt.Errorf("frame %dx%d %s carries %d bytes, want %d",
			f.Width, f.Height, f.Format, len(f.Data), want)
	}
	return nil
}

// Format is the fixed output format of the sink.
type Format struct {
	Width  int
	Height int
	FPS    float64
}

// Output frame rate bounds.
const (
	MinFPS = 1.0
	MaxFPS = 60.0
)

// Validate applies fail-fast checks to the output format.
func (f Format) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("vcam-relay: invalid resolution %dx%d", f.Width, f.Height)
	}
	if f.Width%2 != 0 || f.Height%2 != 0 {
		return fmt.Errorf("vcam-relay: resolution %dx%d must be even", f.Width, f.Height)
	}
	if f.FPS < MinFPS || f.FPS > MaxFPS {
		return fmt.Errorf("vcam-relay: invalid FPS %.2f (must be %.0f-%.0f)", f.FPS, MinFPS, MaxFPS)
	}
	return nil
}

// Period returns the time between two output frames.
func (f Format) Period() time.Duration {
	if f.FPS <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / f.FPS)
}

// String returns "WxH@FPS".
func (f Format) String() string {
	return fmt.Sprintf("%dx%d@%g", f.Width, f.Height, f.FPS)
}

// ConnectionState is the supervisor's view of the source connection.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailReason qualifies Idle and Failed states.
type FailReason int

const (
	ReasonNone FailReason = iota
	// ReasonStoppedByUser marks the Idle state entered through Stop.
	ReasonStoppedByUser
	// ReasonExhausted means the configured attempt ceiling was reached.
	ReasonExhausted
	// ReasonSinkFatal means the output device failed; output is halted
	// until the sink is reconfigured.
	ReasonSinkFatal
)

func (r FailReason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonStoppedByUser:
		return "stopped by user"
	case ReasonExhausted:
		return "retries exhausted"
	case ReasonSinkFatal:
		return "sink failure"
	default:
		return "unknown"
	}
}

// Status is one observable state transition.
type Status struct {
	State      ConnectionState
	URL        string
	Generation uint64
	// Attempt is the consecutive failure count (Reconnecting, Failed)
	Attempt int
	// NextDelay is the backoff before the next attempt (Reconnecting)
	NextDelay time.Duration
	Reason    FailReason
	// Kind classifies the error that caused Reconnecting or Failed
	Kind ErrorKind
	// Err is the error text, empty when there is none
	Err string
	At  time.Time
}

// String renders the status for humans, e.g. "reconnecting (attempt 3) in 4s".
func (s Status) String() string {
	switch s.State {
	case StateReconnecting:
		return fmt.Sprintf("reconnecting (attempt %d) in %s: %s", s.Attempt, s.NextDelay, s.Kind)
	case StateFailed:
		if s.Kind != KindNone {
			return fmt.Sprintf("failed: %s (%s)", s.Reason, s.Kind)
		}
		return fmt.Sprintf("failed: %s", s.Reason)
	case StateIdle:
		if s.Reason != ReasonNone {
			return fmt.Sprintf("idle (%s)", s.Reason)
		}
		return "idle"
	default:
		return s.State.String()
	}
}

// Label is the short text stamped on the test pattern for this status.
func (s Status) Label() string {
	switch s.State {
	case StateIdle:
		return "NO SIGNAL"
	case StateConnecting:
		return "CONNECTING..."
	case StateConnected:
		return "WAITING FOR VIDEO..."
	case StateReconnecting:
		return fmt.Sprintf("RECONNECTING IN %s (ATTEMPT %d)", s.NextDelay.Round(time.Second), s.Attempt)
	case StateFailed:
		return fmt.Sprintf("FAILED: %s", s.Reason)
	default:
		return ""
	}
}

// StatusMessage is the JSON form of a Status used by the MQTT and HTTP
// control surfaces.
type StatusMessage struct {
	State       string    `json:"state"`
	URL         string    `json:"url,omitempty"`
	Generation  uint64    `json:"generation"`
	Attempt     int       `json:"attempt,omitempty"`
	NextDelayMS int64     `json:"next_delay_ms,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// Message converts s to its wire form.
func (s Status) Message() StatusMessage {
	m := StatusMessage{
		State:       s.State.String(),
		URL:         s.URL,
		Generation:  s.Generation,
		Attempt:     s.Attempt,
		NextDelayMS: s.NextDelay.Milliseconds(),
		Reason:      s.Reason.String(),
		Error:       s.Err,
		Text:        s.String(),
		Timestamp:   s.At,
	}
	if s.Kind != KindNone {
		m.ErrorKind = s.Kind.String()
	}
	return m
}
