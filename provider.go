package vcamrelay

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// OpenOptions are the parameters a FrameSource receives for one connection.
type OpenOptions struct {
	// ConnectTimeout bounds the whole open: DNS, transport handshake and the
	// first decoded frame. The context passed to Open carries the same deadline.
	ConnectTimeout time.Duration

	// Width and Height are the output resolution. Sources that can scale in
	// their decode pipeline should deliver frames at this size; others may
	// deliver native frames and leave letterboxing to the sink.
	Width  int
	Height int
}

// FrameSource opens connections to a stream URL.
//
// Implementations must guarantee:
//   - Open honours ctx: cancellation or deadline makes it return promptly
//   - Open returns a handle only once the stream is actually decoding
//   - errors are classified (*Error) or classifiable by KindOf
type FrameSource interface {
	// Open connects to url and returns a handle delivering decoded frames.
	//
	// Returns an *Error with a connect kind (Unreachable, Timeout,
	// AuthRejected) when the stream cannot be established.
	Open(ctx context.Context, url string, opts OpenOptions) (SourceHandle, error)
}

// SourceHandle is one live connection opened by a FrameSource.
type SourceHandle interface {
	// Read blocks until the next decoded frame is available.
	//
	// Returns io.EOF when the stream ended, ctx.Err() when ctx is done, or a
	// stream error (Protocol, Decode). Frames carry RGB24 data and a
	// capture timestamp; Seq and TraceID are filled by the Session.
	Read(ctx context.Context) (Frame, error)

	// Close releases the connection. It must unblock a pending Read and be
	// safe to call more than once.
	Close() error
}

// FrameSink is the virtual camera output.
//
// Write is called from a single goroutine (the Pump) at the output rate.
// Implementations must convert or letterbox frames whose size differs from
// Format(); a Write error is treated as fatal for the sink.
type FrameSink interface {
	// Format returns the format the sink was opened with.
	Format() Format

	// Write delivers one frame to the device.
	//
	// Returns an *Error of kind DeviceUnavailable or FormatMismatch on
	// failure.
	Write(f Frame) error

	// Close releases the device. Idempotent.
	Close() error
}

// Reconfigurable is implemented by sinks that can change format in place.
type Reconfigurable interface {
	Reconfigure(f Format) error
}

// SinkOpener opens a new sink for a format. The Relay uses it to reopen the
// output on Reconfigure when the sink is not Reconfigurable, and to recover
// after a sink failure.
type SinkOpener func(f Format) (FrameSink, error)

// SourceMux routes Open to a FrameSource by URL scheme.
type SourceMux struct {
	sources  map[string]FrameSource
	fallback FrameSource
}

// NewSourceMux creates a mux. fallback serves schemes with no explicit
// route; it may be nil.
func NewSourceMux(fallback FrameSource) *SourceMux {
	return &SourceMux{
		sources:  make(map[string]FrameSource),
		fallback: fallback,
	}
}

// Handle routes scheme (case-insensitive, without "://") to src.
func (m *SourceMux) Handle(scheme string, src FrameSource) {
	m.sources[strings.ToLower(scheme)] = src
}

// Open implements FrameSource.
func (m *SourceMux) Open(ctx context.Context, rawURL string, opts OpenOptions) (SourceHandle, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, NewError(KindProtocol, "open", rawURL, fmt.Errorf("invalid url: %w", err))
	}

	src, ok := m.sources[strings.ToLower(u.Scheme)]
	if !ok {
		src = m.fallback
	}
	if src == nil {
		return nil, NewError(KindProtocol, "open", rawURL, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	return src.Open(ctx, rawURL, opts)
}
