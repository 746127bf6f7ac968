package gstsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	vcamrelay "github.com/e7canasta/vcam-relay"
)

// Config contains decoder settings
type Config struct {
	Transport   string // tcp, udp, auto
	LatencyMS   int    // rtspsrc jitter buffer
	FrameBuffer int    // decoded frames queued between appsink and Read
}

// DefaultConfig returns TCP transport with a 50ms jitter buffer.
func DefaultConfig() Config {
	return Config{
		Transport:   "tcp",
		LatencyMS:   50,
		FrameBuffer: 2,
	}
}

var initOnce sync.Once

// Source opens GStreamer decode pipelines.
type Source struct {
	cfg Config

	opened  atomic.Uint64
	dropped atomic.Uint64
}

// New creates a Source.
func New(cfg Config) *Source {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = DefaultConfig().FrameBuffer
	}
	if cfg.Transport == "" {
		cfg.Transport = DefaultConfig().Transport
	}
	return &Source{cfg: cfg}
}

// Open builds and starts a pipeline for url and waits for the first decoded
// frame. The wait is bounded by ctx, which carries the connect timeout.
func (s *Source) Open(ctx context.Context, url string, opts vcamrelay.OpenOptions) (vcamrelay.SourceHandle, error) {
	initOnce.Do(func() { gst.Init(nil) })

	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, vcamrelay.NewError(vcamrelay.KindProtocol, "open", url,
			fmt.Errorf("invalid output size %dx%d", opts.Width, opts.Height))
	}

	h := &handle{
		url:     url,
		width:   opts.Width,
		height:  opts.Height,
		frames:  make(chan vcamrelay.Frame, s.cfg.FrameBuffer),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
		dropped: &s.dropped,
	}

	elements, err := createPipeline(pipelineConfig{
		URL:            url,
		Width:          opts.Width,
		Height:         opts.Height,
		Transport:      s.cfg.Transport,
		LatencyMS:      s.cfg.LatencyMS,
		ConnectTimeout: opts.ConnectTimeout,
	}, h)
	if err != nil {
		return nil, vcamrelay.NewError(vcamrelay.KindProtocol, "open", url, err)
	}
	h.elements = elements

	mctx, cancel := context.WithCancel(context.Background())
	h.stopMonitor = cancel
	h.monitorDone = make(chan struct{})
	go func() {
		defer close(h.monitorDone)
		if err := monitorBus(mctx, elements.Pipeline, url); err != nil {
			h.fail(err)
		}
	}()

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		h.Close()
		return nil, vcamrelay.NewError(vcamrelay.KindProtocol, "open", url,
			fmt.Errorf("failed to start pipeline: %w", err))
	}

	select {
	case f := <-h.frames:
		h.first = &f
	case err := <-h.errs:
		h.Close()
		return nil, err
	case <-ctx.Done():
		h.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, vcamrelay.NewError(vcamrelay.KindTimeout, "open", url,
				fmt.Errorf("no video within %s", opts.ConnectTimeout))
		}
		return nil, vcamrelay.NewError(vcamrelay.KindCancelled, "open", url, ctx.Err())
	}

	s.opened.Add(1)
	slog.Info("gstsource: stream opened",
		"url", url,
		"width", opts.Width,
		"height", opts.Height,
		"transport", s.cfg.Transport,
	)
	return h, nil
}

// Dropped returns the number of decoded frames dropped because Read fell
// behind.
func (s *Source) Dropped() uint64 {
	return s.dropped.Load()
}

// handle is one running pipeline.
type handle struct {
	url           string
	width, height int
	elements      *pipelineElements

	frames  chan vcamrelay.Frame
	errs    chan error
	first   *vcamrelay.Frame
	dropped *atomic.Uint64

	stopMonitor context.CancelFunc
	monitorDone chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func (h *handle) Read(ctx context.Context) (vcamrelay.Frame, error) {
	if f := h.first; f != nil {
		h.first = nil
		return *f, nil
	}

	select {
	case f := <-h.frames:
		return f, nil
	case err := <-h.errs:
		return vcamrelay.Frame{}, err
	case <-ctx.Done():
		return vcamrelay.Frame{}, ctx.Err()
	case <-h.closed:
		return vcamrelay.Frame{}, vcamrelay.NewError(vcamrelay.KindCancelled, "read", h.url, errors.New("source closed"))
	}
}

// push is called from the appsink streaming thread. The newest frame wins:
// when the queue is full the oldest queued frame is dropped.
func (h *handle) push(f vcamrelay.Frame) {
	for {
		select {
		case h.frames <- f:
			return
		default:
		}
		select {
		case <-h.frames:
			h.dropped.Add(1)
		default:
		}
	}
}

// fail records the first pipeline error for Read.
func (h *handle) fail(err error) {
	select {
	case h.errs <- err:
	default:
	}
}

func (h *handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)
		if h.stopMonitor != nil {
			h.stopMonitor()
			select {
			case <-h.monitorDone:
			case <-time.After(time.Second):
				slog.Warn("gstsource: bus monitor did not stop", "url", h.url)
			}
		}
		err = destroyPipeline(h.elements)
		slog.Debug("gstsource: pipeline destroyed", "url", h.url)
	})
	return err
}
