// Package vcam is the virtual camera output. Frames are pushed through a
// GStreamer pipeline into a v4l2loopback device:
//
//	appsrc(RGB,W,H,fps) → videoconvert → v4l2sink(device)
//
// Frames whose size differs from the sink format are letterboxed before they
// are pushed. Discard is a sink without a device for headless runs.
package vcam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	vcamrelay "github.com/e7canasta/vcam-relay"
	"github.com/e7canasta/vcam-relay/internal/rgb"
)

// Config contains output device settings
type Config struct {
	Device string // v4l2loopback node, e.g. /dev/video10
}

var initOnce sync.Once

// Sink writes frames to a v4l2loopback device.
type Sink struct {
	cfg Config

	mu       sync.Mutex
	format   vcamrelay.Format
	elements *pipelineElements
	failed   error
	closed   bool

	stopMonitor context.CancelFunc
	monitorDone chan struct{}
}

// Open validates the format and starts the output pipeline.
func Open(cfg Config, f vcamrelay.Format) (*Sink, error) {
	if cfg.Device == "" {
		return nil, vcamrelay.NewError(vcamrelay.KindDeviceUnavailable, "open", "", errors.New("device is required"))
	}
	if err := f.Validate(); err != nil {
		return nil, vcamrelay.NewError(vcamrelay.KindFormatMismatch, "open", cfg.Device, err)
	}

	initOnce.Do(func() { gst.Init(nil) })

	s := &Sink{cfg: cfg}
	if err := s.start(f); err != nil {
		return nil, err
	}
	return s, nil
}

// Opener returns a SinkOpener for the Relay.
func Opener(cfg Config) vcamrelay.SinkOpener {
	return func(f vcamrelay.Format) (vcamrelay.FrameSink, error) {
		return Open(cfg, f)
	}
}

// start builds and plays the pipeline for f. Caller holds mu or owns s.
func (s *Sink) start(f vcamrelay.Format) error {
	elements, err := createPipeline(s.cfg.Device, f)
	if err != nil {
		return vcamrelay.NewError(vcamrelay.KindDeviceUnavailable, "open", s.cfg.Device, err)
	}

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		elements.Pipeline.SetState(gst.StateNull)
		return vcamrelay.NewError(vcamrelay.KindDeviceUnavailable, "open", s.cfg.Device,
			fmt.Errorf("failed to start pipeline: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := monitorBus(ctx, elements.Pipeline, s.cfg.Device); err != nil {
			s.mu.Lock()
			if s.failed == nil {
				s.failed = err
			}
			s.mu.Unlock()
		}
	}()

	s.format = f
	s.elements = elements
	s.failed = nil
	s.stopMonitor = cancel
	s.monitorDone = done

	slog.Info("vcam: output opened",
		"device", s.cfg.Device,
		"format", f.String(),
	)
	return nil
}

// stop tears the pipeline down. Caller holds mu; it is released while the
// bus monitor drains, since the monitor takes mu to record an error.
func (s *Sink) stop() error {
	elements := s.elements
	if elements == nil {
		return nil
	}
	s.elements = nil

	elements.AppSrc.EndStream()

	cancel, done := s.stopMonitor, s.monitorDone
	s.mu.Unlock()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		slog.Warn("vcam: bus monitor did not stop", "device", s.cfg.Device)
	}
	s.mu.Lock()

	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// Format returns the current output format.
func (s *Sink) Format() vcamrelay.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Write pushes one frame, letterboxing it to the output size if needed.
func (s *Sink) Write(f vcamrelay.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.elements == nil {
		return vcamrelay.NewError(vcamrelay.KindDeviceUnavailable, "write", s.cfg.Device, errors.New("sink closed"))
	}
	if s.failed != nil {
		return s.failed
	}

	data, err := conform(f, s.format)
	if err != nil {
		return vcamrelay.NewError(vcamrelay.KindFormatMismatch, "write", s.cfg.Device, err)
	}

	if ret := s.elements.AppSrc.PushBuffer(gst.NewBufferFromBytes(data)); ret != gst.FlowOK {
		s.failed = vcamrelay.NewError(vcamrelay.KindDeviceUnavailable, "write", s.cfg.Device,
			fmt.Errorf("push buffer: %s", ret))
		return s.failed
	}
	return nil
}

// Reconfigure rebuilds the pipeline with a new format. The device stays
// the same.
func (s *Sink) Reconfigure(f vcamrelay.Format) error {
	if err := f.Validate(); err != nil {
		return vcamrelay.NewError(vcamrelay.KindFormatMismatch, "reconfigure", s.cfg.Device, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vcamrelay.NewError(vcamrelay.KindDeviceUnavailable, "reconfigure", s.cfg.Device, errors.New("sink closed"))
	}

	old := s.format
	if err := s.stop(); err != nil {
		slog.Warn("vcam: failed to stop pipeline", "device", s.cfg.Device, "error", err)
	}
	if err := s.start(f); err != nil {
		return err
	}

	slog.Info("vcam: output reconfigured",
		"device", s.cfg.Device,
		"from", old.String(),
		"to", f.String(),
	)
	return nil
}

// Close stops the pipeline. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.stop()
	slog.Info("vcam: output closed", "device", s.cfg.Device)
	return err
}

func checkFrame(f vcamrelay.Frame) error {
	if f.Format != vcamrelay.PixelRGB24 {
		return fmt.Errorf("unsupported pixel format %s", f.Format)
	}
	if len(f.Data) != rgb.Size(f.Width, f.Height) {
		return fmt.Errorf("frame data is %d bytes, want %d for %dx%d",
			len(f.Data), rgb.Size(f.Width, f.Height), f.Width, f.Height)
	}
	return nil
}

// conform returns f's pixels at the size of format, letterboxing when the
// sizes differ.
func conform(f vcamrelay.Frame, format vcamrelay.Format) ([]byte, error) {
	if err := checkFrame(f); err != nil {
		return nil, err
	}
	return rgb.Letterbox(f.Data, f.Width, f.Height, format.Width, format.Height), nil
}
