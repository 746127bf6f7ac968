package vcam

import (
	"errors"
	"sync"

	vcamrelay "github.com/e7canasta/vcam-relay"
)

// Discard is a sink that validates and drops frames. It backs headless runs
// and tests.
type Discard struct {
	mu      sync.Mutex
	format  vcamrelay.Format
	written uint64
	closed  bool
}

// NewDiscard creates a Discard sink for f.
func NewDiscard(f vcamrelay.Format) (*Discard, error) {
	if err := f.Validate(); err != nil {
		return nil, vcamrelay.NewError(vcamrelay.KindFormatMismatch, "open", "discard", err)
	}
	return &Discard{format: f}, nil
}

// DiscardOpener returns a SinkOpener creating Discard sinks.
func DiscardOpener() vcamrelay.SinkOpener {
	return func(f vcamrelay.Format) (vcamrelay.FrameSink, error) {
		return NewDiscard(f)
	}
}

func (d *Discard) Format() vcamrelay.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

func (d *Discard) Write(f vcamrelay.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return vcamrelay.NewError(vcamrelay.KindDeviceUnavailable, "write", "discard", errors.New("sink closed"))
	}
	if err := checkFrame(f); err != nil {
		return vcamrelay.NewError(vcamrelay.KindFormatMismatch, "write", "discard", err)
	}
	d.written++
	return nil
}

func (d *Discard) Reconfigure(f vcamrelay.Format) error {
	if err := f.Validate(); err != nil {
		return vcamrelay.NewError(vcamrelay.KindFormatMismatch, "reconfigure", "discard", err)
	}
	d.mu.Lock()
	d.format = f
	d.mu.Unlock()
	return nil
}

// Written returns the number of accepted frames.
func (d *Discard) Written() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written
}

func (d *Discard) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
