package httpapi

import (
	"bytes"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	vcamrelay "github.com/e7canasta/vcam-relay"
	"github.com/e7canasta/vcam-relay/internal/rgb"
)

// PreviewFrame is one msgpack message on /ws/preview.
type PreviewFrame struct {
	Seq       uint64 `msgpack:"seq"`
	Timestamp int64  `msgpack:"ts_ms"`
	Width     int    `msgpack:"width"`
	Height    int    `msgpack:"height"`
	Live      bool   `msgpack:"live"`
	Source    string `msgpack:"source"`
	JPEG      []byte `msgpack:"jpeg"`
}

// Preview samples frames written to the sink at a low rate and keeps the
// latest one encoded as a JPEG thumbnail. Encoding happens on its own
// goroutine; the observer only hands the sampled frame over.
type Preview struct {
	interval time.Duration
	width    int
	encode   func(f vcamrelay.Frame, width int) (*PreviewFrame, error)

	// one slot, newest sample wins
	pending chan sample
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu      sync.Mutex
	last    time.Time
	current *PreviewFrame
	seq     uint64
	changed chan struct{}
}

type sample struct {
	frame vcamrelay.Frame
	live  bool
}

// NewPreview samples at fps frames per second, downscaled to width. Close
// stops the encoder.
func NewPreview(fps float64, width int) *Preview {
	p := &Preview{
		interval: time.Duration(float64(time.Second) / fps),
		width:    width,
		encode:   encodeThumbnail,
		pending:  make(chan sample, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		changed:  make(chan struct{}),
	}
	go p.run()
	return p
}

// Observe is installed as the relay's frame observer. It runs on the pump
// goroutine and only does a time check and a non-blocking handoff.
func (p *Preview) Observe(f vcamrelay.Frame, live bool) {
	now := time.Now()
	p.mu.Lock()
	if !p.last.IsZero() && now.Sub(p.last) < p.interval {
		p.mu.Unlock()
		return
	}
	p.last = now
	p.mu.Unlock()

	s := sample{frame: f, live: live}
	select {
	case p.pending <- s:
		return
	default:
	}
	// The encoder is behind: replace the queued sample.
	select {
	case <-p.pending:
	default:
	}
	select {
	case p.pending <- s:
	default:
	}
}

// Close stops the encoder goroutine.
func (p *Preview) Close() {
	p.once.Do(func() { close(p.stop) })
	<-p.stopped
}

func (p *Preview) run() {
	defer close(p.stopped)

	for {
		select {
		case <-p.stop:
			return
		case s := <-p.pending:
			frame, err := p.encode(s.frame, p.width)
			if err != nil {
				slog.Debug("httpapi: preview encode failed", "error", err)
				continue
			}
			frame.Live = s.live
			p.publish(frame)
		}
	}
}

func (p *Preview) publish(frame *PreviewFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	frame.Seq = p.seq
	p.current = frame
	close(p.changed)
	p.changed = make(chan struct{})
}

func encodeThumbnail(f vcamrelay.Frame, width int) (*PreviewFrame, error) {
	thumb := rgb.Thumbnail(f.Data, f.Width, f.Height, width)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 70}); err != nil {
		return nil, err
	}

	b := thumb.Bounds()
	return &PreviewFrame{
		Timestamp: f.Timestamp.UnixMilli(),
		Width:     b.Dx(),
		Height:    b.Dy(),
		Source:    f.Source,
		JPEG:      buf.Bytes(),
	}, nil
}

// Latest returns the current preview frame (nil before the first sample)
// and a channel closed when it is replaced.
func (p *Preview) Latest() (*PreviewFrame, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.changed
}
