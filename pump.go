package vcamrelay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/vcam-relay/internal/testpattern"
)

// StateReader is what the Pump needs from the Supervisor.
type StateReader interface {
	State() Status
}

// PumpConfig configures the output pump.
type PumpConfig struct {
	// FreshnessFrames is how many output periods a live frame stays
	// eligible for output. Older frames are replaced by the test pattern.
	FreshnessFrames int
}

// DefaultPumpConfig returns the defaults used by the Relay.
func DefaultPumpConfig() PumpConfig {
	return PumpConfig{FreshnessFrames: 15}
}

// PumpStats are the output counters.
type PumpStats struct {
	LiveFrames    uint64
	PatternFrames uint64
	WriteErrors   uint64
}

// FrameObserver sees every frame written to the sink. live is false for
// test pattern frames. Observers run on the pump goroutine and must return
// quickly; Data must not be modified.
type FrameObserver func(f Frame, live bool)

type patternKey struct {
	width, height int
	label         string
}

// Pump writes exactly one frame per output period to the sink: the latest
// live frame when the source is Connected and the frame is fresh, the test
// pattern otherwise.
type Pump struct {
	slot      *FrameSlot
	state     StateReader
	freshness int

	mu       sync.Mutex
	sink     FrameSink
	format   Format
	observer FrameObserver

	reset    chan struct{}
	patterns map[patternKey][]byte

	live        atomic.Uint64
	pattern     atomic.Uint64
	writeErrors atomic.Uint64
}

// NewPump creates a pump writing to sink at sink.Format().
func NewPump(sink FrameSink, slot *FrameSlot, state StateReader, cfg PumpConfig) (*Pump, error) {
	if sink == nil {
		return nil, fmt.Errorf("vcam-relay: nil sink")
	}
	if slot == nil || state == nil {
		return nil, fmt.Errorf("vcam-relay: pump needs a frame slot and a state reader")
	}
	format := sink.Format()
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if cfg.FreshnessFrames <= 0 {
		cfg.FreshnessFrames = DefaultPumpConfig().FreshnessFrames
	}
	return &Pump{
		slot:      slot,
		state:     state,
		freshness: cfg.FreshnessFrames,
		sink:      sink,
		format:    format,
		reset:     make(chan struct{}, 1),
		patterns:  make(map[patternKey][]byte),
	}, nil
}

// Run ticks at the output rate until ctx is done. It returns nil on
// cancellation and a ClassSinkFatal *Error when the sink fails; output is
// halted from that point.
func (p *Pump) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Format().Period())
	defer ticker.Stop()

	slog.Info("vcam-relay: output pump started", "format", p.Format().String())

	for {
		select {
		case <-ctx.Done():
			slog.Debug("vcam-relay: output pump stopped")
			return nil

		case <-p.reset:
			ticker.Reset(p.Format().Period())

		case now := <-ticker.C:
			if err := p.tick(now); err != nil {
				slog.Error("vcam-relay: sink write failed, output halted",
					"kind", KindOf(err).String(),
					"error", err,
				)
				return err
			}
		}
	}
}

// tick writes one frame.
func (p *Pump) tick(now time.Time) error {
	p.mu.Lock()
	sink := p.sink
	format := p.format
	observer := p.observer

	st := p.state.State()
	frame, live := p.pick(now, st, format)

	err := sink.Write(frame)
	p.mu.Unlock()

	if err != nil {
		p.writeErrors.Add(1)
		if KindOf(err).Class() != ClassSinkFatal {
			err = NewError(KindDeviceUnavailable, "write", "", err)
		}
		return err
	}

	if live {
		p.live.Add(1)
	} else {
		p.pattern.Add(1)
	}
	if observer != nil {
		observer(frame, live)
	}
	return nil
}

func (p *Pump) pick(now time.Time, st Status, format Format) (Frame, bool) {
	if st.State == StateConnected {
		f, gen, ok := p.slot.Latest()
		maxAge := time.Duration(p.freshness) * format.Period()
		if ok && gen == st.Generation && now.Sub(f.Timestamp) <= maxAge {
			return f, true
		}
	}

	return Frame{
		Timestamp: now,
		Width:     format.Width,
		Height:    format.Height,
		Format:    PixelRGB24,
		Data:      p.patternData(format, st.Label()),
		Source:    "testpattern",
	}, false
}

// patternData returns the cached test pattern for format and label.
// Caller holds p.mu.
func (p *Pump) patternData(format Format, label string) []byte {
	key := patternKey{format.Width, format.Height, label}
	if data, ok := p.patterns[key]; ok {
		return data
	}
	// Labels carry attempt counts, so bound the cache.
	if len(p.patterns) >= 8 {
		clear(p.patterns)
	}
	data := testpattern.Render(format.Width, format.Height, label)
	p.patterns[key] = data
	return data
}

// Reconfigure changes the output format. The ticker picks up the new
// period on its next cycle.
func (p *Pump) Reconfigure(f Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.format = f
	p.mu.Unlock()

	select {
	case p.reset <- struct{}{}:
	default:
	}
	return nil
}

// SetSink swaps the sink and adopts its format. It returns the previous
// sink, which is no longer written to once SetSink returns.
func (p *Pump) SetSink(sink FrameSink) (FrameSink, error) {
	if sink == nil {
		return nil, fmt.Errorf("vcam-relay: nil sink")
	}
	format := sink.Format()
	if err := format.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	old := p.sink
	p.sink = sink
	p.format = format
	p.mu.Unlock()

	select {
	case p.reset <- struct{}{}:
	default:
	}
	return old, nil
}

// Observe installs fn as the frame observer; nil removes it.
func (p *Pump) Observe(fn FrameObserver) {
	p.mu.Lock()
	p.observer = fn
	p.mu.Unlock()
}

// Format returns the current output format.
func (p *Pump) Format() Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

// Stats returns the output counters.
func (p *Pump) Stats() PumpStats {
	return PumpStats{
		LiveFrames:    p.live.Load(),
		PatternFrames: p.pattern.Load(),
		WriteErrors:   p.writeErrors.Load(),
	}
}
