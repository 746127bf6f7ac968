package vcamrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/vcam-relay/internal/eventbus"
)

// Config contains the relay configuration.
type Config struct {
	Output Format

	// FreshnessFrames is how many output periods a live frame may be
	// repeated before the test pattern replaces it.
	FreshnessFrames int

	ConnectTimeout time.Duration
	StallTimeout   time.Duration

	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int // 0 = retry forever

	CancelGrace time.Duration

	HistoryFile string
	HistorySize int
}

// DefaultConfig returns 1920x1080@30 output, 5s connect and stall
// timeouts, 1s/32s backoff without ceiling and a 2s cancel grace.
func DefaultConfig() Config {
	sup := DefaultSupervisorConfig()
	return Config{
		Output:          Format{Width: 1920, Height: 1080, FPS: 30},
		FreshnessFrames: DefaultPumpConfig().FreshnessFrames,
		ConnectTimeout:  sup.Session.ConnectTimeout,
		StallTimeout:    sup.Session.StallTimeout,
		InitialDelay:    sup.InitialDelay,
		MaxDelay:        sup.MaxDelay,
		MaxAttempts:     sup.MaxAttempts,
		CancelGrace:     sup.CancelGrace,
		HistorySize:     DefaultHistorySize,
	}
}

// Validate applies fail-fast checks.
func (c Config) Validate() error {
	if err := c.Output.Validate(); err != nil {
		return err
	}
	if c.FreshnessFrames < 0 {
		return fmt.Errorf("vcam-relay: freshness frames must be >= 0, got %d", c.FreshnessFrames)
	}
	if c.HistorySize < 0 {
		return fmt.Errorf("vcam-relay: history size must be >= 0, got %d", c.HistorySize)
	}
	return c.supervisor().Validate()
}

func (c Config) supervisor() SupervisorConfig {
	opts := DefaultSessionOptions()
	opts.ConnectTimeout = c.ConnectTimeout
	opts.StallTimeout = c.StallTimeout
	opts.Width = c.Output.Width
	opts.Height = c.Output.Height

	return SupervisorConfig{
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		MaxAttempts:  c.MaxAttempts,
		CancelGrace:  c.CancelGrace,
		Session:      opts,
	}
}

// Option customises a Relay.
type Option func(*Relay)

// WithSinkOpener sets the function used to reopen the output on
// Reconfigure when the sink cannot change format in place.
func WithSinkOpener(open SinkOpener) Option {
	return func(r *Relay) {
		r.openSink = open
	}
}

// WithHistory replaces the history built from Config.HistoryFile.
func WithHistory(h *History) Option {
	return func(r *Relay) {
		r.history = h
	}
}

// Relay is the control surface: it wires the Supervisor, the FrameSlot and
// the Pump to one source and one sink and exposes the operations a user
// interface needs.
type Relay struct {
	cfg      Config
	slot     *FrameSlot
	events   *eventbus.Bus[Status]
	sup      *Supervisor
	pump     *Pump
	history  *History
	openSink SinkOpener

	running    atomic.Bool
	ready      chan struct{}
	readyOnce  sync.Once
	sinkFailed atomic.Bool
	started    atomic.Int64 // unix nanos
	subs       atomic.Uint64

	// reconfMu serialises Reconfigure; mu guards the fields below
	reconfMu   sync.Mutex
	mu         sync.Mutex
	sink       FrameSink
	runCtx     context.Context
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

// New creates a relay reading from src and writing to sink. The sink must
// already be open at cfg.Output.
func New(cfg Config, src FrameSource, sink FrameSink, opts ...Option) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("vcam-relay: nil sink")
	}
	if sink.Format() != cfg.Output {
		return nil, NewError(KindFormatMismatch, "new", "",
			fmt.Errorf("sink opened at %s, config wants %s", sink.Format(), cfg.Output))
	}

	r := &Relay{
		cfg:    cfg,
		slot:   NewFrameSlot(),
		events: eventbus.New[Status](),
		sink:   sink,
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	sup, err := NewSupervisor(src, r.slot, r.events, cfg.supervisor())
	if err != nil {
		return nil, err
	}
	r.sup = sup

	pump, err := NewPump(sink, r.slot, sup, PumpConfig{FreshnessFrames: cfg.FreshnessFrames})
	if err != nil {
		return nil, err
	}
	r.pump = pump

	if r.history == nil {
		r.history = NewHistory(cfg.HistoryFile, cfg.HistorySize)
		if err := r.history.Load(); err != nil {
			slog.Warn("vcam-relay: history not loaded", "path", cfg.HistoryFile, "error", err)
		}
	}

	return r, nil
}

// Run drives the relay until ctx is done. Before returning it stops the
// active session (bounded by CancelGrace), stops the pump and closes the
// sink. A sink failure does not end Run: output halts and the relay waits
// for Reconfigure.
func (r *Relay) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("vcam-relay: relay already running")
	}
	defer r.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.started.Store(time.Now().UnixNano())
	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()

	supDone := make(chan error, 1)
	go func() {
		supDone <- r.sup.Run(ctx)
	}()
	<-r.sup.Started()
	r.startPump()
	r.readyOnce.Do(func() { close(r.ready) })

	slog.Info("vcam-relay: relay running", "output", r.cfg.Output.String())

	<-ctx.Done()

	// The supervisor tears down the session with stop semantics on ctx done.
	if err := <-supDone; err != nil {
		slog.Warn("vcam-relay: supervisor exited with error", "error", err)
	}
	r.stopPump()

	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if err := sink.Close(); err != nil {
		slog.Warn("vcam-relay: closing sink", "error", err)
	}

	if err := r.history.Save(); err != nil {
		slog.Warn("vcam-relay: saving history", "error", err)
	}
	r.events.Close()

	slog.Info("vcam-relay: relay stopped")
	return nil
}

// Ready is closed once Run has started and control calls are accepted.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

func (r *Relay) startPump() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runCtx == nil || r.runCtx.Err() != nil || r.pumpDone != nil {
		return
	}
	pctx, cancel := context.WithCancel(r.runCtx)
	done := make(chan struct{})
	r.pumpCancel = cancel
	r.pumpDone = done

	go func() {
		defer close(done)
		if err := r.pump.Run(pctx); err != nil {
			r.sinkFatal(err)
		}
	}()
}

func (r *Relay) stopPump() {
	r.mu.Lock()
	cancel, done := r.pumpCancel, r.pumpDone
	r.pumpCancel, r.pumpDone = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// sinkFatal runs on the pump goroutine after the sink failed.
func (r *Relay) sinkFatal(err error) {
	r.sinkFailed.Store(true)

	if ferr := r.sup.Fail(ReasonSinkFatal, err); ferr != nil && !errors.Is(ferr, ErrNotRunning) {
		slog.Warn("vcam-relay: could not stop source after sink failure", "error", ferr)
	}

	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if cerr := sink.Close(); cerr != nil {
		slog.Debug("vcam-relay: closing failed sink", "error", cerr)
	}
}

// Start connects to url, replacing the current stream, and records url in
// the history.
func (r *Relay) Start(url string) error {
	if url == "" {
		return ErrEmptyURL
	}
	if !r.running.Load() {
		return ErrNotRunning
	}
	if r.sinkFailed.Load() {
		return ErrSinkFailed
	}

	if err := r.sup.Start(url); err != nil {
		return err
	}

	r.history.Add(url)
	if err := r.history.Save(); err != nil {
		slog.Warn("vcam-relay: saving history", "error", err)
	}
	return nil
}

// Stop disconnects and enters Idle. The sink keeps receiving the test
// pattern.
func (r *Relay) Stop() error {
	if !r.running.Load() {
		return ErrNotRunning
	}
	return r.sup.Stop()
}

// Reconfigure changes the output format. The pump is paused, the sink is
// reconfigured or reopened, the active session (if any) is restarted at the
// new resolution and the pump resumes. Reconfigure also recovers from a
// sink failure.
func (r *Relay) Reconfigure(width, height int, fps float64) error {
	f := Format{Width: width, Height: height, FPS: fps}
	if err := f.Validate(); err != nil {
		return err
	}

	r.reconfMu.Lock()
	defer r.reconfMu.Unlock()

	r.stopPump()

	r.mu.Lock()
	current := r.sink
	r.mu.Unlock()

	next, err := r.reopenSink(current, f)
	if err != nil {
		if !r.sinkFailed.Load() {
			r.startPump()
		}
		return err
	}

	old, err := r.pump.SetSink(next)
	if err != nil {
		if !r.sinkFailed.Load() {
			r.startPump()
		}
		return err
	}
	if old != nil && old != next {
		if err := old.Close(); err != nil {
			slog.Debug("vcam-relay: closing previous sink", "error", err)
		}
	}

	r.mu.Lock()
	r.sink = next
	r.cfg.Output = f
	r.mu.Unlock()
	r.sinkFailed.Store(false)

	if r.running.Load() {
		if err := r.sup.Restart(width, height); err != nil {
			slog.Warn("vcam-relay: restarting session after reconfigure", "error", err)
		}
	}
	r.startPump()

	slog.Info("vcam-relay: output reconfigured", "format", f.String())
	return nil
}

func (r *Relay) reopenSink(current FrameSink, f Format) (FrameSink, error) {
	if rc, ok := current.(Reconfigurable); ok && !r.sinkFailed.Load() {
		err := rc.Reconfigure(f)
		if err == nil {
			return current, nil
		}
		if r.openSink == nil {
			return nil, err
		}
		slog.Warn("vcam-relay: in-place reconfigure failed, reopening sink", "error", err)
	}
	if r.openSink == nil {
		return nil, fmt.Errorf("vcam-relay: sink cannot be reconfigured and no opener is set")
	}
	if !r.sinkFailed.Load() {
		// Release the device before reopening it.
		if err := current.Close(); err != nil {
			slog.Debug("vcam-relay: closing sink before reopen", "error", err)
		}
	}
	return r.openSink(f)
}

// State returns the current connection status.
func (r *Relay) State() Status {
	return r.sup.State()
}

// Subscribe returns a channel of status transitions and a function that
// unsubscribes. Slow subscribers lose events rather than blocking the relay.
func (r *Relay) Subscribe(name string) (<-chan Status, func()) {
	ch := make(chan Status, 32)
	id := fmt.Sprintf("%s-%d", name, r.subs.Add(1))
	if err := r.events.Subscribe(id, ch); err != nil {
		slog.Debug("vcam-relay: subscribe failed", "id", id, "error", err)
		close(ch)
		return ch, func() {}
	}
	return ch, func() {
		r.events.Unsubscribe(id)
	}
}

// History returns the recent URLs, most recent first.
func (r *Relay) History() []string {
	return r.history.List()
}

// Preview installs fn to observe every frame written to the sink.
func (r *Relay) Preview(fn FrameObserver) {
	r.pump.Observe(fn)
}

// Output returns the current output format.
func (r *Relay) Output() Format {
	return r.pump.Format()
}
