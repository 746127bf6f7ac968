package vcamrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/vcam-relay/internal/eventbus"
	"github.com/e7canasta/vcam-relay/internal/reconnect"
)

// SupervisorConfig configures retry and teardown behaviour.
type SupervisorConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxAttempts is the consecutive failure ceiling; 0 retries forever.
	MaxAttempts int
	// CancelGrace bounds how long Stop waits for a session to release.
	CancelGrace time.Duration
	Session     SessionOptions
}

// DefaultSupervisorConfig returns 1s/32s backoff with no ceiling and a 2s
// cancel grace.
func DefaultSupervisorConfig() SupervisorConfig {
	rc := reconnect.DefaultConfig()
	return SupervisorConfig{
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		MaxAttempts:  rc.MaxAttempts,
		CancelGrace:  2 * time.Second,
		Session:      DefaultSessionOptions(),
	}
}

// Validate checks the configuration.
func (c SupervisorConfig) Validate() error {
	if c.InitialDelay <= 0 {
		return fmt.Errorf("vcam-relay: initial delay must be positive, got %s", c.InitialDelay)
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("vcam-relay: max delay %s below initial delay %s", c.MaxDelay, c.InitialDelay)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("vcam-relay: max attempts must be >= 0, got %d", c.MaxAttempts)
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("vcam-relay: cancel grace must be positive, got %s", c.CancelGrace)
	}
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("vcam-relay: connect timeout must be positive, got %s", c.Session.ConnectTimeout)
	}
	if c.Session.StallTimeout < 0 {
		return fmt.Errorf("vcam-relay: stall timeout must be >= 0, got %s", c.Session.StallTimeout)
	}
	return nil
}

func (c SupervisorConfig) reconnect() reconnect.Config {
	return reconnect.Config{
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		MaxAttempts:  c.MaxAttempts,
	}
}

// RetryInfo is a snapshot of the retry state of the current target.
type RetryInfo struct {
	URL       string
	Attempts  int
	LastDelay time.Duration
}

// SupervisorStats are the supervisor counters.
type SupervisorStats struct {
	FramesReceived uint64
	Sessions       uint64
	Reconnects     uint64
	LastErrorKind  ErrorKind
	SourceFPS      float64
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdRestart
	cmdFail
)

type command struct {
	kind   cmdKind
	url    string
	width  int
	height int
	reason FailReason
	err    error
	ack    chan error
	claim  *atomic.Int32
}

const (
	cmdPending int32 = iota
	cmdTaken
	cmdAbandoned
)

// take marks c as consumed by the Run loop. It fails once the sender gave up.
func (c command) take() bool {
	return c.claim.CompareAndSwap(cmdPending, cmdTaken)
}

// abandon withdraws a queued command. It fails once Run took it.
func (c command) abandon() bool {
	return c.claim.CompareAndSwap(cmdPending, cmdAbandoned)
}

// target is one requested URL and the goroutine pursuing it.
type target struct {
	url    string
	epoch  uint64
	retry  *reconnect.State
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *target) alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Supervisor owns the ConnectionState and the session lifecycle.
//
// Control requests (Start, Stop, Restart, Fail) are messages consumed by the
// Run loop, so callers on any goroutine never touch session state directly.
// Each attempt gets a new generation; stopping or replacing a target raises
// the FrameSlot floor past every generation it used.
type Supervisor struct {
	src    FrameSource
	slot   *FrameSlot
	events *eventbus.Bus[Status]

	cmds    chan command
	started chan struct{}
	done    chan struct{}
	running atomic.Bool

	mu     sync.Mutex
	cfg    SupervisorConfig
	epoch  uint64
	status Status
	retry  *reconnect.State

	gen       atomic.Uint64
	frames    atomic.Uint64
	sessions  atomic.Uint64
	failures  atomic.Uint64
	lastKind  atomic.Int64
	sourceFPS atomic.Uint64
}

// NewSupervisor creates a supervisor publishing frames to slot and status
// transitions to events. events may be nil.
func NewSupervisor(src FrameSource, slot *FrameSlot, events *eventbus.Bus[Status], cfg SupervisorConfig) (*Supervisor, error) {
	if src == nil {
		return nil, fmt.Errorf("vcam-relay: nil frame source")
	}
	if slot == nil {
		return nil, fmt.Errorf("vcam-relay: nil frame slot")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if events == nil {
		events = eventbus.New[Status]()
	}
	return &Supervisor{
		src:     src,
		slot:    slot,
		events:  events,
		cmds:    make(chan command, 16),
		started: make(chan struct{}),
		done:    make(chan struct{}),
		cfg:     cfg,
		status:  Status{State: StateIdle, At: time.Now()},
	}, nil
}

// Run processes control requests until ctx is done, then tears down the
// active session with Stop semantics. It can only be called once.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("vcam-relay: supervisor already running")
	}
	close(s.started)
	defer close(s.done)

	var active *target
	for {
		select {
		case <-ctx.Done():
			if active != nil {
				s.halt(active, &Status{State: StateIdle, Reason: ReasonStoppedByUser})
			}
			return nil

		case c := <-s.cmds:
			if !c.take() {
				slog.Debug("vcam-relay: dropping abandoned command", "kind", int(c.kind))
				continue
			}
			var err error
			active, err = s.handle(ctx, active, c)
			c.ack <- err
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, active *target, c command) (*target, error) {
	switch c.kind {
	case cmdStart:
		s.halt(active, nil)
		retry := &reconnect.State{}
		retry.Reset(c.url)
		return s.launch(ctx, c.url, retry, 0), nil

	case cmdStop:
		if active == nil && s.State().State == StateIdle {
			return nil, nil
		}
		s.halt(active, &Status{State: StateIdle, Reason: ReasonStoppedByUser})
		return nil, nil

	case cmdRestart:
		s.mu.Lock()
		s.cfg.Session.Width = c.width
		s.cfg.Session.Height = c.height
		s.mu.Unlock()

		if active == nil || !active.alive() {
			return active, nil
		}
		wait := s.pendingDelay(active.url)
		s.halt(active, nil)
		// Keep the retry state and whatever is left of the backoff: a
		// reconfigure is not a new target.
		return s.launch(ctx, active.url, active.retry, wait), nil

	case cmdFail:
		st := Status{State: StateFailed, Reason: c.reason, Kind: KindOf(c.err)}
		if active != nil {
			st.URL = active.url
		}
		if c.err != nil {
			st.Err = c.err.Error()
		}
		s.halt(active, &st)
		return nil, nil
	}
	return active, fmt.Errorf("vcam-relay: unknown command %d", c.kind)
}

// pendingDelay is the part of the current backoff not yet waited out.
func (s *Supervisor) pendingDelay(url string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State != StateReconnecting || s.status.URL != url {
		return 0
	}
	return max(s.status.NextDelay-time.Since(s.status.At), 0)
}

// launch starts pursuing url after an initial wait.
func (s *Supervisor) launch(ctx context.Context, url string, retry *reconnect.State, wait time.Duration) *target {
	tctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	t := &target{
		url:    url,
		epoch:  s.epoch,
		retry:  retry,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.retry = retry
	s.mu.Unlock()

	go s.runTarget(tctx, t, wait)
	return t
}

// halt invalidates the current epoch, publishes st (if any) before
// cancelling, waits up to CancelGrace for the target to release, and raises
// the slot floor past every generation used so far.
func (s *Supervisor) halt(t *target, st *Status) {
	s.mu.Lock()
	s.epoch++
	if st != nil {
		s.setLocked(*st)
	}
	if st != nil && st.State == StateIdle {
		if s.retry != nil {
			s.retry.Reset("")
		}
	}
	grace := s.cfg.CancelGrace
	s.mu.Unlock()

	if t != nil {
		t.cancel()

		timer := time.NewTimer(grace)
		select {
		case <-t.done:
		case <-timer.C:
			slog.Warn("vcam-relay: session did not release within grace period",
				"url", t.url,
				"grace", grace,
			)
		}
		timer.Stop()
	}

	s.slot.Reset(s.gen.Load() + 1)
}

func (s *Supervisor) runTarget(ctx context.Context, t *target, wait time.Duration) {
	defer close(t.done)

	if wait > 0 {
		if err := reconnect.Wait(ctx, wait); err != nil {
			return
		}
	}

	for {
		gen, ok := s.beginAttempt(t)
		if !ok || ctx.Err() != nil {
			return
		}

		err := s.runSession(ctx, t, gen)
		if ctx.Err() != nil || IsCancelled(err) {
			slog.Debug("vcam-relay: session cancelled", "url", t.url, "generation", gen)
			return
		}

		delay, ok := s.afterFailure(t, gen, err)
		if !ok {
			return
		}
		if err := reconnect.Wait(ctx, delay); err != nil {
			return
		}
	}
}

// beginAttempt allocates the next generation and publishes Connecting.
func (s *Supervisor) beginAttempt(t *target) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.epoch != s.epoch {
		return 0, false
	}
	gen := s.gen.Add(1)
	s.setLocked(Status{
		State:      StateConnecting,
		URL:        t.url,
		Generation: gen,
		Attempt:    t.retry.Attempts,
	})
	return gen, true
}

func (s *Supervisor) markConnected(t *target, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.epoch != s.epoch {
		return false
	}
	t.retry.Success()
	s.setLocked(Status{
		State:      StateConnected,
		URL:        t.url,
		Generation: gen,
	})
	return true
}

// afterFailure records a failed attempt and publishes Reconnecting, or
// Failed when the attempt ceiling is reached.
func (s *Supervisor) afterFailure(t *target, gen uint64, err error) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.epoch != s.epoch {
		return 0, false
	}

	kind := KindOf(err)
	s.failures.Add(1)
	s.lastKind.Store(int64(kind))

	attempt, delay, exhausted := t.retry.Failure(s.cfg.reconnect())
	st := Status{
		URL:        t.url,
		Generation: gen,
		Attempt:    attempt,
		Kind:       kind,
	}
	if err != nil {
		st.Err = err.Error()
	}

	if exhausted {
		st.State = StateFailed
		st.Reason = ReasonExhausted
		s.setLocked(st)
		return 0, false
	}

	st.State = StateReconnecting
	st.NextDelay = delay
	s.setLocked(st)
	return delay, true
}

func (s *Supervisor) runSession(ctx context.Context, t *target, gen uint64) error {
	s.mu.Lock()
	opts := s.cfg.Session
	grace := s.cfg.CancelGrace
	s.mu.Unlock()

	sess, err := OpenSession(ctx, s.src, t.url, gen, opts)
	if err != nil {
		return err
	}
	s.sessions.Add(1)
	defer release(sess, grace)

	connected := false
	for {
		f, err := sess.Next(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.slot.Publish(gen, f) {
			continue
		}
		s.frames.Add(1)

		if !connected {
			connected = true
			if !s.markConnected(t, gen) {
				return NewError(KindCancelled, "read", t.url, errors.New("target superseded"))
			}
		}
		if fps := sess.SourceFPS(); fps > 0 {
			s.sourceFPS.Store(math.Float64bits(fps))
		}
	}
}

// release closes sess and waits up to grace for its read goroutine.
func release(sess *Session, grace time.Duration) {
	closed := make(chan struct{})
	go func() {
		if err := sess.Close(); err != nil {
			slog.Debug("vcam-relay: session close error", "url", sess.URL, "error", err)
		}
		close(closed)
	}()

	deadline := time.Now().Add(grace)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-closed:
	case <-timer.C:
		slog.Warn("vcam-relay: source close timed out", "url", sess.URL, "grace", grace)
		return
	}
	if !sess.Wait(time.Until(deadline)) {
		slog.Warn("vcam-relay: source read did not return within grace period",
			"url", sess.URL,
			"generation", sess.Generation,
		)
	}
}

// setLocked records and publishes a transition. Every transition produces
// exactly one log record. Caller holds s.mu.
func (s *Supervisor) setLocked(st Status) {
	st.At = time.Now()
	s.status = st

	switch st.State {
	case StateIdle:
		slog.Info("vcam-relay: idle", "reason", st.Reason.String())
	case StateConnecting:
		slog.Info("vcam-relay: connecting",
			"url", st.URL,
			"generation", st.Generation,
			"attempt", st.Attempt,
		)
	case StateConnected:
		slog.Info("vcam-relay: connected", "url", st.URL, "generation", st.Generation)
	case StateReconnecting:
		slog.Warn("vcam-relay: stream lost, reconnecting",
			"url", st.URL,
			"kind", st.Kind.String(),
			"attempt", st.Attempt,
			"delay", st.NextDelay,
			"error", st.Err,
		)
	case StateFailed:
		slog.Error("vcam-relay: failed",
			"url", st.URL,
			"reason", st.Reason.String(),
			"kind", st.Kind.String(),
			"attempt", st.Attempt,
			"error", st.Err,
		)
	}

	s.events.Publish(st)
}

func (s *Supervisor) send(c command) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	c.ack = make(chan error, 1)
	c.claim = new(atomic.Int32)

	s.mu.Lock()
	timeout := s.cfg.CancelGrace*2 + 5*time.Second
	s.mu.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.cmds <- c:
	case <-s.done:
		return ErrNotRunning
	case <-timer.C:
		return fmt.Errorf("vcam-relay: supervisor not responding after %s", timeout)
	}

	select {
	case err := <-c.ack:
		return err
	case <-s.done:
		if c.abandon() {
			return ErrNotRunning
		}
	case <-timer.C:
		if c.abandon() {
			return fmt.Errorf("vcam-relay: supervisor not responding after %s", timeout)
		}
	}

	// Run already took the command; report its outcome.
	select {
	case err := <-c.ack:
		return err
	case <-s.done:
		return ErrNotRunning
	}
}

// Start connects to url, replacing any active target. It returns once the
// previous session (if any) was released and the new target is Connecting.
func (s *Supervisor) Start(url string) error {
	if url == "" {
		return ErrEmptyURL
	}
	return s.send(command{kind: cmdStart, url: url})
}

// Stop cancels the active session and enters Idle. The wait for the session
// to release is bounded by CancelGrace. Stop in Idle is a no-op transition.
func (s *Supervisor) Stop() error {
	return s.send(command{kind: cmdStop})
}

// Restart reopens the active target at a new output resolution, keeping its
// retry state. Idle and Failed supervisors only record the resolution.
func (s *Supervisor) Restart(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("vcam-relay: invalid resolution %dx%d", width, height)
	}
	return s.send(command{kind: cmdRestart, width: width, height: height})
}

// Fail tears down the active target and enters Failed with reason.
func (s *Supervisor) Fail(reason FailReason, err error) error {
	return s.send(command{kind: cmdFail, reason: reason, err: err})
}

// Started is closed once Run accepts control requests. Requests made before
// that fail with ErrNotRunning.
func (s *Supervisor) Started() <-chan struct{} {
	return s.started
}

// State returns the current status.
func (s *Supervisor) State() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Retry returns the retry state of the current target.
func (s *Supervisor) Retry() RetryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry == nil {
		return RetryInfo{}
	}
	return RetryInfo{
		URL:       s.retry.URL,
		Attempts:  s.retry.Attempts,
		LastDelay: s.retry.LastDelay,
	}
}

// Stats returns the supervisor counters.
func (s *Supervisor) Stats() SupervisorStats {
	return SupervisorStats{
		FramesReceived: s.frames.Load(),
		Sessions:       s.sessions.Load(),
		Reconnects:     s.failures.Load(),
		LastErrorKind:  ErrorKind(s.lastKind.Load()),
		SourceFPS:      math.Float64frombits(s.sourceFPS.Load()),
	}
}
