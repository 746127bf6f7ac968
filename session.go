package vcamrelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/vcam-relay/internal/warmup"
)

// SessionOptions configure one Session.
type SessionOptions struct {
	ConnectTimeout time.Duration
	// StallTimeout is how long Next waits for a frame before the session is
	// declared dead with KindTimeout. Zero disables stall detection.
	StallTimeout time.Duration
	Width        int
	Height       int
	// RateFrames and RateWindow bound the source frame-rate measurement
	// taken at the start of the session.
	RateFrames int
	RateWindow time.Duration
}

// DefaultSessionOptions returns the defaults used by the Relay.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ConnectTimeout: 5 * time.Second,
		StallTimeout:   5 * time.Second,
		Width:          1920,
		Height:         1080,
		RateFrames:     50,
		RateWindow:     5 * time.Second,
	}
}

type readResult struct {
	frame Frame
	err   error
}

// Session is one live connection to one URL.
//
// A background goroutine owns the blocking SourceHandle.Read loop; Next
// receives from it, so Close always unblocks Next even when the handle
// ignores its context.
type Session struct {
	ID         string
	URL        string
	Generation uint64

	handle SourceHandle
	opts   SessionOptions

	ctx    context.Context
	cancel context.CancelFunc

	results chan readResult
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool

	// failure is sticky: once Next fails, every later call fails the same way
	failMu  sync.Mutex
	failure error

	seq    atomic.Uint64
	lastTS time.Time
	rate   *warmup.Estimator
	fps    atomic.Uint64 // math.Float64bits of the measured source FPS
}

// OpenSession connects to url through src. Blocks for at most
// opts.ConnectTimeout; cancelling ctx aborts the open and, later, the
// session.
func OpenSession(ctx context.Context, src FrameSource, url string, gen uint64, opts SessionOptions) (*Session, error) {
	if src == nil {
		return nil, fmt.Errorf("vcam-relay: nil frame source")
	}
	if url == "" {
		return nil, ErrEmptyURL
	}

	sctx, cancel := context.WithCancel(ctx)

	handle, err := openHandle(sctx, src, url, opts)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Session{
		ID:         uuid.New().String(),
		URL:        url,
		Generation: gen,
		handle:     handle,
		opts:       opts,
		ctx:        sctx,
		cancel:     cancel,
		results:    make(chan readResult),
		done:       make(chan struct{}),
	}
	if opts.RateFrames > 0 {
		s.rate = warmup.NewEstimator(opts.RateFrames, opts.RateWindow)
	}

	go s.readLoop()

	slog.Debug("vcam-relay: session opened",
		"session_id", s.ID,
		"url", url,
		"generation", gen,
	)
	return s, nil
}

// openHandle runs src.Open under the connect timeout. A source that ignores
// its context is abandoned when the deadline passes; the handle it
// eventually returns is closed in the background.
func openHandle(ctx context.Context, src FrameSource, url string, opts SessionOptions) (SourceHandle, error) {
	octx := ctx
	var cancel context.CancelFunc = func() {}
	if opts.ConnectTimeout > 0 {
		octx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
	}
	defer cancel()

	type openResult struct {
		handle SourceHandle
		err    error
	}
	ch := make(chan openResult, 1)
	go func() {
		h, err := src.Open(octx, url, OpenOptions{
			ConnectTimeout: opts.ConnectTimeout,
			Width:          opts.Width,
			Height:         opts.Height,
		})
		ch <- openResult{h, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if ctx.Err() != nil {
				return nil, NewError(KindCancelled, "open", url, r.err)
			}
			if octx.Err() != nil {
				return nil, NewError(KindTimeout, "open", url, r.err)
			}
			return nil, Classify(r.err, "open", url)
		}
		if r.handle == nil {
			return nil, NewError(KindProtocol, "open", url, errors.New("source returned no handle"))
		}
		return r.handle, nil

	case <-octx.Done():
		go func() {
			if r := <-ch; r.handle != nil {
				r.handle.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, NewError(KindCancelled, "open", url, ctx.Err())
		}
		return nil, NewError(KindTimeout, "open", url,
			fmt.Errorf("no stream within %s", opts.ConnectTimeout))
	}
}

func (s *Session) readLoop() {
	defer close(s.done)

	for {
		f, err := s.handle.Read(s.ctx)
		select {
		case s.results <- readResult{f, err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next frame. A stall longer than StallTimeout fails the
// session with KindTimeout; Close or cancelling ctx fails it with
// KindCancelled. Once Next has failed the session is dead and Next keeps
// returning the same error.
func (s *Session) Next(ctx context.Context) (Frame, error) {
	if err := s.err(); err != nil {
		return Frame{}, err
	}
	if s.closed.Load() {
		return Frame{}, s.fail(NewError(KindCancelled, "read", s.URL, errors.New("session closed")))
	}

	var stall <-chan time.Time
	if s.opts.StallTimeout > 0 {
		timer := time.NewTimer(s.opts.StallTimeout)
		defer timer.Stop()
		stall = timer.C
	}

	select {
	case r := <-s.results:
		if r.err != nil {
			return Frame{}, s.fail(s.classifyRead(r.err))
		}
		return s.accept(r.frame)

	case <-stall:
		return Frame{}, s.fail(NewError(KindTimeout, "read", s.URL,
			fmt.Errorf("no frame for %s", s.opts.StallTimeout)))

	case <-ctx.Done():
		return Frame{}, s.fail(NewError(KindCancelled, "read", s.URL, ctx.Err()))

	case <-s.ctx.Done():
		return Frame{}, s.fail(NewError(KindCancelled, "read", s.URL, s.ctx.Err()))
	}
}

func (s *Session) classifyRead(err error) error {
	if s.closed.Load() || s.ctx.Err() != nil {
		return NewError(KindCancelled, "read", s.URL, err)
	}
	if errors.Is(err, io.EOF) {
		return NewError(KindUnexpectedEOF, "read", s.URL, err)
	}
	return Classify(err, "read", s.URL)
}

func (s *Session) accept(f Frame) (Frame, error) {
	if err := f.Validate(); err != nil {
		return Frame{}, s.fail(NewError(KindDecode, "read", s.URL, err))
	}

	now := time.Now()
	if f.Timestamp.IsZero() {
		f.Timestamp = now
	}
	// Timestamps never go backwards within a session.
	if f.Timestamp.Before(s.lastTS) {
		f.Timestamp = s.lastTS
	}
	s.lastTS = f.Timestamp

	f.Seq = s.seq.Add(1)
	f.Source = s.URL
	if f.TraceID == "" {
		f.TraceID = uuid.New().String()
	}

	if s.rate != nil {
		if stats := s.rate.Observe(now); stats != nil {
			s.fps.Store(math.Float64bits(stats.FPSMean))
			slog.Info("vcam-relay: source rate measured",
				"session_id", s.ID,
				"url", s.URL,
				"fps_mean", stats.FPSMean,
				"fps_stddev", stats.FPSStdDev,
				"stable", stats.IsStable,
			)
		}
	}
	return f, nil
}

func (s *Session) fail(err error) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failure == nil {
		s.failure = err
	}
	return s.failure
}

func (s *Session) err() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failure
}

// Frames returns the number of frames delivered by Next.
func (s *Session) Frames() uint64 {
	return s.seq.Load()
}

// SourceFPS returns the measured source frame rate, or 0 until enough
// frames have been seen.
func (s *Session) SourceFPS() float64 {
	return math.Float64frombits(s.fps.Load())
}

// Close cancels the session and releases the source handle. It unblocks a
// pending Next immediately. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.closeErr = s.handle.Close()
		slog.Debug("vcam-relay: session closed",
			"session_id", s.ID,
			"url", s.URL,
			"generation", s.Generation,
			"frames", s.seq.Load(),
		)
	})
	return s.closeErr
}

// Wait blocks until the read goroutine has exited or timeout elapses. It
// returns false on timeout.
func (s *Session) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return true
	case <-timer.C:
		return false
	}
}
