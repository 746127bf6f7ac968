package vcamrelay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testFrame(width, height int, v byte) Frame {
	data := make([]byte, width*height*3)
	for i := range data {
		data[i] = v
	}
	return Frame{
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Format:    PixelRGB24,
		Data:      data,
	}
}

// fakeHandle is a scripted SourceHandle. Frames and errors pushed on its
// channels are returned by Read. With interval set, Read also generates a
// frame every interval on its own.
type fakeHandle struct {
	frames chan Frame
	errc   chan error

	// stuck makes Read ignore ctx and Close until release is closed,
	// like a decoder wedged in a blocking call
	stuck   bool
	release chan struct{}

	// hangClose makes Close block until release is closed
	hangClose bool

	interval time.Duration
	width    int
	height   int

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		frames:  make(chan Frame, 16),
		errc:    make(chan error, 1),
		release: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (h *fakeHandle) Read(ctx context.Context) (Frame, error) {
	if h.stuck {
		select {
		case f := <-h.frames:
			return f, nil
		case <-h.release:
			return Frame{}, io.EOF
		}
	}

	var tick <-chan time.Time
	if h.interval > 0 {
		timer := time.NewTimer(h.interval)
		defer timer.Stop()
		tick = timer.C
	}

	select {
	case f := <-h.frames:
		return f, nil
	case err := <-h.errc:
		return Frame{}, err
	case <-tick:
		return testFrame(h.width, h.height, 0x80), nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-h.closed:
		return Frame{}, io.EOF
	}
}

func (h *fakeHandle) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	if h.hangClose {
		<-h.release
	}
	return nil
}

func (h *fakeHandle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// fakeSource calls open for every Open and records the URLs.
type fakeSource struct {
	mu    sync.Mutex
	urls  []string
	open  func(ctx context.Context, url string, n int) (SourceHandle, error)
	opens chan *fakeHandle
}

func (s *fakeSource) Open(ctx context.Context, url string, opts OpenOptions) (SourceHandle, error) {
	s.mu.Lock()
	n := len(s.urls)
	s.urls = append(s.urls, url)
	open := s.open
	s.mu.Unlock()
	return open(ctx, url, n)
}

func (s *fakeSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}

// handleSource hands a fresh fakeHandle to every Open and also sends it on
// opens so the test can drive it.
func handleSource(configure func(h *fakeHandle)) *fakeSource {
	s := &fakeSource{opens: make(chan *fakeHandle, 16)}
	s.open = func(ctx context.Context, url string, n int) (SourceHandle, error) {
		h := newFakeHandle()
		if configure != nil {
			configure(h)
		}
		s.opens <- h
		return h, nil
	}
	return s
}

// deadSource never connects.
func deadSource() *fakeSource {
	return &fakeSource{
		open: func(ctx context.Context, url string, n int) (SourceHandle, error) {
			return nil, NewError(KindUnreachable, "open", url, errors.New("connection refused"))
		},
	}
}

// fakeSink records writes.
type fakeSink struct {
	mu        sync.Mutex
	format    Format
	writes    []Frame
	failAfter int // fail every write after this many, 0 = never
	closed    bool
}

func newFakeSink(f Format) *fakeSink {
	return &fakeSink{format: f}
}

func (s *fakeSink) Format() Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

func (s *fakeSink) Write(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NewError(KindDeviceUnavailable, "write", "", errors.New("sink closed"))
	}
	if s.failAfter > 0 && len(s.writes) >= s.failAfter {
		return NewError(KindDeviceUnavailable, "write", "", errors.New("device removed"))
	}
	s.writes = append(s.writes, f)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) Reconfigure(f Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = f
	return nil
}

func (s *fakeSink) frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.writes...)
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLogs routes the default logger to a buffer for the test.
func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	buf := &syncBuffer{}
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	return buf
}

type staticState struct {
	mu sync.Mutex
	st Status
}

func (s *staticState) State() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *staticState) set(st Status) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, what)
}

// nextStatus returns the next event matching match, failing the test on
// timeout.
func nextStatus(t *testing.T, ch <-chan Status, timeout time.Duration, match func(Status) bool) Status {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case st, ok := <-ch:
			if !ok {
				t.Fatal("status channel closed")
			}
			if match(st) {
				return st
			}
		case <-timer.C:
			t.Fatalf("no matching status within %s", timeout)
		}
	}
}

func inState(s ConnectionState) func(Status) bool {
	return func(st Status) bool { return st.State == s }
}
