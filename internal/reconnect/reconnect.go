// Package reconnect holds the retry policy used between stream session
// attempts: capped exponential backoff with an optional attempt ceiling.
package reconnect

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Config contains configuration for exponential backoff reconnection.
type Config struct {
	InitialDelay time.Duration // Delay after the first failure (default: 1 second)
	MaxDelay     time.Duration // Delay cap (default: 32 seconds)
	MaxAttempts  int           // Consecutive failures before giving up, 0 = retry forever
}

// DefaultConfig returns the default reconnection configuration.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     32 * time.Second,
		MaxAttempts:  0,
	}
}

// Backoff calculates the delay before retrying after the n-th consecutive failure.
//
// Formula: delay = InitialDelay * 2^(attempt-1), capped at MaxDelay.
//
// With the default config:
//   - Attempt 1: 1s
//   - Attempt 2: 2s
//   - Attempt 3: 4s
//   - Attempt 6+: 32s
func Backoff(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// Past 2^30 the multiplication can overflow; the cap has long been reached.
	if attempt-1 >= 30 {
		return cfg.MaxDelay
	}

	delay := cfg.InitialDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	return delay
}

// State tracks consecutive failures for one target URL.
//
// Not safe for concurrent mutation; the supervisor's attempt loop owns it.
// Snapshot fields read from other goroutines go through the atomics.
type State struct {
	URL       string
	Attempts  int
	LastDelay time.Duration

	reconnects atomic.Uint64
}

// Reset starts a fresh attempt sequence for url.
func (s *State) Reset(url string) {
	s.URL = url
	s.Attempts = 0
	s.LastDelay = 0
	slog.Debug("reconnect: state reset", "url", url)
}

// Success records that frames are flowing again. The next failure will be
// attempt 1.
func (s *State) Success() {
	if s.Attempts != 0 {
		slog.Debug("reconnect: attempt counter reset after frame received",
			"url", s.URL,
			"previous_attempts", s.Attempts,
		)
	}
	s.Attempts = 0
	s.LastDelay = 0
}

// Failure records a failed attempt and returns the attempt number, the delay
// to wait before the next one, and whether the attempt ceiling was reached.
func (s *State) Failure(cfg Config) (attempt int, delay time.Duration, exhausted bool) {
	s.Attempts++
	s.reconnects.Add(1)

	if cfg.MaxAttempts > 0 && s.Attempts > cfg.MaxAttempts {
		return s.Attempts, 0, true
	}

	s.LastDelay = Backoff(s.Attempts, cfg)
	return s.Attempts, s.LastDelay, false
}

// Reconnects returns the lifetime number of failures recorded.
func (s *State) Reconnects() uint64 {
	return s.reconnects.Load()
}

// Wait blocks for delay or until ctx is cancelled, whichever comes first.
func Wait(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
