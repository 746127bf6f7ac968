package reconnect

import (
	"context"
	"testing"
	"time"
)

func TestBackoff_Schedule(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{7, 30 * time.Second},
		{64, 30 * time.Second},
		{1000, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := Backoff(tt.attempt, cfg); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// TestBackoff_MatchesFormula checks delay(n) = min(base*2^(n-1), cap) and
// that the sequence never decreases.
func TestBackoff_MatchesFormula(t *testing.T) {
	cfg := Config{InitialDelay: 250 * time.Millisecond, MaxDelay: 20 * time.Second}

	prev := time.Duration(0)
	for n := 1; n <= 40; n++ {
		want := cfg.InitialDelay
		for i := 1; i < n && want < cfg.MaxDelay; i++ {
			want *= 2
		}
		if want > cfg.MaxDelay {
			want = cfg.MaxDelay
		}

		got := Backoff(n, cfg)
		if got != want {
			t.Fatalf("Backoff(%d) = %v, want %v", n, got, want)
		}
		if got < prev {
			t.Fatalf("Backoff decreased at n=%d: %v < %v", n, got, prev)
		}
		prev = got
	}
}

func TestState_FailureAndSuccess(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 8 * time.Second}
	var s State
	s.Reset("rtsp://cam/a")

	for i, want := range []time.Duration{1, 2, 4, 8, 8} {
		attempt, delay, exhausted := s.Failure(cfg)
		if exhausted {
			t.Fatalf("unexpected exhaustion at %d", attempt)
		}
		if attempt != i+1 {
			t.Errorf("attempt = %d, want %d", attempt, i+1)
		}
		if delay != want*time.Second {
			t.Errorf("attempt %d delay = %v, want %v", attempt, delay, want*time.Second)
		}
	}

	s.Success()
	attempt, delay, _ := s.Failure(cfg)
	if attempt != 1 || delay != time.Second {
		t.Errorf("after Success: attempt=%d delay=%v, want 1 and 1s", attempt, delay)
	}

	if s.Reconnects() != 6 {
		t.Errorf("Reconnects() = %d, want 6", s.Reconnects())
	}

	s.Reset("rtsp://cam/b")
	if s.Attempts != 0 || s.URL != "rtsp://cam/b" {
		t.Errorf("Reset did not clear state: %+v", &s)
	}
}

func TestState_MaxAttempts(t *testing.T) {
	cfg := Config{InitialDelay: time.Millisecond, MaxDelay: time.Second, MaxAttempts: 2}
	var s State

	for i := 0; i < 2; i++ {
		if _, _, exhausted := s.Failure(cfg); exhausted {
			t.Fatalf("exhausted too early at attempt %d", i+1)
		}
	}
	if _, _, exhausted := s.Failure(cfg); !exhausted {
		t.Error("expected exhaustion after MaxAttempts")
	}
}

func TestWait_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Wait(ctx, time.Hour)
	if err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Wait did not return promptly: %v", time.Since(start))
	}
}

func TestWait_Elapses(t *testing.T) {
	if err := Wait(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatalf("Wait returned %v", err)
	}
}
