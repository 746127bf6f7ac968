package vcamrelay

import (
	"context"
	"errors"
	"testing"
	"time"
)

var pumpFormat = Format{Width: 32, Height: 24, FPS: 50}

func newTestPump(t *testing.T, sink *fakeSink, state StateReader) (*Pump, *FrameSlot) {
	t.Helper()
	slot := NewFrameSlot()
	p, err := NewPump(sink, slot, state, PumpConfig{FreshnessFrames: 3})
	if err != nil {
		t.Fatalf("NewPump() = %v", err)
	}
	return p, slot
}

func TestPump_ExactlyOneFramePerTick(t *testing.T) {
	sink := newFakeSink(pumpFormat)
	state := &staticState{st: Status{State: StateIdle}}
	p, _ := newTestPump(t, sink, state)

	now := time.Now()
	for i := 0; i < 10; i++ {
		if err := p.tick(now.Add(time.Duration(i) * pumpFormat.Period())); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(sink.frames()); got != 10 {
		t.Errorf("sink received %d frames for 10 ticks", got)
	}
	if s := p.Stats(); s.PatternFrames != 10 || s.LiveFrames != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestPump_FrameSelection(t *testing.T) {
	now := time.Now()
	period := pumpFormat.Period()

	tests := []struct {
		name     string
		state    Status
		gen      uint64
		age      time.Duration
		publish  bool
		wantLive bool
	}{
		{"idle", Status{State: StateIdle}, 1, 0, true, false},
		{"connecting", Status{State: StateConnecting, Generation: 1}, 1, 0, true, false},
		{"connected fresh", Status{State: StateConnected, Generation: 1}, 1, period, true, true},
		{"connected at freshness limit", Status{State: StateConnected, Generation: 1}, 1, 3 * period, true, true},
		{"connected stale", Status{State: StateConnected, Generation: 1}, 1, 4 * period, true, false},
		{"connected other generation", Status{State: StateConnected, Generation: 2}, 1, 0, true, false},
		{"connected empty slot", Status{State: StateConnected, Generation: 1}, 1, 0, false, false},
		{"reconnecting", Status{State: StateReconnecting, Attempt: 2, NextDelay: 2 * time.Second}, 1, 0, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := newFakeSink(pumpFormat)
			p, slot := newTestPump(t, sink, &staticState{st: tt.state})

			if tt.publish {
				f := testFrame(pumpFormat.Width, pumpFormat.Height, 0x42)
				f.Timestamp = now.Add(-tt.age)
				slot.Publish(tt.gen, f)
			}

			if err := p.tick(now); err != nil {
				t.Fatal(err)
			}

			got := sink.frames()[0]
			live := got.Source != "testpattern"
			if live != tt.wantLive {
				t.Errorf("live = %v, want %v", live, tt.wantLive)
			}
			if got.Width != pumpFormat.Width || got.Height != pumpFormat.Height {
				t.Errorf("frame size %dx%d, want %dx%d", got.Width, got.Height, pumpFormat.Width, pumpFormat.Height)
			}
			if err := got.Validate(); err != nil {
				t.Errorf("written frame invalid: %v", err)
			}
		})
	}
}

func TestPump_PatternCached(t *testing.T) {
	sink := newFakeSink(pumpFormat)
	p, _ := newTestPump(t, sink, &staticState{st: Status{State: StateIdle}})

	now := time.Now()
	p.tick(now)
	p.tick(now.Add(pumpFormat.Period()))

	frames := sink.frames()
	if &frames[0].Data[0] != &frames[1].Data[0] {
		t.Error("pattern re-rendered for an unchanged label")
	}
}

func TestPump_SinkErrorIsFatal(t *testing.T) {
	sink := newFakeSink(pumpFormat)
	sink.failAfter = 2
	p, _ := newTestPump(t, sink, &staticState{st: Status{State: StateIdle}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := p.Run(ctx)
	if KindOf(err).Class() != ClassSinkFatal {
		t.Fatalf("Run() = %v, want a sink fatal error", err)
	}
	if ctx.Err() != nil {
		t.Error("Run did not stop on sink failure")
	}
	if p.Stats().WriteErrors != 1 {
		t.Errorf("WriteErrors = %d, want 1", p.Stats().WriteErrors)
	}
}

type plainErrSink struct{ *fakeSink }

func (s plainErrSink) Write(Frame) error { return errors.New("ioctl failed") }

func TestPump_UnclassifiedSinkErrorBecomesDeviceUnavailable(t *testing.T) {
	sink := plainErrSink{newFakeSink(pumpFormat)}
	p, err := NewPump(sink, NewFrameSlot(), &staticState{}, PumpConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.tick(time.Now()); KindOf(err) != KindDeviceUnavailable {
		t.Errorf("tick() kind = %s, want device_unavailable", KindOf(err))
	}
}

func TestPump_RunTicksAtOutputRate(t *testing.T) {
	sink := newFakeSink(pumpFormat)
	p, _ := newTestPump(t, sink, &staticState{st: Status{State: StateIdle}})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	// 50 fps for 200ms is 10 ticks; leave room for a loaded machine.
	if n := len(sink.frames()); n < 4 || n > 11 {
		t.Errorf("%d frames in 200ms at 50 fps", n)
	}
}

func TestPump_SetSinkAndReconfigure(t *testing.T) {
	first := newFakeSink(pumpFormat)
	p, _ := newTestPump(t, first, &staticState{st: Status{State: StateIdle}})

	second := newFakeSink(Format{Width: 16, Height: 12, FPS: 25})
	old, err := p.SetSink(second)
	if err != nil {
		t.Fatal(err)
	}
	if old != FrameSink(first) {
		t.Error("SetSink did not return the previous sink")
	}

	p.tick(time.Now())
	if len(first.frames()) != 0 {
		t.Error("previous sink written after SetSink")
	}
	if f := second.frames()[0]; f.Width != 16 || f.Height != 12 {
		t.Errorf("pattern size %dx%d, want 16x12", f.Width, f.Height)
	}

	if err := p.Reconfigure(Format{Width: 8, Height: 6, FPS: 10}); err != nil {
		t.Fatal(err)
	}
	if p.Format().FPS != 10 {
		t.Errorf("Format() = %s", p.Format())
	}
	if err := p.Reconfigure(Format{Width: 7, Height: 6, FPS: 10}); err == nil {
		t.Error("Reconfigure accepted an odd width")
	}
}

func TestPump_Observer(t *testing.T) {
	sink := newFakeSink(pumpFormat)
	state := &staticState{st: Status{State: StateConnected, Generation: 1}}
	p, slot := newTestPump(t, sink, state)

	var seen []bool
	p.Observe(func(f Frame, live bool) { seen = append(seen, live) })

	now := time.Now()
	f := testFrame(pumpFormat.Width, pumpFormat.Height, 1)
	f.Timestamp = now
	slot.Publish(1, f)
	p.tick(now)

	state.set(Status{State: StateIdle})
	p.tick(now)

	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Errorf("observer saw %v, want [true false]", seen)
	}
}
