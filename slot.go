package vcamrelay

import (
	"sync"
	"sync/atomic"
)

// FrameSlot holds the single most recent live frame, tagged with the
// session generation that produced it.
//
// Publish overwrites: there is no queue, so the Pump always sees the newest
// frame and a slow consumer never builds latency. Frames from a generation
// below the floor are rejected, which is how frames from a superseded
// session are kept away from the sink after Stop or a new Start.
type FrameSlot struct {
	mu    sync.Mutex
	frame Frame
	gen   uint64
	has   bool
	floor uint64

	published  atomic.Uint64
	overwrites atomic.Uint64
	stale      atomic.Uint64
}

// SlotStats are the slot counters.
type SlotStats struct {
	Published  uint64
	Overwrites uint64 // frames replaced by a newer one
	Stale      uint64 // frames rejected for an old generation
}

// NewFrameSlot returns an empty slot accepting any generation.
func NewFrameSlot() *FrameSlot {
	return &FrameSlot{}
}

// Publish stores f as the latest frame for gen. It returns false and drops
// the frame when gen is below the floor, or when f would move time
// backwards within the same generation.
func (s *FrameSlot) Publish(gen uint64, f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen < s.floor {
		s.stale.Add(1)
		return false
	}
	if s.has && gen == s.gen && f.Timestamp.Before(s.frame.Timestamp) {
		s.stale.Add(1)
		return false
	}

	if s.has {
		s.overwrites.Add(1)
	}
	s.frame = f
	s.gen = gen
	s.has = true
	// A newer generation supersedes every older one.
	s.floor = gen
	s.published.Add(1)
	return true
}

// Latest returns the newest frame and its generation.
func (s *FrameSlot) Latest() (Frame, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.gen, s.has
}

// Reset empties the slot and rejects every generation below floor from now
// on. The floor never moves backwards.
func (s *FrameSlot) Reset(floor uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frame = Frame{}
	s.gen = 0
	s.has = false
	if floor > s.floor {
		s.floor = floor
	}
}

// Stats returns the slot counters.
func (s *FrameSlot) Stats() SlotStats {
	return SlotStats{
		Published:  s.published.Load(),
		Overwrites: s.overwrites.Load(),
		Stale:      s.stale.Load(),
	}
}
