package warmup

import (
	"log/slog"
	"time"
)

// Estimator collects frame arrival times until it has seen either Frames
// frames or Window of wall time, then produces Stats exactly once.
//
// Not safe for concurrent use; each session read loop owns one.
type Estimator struct {
	Frames int
	Window time.Duration

	times  []time.Time
	result *Stats
}

// NewEstimator returns an estimator that measures up to frames frames or
// window, whichever is reached first.
func NewEstimator(frames int, window time.Duration) *Estimator {
	if frames < 2 {
		frames = 2
	}
	return &Estimator{
		Frames: frames,
		Window: window,
		times:  make([]time.Time, 0, frames),
	}
}

// Observe records one frame arrival. It returns the stats on the call that
// completes the measurement and nil on every other call.
func (e *Estimator) Observe(at time.Time) *Stats {
	if e.result != nil {
		return nil
	}

	e.times = append(e.times, at)

	elapsed := at.Sub(e.times[0])
	if len(e.times) < e.Frames && (e.Window <= 0 || elapsed < e.Window) {
		return nil
	}
	if len(e.times) < 2 || elapsed <= 0 {
		return nil
	}

	// n frames span n-1 intervals; scale the window so FPSMean is the
	// interval rate rather than undercounting by one frame.
	window := elapsed * time.Duration(len(e.times)) / time.Duration(len(e.times)-1)
	e.result = CalculateFPSStats(e.times, window)
	e.times = nil

	slog.Debug("warmup: source rate measured",
		"frames", e.result.FramesReceived,
		"fps_mean", e.result.FPSMean,
		"stable", e.result.IsStable,
	)
	return e.result
}

// Result returns the completed measurement or nil.
func (e *Estimator) Result() *Stats {
	return e.result
}
