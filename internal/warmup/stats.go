// Package warmup measures the real frame rate of a freshly opened source
// from the arrival times of its first frames.
package warmup

import (
	"math"
	"time"
)

// A source is stable when the instantaneous rate varies by less than
// maxRateSpread of the mean and frames arrive within maxJitter of the
// expected interval on average.
const (
	maxRateSpread = 0.15
	maxJitter     = 0.20
)

// Stats describes the arrival rate of a sequence of frames.
type Stats struct {
	FramesReceived int
	Duration       time.Duration

	FPSMean   float64 // frames / duration
	FPSStdDev float64 // of the instantaneous rate
	FPSMin    float64
	FPSMax    float64

	// Jitter is |interval - 1/FPSMean|, in seconds
	JitterMean   float64
	JitterStdDev float64
	JitterMax    float64

	IsStable bool
}

// CalculateFPSStats derives rate statistics from arrival times observed
// over window.
func CalculateFPSStats(arrivals []time.Time, window time.Duration) *Stats {
	st := &Stats{FramesReceived: len(arrivals), Duration: window}
	if len(arrivals) == 0 || window <= 0 {
		return st
	}
	st.FPSMean = float64(len(arrivals)) / window.Seconds()

	var rates, jitters []float64
	expected := 1 / st.FPSMean
	for i := 1; i < len(arrivals); i++ {
		gap := arrivals[i].Sub(arrivals[i-1]).Seconds()
		if gap > 0 {
			rates = append(rates, 1/gap)
		}
		jitters = append(jitters, math.Abs(gap-expected))
	}
	if len(rates) == 0 {
		return st
	}

	st.FPSMin, st.FPSMax = bounds(rates)
	st.FPSStdDev = spread(rates, st.FPSMean)

	st.JitterMean = mean(jitters)
	st.JitterStdDev = spread(jitters, st.JitterMean)
	_, st.JitterMax = bounds(jitters)

	st.IsStable = st.FPSStdDev < st.FPSMean*maxRateSpread &&
		st.JitterMean < expected*maxJitter
	return st
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// spread is the population standard deviation of xs around center.
func spread(xs []float64, center float64) float64 {
	var sq float64
	for _, x := range xs {
		sq += (x - center) * (x - center)
	}
	return math.Sqrt(sq / float64(len(xs)))
}

func bounds(xs []float64) (lo, hi float64) {
	lo, hi = xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}
