package vcamrelay

import "time"

// Stats is a snapshot of relay telemetry.
type Stats struct {
	State      ConnectionState
	StatusText string
	URL        string
	Generation uint64
	Attempt    int
	Output     Format

	// Source side
	FramesReceived uint64
	Sessions       uint64
	Reconnects     uint64
	LastErrorKind  ErrorKind
	SourceFPS      float64 // measured at the start of the session

	// Slot
	SlotOverwrites     uint64
	StaleFramesDropped uint64

	// Sink side
	LiveFramesWritten    uint64
	PatternFramesWritten uint64
	SinkWriteErrors      uint64
	SinkHealthy          bool

	EventsPublished uint64
	Uptime          time.Duration
}

// Stats returns current relay statistics. Safe to call from any goroutine.
func (r *Relay) Stats() Stats {
	st := r.sup.State()
	sup := r.sup.Stats()
	slot := r.slot.Stats()
	pump := r.pump.Stats()

	var uptime time.Duration
	if started := r.started.Load(); r.running.Load() && started != 0 {
		uptime = time.Since(time.Unix(0, started))
	}

	return Stats{
		State:                st.State,
		StatusText:           st.String(),
		URL:                  st.URL,
		Generation:           st.Generation,
		Attempt:              st.Attempt,
		Output:               r.pump.Format(),
		FramesReceived:       sup.FramesReceived,
		Sessions:             sup.Sessions,
		Reconnects:           sup.Reconnects,
		LastErrorKind:        sup.LastErrorKind,
		SourceFPS:            sup.SourceFPS,
		SlotOverwrites:       slot.Overwrites,
		StaleFramesDropped:   slot.Stale,
		LiveFramesWritten:    pump.LiveFrames,
		PatternFramesWritten: pump.PatternFrames,
		SinkWriteErrors:      pump.WriteErrors,
		SinkHealthy:          !r.sinkFailed.Load(),
		EventsPublished:      r.events.TotalPublished(),
		Uptime:               uptime,
	}
}
