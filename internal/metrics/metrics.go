// Package metrics exports relay statistics to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	vcamrelay "github.com/e7canasta/vcam-relay"
)

const namespace = "vcam_relay"

// StatsSource is anything that can report relay statistics.
type StatsSource interface {
	Stats() vcamrelay.Stats
}

// Collector reads a Stats snapshot on every scrape.
type Collector struct {
	src StatsSource

	state          *prometheus.Desc
	generation     *prometheus.Desc
	attempt        *prometheus.Desc
	framesReceived *prometheus.Desc
	sessions       *prometheus.Desc
	reconnects     *prometheus.Desc
	sourceFPS      *prometheus.Desc
	slotOverwrites *prometheus.Desc
	staleDropped   *prometheus.Desc
	framesWritten  *prometheus.Desc
	sinkErrors     *prometheus.Desc
	sinkHealthy    *prometheus.Desc
	outputInfo     *prometheus.Desc
	lastError      *prometheus.Desc
	events         *prometheus.Desc
	uptime         *prometheus.Desc
}

// NewCollector creates a Collector over src.
func NewCollector(src StatsSource) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}

	return &Collector{
		src:            src,
		state:          desc("state", "Connection state (1 for the current state).", "state"),
		generation:     desc("generation", "Current session generation."),
		attempt:        desc("reconnect_attempt", "Consecutive failed attempts for the current target."),
		framesReceived: desc("source_frames_received_total", "Frames decoded from the source."),
		sessions:       desc("source_sessions_total", "Source sessions opened."),
		reconnects:     desc("source_reconnects_total", "Reconnect attempts scheduled."),
		sourceFPS:      desc("source_fps", "Measured source frame rate of the current session."),
		slotOverwrites: desc("slot_overwrites_total", "Live frames replaced before the output consumed them."),
		staleDropped:   desc("slot_stale_frames_total", "Frames from superseded sessions rejected."),
		framesWritten:  desc("sink_frames_written_total", "Frames written to the output.", "kind"),
		sinkErrors:     desc("sink_write_errors_total", "Failed output writes."),
		sinkHealthy:    desc("sink_healthy", "1 while the output device is usable."),
		outputInfo:     desc("output_info", "Output format.", "width", "height", "fps"),
		lastError:      desc("last_error_info", "Kind of the last source error.", "kind"),
		events:         desc("status_events_total", "Status events published."),
		uptime:         desc("uptime_seconds", "Time since the relay started."),
	}
}

var states = []vcamrelay.ConnectionState{
	vcamrelay.StateIdle,
	vcamrelay.StateConnecting,
	vcamrelay.StateConnected,
	vcamrelay.StateReconnecting,
	vcamrelay.StateFailed,
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.state, c.generation, c.attempt, c.framesReceived, c.sessions,
		c.reconnects, c.sourceFPS, c.slotOverwrites, c.staleDropped,
		c.framesWritten, c.sinkErrors, c.sinkHealthy, c.outputInfo,
		c.lastError, c.events, c.uptime,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	for _, st := range states {
		v := 0.0
		if st == s.State {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, st.String())
	}

	ch <- prometheus.MustNewConstMetric(c.generation, prometheus.GaugeValue, float64(s.Generation))
	ch <- prometheus.MustNewConstMetric(c.attempt, prometheus.GaugeValue, float64(s.Attempt))
	ch <- prometheus.MustNewConstMetric(c.framesReceived, prometheus.CounterValue, float64(s.FramesReceived))
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.CounterValue, float64(s.Sessions))
	ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(s.Reconnects))
	ch <- prometheus.MustNewConstMetric(c.sourceFPS, prometheus.GaugeValue, s.SourceFPS)
	ch <- prometheus.MustNewConstMetric(c.slotOverwrites, prometheus.CounterValue, float64(s.SlotOverwrites))
	ch <- prometheus.MustNewConstMetric(c.staleDropped, prometheus.CounterValue, float64(s.StaleFramesDropped))
	ch <- prometheus.MustNewConstMetric(c.framesWritten, prometheus.CounterValue, float64(s.LiveFramesWritten), "live")
	ch <- prometheus.MustNewConstMetric(c.framesWritten, prometheus.CounterValue, float64(s.PatternFramesWritten), "pattern")
	ch <- prometheus.MustNewConstMetric(c.sinkErrors, prometheus.CounterValue, float64(s.SinkWriteErrors))

	healthy := 0.0
	if s.SinkHealthy {
		healthy = 1
	}
	ch <- prometheus.MustNewConstMetric(c.sinkHealthy, prometheus.GaugeValue, healthy)

	ch <- prometheus.MustNewConstMetric(c.outputInfo, prometheus.GaugeValue, 1,
		strconv.Itoa(s.Output.Width), strconv.Itoa(s.Output.Height),
		strconv.FormatFloat(s.Output.FPS, 'g', -1, 64))

	if s.LastErrorKind != vcamrelay.KindNone {
		ch <- prometheus.MustNewConstMetric(c.lastError, prometheus.GaugeValue, 1, s.LastErrorKind.String())
	}

	ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(s.EventsPublished))
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, s.Uptime.Seconds())
}

// Register adds a Collector for src to reg.
func Register(reg prometheus.Registerer, src StatsSource) (*Collector, error) {
	c := NewCollector(src)
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}
