// Package gstsource is the GStreamer frame source: it opens RTSP (and any
// other URI GStreamer understands) through uridecodebin, letterboxes the
// decoded video to the output resolution and delivers packed RGB frames.
//
// Pipeline structure:
//
//	uridecodebin → videoconvert → videoscale(add-borders) → capsfilter(RGB,W,H) → appsink
//
// For rtsp:// URLs the rtspsrc created by uridecodebin is tuned for low
// latency: TCP interleaved transport by default, a minimal jitter buffer and
// a socket timeout equal to the connect timeout.
package gstsource
