package gstsource

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	vcamrelay "github.com/e7canasta/vcam-relay"
)

// callbackContext holds state needed by GStreamer callbacks
type callbackContext struct {
	handle *handle
	width  int
	height int
}

// onNewSample is called by GStreamer when a new frame is available.
//
// The buffer is copied (GStreamer reuses it), unpadded to tight RGB rows
// and pushed to the handle.
func onNewSample(sink *app.Sink, ctx *callbackContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		// A single bad sample must not kill the stream.
		slog.Warn("gstsource: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstsource: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gstsource: empty buffer received")
		return gst.FlowOK
	}
	frameData := packRows(data, ctx.width, ctx.height)
	buffer.Unmap()

	if frameData == nil {
		slog.Warn("gstsource: unexpected buffer size",
			"size_bytes", len(data),
			"width", ctx.width,
			"height", ctx.height,
		)
		return gst.FlowOK
	}

	ctx.handle.push(vcamrelay.Frame{
		Timestamp: time.Now(),
		Width:     ctx.width,
		Height:    ctx.height,
		Format:    vcamrelay.PixelRGB24,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	})
	return gst.FlowOK
}

// packRows copies an RGB buffer into a tightly packed slice. GStreamer pads
// RGB rows to a 4-byte stride, so widths that are not a multiple of 4 carry
// padding. Returns nil when data matches neither layout.
func packRows(data []byte, width, height int) []byte {
	row := width * 3
	stride := (row + 3) &^ 3

	switch len(data) {
	case row * height:
		out := make([]byte, len(data))
		copy(out, data)
		return out
	case stride * height:
		out := make([]byte, row*height)
		for y := 0; y < height; y++ {
			copy(out[y*row:(y+1)*row], data[y*stride:y*stride+row])
		}
		return out
	default:
		return nil
	}
}

// onPadAdded links the first video pad of uridecodebin to videoconvert.
// Audio pads are left unlinked.
func onPadAdded(srcPad *gst.Pad, convert *gst.Element) {
	caps := srcPad.GetCurrentCaps()
	if caps == nil {
		caps = srcPad.QueryCaps(nil)
	}
	if caps == nil || caps.GetSize() == 0 {
		slog.Debug("gstsource: pad without caps ignored", "pad", srcPad.GetName())
		return
	}
	media := caps.GetStructureAt(0).Name()
	if !strings.HasPrefix(media, "video/") {
		slog.Debug("gstsource: ignoring non-video pad", "pad", srcPad.GetName(), "media", media)
		return
	}

	sinkPad := convert.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("gstsource: failed to get sink pad from videoconvert")
		return
	}
	if sinkPad.IsLinked() {
		slog.Debug("gstsource: video already linked, ignoring extra pad", "pad", srcPad.GetName())
		return
	}

	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("gstsource: failed to link pads",
			"src_pad", srcPad.GetName(),
			"media", media,
			"ret", ret,
		)
		return
	}
	slog.Debug("gstsource: video pad linked", "src_pad", srcPad.GetName(), "media", media)
}

// onSourceSetup tunes the source element uridecodebin created.
func onSourceSetup(source *gst.Element, cfg pipelineConfig) {
	factory := source.GetFactory()
	if factory == nil {
		return
	}

	switch factory.GetName() {
	case "rtspsrc":
		source.SetProperty("protocols", rtspProtocols(cfg.Transport))
		source.SetProperty("latency", cfg.LatencyMS)
		source.SetProperty("drop-on-latency", true)
		source.SetProperty("ntp-sync", false)
		if cfg.ConnectTimeout > 0 {
			source.SetProperty("tcp-timeout", uint64(cfg.ConnectTimeout/time.Microsecond))
		}
		slog.Debug("gstsource: rtspsrc configured",
			"transport", cfg.Transport,
			"latency_ms", cfg.LatencyMS,
			"tcp_timeout", cfg.ConnectTimeout,
		)

	case "souphttpsrc":
		if cfg.ConnectTimeout > 0 {
			source.SetProperty("timeout", uint(cfg.ConnectTimeout/time.Second))
		}
		source.SetProperty("is-live", true)
	}
}
