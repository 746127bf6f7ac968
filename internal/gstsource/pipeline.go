package gstsource

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// rtspsrc "protocols" flags (GstRTSPLowerTrans)
const (
	lowerTransUDP      = 1
	lowerTransUDPMcast = 2
	lowerTransTCP      = 4
)

type pipelineConfig struct {
	URL            string
	Width          int
	Height         int
	Transport      string
	LatencyMS      int
	ConnectTimeout time.Duration
}

type pipelineElements struct {
	Pipeline *gst.Pipeline
	Decode   *gst.Element
	Convert  *gst.Element
	AppSink  *app.Sink
}

// createPipeline builds the decode pipeline for cfg and wires its callbacks
// to h. The pipeline is left in the NULL state.
func createPipeline(cfg pipelineConfig, h *handle) (*pipelineElements, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	decode, err := gst.NewElement("uridecodebin")
	if err != nil {
		return nil, fmt.Errorf("failed to create uridecodebin: %w", err)
	}
	decode.SetProperty("uri", cfg.URL)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	convert.SetProperty("n-threads", 0)

	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}
	// Keep the aspect ratio, pad with black.
	scale.SetProperty("add-borders", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(rgbCaps(cfg.Width, cfg.Height)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	pipeline.AddMany(decode, convert, scale, capsfilter, appsink.Element)

	// uridecodebin has dynamic pads, linked in pad-added
	if err := gst.ElementLinkMany(convert, scale, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	decode.Connect("source-setup", func(self *gst.Element, source *gst.Element) {
		onSourceSetup(source, cfg)
	})
	decode.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		onPadAdded(srcPad, convert)
	})

	cbCtx := &callbackContext{
		handle: h,
		width:  cfg.Width,
		height: cfg.Height,
	}
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return onNewSample(sink, cbCtx)
		},
	})

	slog.Debug("gstsource: pipeline created",
		"url", cfg.URL,
		"caps", rgbCaps(cfg.Width, cfg.Height),
	)

	return &pipelineElements{
		Pipeline: pipeline,
		Decode:   decode,
		Convert:  convert,
		AppSink:  appsink,
	}, nil
}

// rgbCaps builds the appsink caps. Square pixels make videoscale letterbox
// instead of stretching.
func rgbCaps(width, height int) string {
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,pixel-aspect-ratio=1/1", width, height)
}

// rtspProtocols maps the configured transport to rtspsrc protocols flags.
func rtspProtocols(transport string) int {
	switch transport {
	case "udp":
		return lowerTransUDP | lowerTransUDPMcast
	case "auto":
		return lowerTransUDP | lowerTransUDPMcast | lowerTransTCP
	default:
		return lowerTransTCP
	}
}

// destroyPipeline sets the pipeline to NULL. Safe on a nil pipeline.
func destroyPipeline(elements *pipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}
