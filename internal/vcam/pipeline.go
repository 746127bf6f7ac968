package vcam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	vcamrelay "github.com/e7canasta/vcam-relay"
)

type pipelineElements struct {
	Pipeline *gst.Pipeline
	AppSrc   *app.Source
	Sink     *gst.Element
}

func createPipeline(device string, f vcamrelay.Format) (*pipelineElements, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsrc: %w", err)
	}
	src.SetCaps(gst.NewCapsFromString(rgbCaps(f)))
	src.SetProperty("is-live", true)
	src.SetProperty("do-timestamp", true)
	src.SetProperty("format", gst.FormatTime)
	// One queued frame; the pump already paces writes.
	src.SetProperty("max-bytes", uint64(f.Width*f.Height*3))
	src.SetProperty("block", false)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}

	sink, err := gst.NewElement("v4l2sink")
	if err != nil {
		return nil, fmt.Errorf("failed to create v4l2sink: %w", err)
	}
	sink.SetProperty("device", device)
	sink.SetProperty("sync", false)

	pipeline.AddMany(src.Element, convert, sink)
	if err := gst.ElementLinkMany(src.Element, convert, sink); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	slog.Debug("vcam: pipeline created",
		"device", device,
		"caps", rgbCaps(f),
	)

	return &pipelineElements{
		Pipeline: pipeline,
		AppSrc:   src,
		Sink:     sink,
	}, nil
}

// rgbCaps builds appsrc caps. The frame rate is expressed as a fraction with
// millihertz precision so rates like 29.97 survive.
func rgbCaps(f vcamrelay.Format) string {
	num, den := fpsFraction(f.FPS)
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d,pixel-aspect-ratio=1/1",
		f.Width, f.Height, num, den)
}

func fpsFraction(fps float64) (int, int) {
	if fps == math.Trunc(fps) {
		return int(fps), 1
	}
	num, den := int(math.Round(fps*1000)), 1000
	for a, b := num, den; ; {
		if b == 0 {
			return num / a, den / a
		}
		a, b = b, a%b
	}
}

// monitorBus watches the output pipeline until ctx is done or the device
// reports an error.
func monitorBus(ctx context.Context, pipeline *gst.Pipeline, device string) error {
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return nil

		default:
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageError:
				gerr := msg.ParseError()
				slog.Error("vcam: output pipeline error",
					"device", device,
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
				)
				return vcamrelay.NewError(vcamrelay.KindDeviceUnavailable, "write", device, errors.New(gerr.Error()))

			case gst.MessageStateChanged:
				if msg.Source() == pipeline.GetName() {
					old, new := msg.ParseStateChanged()
					slog.Debug("vcam: pipeline state changed",
						"device", device,
						"from", old,
						"to", new,
					)
				}
			}
		}
	}
}
