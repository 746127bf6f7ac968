package gstsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	vcamrelay "github.com/e7canasta/vcam-relay"
)

// monitorBus polls the pipeline bus until ctx is done or the pipeline
// reports EOS or an error, which is returned classified.
func monitorBus(ctx context.Context, pipeline *gst.Pipeline, url string) error {
	if pipeline == nil {
		return fmt.Errorf("pipeline not initialized")
	}

	bus := pipeline.GetPipelineBus()
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("gstsource: context cancelled, stopping bus monitor", "url", url)
			return nil

		default:
			// Short timeout keeps shutdown responsive
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageEOS:
				slog.Info("gstsource: end of stream received",
					"url", url,
					"uptime", time.Since(started),
				)
				return vcamrelay.NewError(vcamrelay.KindUnexpectedEOF, "read", url, errors.New("end of stream"))

			case gst.MessageError:
				gerr := msg.ParseError()
				kind := classifyGError(gerr)

				slog.Debug("gstsource: pipeline error",
					"url", url,
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
					"kind", kind.String(),
					"uptime", time.Since(started),
				)
				return vcamrelay.NewError(kind, "read", url, errors.New(gerr.Error()))

			case gst.MessageWarning:
				gerr := msg.ParseWarning()
				slog.Debug("gstsource: pipeline warning", "url", url, "warning", gerr.Error())

			case gst.MessageStateChanged:
				if msg.Source() == pipeline.GetName() {
					old, new := msg.ParseStateChanged()
					slog.Debug("gstsource: pipeline state changed",
						"url", url,
						"from", old,
						"to", new,
					)
				}
			}
		}
	}
}
