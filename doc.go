// Package vcamrelay relays a network video stream (RTSP or HTTP MJPEG) to a
// virtual camera device at a fixed resolution and frame rate.
//
// The output never stops: while the source is connecting, reconnecting or
// stopped, the sink receives a colour-bar test pattern stamped with the
// connection state, so applications reading the virtual camera always see a
// valid device.
//
// # Quick Start
//
//	src := gstsource.New(gstsource.DefaultConfig())
//	sink, err := vcam.Open(vcam.Config{Device: "/dev/video10"}, vcamrelay.DefaultConfig().Output)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	relay, err := vcamrelay.New(vcamrelay.DefaultConfig(), src, sink,
//	    vcamrelay.WithSinkOpener(vcam.Opener(vcam.Config{Device: "/dev/video10"})))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	go relay.Run(ctx)
//	relay.Start("rtsp://192.168.1.100/stream")
//
// # Architecture
//
// Three goroutines cooperate through a single-slot frame buffer:
//
//   - the Supervisor control loop owns the ConnectionState and pursues one
//     target URL at a time, opening Sessions and backing off between
//     failures (1s, 2s, 4s ... capped at 32s)
//   - each Session runs a blocking read loop against the source and
//     publishes frames into the FrameSlot, tagged with its generation
//   - the Pump ticks at the output rate and writes exactly one frame per
//     tick: the latest live frame when it is fresh, the test pattern
//     otherwise
//
// Stopping or replacing a stream raises the FrameSlot generation floor, so
// frames from a superseded session can never reach the sink.
//
// # Errors
//
// Failures are classified as *Error with an ErrorKind. Connect and stream
// errors are retried and surface as Reconnecting; cancellation is expected
// and silent; sink errors are fatal and surface as Failed until the output
// is reconfigured. Use KindOf to classify any error.
//
// # Observability
//
// Every state transition is logged once through log/slog and published to
// subscribers (Relay.Subscribe). Relay.Stats returns counters suitable for
// metrics export.
package vcamrelay
