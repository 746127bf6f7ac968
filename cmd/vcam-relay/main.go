package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	vcamrelay "github.com/e7canasta/vcam-relay"
	"github.com/e7canasta/vcam-relay/internal/config"
	"github.com/e7canasta/vcam-relay/internal/control"
	"github.com/e7canasta/vcam-relay/internal/gstsource"
	"github.com/e7canasta/vcam-relay/internal/httpapi"
	"github.com/e7canasta/vcam-relay/internal/logging"
	"github.com/e7canasta/vcam-relay/internal/mjpegsource"
	"github.com/e7canasta/vcam-relay/internal/vcam"
)

const defaultConfigPath = "config/vcam-relay.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	url := flag.String("url", "", "Stream URL to start on launch (overrides source.url)")
	flag.Parse()

	cfg, err := config.LoadOptional(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vcam-relay: %v\n", err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Source.URL = *url
	}

	_, logFile, err := logging.Setup(logging.Options{Debug: *debug, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "vcam-relay: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	slog.Info("starting vcam-relay",
		"config", *configPath,
		"debug", *debug,
		"output", cfg.Relay().Output.String(),
		"sink", cfg.Output.Sink,
	)

	if err := run(cfg); err != nil {
		slog.Error("vcam-relay failed", "error", err)
		logFile.Close()
		os.Exit(1)
	}
	slog.Info("vcam-relay stopped successfully")
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	src := newSource(cfg)

	sink, opener, err := newSink(cfg)
	if err != nil {
		return err
	}

	relay, err := vcamrelay.New(cfg.Relay(), src, sink, vcamrelay.WithSinkOpener(opener))
	if err != nil {
		sink.Close()
		return fmt.Errorf("failed to create relay: %w", err)
	}

	runCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()

	errChan := make(chan error, 1)
	go func() {
		errChan <- relay.Run(runCtx)
	}()
	<-relay.Ready()

	var api *httpapi.Server
	if cfg.HTTP.Listen != "" {
		api, err = httpapi.New(relay, httpapi.Options{
			Addr:         cfg.HTTP.Listen,
			PreviewFPS:   cfg.HTTP.PreviewFPS,
			PreviewWidth: cfg.HTTP.PreviewWidth,
		})
		if err == nil {
			err = api.Start()
		}
		if err != nil {
			stopRelay()
			<-errChan
			return fmt.Errorf("failed to start http api: %w", err)
		}
	}

	shutdownRequested := make(chan struct{}, 1)

	var ctl *control.Handler
	ctlCtx, stopControl := context.WithCancel(ctx)
	defer stopControl()
	if cfg.MQTT.Broker != "" {
		ctl = control.NewHandler(cfg.MQTT, relay)
		ctl.OnShutdown = func() {
			// Let the ack reach the broker first.
			time.Sleep(500 * time.Millisecond)
			select {
			case shutdownRequested <- struct{}{}:
			default:
			}
		}
		if err := ctl.Connect(ctx); err != nil {
			slog.Error("mqtt control plane unavailable", "error", err)
			ctl = nil
		} else if err := ctl.Start(ctlCtx); err != nil {
			slog.Error("mqtt control plane unavailable", "error", err)
			ctl.Close()
			ctl = nil
		}
	}

	if cfg.Source.URL != "" {
		if err := relay.Start(cfg.Source.URL); err != nil {
			slog.Error("failed to start stream", "url", cfg.Source.URL, "error", err)
		}
	}

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-shutdownRequested:
		slog.Info("shutdown requested via MQTT control plane")
	case runErr = <-errChan:
		errChan = nil
		if runErr != nil {
			slog.Error("relay error", "error", runErr)
		}
	}

	slog.Info("shutting down gracefully", "timeout", cfg.Shutdown.Timeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer shutdownCancel()

	if ctl != nil {
		stopControl()
		ctl.Stop()
	}

	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http api shutdown", "error", err)
		}
	}

	// Run performs stop semantics: session cancelled within cancel_grace,
	// output halted, sink closed, history saved.
	stopRelay()
	if errChan != nil {
		select {
		case runErr = <-errChan:
		case <-shutdownCtx.Done():
			runErr = errors.New("relay did not stop before shutdown timeout")
		}
	}

	// Published after the relay stopped so the retained state reads offline.
	if ctl != nil {
		ctl.Close()
	}
	return runErr
}

func newSource(cfg *config.Config) vcamrelay.FrameSource {
	gst := gstsource.New(gstsource.Config{
		Transport:   cfg.Source.Transport,
		LatencyMS:   cfg.Source.LatencyMS,
		FrameBuffer: 2,
	})
	mjpeg := mjpegsource.New(nil)

	mux := vcamrelay.NewSourceMux(gst)
	mux.Handle("rtsp", gst)
	mux.Handle("rtsps", gst)
	mux.Handle("http", mjpeg)
	mux.Handle("https", mjpeg)
	return mux
}

func newSink(cfg *config.Config) (vcamrelay.FrameSink, vcamrelay.SinkOpener, error) {
	format := cfg.Relay().Output

	switch cfg.Output.Sink {
	case "discard":
		sink, err := vcam.NewDiscard(format)
		if err != nil {
			return nil, nil, err
		}
		return sink, vcam.DiscardOpener(), nil

	default:
		vcfg := vcam.Config{Device: cfg.Output.Device}
		sink, err := vcam.Open(vcfg, format)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open virtual camera %s: %w", cfg.Output.Device, err)
		}
		return sink, vcam.Opener(vcfg), nil
	}
}
