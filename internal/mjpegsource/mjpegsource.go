// Package mjpegsource is the frame source for HTTP MJPEG cameras
// (multipart/x-mixed-replace streams).
package mjpegsource

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-mjpeg"
	"golang.org/x/image/draw"

	vcamrelay "github.com/e7canasta/vcam-relay"
	"github.com/e7canasta/vcam-relay/internal/rgb"
)

// Source opens MJPEG streams over HTTP.
type Source struct {
	client *http.Client
}

// New creates a Source. A nil client uses a client without a global timeout;
// the connect timeout comes from the Open context.
func New(client *http.Client) *Source {
	if client == nil {
		client = &http.Client{}
	}
	return &Source{client: client}
}

// Open issues the GET request, checks the multipart response and decodes the
// first frame before returning.
func (s *Source) Open(ctx context.Context, url string, opts vcamrelay.OpenOptions) (vcamrelay.SourceHandle, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, vcamrelay.NewError(vcamrelay.KindProtocol, "open", url,
			fmt.Errorf("invalid output size %dx%d", opts.Width, opts.Height))
	}

	// The connection outlives ctx, which only bounds the open.
	connCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, vcamrelay.NewError(vcamrelay.KindProtocol, "open", url, err)
	}

	res, err := s.client.Do(req)
	if err != nil {
		cancel()
		return nil, openError(ctx, url, err)
	}

	if err := checkResponse(res); err != nil {
		res.Body.Close()
		cancel()
		return nil, vcamrelay.NewError(statusKind(res.StatusCode), "open", url, err)
	}

	dec, err := mjpeg.NewDecoderFromResponse(res)
	if err != nil {
		res.Body.Close()
		cancel()
		return nil, vcamrelay.NewError(vcamrelay.KindProtocol, "open", url, err)
	}

	h := &handle{
		url:    url,
		width:  opts.Width,
		height: opts.Height,
		dec:    dec,
		body:   res.Body,
		cancel: cancel,
	}

	first, err := h.decode()
	if err != nil {
		h.Close()
		return nil, openError(ctx, url, err)
	}
	h.first = &first

	slog.Info("mjpegsource: stream opened",
		"url", url,
		"content_type", res.Header.Get("Content-Type"),
		"width", opts.Width,
		"height", opts.Height,
	)
	return h, nil
}

func checkResponse(res *http.Response) error {
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", res.Status)
	}
	return nil
}

func statusKind(code int) vcamrelay.ErrorKind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return vcamrelay.KindAuthRejected
	case http.StatusNotFound, http.StatusBadGateway, http.StatusServiceUnavailable:
		return vcamrelay.KindUnreachable
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return vcamrelay.KindTimeout
	default:
		return vcamrelay.KindProtocol
	}
}

// openError classifies a failure during Open. When ctx ended first the
// transport error is only the symptom.
func openError(ctx context.Context, url string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return vcamrelay.NewError(vcamrelay.KindTimeout, "open", url, err)
	case ctx.Err() != nil:
		return vcamrelay.NewError(vcamrelay.KindCancelled, "open", url, ctx.Err())
	default:
		return vcamrelay.Classify(err, "open", url)
	}
}

type handle struct {
	url           string
	width, height int

	dec    *mjpeg.Decoder
	body   io.Closer
	cancel context.CancelFunc
	first  *vcamrelay.Frame

	closeOnce sync.Once
}

func (h *handle) Read(ctx context.Context) (vcamrelay.Frame, error) {
	if f := h.first; f != nil {
		h.first = nil
		return *f, nil
	}

	// Decode blocks on the body; cancelling the request unblocks it.
	stop := context.AfterFunc(ctx, h.cancel)
	defer stop()

	f, err := h.decode()
	if err != nil {
		if ctx.Err() != nil {
			return vcamrelay.Frame{}, ctx.Err()
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return vcamrelay.Frame{}, vcamrelay.NewError(vcamrelay.KindUnexpectedEOF, "read", h.url, err)
		}
		return vcamrelay.Frame{}, vcamrelay.Classify(err, "read", h.url)
	}
	return f, nil
}

func (h *handle) decode() (vcamrelay.Frame, error) {
	img, err := h.dec.Decode()
	if err != nil {
		return vcamrelay.Frame{}, err
	}
	return vcamrelay.Frame{
		Timestamp: time.Now(),
		Width:     h.width,
		Height:    h.height,
		Format:    vcamrelay.PixelRGB24,
		Data:      fit(img, h.width, h.height),
		TraceID:   uuid.New().String(),
	}, nil
}

// fit letterboxes img into a dstW x dstH RGB24 buffer.
func fit(img image.Image, dstW, dstH int) []byte {
	b := img.Bounds()
	if b.Dx() == dstW && b.Dy() == dstH {
		return rgb.FromImage(img)
	}
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(dst, rgb.Fit(b.Dx(), b.Dy(), dstW, dstH), img, b, draw.Src, nil)
	return rgb.FromImage(dst)
}

func (h *handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.cancel()
		err = h.body.Close()
		slog.Debug("mjpegsource: stream closed", "url", h.url)
	})
	return err
}
