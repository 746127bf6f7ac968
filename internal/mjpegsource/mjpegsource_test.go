package mjpegsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	vcamrelay "github.com/e7canasta/vcam-relay"
)

const boundary = "frameboundary"

func jpegFrame(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	return buf.Bytes()
}

// mjpegServer serves n frames then blocks until the client goes away.
func mjpegServer(t *testing.T, frame []byte, n int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
		w.WriteHeader(http.StatusOK)
		for i := 0; i < n; i++ {
			fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(frame))
			w.Write(frame)
			fmt.Fprint(w, "\r\n")
			w.(http.Flusher).Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpen_ReadsFrames(t *testing.T) {
	srv := mjpegServer(t, jpegFrame(t, 64, 48, color.RGBA{R: 255, A: 255}), 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h, err := New(nil).Open(ctx, srv.URL, vcamrelay.OpenOptions{ConnectTimeout: 2 * time.Second, Width: 64, Height: 48})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	for i := 0; i < 3; i++ {
		f, err := h.Read(ctx)
		if err != nil {
			t.Fatalf("Read() #%d error = %v", i, err)
		}
		if err := f.Validate(); err != nil {
			t.Fatalf("frame #%d invalid: %v", i, err)
		}
		if f.Data[0] < 200 || f.Data[1] > 50 {
			t.Errorf("frame #%d first pixel = %v, want red", i, f.Data[:3])
		}
	}
}

func TestOpen_Letterboxes(t *testing.T) {
	srv := mjpegServer(t, jpegFrame(t, 32, 32, color.White), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h, err := New(nil).Open(ctx, srv.URL, vcamrelay.OpenOptions{Width: 64, Height: 32})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	f, err := h.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if f.Width != 64 || f.Height != 32 {
		t.Fatalf("frame size = %dx%d, want 64x32", f.Width, f.Height)
	}
	// Square image in a 2:1 frame: black bars left and right.
	if f.Data[0] != 0 {
		t.Errorf("left border = %d, want 0", f.Data[0])
	}
	mid := (16*64 + 32) * 3
	if f.Data[mid] < 200 {
		t.Errorf("centre = %d, want white", f.Data[mid])
	}
}

func TestRead_CancelUnblocks(t *testing.T) {
	srv := mjpegServer(t, jpegFrame(t, 16, 16, color.Black), 1)

	h, err := New(nil).Open(context.Background(), srv.URL, vcamrelay.OpenOptions{Width: 16, Height: 16})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	if _, err := h.Read(context.Background()); err != nil {
		t.Fatalf("first Read() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := h.Read(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Read() error = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read() did not return after cancellation")
	}
}

func TestOpen_HTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   vcamrelay.ErrorKind
	}{
		{http.StatusUnauthorized, vcamrelay.KindAuthRejected},
		{http.StatusNotFound, vcamrelay.KindUnreachable},
		{http.StatusInternalServerError, vcamrelay.KindProtocol},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := New(nil).Open(context.Background(), srv.URL, vcamrelay.OpenOptions{Width: 16, Height: 16})
			if got := vcamrelay.KindOf(err); got != tt.want {
				t.Errorf("KindOf(err) = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOpen_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(nil).Open(ctx, srv.URL, vcamrelay.OpenOptions{Width: 16, Height: 16})
	if got := vcamrelay.KindOf(err); got != vcamrelay.KindTimeout {
		t.Errorf("KindOf(err) = %s, want timeout", got)
	}
}
