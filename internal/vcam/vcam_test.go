package vcam

import (
	"os"
	"testing"
	"time"

	vcamrelay "github.com/e7canasta/vcam-relay"
	"github.com/e7canasta/vcam-relay/internal/rgb"
	"github.com/e7canasta/vcam-relay/internal/testpattern"
)

func frame(w, h int) vcamrelay.Frame {
	return vcamrelay.Frame{
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
		Format:    vcamrelay.PixelRGB24,
		Data:      testpattern.Render(w, h, ""),
	}
}

func TestConform(t *testing.T) {
	out := vcamrelay.Format{Width: 64, Height: 32, FPS: 30}

	t.Run("same size passes through", func(t *testing.T) {
		f := frame(64, 32)
		data, err := conform(f, out)
		if err != nil {
			t.Fatalf("conform() error = %v", err)
		}
		if &data[0] != &f.Data[0] {
			t.Error("same-size frame was copied")
		}
	})

	t.Run("mismatch is letterboxed", func(t *testing.T) {
		data, err := conform(frame(32, 32), out)
		if err != nil {
			t.Fatalf("conform() error = %v", err)
		}
		if len(data) != rgb.Size(64, 32) {
			t.Fatalf("len = %d, want %d", len(data), rgb.Size(64, 32))
		}
		// Square into 2:1: first pixel is border.
		if data[0] != 0 || data[1] != 0 || data[2] != 0 {
			t.Errorf("border pixel = %v, want black", data[:3])
		}
	})

	t.Run("short data rejected", func(t *testing.T) {
		f := frame(64, 32)
		f.Data = f.Data[:10]
		if _, err := conform(f, out); err == nil {
			t.Error("conform() accepted truncated frame")
		}
	})
}

func TestFPSFraction(t *testing.T) {
	tests := []struct {
		fps      float64
		num, den int
	}{
		{30, 30, 1},
		{25, 25, 1},
		{29.97, 2997, 100},
		{12.5, 25, 2},
	}
	for _, tt := range tests {
		num, den := fpsFraction(tt.fps)
		if num != tt.num || den != tt.den {
			t.Errorf("fpsFraction(%v) = %d/%d, want %d/%d", tt.fps, num, den, tt.num, tt.den)
		}
	}
}

func TestDiscard(t *testing.T) {
	d, err := NewDiscard(vcamrelay.Format{Width: 64, Height: 32, FPS: 30})
	if err != nil {
		t.Fatalf("NewDiscard() error = %v", err)
	}

	if err := d.Write(frame(64, 32)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := d.Write(frame(32, 32)); err != nil {
		t.Fatalf("Write() mismatched size error = %v", err)
	}

	bad := frame(64, 32)
	bad.Data = nil
	if err := d.Write(bad); vcamrelay.KindOf(err) != vcamrelay.KindFormatMismatch {
		t.Errorf("Write(bad) kind = %s, want format_mismatch", vcamrelay.KindOf(err))
	}

	next := vcamrelay.Format{Width: 128, Height: 64, FPS: 15}
	if err := d.Reconfigure(next); err != nil {
		t.Fatalf("Reconfigure() error = %v", err)
	}
	if d.Format() != next {
		t.Errorf("Format() = %v, want %v", d.Format(), next)
	}
	if d.Written() != 2 {
		t.Errorf("Written() = %d, want 2", d.Written())
	}

	d.Close()
	if err := d.Write(frame(128, 64)); vcamrelay.KindOf(err) != vcamrelay.KindDeviceUnavailable {
		t.Errorf("Write after Close kind = %s, want device_unavailable", vcamrelay.KindOf(err))
	}
}

func TestDiscard_InvalidFormat(t *testing.T) {
	if _, err := NewDiscard(vcamrelay.Format{Width: 63, Height: 32, FPS: 30}); err == nil {
		t.Error("NewDiscard() accepted odd width")
	}
}

func TestOpen_RequiresDevice(t *testing.T) {
	_, err := Open(Config{}, vcamrelay.Format{Width: 64, Height: 32, FPS: 30})
	if vcamrelay.KindOf(err) != vcamrelay.KindDeviceUnavailable {
		t.Errorf("KindOf(err) = %s, want device_unavailable", vcamrelay.KindOf(err))
	}
}

// Needs GStreamer and a v4l2loopback device:
//
//	VCAM_TEST_DEVICE=/dev/video10 go test ./internal/vcam
func TestSink_Device(t *testing.T) {
	device := os.Getenv("VCAM_TEST_DEVICE")
	if device == "" {
		t.Skip("VCAM_TEST_DEVICE not set")
	}

	format := vcamrelay.Format{Width: 320, Height: 240, FPS: 30}
	s, err := Open(Config{Device: device}, format)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	for i := 0; i < 30; i++ {
		if err := s.Write(frame(320, 240)); err != nil {
			t.Fatalf("Write() #%d error = %v", i, err)
		}
		time.Sleep(format.Period())
	}

	if err := s.Reconfigure(vcamrelay.Format{Width: 640, Height: 480, FPS: 15}); err != nil {
		t.Fatalf("Reconfigure() error = %v", err)
	}
	if err := s.Write(frame(320, 240)); err != nil {
		t.Fatalf("Write() after Reconfigure error = %v", err)
	}
}
