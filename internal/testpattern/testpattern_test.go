package testpattern

import (
	"bytes"
	"testing"
)

func pixel(data []byte, width, x, y int) [3]byte {
	i := (y*width + x) * 3
	return [3]byte{data[i], data[i+1], data[i+2]}
}

func TestRender_Size(t *testing.T) {
	for _, dim := range [][2]int{{1920, 1080}, {640, 480}, {7, 9}} {
		data := Render(dim[0], dim[1], "")
		if len(data) != dim[0]*dim[1]*3 {
			t.Errorf("Render(%dx%d) len = %d, want %d", dim[0], dim[1], len(data), dim[0]*dim[1]*3)
		}
	}
}

func TestRender_InvalidSize(t *testing.T) {
	if Render(0, 10, "x") != nil || Render(10, -1, "x") != nil {
		t.Error("Render with non-positive size must return nil")
	}
}

func TestRender_Bars(t *testing.T) {
	const w, h = 64, 80
	data := Render(w, h, "")

	barHeight := h / len(Bars)
	for i, c := range Bars {
		got := pixel(data, w, w/2, i*barHeight+barHeight/2)
		want := [3]byte{c.R, c.G, c.B}
		if got != want {
			t.Errorf("bar %d = %v, want %v", i, got, want)
		}
	}
}

func TestRender_Deterministic(t *testing.T) {
	a := Render(320, 240, "Reconnecting...")
	b := Render(320, 240, "Reconnecting...")
	if !bytes.Equal(a, b) {
		t.Error("Render is not deterministic for identical inputs")
	}
}

func TestRender_TextChangesOutput(t *testing.T) {
	plain := Render(320, 240, "")
	stamped := Render(320, 240, "Connecting")
	if bytes.Equal(plain, stamped) {
		t.Error("status text did not change the rendered frame")
	}

	// Corners stay untouched by the centred stamp.
	if pixel(plain, 320, 0, 0) != pixel(stamped, 320, 0, 0) {
		t.Error("stamp leaked into the top-left corner")
	}
}

func TestRender_LongTextFits(t *testing.T) {
	text := "Reconnecting (attempt 12345) in 32s - rtsp://very.long.host.example/stream/path"
	data := Render(160, 120, text)
	if len(data) != 160*120*3 {
		t.Fatalf("len = %d", len(data))
	}
}
