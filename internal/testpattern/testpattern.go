// Package testpattern renders the placeholder frame the relay sends while no
// live video is available.
//
// Render is a pure function: the same width, height and text always produce
// byte-identical output.
package testpattern

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/e7canasta/vcam-relay/internal/rgb"
)

// Bars are the eight horizontal colour bars, top to bottom.
var Bars = [8]color.RGBA{
	{255, 255, 255, 255}, // white
	{255, 255, 0, 255},   // yellow
	{0, 255, 255, 255},   // cyan
	{0, 255, 0, 255},     // green
	{255, 0, 255, 255},   // magenta
	{255, 0, 0, 255},     // red
	{0, 0, 255, 255},     // blue
	{0, 0, 0, 255},       // black
}

// Render returns a packed RGB24 frame of width x height colour bars with text
// stamped in the centre. Empty text renders bars only.
func Render(width, height int, text string) []byte {
	if width <= 0 || height <= 0 {
		return nil
	}
	return rgb.FromImage(RenderImage(width, height, text))
}

// RenderImage is Render without the final packing step.
func RenderImage(width, height int, text string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	barHeight := height / len(Bars)
	for i, c := range Bars {
		y0 := i * barHeight
		y1 := y0 + barHeight
		if i == len(Bars)-1 {
			y1 = height // absorb rounding remainder into the black bar
		}
		draw.Draw(img, image.Rect(0, y0, width, y1), image.NewUniform(c), image.Point{}, draw.Src)
	}

	if text != "" {
		stamp(img, text)
	}
	return img
}

// stamp draws text with basicfont, scaled up so it stays legible at 1080p,
// on a dark backing box.
func stamp(img *image.RGBA, text string) {
	face := basicfont.Face7x13
	adv := font.MeasureString(face, text).Ceil()
	if adv == 0 {
		return
	}

	const pad = 2
	glyphs := image.NewRGBA(image.Rect(0, 0, adv+2*pad, face.Height+2*pad))
	draw.Draw(glyphs, glyphs.Bounds(), image.NewUniform(color.RGBA{0, 0, 0, 255}), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  glyphs,
		Src:  image.NewUniform(color.RGBA{255, 255, 255, 255}),
		Face: face,
		Dot:  fixed.P(pad, pad+face.Ascent),
	}
	d.DrawString(text)

	b := img.Bounds()
	scale := b.Dy() / 180
	if scale < 1 {
		scale = 1
	}
	w := glyphs.Bounds().Dx() * scale
	h := glyphs.Bounds().Dy() * scale
	for w > b.Dx() && scale > 1 {
		scale--
		w = glyphs.Bounds().Dx() * scale
		h = glyphs.Bounds().Dy() * scale
	}

	x0 := (b.Dx() - w) / 2
	y0 := (b.Dy() - h) / 2
	draw.NearestNeighbor.Scale(img, image.Rect(x0, y0, x0+w, y0+h), glyphs, glyphs.Bounds(), draw.Src, nil)
}
