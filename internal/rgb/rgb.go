// Package rgb converts between Go images and the packed 3-channel 8-bit
// (RGBRGB...) buffers that travel through the relay.
package rgb

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// BytesPerPixel is the size of one packed RGB pixel.
const BytesPerPixel = 3

// Size returns the buffer length for a width x height frame.
func Size(width, height int) int {
	return width * height * BytesPerPixel
}

// FromImage packs img into an RGB24 buffer. Alpha is discarded.
func FromImage(img image.Image) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, Size(w, h))

	// Fast paths for the two layouts decoders actually hand us.
	switch src := img.(type) {
	case *image.RGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w*4]
			dst := out[y*w*3 : (y+1)*w*3]
			for x := 0; x < w; x++ {
				dst[x*3+0] = row[x*4+0]
				dst[x*3+1] = row[x*4+1]
				dst[x*3+2] = row[x*4+2]
			}
		}
		return out
	case *image.YCbCr:
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := src.YCbCrAt(x, y)
				r, g, bl := color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
				out[i+0], out[i+1], out[i+2] = r, g, bl
				i += 3
			}
		}
		return out
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			out[i+0] = uint8(r >> 8)
			out[i+1] = uint8(g >> 8)
			out[i+2] = uint8(bl >> 8)
			i += 3
		}
	}
	return out
}

// ToRGBA unpacks an RGB24 buffer into an opaque RGBA image.
func ToRGBA(data []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	n := width * height
	if len(data) < n*3 {
		n = len(data) / 3
	}
	for i := 0; i < n; i++ {
		img.Pix[i*4+0] = data[i*3+0]
		img.Pix[i*4+1] = data[i*3+1]
		img.Pix[i*4+2] = data[i*3+2]
		img.Pix[i*4+3] = 255
	}
	return img
}

// Fit returns the largest rectangle with the source aspect ratio that fits
// inside dstW x dstH, centred.
func Fit(srcW, srcH, dstW, dstH int) image.Rectangle {
	if srcW <= 0 || srcH <= 0 {
		return image.Rect(0, 0, dstW, dstH)
	}
	w := dstW
	h := srcH * dstW / srcW
	if h > dstH {
		h = dstH
		w = srcW * dstH / srcH
	}
	x0 := (dstW - w) / 2
	y0 := (dstH - h) / 2
	return image.Rect(x0, y0, x0+w, y0+h)
}

// Letterbox scales an RGB24 frame to dstW x dstH preserving aspect ratio and
// filling the borders with black.
func Letterbox(data []byte, width, height, dstW, dstH int) []byte {
	if width == dstW && height == dstH {
		return data
	}
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)

	src := ToRGBA(data, width, height)
	draw.ApproxBiLinear.Scale(dst, Fit(width, height, dstW, dstH), src, src.Bounds(), draw.Src, nil)

	return FromImage(dst)
}

// Thumbnail downsizes an RGB24 frame so its width is at most maxW.
func Thumbnail(data []byte, width, height, maxW int) *image.RGBA {
	src := ToRGBA(data, width, height)
	if width <= maxW || maxW <= 0 {
		return src
	}
	h := height * maxW / width
	dst := image.NewRGBA(image.Rect(0, 0, maxW, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
