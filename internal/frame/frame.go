// Package frame implements on-device analysis of captured camera frames.
//
// The analyzer is a pipeline of classical image-processing heuristics,
// deliberately simple and dependency-free: skin-tone blob extraction for
// face counting, luminance differencing for eye/head motion, Sobel edge
// density for foreign objects, and histogram thresholds for lighting.
// No trained model is involved. Thresholds are named constants so
// behavior is reproducible with synthetic frames.
package frame

import (
	"image"
	"image/color"
)

// Frame is a raw RGBA pixel buffer, 4 bytes per pixel in row-major
// order.
type Frame struct {
	Width  int
	Height int
	Pix    []uint8
}

// New allocates a zeroed (black, opaque) frame.
func New(width, height int) *Frame {
	f := &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height*4),
	}
	for i := 3; i < len(f.Pix); i += 4 {
		f.Pix[i] = 0xff
	}
	return f
}

// FromImage converts any image into a frame.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	f := New(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*f.Width + x) * 4
			f.Pix[i+0] = uint8(r >> 8)
			f.Pix[i+1] = uint8(g >> 8)
			f.Pix[i+2] = uint8(bl >> 8)
			f.Pix[i+3] = uint8(a >> 8)
		}
	}
	return f
}

// At returns the pixel at (x, y).
func (f *Frame) At(x, y int) (r, g, b uint8) {
	i := (y*f.Width + x) * 4
	return f.Pix[i], f.Pix[i+1], f.Pix[i+2]
}

// Set writes the pixel at (x, y).
func (f *Frame) Set(x, y int, r, g, b uint8) {
	i := (y*f.Width + x) * 4
	f.Pix[i+0] = r
	f.Pix[i+1] = g
	f.Pix[i+2] = b
	f.Pix[i+3] = 0xff
}

// Image converts the frame to a standard image for encoding.
func (f *Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	copy(img.Pix, f.Pix)
	return img
}

// FillRect paints a solid rectangle. Used by synthetic-frame tests and
// calibration tooling.
func (f *Frame) FillRect(x0, y0, x1, y1 int, c color.RGBA) {
	for y := y0; y < y1 && y < f.Height; y++ {
		for x := x0; x < x1 && x < f.Width; x++ {
			f.Set(x, y, c.R, c.G, c.B)
		}
	}
}

// luma returns the luminance plane of the frame using the BT.601
// weights.
func (f *Frame) luma() []float64 {
	out := make([]float64, f.Width*f.Height)
	for i := 0; i < len(out); i++ {
		p := i * 4
		out[i] = 0.299*float64(f.Pix[p]) + 0.587*float64(f.Pix[p+1]) + 0.114*float64(f.Pix[p+2])
	}
	return out
}

// skinMask classifies each pixel as skin-tone or not using the classic
// RGB color-range rule.
func (f *Frame) skinMask() []bool {
	mask := make([]bool, f.Width*f.Height)
	for i := range mask {
		p := i * 4
		mask[i] = isSkinTone(f.Pix[p], f.Pix[p+1], f.Pix[p+2])
	}
	return mask
}

// isSkinTone applies the standard RGB skin classification rule.
func isSkinTone(r, g, b uint8) bool {
	if r <= 95 || g <= 40 || b <= 20 {
		return false
	}
	if r <= g || r <= b {
		return false
	}
	maxC := max(r, max(g, b))
	minC := min(r, min(g, b))
	return maxC-minC > 15
}
