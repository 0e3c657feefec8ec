package document

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

const (
	frameBorder = 1
	frameShadow = 2
)

var (
	borderColor = color.RGBA{A: 0xff}
	shadowColor = color.RGBA{A: 0x60}
)

// Scale resamples src to exactly w×h pixels.
func Scale(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// Rotate turns src clockwise by a multiple of 90 degrees. Other angles are
// rounded down to the previous quarter turn.
func Rotate(src image.Image, rotation int) image.Image {
	b := src.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	var m f64.Aff3
	var dst *image.RGBA
	switch NormalizeRotation(rotation) / 90 {
	case 1:
		m = f64.Aff3{0, -1, h, 1, 0, 0}
		dst = image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	case 2:
		m = f64.Aff3{-1, 0, w, 0, -1, h}
		dst = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	case 3:
		m = f64.Aff3{0, 1, 0, -1, 0, w}
		dst = image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	default:
		return src
	}
	// the transform works on src coordinates relative to its origin
	m[2] -= m[0]*float64(b.Min.X) + m[1]*float64(b.Min.Y)
	m[5] -= m[3]*float64(b.Min.X) + m[4]*float64(b.Min.Y)
	draw.NearestNeighbor.Transform(dst, m, src, b, draw.Src, nil)
	return dst
}

// Frame decorates a thumbnail with a thin border and a drop shadow on the
// right and bottom edge.
func Frame(src image.Image) *image.RGBA {
	b := src.Bounds()
	w := b.Dx() + 2*frameBorder
	h := b.Dy() + 2*frameBorder
	dst := image.NewRGBA(image.Rect(0, 0, w+frameShadow, h+frameShadow))

	shadow := image.Rect(frameShadow, frameShadow, w+frameShadow, h+frameShadow)
	draw.Draw(dst, shadow, image.NewUniform(shadowColor), image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(0, 0, w, h), image.NewUniform(borderColor), image.Point{}, draw.Src)
	inner := image.Rect(frameBorder, frameBorder, w-frameBorder, h-frameBorder)
	draw.Draw(dst, inner, src, b.Min, draw.Src)
	return dst
}
