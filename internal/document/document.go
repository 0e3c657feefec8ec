// Package document opens documents for previewing. A Backend turns raw
// bytes into a Document which knows its page geometry and renders pages
// into images. Loader picks the backend from the detected file type and
// converts PostScript to PDF on the way.
package document

import (
	"context"
	"errors"
	"image"
)

var (
	ErrUnsupported     = errors.New("unsupported document type")
	ErrInvalidDocument = errors.New("invalid document")
	ErrPageRange       = errors.New("page out of range")
)

// Info is the document level metadata shown next to a thumbnail.
type Info struct {
	Title  string
	Author string
	Format string
	Pages  int
}

// Document is an opened document. Implementations are safe for concurrent
// use; Render may be called from worker goroutines while the owner keeps
// the document.
type Document interface {
	NumPages() int
	// PageSize returns the unrotated page size in points (or pixels for
	// raster images).
	PageSize(page int) (width, height float64, err error)
	// Render draws the page scaled by scale and rotated clockwise by
	// rotation degrees, a multiple of 90.
	Render(ctx context.Context, page int, scale float64, rotation int) (image.Image, error)
	Info() Info
	Close() error
}

type Backend interface {
	Load(data []byte) (Document, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(data []byte) (Document, error)

func (f BackendFunc) Load(data []byte) (Document, error) {
	return f(data)
}

// NormalizeRotation maps any multiple of 90 into [0, 360).
func NormalizeRotation(rotation int) int {
	rotation %= 360
	if rotation < 0 {
		rotation += 360
	}
	return rotation
}

// TargetSize returns the pixel size of a page rendered at scale and
// rotation. Width and height swap for quarter turns.
func TargetSize(width, height, scale float64, rotation int) (int, int) {
	w := max(1, int(width*scale+0.5))
	h := max(1, int(height*scale+0.5))
	switch NormalizeRotation(rotation) {
	case 90, 270:
		return h, w
	}
	return w, h
}
