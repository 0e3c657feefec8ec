package library

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"golang.org/x/image/draw"

	"github.com/CZERTAINLY/Shelf/internal/recent"
)

// RowID is the position of a row in the library. Rows are rebuilt on
// refresh, so the same id is reused for another item.
type RowID int

type ItemState int

const (
	StateUnloaded ItemState = iota
	StateLoading
	StateLoaded
	StateThumbnailing
	StateThumbnailed
	StateFailed
)

func (s ItemState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateThumbnailing:
		return "thumbnailing"
	case StateThumbnailed:
		return "thumbnailed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ItemState(%d)", int(s))
	}
}

type Row struct {
	ID     RowID
	Item   recent.Item
	State  ItemState
	Icon   image.Image
	Author string
	// Err is set for Failed rows which failed in this process. Rows failed
	// according to the cache carry no error.
	Err error

	// modification time of the document taken before it was loaded
	stamp time.Time
}

var fallbackColor = color.RGBA{R: 0xd3, G: 0xd7, B: 0xcf, A: 0xff}

// FallbackIcon returns a plain square icon of the given size.
func FallbackIcon(size int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(fallbackColor), image.Point{}, draw.Src)
	return img
}
