package document

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Raster opens single page raster images. The page size is the image size
// in pixels.
type Raster struct{}

func (Raster) Load(data []byte) (Document, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return &rasterDocument{
		img:  img,
		info: Info{Format: "image/" + format, Pages: 1},
	}, nil
}

type rasterDocument struct {
	img  image.Image
	info Info
}

func (d *rasterDocument) NumPages() int { return 1 }

func (d *rasterDocument) Info() Info { return d.info }

func (d *rasterDocument) PageSize(page int) (float64, float64, error) {
	if page != 0 {
		return 0, 0, fmt.Errorf("%w: %d of 1", ErrPageRange, page)
	}
	b := d.img.Bounds()
	return float64(b.Dx()), float64(b.Dy()), nil
}

func (d *rasterDocument) Render(ctx context.Context, page int, scale float64, rotation int) (image.Image, error) {
	w, h, err := d.PageSize(page)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tw, th := TargetSize(w, h, scale, 0)
	return Rotate(Scale(d.img, tw, th), rotation), nil
}

func (d *rasterDocument) Close() error { return nil }
