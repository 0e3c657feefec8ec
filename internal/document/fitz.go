package document

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/gen2brain/go-fitz"
)

const pointsPerInch = 72

// Fitz renders PDF, XPS and EPUB documents with MuPDF.
type Fitz struct {
	Format string
}

func (f Fitz) Load(data []byte) (Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if doc.NumPage() == 0 {
		_ = doc.Close()
		return nil, fmt.Errorf("%w: no pages", ErrInvalidDocument)
	}

	meta := doc.Metadata()
	return &fitzDocument{
		doc: doc,
		info: Info{
			Title:  meta["title"],
			Author: meta["author"],
			Format: f.Format,
			Pages:  doc.NumPage(),
		},
	}, nil
}

type fitzDocument struct {
	mx     sync.Mutex
	doc    *fitz.Document
	info   Info
	closed bool
}

func (d *fitzDocument) NumPages() int {
	return d.info.Pages
}

func (d *fitzDocument) Info() Info {
	return d.info
}

func (d *fitzDocument) PageSize(page int) (float64, float64, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.check(page); err != nil {
		return 0, 0, err
	}
	r, err := d.doc.Bound(page)
	if err != nil {
		return 0, 0, fmt.Errorf("page %d bounds: %w", page, err)
	}
	return float64(r.Dx()), float64(r.Dy()), nil
}

func (d *fitzDocument) Render(ctx context.Context, page int, scale float64, rotation int) (image.Image, error) {
	w, h, err := d.PageSize(page)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mx.Lock()
	img, err := d.doc.ImageDPI(page, pointsPerInch*scale)
	d.mx.Unlock()
	if err != nil {
		return nil, fmt.Errorf("rendering page %d: %w", page, err)
	}

	// MuPDF rounds the pixmap outward, keep the promised size
	tw, th := TargetSize(w, h, scale, 0)
	var out image.Image = img
	if b := img.Bounds(); b.Dx() != tw || b.Dy() != th {
		out = Scale(img, tw, th)
	}
	return Rotate(out, rotation), nil
}

func (d *fitzDocument) Close() error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.doc.Close()
}

func (d *fitzDocument) check(page int) error {
	if d.closed {
		return fmt.Errorf("%w: document closed", ErrInvalidDocument)
	}
	if page < 0 || page >= d.info.Pages {
		return fmt.Errorf("%w: %d of %d", ErrPageRange, page, d.info.Pages)
	}
	return nil
}
