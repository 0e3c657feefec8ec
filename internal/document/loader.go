package document

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Shelf/internal/convert"
	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

const (
	MimePDF        = "application/pdf"
	MimePostScript = "application/postscript"
	MimeXPS        = "application/vnd.ms-xpsdocument"
	MimeEPUB       = "application/epub+zip"
)

var disablePdfcpuConfig sync.Once

// Validated wraps b so that data is checked by pdfcpu first. A truncated or
// corrupted PDF fails with ErrInvalidDocument instead of opening with
// missing pages. Page sizes of the opened document are the fractional ones
// pdfcpu read from the page boxes.
func Validated(b Backend) Backend {
	disablePdfcpuConfig.Do(func() {
		// keep pdfcpu away from the user's config dir
		model.ConfigPath = "disable"
	})
	return BackendFunc(func(data []byte) (Document, error) {
		conf := model.NewDefaultConfiguration()
		conf.Cmd = model.VALIDATE
		conf.ValidationMode = model.ValidationRelaxed
		pdf, err := api.ReadAndValidate(bytes.NewReader(data), conf)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
		}
		doc, err := b.Load(data)
		if err != nil {
			return nil, err
		}
		dims, err := pdf.PageDims()
		if err != nil || len(dims) != doc.NumPages() {
			slog.Debug("page sizes not available from pdfcpu", "error", err)
			return doc, nil
		}
		return &measured{Document: doc, dims: dims}, nil
	})
}

// measured overrides the page sizes of a document whose backend rounds them
// to whole points.
type measured struct {
	Document
	dims []types.Dim
}

func (m *measured) PageSize(page int) (float64, float64, error) {
	if _, _, err := m.Document.PageSize(page); err != nil {
		return 0, 0, err
	}
	d := m.dims[page]
	return d.Width, d.Height, nil
}

func (m *measured) Render(ctx context.Context, page int, scale float64, rotation int) (image.Image, error) {
	img, err := m.Document.Render(ctx, page, scale, rotation)
	if err != nil {
		return nil, err
	}
	d := m.dims[page]
	tw, th := TargetSize(d.Width, d.Height, scale, rotation)
	if b := img.Bounds(); b.Dx() != tw || b.Dy() != th {
		return Scale(img, tw, th), nil
	}
	return img, nil
}

type LoaderOption func(*Loader)

// WithBackend registers b for the mime type, replacing the default.
func WithBackend(mime string, b Backend) LoaderOption {
	return func(l *Loader) {
		l.backends[mime] = b
	}
}

// Loader opens documents referenced by file URIs.
type Loader struct {
	converter convert.Command
	backends  map[string]Backend
}

// NewLoader returns a loader using cmd to turn PostScript into PDF.
func NewLoader(cmd convert.Command, opts ...LoaderOption) *Loader {
	l := &Loader{
		converter: cmd,
		backends: map[string]Backend{
			MimePDF:      Validated(Fitz{Format: MimePDF}),
			MimeXPS:      Fitz{Format: MimeXPS},
			MimeEPUB:     Fitz{Format: MimeEPUB},
			"image/png":  Raster{},
			"image/jpeg": Raster{},
			"image/gif":  Raster{},
			"image/tiff": Raster{},
			"image/bmp":  Raster{},
			"image/webp": Raster{},
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load detects the type of the document at uri, converts it if needed and
// opens it with the matching backend. Cancelling ctx stops a running
// conversion.
func (l *Loader) Load(ctx context.Context, uri string) (Document, error) {
	path, err := PathFromURI(uri)
	if err != nil {
		return nil, err
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("detecting type of %s: %w", path, err)
	}

	var data []byte
	mime := mt.String()
	if mt.Is(MimePostScript) {
		data, err = l.convert(ctx, path)
		mime = MimePDF
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	b, err := l.backend(mime, mt)
	if err != nil {
		return nil, err
	}
	return b.Load(data)
}

// Supports reports whether documents of the mime type can be opened.
func (l *Loader) Supports(mime string) bool {
	mime, _, _ = strings.Cut(mime, ";")
	if mime == MimePostScript {
		return true
	}
	_, ok := l.backends[mime]
	return ok
}

func (l *Loader) backend(mime string, mt *mimetype.MIME) (Backend, error) {
	if b, ok := l.backends[mime]; ok {
		return b, nil
	}
	for p := mt.Parent(); p != nil; p = p.Parent() {
		if b, ok := l.backends[p.String()]; ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, mime)
}

func (l *Loader) convert(ctx context.Context, path string) ([]byte, error) {
	c := convert.NewConverter(path, l.converter,
		convert.WithStderrFunc(func(ctx context.Context, line string) {
			slog.InfoContext(ctx, "converter", "stderr", line)
		}),
	)
	defer c.Close()
	if err := c.StartSync(ctx); err != nil {
		return nil, fmt.Errorf("converting %s: %w", path, err)
	}
	return c.Data(), nil
}

// PathFromURI accepts file URIs and plain paths.
func PathFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parsing uri %q: %w", uri, err)
	}
	switch u.Scheme {
	case "":
		return filepath.Clean(uri), nil
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return "", fmt.Errorf("%w: remote file %s", ErrUnsupported, uri)
		}
		return filepath.FromSlash(u.Path), nil
	default:
		return "", fmt.Errorf("%w: scheme %s", ErrUnsupported, u.Scheme)
	}
}

// URIFromPath returns the file URI of path, made absolute first.
func URIFromPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String(), nil
}
