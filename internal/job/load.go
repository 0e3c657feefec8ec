package job

import (
	"context"
	"fmt"

	"github.com/CZERTAINLY/Shelf/internal/document"
)

const (
	KindLoad      = "load"
	KindThumbnail = "thumbnail"
)

// Loader opens the document behind a uri, converting it first if needed.
type Loader interface {
	Load(ctx context.Context, uri string) (document.Document, error)
}

// NewLoad returns a job loading uri. It finishes with Loaded or Failed.
func NewLoad(uri string, l Loader) *Job {
	return New(KindLoad, WorkFunc(func(ctx context.Context) Outcome {
		doc, err := l.Load(ctx, uri)
		if err != nil {
			return Failed{Err: fmt.Errorf("loading %s: %w", uri, err)}
		}
		return Loaded{Document: doc, Info: doc.Info()}
	}))
}

// NewThumbnail returns a job rendering one page of doc at scale and
// rotation, optionally framed. The job does not own doc.
func NewThumbnail(doc document.Document, page, rotation int, scale float64, frame bool) *Job {
	return New(KindThumbnail, WorkFunc(func(ctx context.Context) Outcome {
		img, err := doc.Render(ctx, page, scale, rotation)
		if err != nil {
			return Failed{Err: fmt.Errorf("rendering page %d: %w", page, err)}
		}
		if frame {
			img = document.Frame(img)
		}
		return Rendered{Image: img}
	}))
}
