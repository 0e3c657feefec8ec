package job

import (
	"image"

	"github.com/CZERTAINLY/Shelf/internal/document"
)

// Outcome is the result of a finished job: Loaded, Rendered or Failed.
type Outcome interface {
	outcome()
}

// Loaded is produced by a load job. The receiver owns Document and must
// close it.
type Loaded struct {
	Document document.Document
	Info     document.Info
}

type Rendered struct {
	Image image.Image
}

type Failed struct {
	Err error
}

func (Loaded) outcome()   {}
func (Rendered) outcome() {}
func (Failed) outcome()   {}
