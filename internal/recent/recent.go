// Package recent enumerates the documents shown in the library: the
// desktop's recently used list (XBEL) or documents found in library
// directories. Watcher reports changes of the underlying files.
package recent

import (
	"context"
	"slices"
	"strings"
	"time"
)

type Item struct {
	URI          string
	DisplayName  string
	MimeType     string
	Modified     time.Time
	Applications []string
}

// HasApplication reports whether the item was registered by the named
// application, compared case insensitively.
func (i Item) HasApplication(name string) bool {
	return slices.ContainsFunc(i.Applications, func(app string) bool {
		return strings.EqualFold(app, name)
	})
}

type Source interface {
	Items(ctx context.Context) ([]Item, error)
	// Paths returns the files or directories whose changes affect Items.
	Paths() []string
}
