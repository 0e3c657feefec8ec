package recent

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"
)

const xbelName = "recently-used.xbel"

// XBEL reads the freedesktop.org recently used bookmark file.
type XBEL struct {
	path string
}

func NewXBEL(path string) *XBEL {
	return &XBEL{path: path}
}

// DefaultXBELPath returns $XDG_DATA_HOME/recently-used.xbel, falling back
// to ~/.local/share.
func DefaultXBELPath() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, xbelName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", xbelName), nil
}

type xbelDoc struct {
	Bookmarks []xbelBookmark `xml:"bookmark"`
}

type xbelBookmark struct {
	Href     string         `xml:"href,attr"`
	Added    string         `xml:"added,attr"`
	Modified string         `xml:"modified,attr"`
	Visited  string         `xml:"visited,attr"`
	Title    string         `xml:"title"`
	Metadata []xbelMetadata `xml:"info>metadata"`
}

type xbelMetadata struct {
	MimeType struct {
		Type string `xml:"type,attr"`
	} `xml:"mime-type"`
	Applications []struct {
		Name string `xml:"name,attr"`
	} `xml:"applications>application"`
}

func (x *XBEL) Paths() []string {
	return []string{x.path}
}

// Items parses the bookmark file. A missing file is an empty list.
func (x *XBEL) Items(ctx context.Context) ([]Item, error) {
	f, err := os.Open(x.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.DebugContext(ctx, "no recently used file", "path", x.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening recently used file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var doc xbelDoc
	if err := xml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", x.path, err)
	}

	items := make([]Item, 0, len(doc.Bookmarks))
	for _, b := range doc.Bookmarks {
		if b.Href == "" {
			continue
		}
		item := Item{
			URI:         b.Href,
			DisplayName: b.Title,
			Modified:    firstTime(b.Modified, b.Visited, b.Added),
		}
		if item.DisplayName == "" {
			item.DisplayName = baseName(b.Href)
		}
		for _, m := range b.Metadata {
			if m.MimeType.Type != "" {
				item.MimeType = m.MimeType.Type
			}
			for _, app := range m.Applications {
				item.Applications = append(item.Applications, app.Name)
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func baseName(uri string) string {
	if u, err := url.Parse(uri); err == nil {
		return path.Base(u.Path)
	}
	return path.Base(uri)
}

func firstTime(values ...string) time.Time {
	for _, v := range values {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
