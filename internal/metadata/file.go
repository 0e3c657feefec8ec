package metadata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const fileExt = ".yaml"

// File keeps one YAML document per uri in a directory. Records are written
// to a temporary file and renamed into place.
type File struct {
	dir string
}

type fileRecord struct {
	URI    string `yaml:"uri"`
	Values Values `yaml:"values"`
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata dir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+fileExt)
}

func (f *File) Load(_ context.Context, uri string) (Values, error) {
	rec, err := f.read(f.path(uri))
	if err != nil {
		return nil, err
	}
	if rec.URI != uri {
		return nil, ErrNotFound
	}
	if rec.Values == nil {
		rec.Values = Values{}
	}
	return rec.Values, nil
}

func (f *File) read(path string) (fileRecord, error) {
	var rec fileRecord
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("reading metadata: %w", err)
	}
	if err := yaml.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("parsing metadata %s: %w", path, err)
	}
	return rec, nil
}

func (f *File) Save(_ context.Context, uri string, v Values) error {
	b, err := yaml.Marshal(fileRecord{URI: uri, Values: v})
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating metadata: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(uri)); err != nil {
		return fmt.Errorf("storing metadata: %w", err)
	}
	return nil
}

func (f *File) Delete(_ context.Context, uri string) error {
	err := os.Remove(f.path(uri))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	return nil
}

func (f *File) URIs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("listing metadata: %w", err)
	}
	var uris []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || filepath.Ext(e.Name()) != fileExt {
			continue
		}
		rec, err := f.read(filepath.Join(f.dir, e.Name()))
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable metadata", "file", e.Name(), "error", err)
			continue
		}
		uris = append(uris, rec.URI)
	}
	return uris, nil
}

func (f *File) Close() error { return nil }
