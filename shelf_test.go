package shelf_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	shelfPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")
	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("shelf-ci") {
		slog.Warn("integration tests skipped: run go build -race -cover -covermode=atomic -o shelf-ci ./cmd/shelf/ first")
		os.Exit(0)
	}

	var err error
	shelfPath, err = filepath.Abs("shelf-ci")
	if err != nil {
		slog.Error("can't get abspath for shelf-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for shelf-ci", "error", err)
		os.Exit(1)
	}
	if err := rmRfMkdirp(coverDir); err != nil {
		slog.Error("can't reset GOCOVERDIR for shelf-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}
	if err := os.Setenv("GOCOVERDIR", coverDir); err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}
	// the tests pass --config explicitly
	_ = os.Unsetenv("SHELFCONFIG")

	os.Exit(m.Run())
}

func TestShelf(t *testing.T) {
	dir := tmpDir(t)
	library := filepath.Join(dir, "library")
	require.NoError(t, os.Mkdir(library, 0o755))
	creat(t, filepath.Join(library, "wide.png"), pngBytes(t, 200, 100))
	creat(t, filepath.Join(library, "tall.png"), pngBytes(t, 50, 100))
	creat(t, filepath.Join(library, "notes.txt"), []byte("not a document\n"))

	config := fmt.Sprintf(`
version: 0
library:
  source: dir
  paths:
    - %s
cache:
  dir: %s
metadata:
  store: file
  dir: %s
service:
  log: discard
`, library, filepath.Join(dir, "thumbnails"), filepath.Join(dir, "metadata"))
	configPath := filepath.Join(dir, "shelf.yaml")
	creat(t, configPath, []byte(config))

	t.Run("list", func(t *testing.T) {
		for range 2 {
			stdout := run(t, "list", "--config", configPath)
			lines := strings.Split(strings.TrimSpace(stdout), "\n")
			require.Len(t, lines, 3, stdout)
			require.True(t, strings.HasPrefix(lines[0], "STATE"))
			for _, line := range lines[1:] {
				require.True(t, strings.HasPrefix(line, "thumbnailed"), line)
			}
			require.NotContains(t, stdout, "notes.txt")
		}

		entries, err := os.ReadDir(filepath.Join(dir, "thumbnails"))
		require.NoError(t, err)
		require.Len(t, entries, 2)
	})

	t.Run("thumbnail", func(t *testing.T) {
		out := filepath.Join(dir, "thumb.png")
		run(t, "thumbnail", "--config", configPath, "-o", out, filepath.Join(library, "wide.png"))
		require.Equal(t, image.Pt(128, 64), decodedSize(t, out))

		run(t, "thumbnail", "--config", configPath, "-o", out, "--rotation", "90", filepath.Join(library, "wide.png"))
		require.Equal(t, image.Pt(64, 128), decodedSize(t, out))
	})

	t.Run("prune", func(t *testing.T) {
		stdout := run(t, "prune", "--config", configPath)
		require.Equal(t, "removed 0 files\n", stdout)
	})
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, shelfPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}
	return stdout.String()
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func decodedSize(t *testing.T, path string) image.Point {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	cfg, err := png.DecodeConfig(f)
	require.NoError(t, err)
	return image.Pt(cfg.Width, cfg.Height)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, content, 0o644))
}
