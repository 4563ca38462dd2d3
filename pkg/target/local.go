package target

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/picopip/picopip/pkg/dist"
)

// localAdapter implements the filesystem-backed transports. Paths
// given to the Adapter methods are forward-slash relative to root.
type localAdapter struct {
	root           string
	install        string // installation root relative to root
	fsyncOnWrite   bool   // removable-media safety
	describePrefix string
}

func (a *localAdapter) Describe() string { return a.describePrefix + ":" + a.root }

func (a *localAdapter) DefaultTarget() string { return a.install }

func (a *localAdapter) SupportsStreamingWrite() bool { return true }

func (a *localAdapter) Close() error { return nil }

func (a *localAdapter) abs(path string) string {
	return filepath.Join(a.root, filepath.FromSlash(strings.TrimPrefix(path, "/")))
}

func (a *localAdapter) ListDistributions(ctx context.Context) (dist.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scanRoot := a.abs(a.install)
	if _, err := os.Stat(scanRoot); errors.Is(err, fs.ErrNotExist) {
		return dist.Snapshot{}, nil
	}
	snapshot, err := dist.ScanFS(os.DirFS(scanRoot))
	if err != nil {
		var malformed *dist.MalformedMetadataError
		if errors.As(err, &malformed) {
			return nil, err
		}
		return nil, &IOError{Op: "list", Path: a.install, Err: err}
	}
	for _, d := range snapshot {
		d.Root = a.install
	}
	return snapshot, nil
}

func (a *localAdapter) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(a.abs(path))
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

func (a *localAdapter) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := a.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if a.fsyncOnWrite {
		// Some boards expose FAT volumes that lose late writes on
		// unplug unless each file is committed eagerly.
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return &IOError{Op: "write", Path: path, Err: err}
		}
	}
	if err := f.Close(); err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

func (a *localAdapter) DeleteFile(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(a.abs(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "delete", Path: path, Err: err}
	}
	return nil
}

func (a *localAdapter) DeleteDirIfEmpty(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := a.abs(path)
	entries, err := os.ReadDir(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &IOError{Op: "delete", Path: path, Err: err}
	}
	if len(entries) > 0 {
		return nil
	}
	if err := os.Remove(full); err != nil {
		return &IOError{Op: "delete", Path: path, Err: err}
	}
	return nil
}

func (a *localAdapter) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.fsyncOnWrite {
		return nil
	}
	dir, err := os.Open(a.root)
	if err != nil {
		return &IOError{Op: "sync", Err: err}
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return &IOError{Op: "sync", Err: err}
	}
	return nil
}

// NewDirAdapter targets a plain local directory. Packages install
// directly into the directory root.
func NewDirAdapter(root string) (Adapter, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &IOError{Op: "open", Path: root, Err: err}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &IOError{Op: "open", Path: root, Err: err}
	}
	return &localAdapter{root: abs, install: ".", describePrefix: "dir"}, nil
}

// NewMountAdapter targets a mounted device volume (CIRCUITPY style).
// Packages install into the volume's lib directory and every write is
// committed to media before the session moves on.
func NewMountAdapter(mountPoint string) (Adapter, error) {
	info, err := os.Stat(mountPoint)
	if err != nil {
		return nil, &IOError{Op: "open", Path: mountPoint, Err: err}
	}
	if !info.IsDir() {
		return nil, &IOError{Op: "open", Path: mountPoint, Err: errors.New("not a directory")}
	}
	return &localAdapter{
		root:           mountPoint,
		install:        "lib",
		fsyncOnWrite:   true,
		describePrefix: "mount",
	}, nil
}
