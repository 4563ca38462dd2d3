// Package target provides a uniform file-operation interface over the
// three supported installation targets: a serial-attached embedded
// runtime, a mounted device volume, and a plain local directory.
package target

import (
	"context"
	"fmt"

	"github.com/picopip/picopip/pkg/dist"
)

// Adapter is the capability set a reconciliation session needs from a
// target. Implementations map transport-specific failures into
// *IOError so the planner can decide whether to abort or continue.
type Adapter interface {
	// Describe returns a human-readable identification of the target,
	// e.g. "serial:/dev/ttyACM0" or "mount:/media/user/CIRCUITPY".
	Describe() string

	// DefaultTarget is the installation root for packages, relative to
	// the adapter ("." for directory targets, "lib" for mounted
	// volumes, "/lib" style absolute paths for serial runtimes).
	DefaultTarget() string

	// ListDistributions scans the target's metadata directories into a
	// fresh snapshot of installed distributions.
	ListDistributions(ctx context.Context) (dist.Snapshot, error)

	// ReadFile returns the content of a target file.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile writes a target file, creating parent directories.
	WriteFile(ctx context.Context, path string, data []byte) error

	// DeleteFile removes a target file.
	DeleteFile(ctx context.Context, path string) error

	// DeleteDirIfEmpty removes a directory if it has become empty.
	// Non-empty or missing directories are not an error.
	DeleteDirIfEmpty(ctx context.Context, path string) error

	// Sync flushes pending writes. Meaningful mainly for removable
	// volumes where unflushed data survives only until unplug.
	Sync(ctx context.Context) error

	// SupportsStreamingWrite reports whether WriteFile streams content
	// without buffering it whole in memory on the far side.
	SupportsStreamingWrite() bool

	// Close releases the underlying transport.
	Close() error
}

// IOError is a file operation failure against the real target. It
// carries enough context for the planner to report the offending
// path and decide whether to abort the remaining plan.
type IOError struct {
	// Op is the failed operation ("read", "write", "delete", "list",
	// "sync").
	Op string

	// Path is the target path the operation applied to.
	Path string

	// Err is the underlying transport error.
	Err error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("target %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("target %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NoTargetError reports that auto-detection found no usable target or
// could not pick between several.
type NoTargetError struct {
	// Candidates are the devices found; empty when none were.
	Candidates []string
}

func (e *NoTargetError) Error() string {
	if len(e.Candidates) == 0 {
		return "no target found: no known device on any serial port or mount point"
	}
	return fmt.Sprintf("no unique target: %d candidates found %v, select one explicitly", len(e.Candidates), e.Candidates)
}

// JoinPath joins target path segments with forward slashes, the
// convention shared by all three transports.
func JoinPath(parts ...string) string {
	joined := ""
	for _, p := range parts {
		if p == "" || p == "." {
			continue
		}
		if joined == "" || joined == "/" {
			joined += trimSlashes(p, joined == "/")
			continue
		}
		joined += "/" + trimSlashes(p, true)
	}
	if joined == "" {
		return "."
	}
	return joined
}

func trimSlashes(p string, leading bool) string {
	for leading && len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	for len(p) > 0 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}
