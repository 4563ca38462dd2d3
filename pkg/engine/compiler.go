package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Compiler turns a source file into its target-runtime intermediate
// form before transfer.
type Compiler interface {
	// Compile returns the compiled content for one source file. The
	// path is the file's manifest path, used for diagnostics and for
	// deriving module names.
	Compile(ctx context.Context, path string, src []byte) ([]byte, error)
}

// CompilationError is a per-file compile failure. It degrades the
// install instead of aborting it: the file is skipped and reported.
type CompilationError struct {
	// Path is the source file that failed to compile.
	Path string

	// Output is the compiler's diagnostic output.
	Output string

	// Err is the underlying process error.
	Err error
}

func (e *CompilationError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("compilation of %s failed: %s", e.Path, e.Output)
	}
	return fmt.Sprintf("compilation of %s failed: %v", e.Path, e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// CompiledPath maps a source path to the path its compiled form is
// transferred under.
func CompiledPath(path string) string {
	return strings.TrimSuffix(path, ".py") + ".mpy"
}

// Compilable reports whether a manifest path is eligible for the
// compile step. Entry point scripts stay as source so the runtime can
// still pick them up by their conventional names.
func Compilable(path string) bool {
	if !strings.HasSuffix(path, ".py") {
		return false
	}
	base := filepath.Base(path)
	return base != "boot.py" && base != "main.py" && base != "code.py"
}

// MpyCross invokes the mpy-cross executable for each file.
type MpyCross struct {
	// Executable is the mpy-cross binary, resolved through PATH when
	// not absolute.
	Executable string

	// Args are extra compiler arguments, e.g. architecture selection.
	Args []string
}

// Compile implements Compiler by round-tripping through temp files,
// since mpy-cross only works on the filesystem.
func (m *MpyCross) Compile(ctx context.Context, path string, src []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "picopip-mpy-*")
	if err != nil {
		return nil, &CompilationError{Path: path, Err: err}
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, filepath.Base(path))
	out := strings.TrimSuffix(in, ".py") + ".mpy"
	if err := os.WriteFile(in, src, 0o644); err != nil {
		return nil, &CompilationError{Path: path, Err: err}
	}

	args := append(append([]string{}, m.Args...), "-o", out, in)
	cmd := exec.CommandContext(ctx, m.Executable, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &CompilationError{
				Path:   path,
				Output: strings.TrimSpace(output.String()),
				Err:    err,
			}
		}
		return nil, &CompilationError{Path: path, Err: err}
	}

	compiled, err := os.ReadFile(out)
	if err != nil {
		return nil, &CompilationError{Path: path, Err: err}
	}
	return compiled, nil
}
