// Package workspace owns the ephemeral installer environment: a
// cached virtual environment the external installer runs in, seeded
// with placeholder distributions so it perceives the target's
// installed set without any payload being present.
package workspace

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// Installer is the narrow contract over the external installer
// subprocess. It is treated as an opaque black box: invoke with
// arguments, observe the exit status and the resulting file tree.
type Installer interface {
	// Version returns the installer's reported version string.
	Version(ctx context.Context) (string, error)

	// Run invokes the installer and returns its exit status. Output is
	// captured for diagnostics; a non-zero exit is not an error here,
	// the caller decides what it means.
	Run(ctx context.Context, args []string, env []string) (int, error)
}

// PipInstaller runs pip through a python interpreter in isolated mode.
type PipInstaller struct {
	// Python is the interpreter the installer module runs under.
	Python string
}

// NewPipInstaller builds a pip installer bound to an interpreter.
func NewPipInstaller(python string) *PipInstaller {
	if python == "" {
		python = "python3"
	}
	return &PipInstaller{Python: python}
}

// Version implements Installer by parsing `pip --version` output,
// e.g. "pip 24.0 from /usr/lib/python3/... (python 3.11)".
func (p *PipInstaller) Version(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, p.Python, "-m", "pip", "--version")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to query installer version: %w", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) < 2 || fields[0] != "pip" {
		return "", fmt.Errorf("unrecognized installer version output %q", strings.TrimSpace(string(out)))
	}
	return fields[1], nil
}

// Run implements Installer.
func (p *PipInstaller) Run(ctx context.Context, args []string, env []string) (int, error) {
	full := append([]string{"-I", "-m", "pip", "--disable-pip-version-check", "--no-input"}, args...)
	log.Debug().Str("python", p.Python).Strs("args", full).Msg("Invoking installer")

	cmd := exec.CommandContext(ctx, p.Python, full...)
	if env != nil {
		cmd.Env = env
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	logInstallerOutput(output.Bytes())
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("failed to invoke installer: %w", err)
}

// logInstallerOutput forwards the captured subprocess output line by
// line so it interleaves readably with session logging.
func logInstallerOutput(output []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " ")
		if line == "" {
			continue
		}
		log.Info().Str("source", "installer").Msg(line)
	}
}

// MajorVersion extracts the leading numeric component of a version
// string; the workspace cache is keyed by it.
func MajorVersion(version string) string {
	if i := strings.IndexByte(version, '.'); i > 0 {
		return version[:i]
	}
	return version
}
