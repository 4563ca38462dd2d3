package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"

	"github.com/picopip/picopip/pkg/dist"
)

// initialDistributions are present in a freshly created venv and are
// never part of a reconciliation. They survive Clear and are filtered
// out of every snapshot.
var initialDistributions = map[string]bool{
	"pip":           true,
	"setuptools":    true,
	"wheel":         true,
	"pkg-resources": true,
}

// Workspace is a cached virtual environment the installer runs in.
// One venv exists per installer major version; a file lock guards it
// against concurrent sessions.
type Workspace struct {
	venvDir      string
	sitePackages string
	installer    Installer
	lock         *flock.Flock
}

// Config controls where the workspace cache lives and which
// interpreter seeds new environments.
type Config struct {
	// CacheDir overrides the user cache directory. Empty means
	// os.UserCacheDir.
	CacheDir string

	// Python is the interpreter used to create new environments.
	Python string
}

// Open returns a locked workspace for the given installer, creating
// the cached environment on first use. The cache is keyed by the
// installer's major version so an installer upgrade gets a fresh
// environment instead of inheriting stale site-packages layouts.
func Open(ctx context.Context, cfg Config, installer Installer) (*Workspace, error) {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		var err error
		cacheDir, err = os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate cache directory: %w", err)
		}
	}

	version, err := installer.Version(ctx)
	if err != nil {
		return nil, err
	}
	venvDir := filepath.Join(cacheDir, "picopip", "pip-"+MajorVersion(version))

	if _, err := os.Stat(venvDir); os.IsNotExist(err) {
		if err := createVenv(ctx, cfg.Python, venvDir); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to inspect workspace %s: %w", venvDir, err)
	}

	lock := flock.New(filepath.Join(venvDir, "picopip.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock workspace %s: %w", venvDir, err)
	}
	if !locked {
		return nil, fmt.Errorf("workspace %s is in use by another session", venvDir)
	}

	sitePackages, err := findSitePackages(venvDir)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	ws := &Workspace{
		venvDir:      venvDir,
		sitePackages: sitePackages,
		installer:    installer,
		lock:         lock,
	}
	log.Debug().Str("venv", venvDir).Str("version", version).Msg("Opened workspace")
	return ws, nil
}

func createVenv(ctx context.Context, python, venvDir string) error {
	if python == "" {
		python = "python3"
	}
	log.Info().Str("venv", venvDir).Msg("Creating workspace environment")
	if err := os.MkdirAll(filepath.Dir(venvDir), 0o755); err != nil {
		return fmt.Errorf("failed to create workspace cache: %w", err)
	}
	cmd := exec.CommandContext(ctx, python, "-m", "venv", venvDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(venvDir)
		return fmt.Errorf("failed to create environment: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// findSitePackages locates the venv's site-packages directory. The
// path embeds the python minor version on POSIX layouts, so it is
// discovered rather than computed.
func findSitePackages(venvDir string) (string, error) {
	if runtime.GOOS == "windows" {
		dir := filepath.Join(venvDir, "Lib", "site-packages")
		if _, err := os.Stat(dir); err != nil {
			return "", fmt.Errorf("failed to locate site-packages under %s: %w", venvDir, err)
		}
		return dir, nil
	}
	matches, err := filepath.Glob(filepath.Join(venvDir, "lib", "python*", "site-packages"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("failed to locate site-packages under %s", venvDir)
	}
	sort.Strings(matches)
	return matches[0], nil
}

// SitePackages returns the directory the installer materializes
// distributions into.
func (w *Workspace) SitePackages() string {
	return w.sitePackages
}

// Seed writes metadata-only placeholders for the given snapshot into
// site-packages so the installer sees the target's installed set. The
// placeholder RECORD carries the target's real manifest, so a scan of
// an untouched placeholder reproduces the original distribution. On
// any failure the partially seeded state is cleared before returning,
// leaving no half-seeded environment behind.
func (w *Workspace) Seed(snapshot dist.Snapshot) error {
	for _, d := range snapshot {
		for rel, content := range dist.MetadataFiles(d) {
			path := filepath.Join(w.sitePackages, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				w.Clear()
				return fmt.Errorf("failed to seed %s: %w", d.Name, err)
			}
			if err := os.WriteFile(path, content, 0o644); err != nil {
				w.Clear()
				return fmt.Errorf("failed to seed %s: %w", d.Name, err)
			}
		}
	}
	return nil
}

// RunInstaller invokes the installer inside the workspace environment
// with the given arguments and returns its exit status.
func (w *Workspace) RunInstaller(ctx context.Context, args []string) (int, error) {
	env := []string{
		"PATH=" + filepath.Join(w.venvDir, binDir()) + string(os.PathListSeparator) + os.Getenv("PATH"),
		"VIRTUAL_ENV=" + w.venvDir,
		"HOME=" + os.Getenv("HOME"),
	}
	venvInstaller := NewPipInstaller(filepath.Join(w.venvDir, binDir(), pythonExe()))
	return venvInstaller.Run(ctx, args, env)
}

func binDir() string {
	if runtime.GOOS == "windows" {
		return "Scripts"
	}
	return "bin"
}

func pythonExe() string {
	if runtime.GOOS == "windows" {
		return "python.exe"
	}
	return "python"
}

// Snapshot scans site-packages for installed distributions, excluding
// the environment's own furniture. Manifest entries whose hash the
// installer left blank are hashed from disk.
func (w *Workspace) Snapshot(ctx context.Context) (dist.Snapshot, error) {
	snapshot, err := dist.ScanFS(os.DirFS(w.sitePackages))
	if err != nil {
		return nil, err
	}
	for name := range snapshot {
		if initialDistributions[name] {
			delete(snapshot, name)
		}
	}
	if err := w.fillHashes(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// ReadPayload returns the content of a manifest entry from
// site-packages. Paths are manifest paths, slash separated and
// relative to site-packages.
func (w *Workspace) ReadPayload(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(w.sitePackages, filepath.FromSlash(path)))
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace payload %s: %w", path, err)
	}
	return data, nil
}

// Clear removes every distribution except the initial environment
// furniture, returning the workspace to its pristine state.
func (w *Workspace) Clear() error {
	entries, err := os.ReadDir(w.sitePackages)
	if err != nil {
		return fmt.Errorf("failed to clear workspace: %w", err)
	}

	keep := map[string]bool{}
	var metaDirs []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), dist.MetaDirSuffix) {
			continue
		}
		name, _, err := dist.ParseMetaDirName(entry.Name())
		if err != nil {
			continue
		}
		if initialDistributions[name] {
			keep[entry.Name()] = true
			w.markManifestKept(entry.Name(), keep)
			continue
		}
		metaDirs = append(metaDirs, entry.Name())
	}

	for _, metaDir := range metaDirs {
		if err := w.removeDistribution(metaDir, keep); err != nil {
			return err
		}
	}
	return nil
}

// markManifestKept records every path owned by a kept distribution so
// shared top level entries are not pruned away with removed ones.
func (w *Workspace) markManifestKept(metaDir string, keep map[string]bool) {
	record, err := os.ReadFile(filepath.Join(w.sitePackages, metaDir, "RECORD"))
	if err != nil {
		return
	}
	manifest, err := dist.ParseRecord(metaDir, record)
	if err != nil {
		return
	}
	for _, entry := range manifest {
		top := strings.SplitN(entry.Path, "/", 2)[0]
		keep[top] = true
	}
}

// removeDistribution deletes a distribution's manifest files and its
// metadata directory, then prunes directories left empty.
func (w *Workspace) removeDistribution(metaDir string, keep map[string]bool) error {
	metaDirPath := filepath.Join(w.sitePackages, metaDir)
	record, err := os.ReadFile(filepath.Join(metaDirPath, "RECORD"))
	if err == nil {
		manifest, perr := dist.ParseRecord(metaDir, record)
		if perr == nil {
			for _, entry := range manifest {
				top := strings.SplitN(entry.Path, "/", 2)[0]
				if keep[top] {
					continue
				}
				path := filepath.Join(w.sitePackages, filepath.FromSlash(entry.Path))
				if !strings.HasPrefix(path, w.sitePackages) {
					continue
				}
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("failed to clear workspace: %w", err)
				}
				pruneEmptyDirs(filepath.Dir(path), w.sitePackages)
			}
		}
	}
	if err := os.RemoveAll(metaDirPath); err != nil {
		return fmt.Errorf("failed to clear workspace: %w", err)
	}
	return nil
}

func pruneEmptyDirs(dir, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Close releases the session lock. The workspace content is left in
// place; sessions clear it on their next run, which keeps a failed
// installer's state around for inspection.
func (w *Workspace) Close() error {
	if w.lock == nil {
		return nil
	}
	return w.lock.Unlock()
}
