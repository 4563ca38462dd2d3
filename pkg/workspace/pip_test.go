package workspace

import (
	"archive/zip"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/picopip/picopip/pkg/dist"
)

// writeWheel assembles a minimal installable wheel in dir and returns
// its path.
func writeWheel(t *testing.T, dir, name, version string) string {
	t.Helper()
	metaDir := name + "-" + version + ".dist-info"
	module := name + ".py"
	files := map[string]string{}
	files[module] = "VERSION = \"" + version + "\"\n"
	files[metaDir+"/METADATA"] = "Metadata-Version: 2.1\nName: " + name + "\nVersion: " + version + "\n"
	files[metaDir+"/WHEEL"] = "Wheel-Version: 1.0\nGenerator: testwheel\nRoot-Is-Purelib: true\nTag: py3-none-any\n"
	files[metaDir+"/RECORD"] = module + ",,\n" + metaDir + "/METADATA,,\n" + metaDir + "/WHEEL,,\n" + metaDir + "/RECORD,,\n"

	path := filepath.Join(dir, name+"-"+version+"-py3-none-any.whl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for rel, content := range files {
		w, err := zw.Create(rel)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

// The installer decides what it may replace from RECORD rows, so a
// seeded placeholder must be uninstallable by a real pip even though
// its payload files never exist in the environment.
func TestRealInstallerUpgradesSeededPlaceholder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping real installer test in short mode")
	}
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	ctx := context.Background()
	installer := NewPipInstaller("python3")
	ws, err := Open(ctx, Config{CacheDir: t.TempDir(), Python: "python3"}, installer)
	if err != nil {
		t.Skipf("workspace environment unavailable: %v", err)
	}
	defer ws.Close()

	before := dist.Snapshot{
		"foo": {
			Name:    "foo",
			Version: "1.0",
			Manifest: []dist.ManifestEntry{
				{Path: "foo.py", Hash: "sha256=seeded", Size: 20},
			},
		},
	}
	if err := ws.Seed(before); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	wheelDir := t.TempDir()
	writeWheel(t, wheelDir, "foo", "2.0")
	exit, err := ws.RunInstaller(ctx, []string{
		"install", "--no-compile", "--no-index", "--find-links", wheelDir, "--upgrade", "foo",
	})
	if err != nil {
		t.Fatalf("RunInstaller failed: %v", err)
	}
	if exit != 0 {
		t.Fatalf("installer exited with status %d", exit)
	}

	after, err := ws.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	got := after["foo"]
	if got == nil {
		t.Fatal("foo missing from snapshot after upgrade")
	}
	if got.Version != "2.0" {
		t.Fatalf("foo resolved to version %s, want 2.0", got.Version)
	}
	if got.Equal(before["foo"]) {
		t.Error("after-state still equals the seeded placeholder, upgrade produced no diff")
	}
	if _, err := os.Stat(filepath.Join(ws.SitePackages(), "foo-1.0.dist-info")); !os.IsNotExist(err) {
		t.Error("stale placeholder metadata directory survived the upgrade")
	}
}
