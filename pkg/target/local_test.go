package target

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestJoinPath(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{[]string{"/lib", "foo.py"}, "/lib/foo.py"},
		{[]string{"lib", "pkg", "mod.py"}, "lib/pkg/mod.py"},
		{[]string{".", "foo.py"}, "foo.py"},
		{[]string{"/lib/", "/foo.py"}, "/lib/foo.py"},
		{[]string{}, "."},
	}
	for _, tc := range cases {
		if got := JoinPath(tc.parts...); got != tc.want {
			t.Errorf("JoinPath(%v) = %q, want %q", tc.parts, got, tc.want)
		}
	}
}

func TestDirAdapterReadWriteDelete(t *testing.T) {
	ctx := context.Background()
	a, err := NewDirAdapter(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirAdapter failed: %v", err)
	}
	defer a.Close()

	if err := a.WriteFile(ctx, "pkg/mod.py", []byte("x = 1\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, err := a.ReadFile(ctx, "pkg/mod.py")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "x = 1\n" {
		t.Errorf("read back %q", data)
	}

	if err := a.DeleteFile(ctx, "pkg/mod.py"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := a.ReadFile(ctx, "pkg/mod.py"); err == nil {
		t.Error("expected read error after delete")
	} else if _, ok := err.(*IOError); !ok {
		t.Errorf("expected *IOError, got %T", err)
	}

	if err := a.DeleteDirIfEmpty(ctx, "pkg"); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if err := a.DeleteDirIfEmpty(ctx, "pkg"); err != nil {
		t.Errorf("pruning a missing dir should be a no-op, got %v", err)
	}
}

func TestDirAdapterDeleteDirKeepsNonEmpty(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a, err := NewDirAdapter(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.WriteFile(ctx, "pkg/mod.py", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := a.DeleteDirIfEmpty(ctx, "pkg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "pkg")); err != nil {
		t.Error("non-empty directory must not be pruned")
	}
}

func TestDirAdapterListDistributions(t *testing.T) {
	ctx := context.Background()
	a, err := NewDirAdapter(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	snapshot, err := a.ListDistributions(ctx)
	if err != nil {
		t.Fatalf("empty list failed: %v", err)
	}
	if len(snapshot) != 0 {
		t.Errorf("expected empty snapshot, got %d entries", len(snapshot))
	}

	meta := "foo-1.0.dist-info"
	if err := a.WriteFile(ctx, meta+"/METADATA", []byte("Name: foo\nVersion: 1.0\n")); err != nil {
		t.Fatal(err)
	}
	if err := a.WriteFile(ctx, meta+"/RECORD", []byte("foo.py,sha256=abc,3\n")); err != nil {
		t.Fatal(err)
	}

	snapshot, err = a.ListDistributions(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	d := snapshot["foo"]
	if d == nil || d.Version != "1.0" || len(d.Manifest) != 1 {
		t.Errorf("unexpected snapshot entry: %+v", d)
	}
	if d != nil && d.Root != "." {
		t.Errorf("root = %q, want .", d.Root)
	}
}

func TestMountAdapterRequiresDirectory(t *testing.T) {
	if _, err := NewMountAdapter(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing mount point")
	}
}

func TestMountAdapterInstallsUnderLib(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a, err := NewMountAdapter(root)
	if err != nil {
		t.Fatal(err)
	}
	if a.DefaultTarget() != "lib" {
		t.Errorf("default target = %q, want lib", a.DefaultTarget())
	}
	path := JoinPath(a.DefaultTarget(), "foo-1.0.dist-info/METADATA")
	if err := a.WriteFile(ctx, path, []byte("Name: foo\nVersion: 1.0\n")); err != nil {
		t.Fatal(err)
	}
	path = JoinPath(a.DefaultTarget(), "foo-1.0.dist-info/RECORD")
	if err := a.WriteFile(ctx, path, []byte("lib/foo.py,,\n")); err != nil {
		t.Fatal(err)
	}
	if err := a.Sync(ctx); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	snapshot, err := a.ListDistributions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snapshot["foo"] == nil {
		t.Error("distribution under lib not found")
	}
}
