package target

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/picopip/picopip/pkg/target/protocol"
)

// fakeDevice emulates the on-device agent over an in-process pipe,
// serving a small in-memory filesystem.
type fakeDevice struct {
	files   map[string][]byte
	sysPath []string
}

type fakeLink struct {
	io.Reader
	w *io.PipeWriter
}

func (l *fakeLink) Write(p []byte) (int, error) { return l.w.Write(p) }

func (l *fakeLink) Close() error { return l.w.Close() }

func (d *fakeDevice) serve(t *testing.T) io.ReadWriteCloser {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	go func() {
		defer respW.Close()
		scanner := bufio.NewScanner(reqR)
		scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
		enc := json.NewEncoder(respW)
		for scanner.Scan() {
			var req protocol.Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			// Interleave some terminal noise the way a busy REPL does.
			_, _ = respW.Write([]byte("\x1b[0m>>> \r\n"))
			_ = enc.Encode(d.handle(&req))
		}
	}()

	return &fakeLink{Reader: respR, w: reqW}
}

func (d *fakeDevice) handle(req *protocol.Request) *protocol.Response {
	resp := &protocol.Response{ID: req.ID, OK: true}
	switch req.Op {
	case protocol.OpHello:
		resp.Device = "micropython-1.22"
		resp.SysPath = d.sysPath
	case protocol.OpRead:
		data, ok := d.files[req.Path]
		if !ok {
			return &protocol.Response{ID: req.ID, Error: "ENOENT"}
		}
		resp.Data = data
	case protocol.OpWrite:
		d.files[req.Path] = req.Data
	case protocol.OpDelete:
		if _, ok := d.files[req.Path]; !ok {
			return &protocol.Response{ID: req.ID, Error: "ENOENT"}
		}
		delete(d.files, req.Path)
	case protocol.OpList:
		seen := map[string]protocol.DirEntry{}
		prefix := strings.TrimSuffix(req.Path, "/") + "/"
		found := false
		for path := range d.files {
			if !strings.HasPrefix(path, prefix) {
				continue
			}
			found = true
			rest := strings.TrimPrefix(path, prefix)
			if name, _, isDir := strings.Cut(rest, "/"); isDir {
				seen[name] = protocol.DirEntry{Name: name, IsDir: true}
			} else {
				seen[name] = protocol.DirEntry{Name: name, Size: int64(len(d.files[path]))}
			}
		}
		if !found {
			return &protocol.Response{ID: req.ID, Error: "ENOENT"}
		}
		for _, de := range seen {
			resp.Entries = append(resp.Entries, de)
		}
	case protocol.OpSync, protocol.OpMkdir:
	default:
		return &protocol.Response{ID: req.ID, Error: "unsupported op"}
	}
	return resp
}

func newFakeSerialAdapter(t *testing.T, d *fakeDevice) *SerialAdapter {
	t.Helper()
	a, err := newSerialAdapter("ttyTEST", d.serve(t))
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSerialAdapterHandshake(t *testing.T) {
	d := &fakeDevice{files: map[string][]byte{}, sysPath: []string{"", "/lib", "/"}}
	a := newFakeSerialAdapter(t, d)

	if a.Device() != "micropython-1.22" {
		t.Errorf("device = %q", a.Device())
	}
	if a.DefaultTarget() != "/lib" {
		t.Errorf("default target = %q, want /lib", a.DefaultTarget())
	}
}

func TestSerialAdapterFileOps(t *testing.T) {
	ctx := context.Background()
	d := &fakeDevice{files: map[string][]byte{}, sysPath: []string{"/lib"}}
	a := newFakeSerialAdapter(t, d)

	if err := a.WriteFile(ctx, "/lib/foo.py", []byte("x = 1\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, err := a.ReadFile(ctx, "/lib/foo.py")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "x = 1\n" {
		t.Errorf("read back %q", data)
	}

	if err := a.DeleteFile(ctx, "/lib/foo.py"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := a.ReadFile(ctx, "/lib/foo.py"); err == nil {
		t.Error("expected error reading deleted file")
	} else if _, ok := err.(*IOError); !ok {
		t.Errorf("expected *IOError, got %T", err)
	}
}

func TestSerialAdapterListDistributions(t *testing.T) {
	ctx := context.Background()
	d := &fakeDevice{
		files: map[string][]byte{
			"/lib/foo-1.0.dist-info/METADATA": []byte("Name: foo\nVersion: 1.0\n"),
			"/lib/foo-1.0.dist-info/RECORD":   []byte("foo.py,sha256=abc,3\n"),
			"/lib/foo.py":                     []byte("x"),
		},
		sysPath: []string{"", "/lib"},
	}
	a := newFakeSerialAdapter(t, d)

	snapshot, err := a.ListDistributions(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(snapshot) != 1 || snapshot["foo"] == nil {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if snapshot["foo"].Version != "1.0" {
		t.Errorf("version = %q", snapshot["foo"].Version)
	}
	if snapshot["foo"].Root != "/lib" {
		t.Errorf("root = %q, want /lib", snapshot["foo"].Root)
	}
}

func TestSerialAdapterListRecordsContainingRoot(t *testing.T) {
	ctx := context.Background()
	d := &fakeDevice{
		files: map[string][]byte{
			"/opt/foo-1.0.dist-info/METADATA": []byte("Name: foo\nVersion: 1.0\n"),
			"/opt/foo-1.0.dist-info/RECORD":   []byte("foo.py,sha256=abc,3\n"),
			"/opt/foo.py":                     []byte("x"),
		},
		sysPath: []string{"/opt", "/lib"},
	}
	a := newFakeSerialAdapter(t, d)

	snapshot, err := a.ListDistributions(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	got := snapshot["foo"]
	if got == nil {
		t.Fatalf("foo not found: %+v", snapshot)
	}
	if got.Root != "/opt" {
		t.Errorf("root = %q, want /opt so removal addresses the copy that resolves", got.Root)
	}
}
