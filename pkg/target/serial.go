package target

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/picopip/picopip/pkg/dist"
	"github.com/picopip/picopip/pkg/target/protocol"
)

const (
	serialBaudRate    = 115200
	serialReadTimeout = 5 * time.Second
)

// SerialAdapter drives an embedded runtime over a serial link using
// the picopip agent protocol. The port is a single physical resource:
// the adapter owns it exclusively for the session and serializes all
// exchanges on it.
type SerialAdapter struct {
	portName string
	link     io.ReadWriteCloser
	enc      *protocol.Encoder
	dec      *protocol.Decoder

	mu     sync.Mutex
	nextID uint64

	device  string
	sysPath []string
}

// NewSerialAdapter opens the port and performs the hello handshake to
// learn the runtime's module search path.
func NewSerialAdapter(portName string) (*SerialAdapter, error) {
	mode := &serial.Mode{BaudRate: serialBaudRate}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, &IOError{Op: "open", Path: portName, Err: err}
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return nil, &IOError{Op: "open", Path: portName, Err: err}
	}
	a, err := newSerialAdapter(portName, port)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return a, nil
}

// newSerialAdapter wires the adapter onto an already open link.
func newSerialAdapter(portName string, link io.ReadWriteCloser) (*SerialAdapter, error) {
	a := &SerialAdapter{
		portName: portName,
		link:     link,
		enc:      protocol.NewEncoder(link),
		dec:      protocol.NewDecoder(link),
	}
	resp, err := a.call(context.Background(), &protocol.Request{Op: protocol.OpHello})
	if err != nil {
		return nil, err
	}
	a.device = resp.Device
	a.sysPath = resp.SysPath
	log.Debug().
		Str("port", portName).
		Str("device", a.device).
		Strs("sys_path", a.sysPath).
		Msg("Serial target connected")
	return a, nil
}

// Describe implements Adapter.
func (a *SerialAdapter) Describe() string { return "serial:" + a.portName }

// Device returns the runtime identification from the handshake.
func (a *SerialAdapter) Device() string { return a.device }

// DefaultTarget picks the installation root from the runtime's module
// search path: the first lib-like entry, /lib as a fallback.
func (a *SerialAdapter) DefaultTarget() string {
	for _, entry := range a.sysPath {
		if entry != "" && strings.Contains(entry, "lib") {
			return entry
		}
	}
	return "/lib"
}

// SupportsStreamingWrite implements Adapter. Writes travel as one
// buffered payload per request.
func (a *SerialAdapter) SupportsStreamingWrite() bool { return false }

// Close releases the serial port.
func (a *SerialAdapter) Close() error { return a.link.Close() }

// call performs one request/response exchange. The physical link
// admits no pipelining, so exchanges are serialized.
func (a *SerialAdapter) call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.nextID++
	req.ID = a.nextID
	if err := a.enc.Encode(req); err != nil {
		return nil, &IOError{Op: string(req.Op), Path: req.Path, Err: err}
	}
	for {
		resp, err := a.dec.Decode()
		if err != nil {
			return nil, &IOError{Op: string(req.Op), Path: req.Path, Err: err}
		}
		if resp.ID != req.ID {
			// Stale response from an interrupted previous exchange.
			continue
		}
		if !resp.OK {
			return nil, &IOError{Op: string(req.Op), Path: req.Path, Err: fmt.Errorf("device error: %s", resp.Error)}
		}
		return resp, nil
	}
}

// ListDistributions implements Adapter. Every module search path entry
// is scanned; the first occurrence of a name wins, mirroring import
// resolution order on the device.
func (a *SerialAdapter) ListDistributions(ctx context.Context) (dist.Snapshot, error) {
	snapshot := make(dist.Snapshot)
	for _, entry := range a.searchPath() {
		resp, err := a.call(ctx, &protocol.Request{Op: protocol.OpList, Path: entry})
		if err != nil {
			// A missing search path entry is normal on a fresh board.
			continue
		}
		for _, de := range resp.Entries {
			if !de.IsDir || !strings.HasSuffix(de.Name, dist.MetaDirSuffix) {
				continue
			}
			d, err := a.readMetaDir(ctx, JoinPath(entry, de.Name))
			if err != nil {
				return nil, err
			}
			d.Root = entry
			if _, exists := snapshot[d.Name]; !exists {
				snapshot[d.Name] = d
			}
		}
	}
	return snapshot, nil
}

func (a *SerialAdapter) searchPath() []string {
	var entries []string
	for _, entry := range a.sysPath {
		if entry != "" {
			entries = append(entries, entry)
		}
	}
	if len(entries) == 0 {
		entries = []string{"/lib"}
	}
	return entries
}

func (a *SerialAdapter) readMetaDir(ctx context.Context, metaDirPath string) (*dist.Distribution, error) {
	metadata, err := a.ReadFile(ctx, JoinPath(metaDirPath, "METADATA"))
	if err != nil {
		return nil, err
	}
	name, version, requires, err := dist.ParseMetadata(metaDirPath, metadata)
	if err != nil {
		return nil, err
	}
	record, err := a.ReadFile(ctx, JoinPath(metaDirPath, "RECORD"))
	if err != nil {
		return nil, err
	}
	manifest, err := dist.ParseRecord(metaDirPath, record)
	if err != nil {
		return nil, err
	}
	return &dist.Distribution{Name: name, Version: version, Requires: requires, Manifest: dist.PayloadEntries(manifest)}, nil
}

// ReadFile implements Adapter.
func (a *SerialAdapter) ReadFile(ctx context.Context, path string) ([]byte, error) {
	resp, err := a.call(ctx, &protocol.Request{Op: protocol.OpRead, Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// WriteFile implements Adapter.
func (a *SerialAdapter) WriteFile(ctx context.Context, path string, data []byte) error {
	_, err := a.call(ctx, &protocol.Request{Op: protocol.OpWrite, Path: path, Data: data})
	return err
}

// DeleteFile implements Adapter.
func (a *SerialAdapter) DeleteFile(ctx context.Context, path string) error {
	_, err := a.call(ctx, &protocol.Request{Op: protocol.OpDelete, Path: path})
	return err
}

// DeleteDirIfEmpty implements Adapter.
func (a *SerialAdapter) DeleteDirIfEmpty(ctx context.Context, path string) error {
	resp, err := a.call(ctx, &protocol.Request{Op: protocol.OpList, Path: path})
	if err != nil {
		return nil // already gone or never existed
	}
	if len(resp.Entries) > 0 {
		return nil
	}
	_, err = a.call(ctx, &protocol.Request{Op: protocol.OpDelete, Path: path})
	return err
}

// Sync implements Adapter.
func (a *SerialAdapter) Sync(ctx context.Context) error {
	_, err := a.call(ctx, &protocol.Request{Op: protocol.OpSync})
	return err
}
