// Package protocol defines the line-oriented JSON request/response
// protocol spoken with the helper agent on a serial-attached runtime.
// Each exchange is one request line answered by one response line;
// payloads travel base64-encoded inside the JSON.
package protocol

import (
	"fmt"
)

// Op identifies a file operation requested from the remote runtime.
type Op string

const (
	// OpList lists directory entries.
	OpList Op = "list"
	// OpStat returns size and kind of a single path.
	OpStat Op = "stat"
	// OpRead reads a file's content.
	OpRead Op = "read"
	// OpWrite writes a file, creating parent directories.
	OpWrite Op = "write"
	// OpDelete removes a file.
	OpDelete Op = "delete"
	// OpMkdir creates a directory.
	OpMkdir Op = "mkdir"
	// OpSync flushes the remote filesystem.
	OpSync Op = "sync"
	// OpHello identifies the device and its runtime paths.
	OpHello Op = "hello"
)

// Validate checks that the op is one of the defined operations.
func (o Op) Validate() error {
	switch o {
	case OpList, OpStat, OpRead, OpWrite, OpDelete, OpMkdir, OpSync, OpHello:
		return nil
	default:
		return fmt.Errorf("unknown protocol op %q", o)
	}
}

// Request is one command sent over the serial link.
type Request struct {
	// ID correlates the response with this request.
	ID uint64 `json:"id"`

	// Op is the requested operation.
	Op Op `json:"op"`

	// Path is the remote path the operation applies to, if any.
	Path string `json:"path,omitempty"`

	// Data is the payload for write operations. encoding/json
	// transports []byte as base64.
	Data []byte `json:"data,omitempty"`
}

// DirEntry is one entry in a list response.
type DirEntry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"dir"`
}

// Response is the remote side's answer to one Request.
type Response struct {
	// ID echoes the request ID.
	ID uint64 `json:"id"`

	// OK is true when the operation succeeded.
	OK bool `json:"ok"`

	// Error holds the remote error message when OK is false.
	Error string `json:"error,omitempty"`

	// Data is the payload for read operations.
	Data []byte `json:"data,omitempty"`

	// Entries is the listing for list operations.
	Entries []DirEntry `json:"entries,omitempty"`

	// Device identifies the runtime for hello responses, e.g.
	// "micropython-1.22".
	Device string `json:"device,omitempty"`

	// SysPath is the runtime's module search path for hello responses.
	SysPath []string `json:"sys_path,omitempty"`
}
