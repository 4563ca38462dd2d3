package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	req := &Request{ID: 7, Op: OpWrite, Path: "/lib/foo.py", Data: []byte("print('hi')")}
	if err := enc.Encode(req); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Error("encoded request must be newline terminated")
	}

	// The response side uses the same framing.
	var respBuf bytes.Buffer
	respBuf.WriteString(`{"id":7,"ok":true,"data":"aGVsbG8="}` + "\n")
	dec := NewDecoder(&respBuf)
	resp, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.ID != 7 || !resp.OK {
		t.Errorf("unexpected response: %+v", resp)
	}
	if string(resp.Data) != "hello" {
		t.Errorf("payload = %q, want hello", resp.Data)
	}
}

func TestEncodeRejectsUnknownOp(t *testing.T) {
	enc := NewEncoder(io.Discard)
	if err := enc.Encode(&Request{ID: 1, Op: Op("reboot")}); err == nil {
		t.Error("expected error for unknown op")
	}
}

func TestDecodeSkipsTerminalNoise(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(">>> \r\n")
	buf.WriteString("\x1b[32mMicroPython v1.22 on 2024-01-05\x1b[0m\r\n")
	buf.WriteString("\x1b]0;title\x07garbage\r\n")
	buf.WriteString("\x1b[2K\r{\"id\":1,\"ok\":true}\r\n")

	dec := NewDecoder(&buf)
	resp, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.ID != 1 || !resp.OK {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestDecodeEmbeddedEscapeInPayloadLine(t *testing.T) {
	var buf bytes.Buffer
	// Escape sequence glued to the front of the payload on one line.
	buf.WriteString("\x1b[0m{\"id\":2,\"ok\":false,\"error\":\"ENOENT\"}\n")

	dec := NewDecoder(&buf)
	resp, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.OK || resp.Error != "ENOENT" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestDecodeEOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(">>> nothing useful\n"))
	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestStripEscapes(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"\x1b[1;31mred\x1b[0m", "red"},
		{"a\x08b", "ab"},
		{"\x1b]2;set title\x07after", "after"},
		{"tab\there", "tab\there"},
	}
	for _, tc := range cases {
		if got := string(StripEscapes([]byte(tc.in))); got != tc.want {
			t.Errorf("StripEscapes(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
