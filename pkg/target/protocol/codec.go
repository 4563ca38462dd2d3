package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Encoder writes protocol requests to the serial link.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one request as a single line and flushes it.
func (e *Encoder) Encode(req *Request) error {
	if err := req.Op.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Decoder reads protocol responses from the serial link. The remote
// REPL may interleave terminal escape sequences and prompt noise with
// payload lines; the decoder strips those before JSON parsing.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	// Reads of large payload files arrive as one line.
	const maxCapacity = 8 * 1024 * 1024
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxCapacity)
	return &Decoder{r: scanner}
}

// Decode reads lines until one parses as a Response, skipping noise
// lines that remain empty after escape-sequence filtering.
func (d *Decoder) Decode() (*Response, error) {
	for d.r.Scan() {
		line := StripEscapes(d.r.Bytes())
		start := -1
		for i, b := range line {
			if b == '{' {
				start = i
				break
			}
		}
		if start < 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line[start:], &resp); err != nil {
			// Partial or corrupted line, keep scanning.
			continue
		}
		return &resp, nil
	}
	if err := d.r.Err(); err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	return nil, io.EOF
}

const (
	esc = 0x1b
	bel = 0x07
)

// StripEscapes removes ANSI/VT100 escape sequences and stray control
// characters from a line, returning the printable payload.
func StripEscapes(line []byte) []byte {
	out := make([]byte, 0, len(line))
	for i := 0; i < len(line); i++ {
		b := line[i]
		if b != esc {
			// Drop control characters other than tab.
			if b < 0x20 && b != '\t' {
				continue
			}
			out = append(out, b)
			continue
		}
		if i+1 >= len(line) {
			break
		}
		switch line[i+1] {
		case '[':
			// CSI: parameters then a final byte in 0x40..0x7e.
			j := i + 2
			for j < len(line) && (line[j] < 0x40 || line[j] > 0x7e) {
				j++
			}
			i = j
		case ']':
			// OSC: terminated by BEL or ESC \.
			j := i + 2
			for j < len(line) {
				if line[j] == bel {
					break
				}
				if line[j] == esc && j+1 < len(line) && line[j+1] == '\\' {
					j++
					break
				}
				j++
			}
			i = j
		default:
			// Two-byte escape.
			i++
		}
	}
	return out
}
