// Package sse reconstructs Server-Sent-Events frames from a raw byte stream.
//
// Upstream network reads are not aligned with SSE frame boundaries: a single
// read may carry zero, one, or several complete frames plus a partial
// trailing frame. The Decoder buffers bytes itself and splits on the
// blank-line delimiter, so the sequence of logical frames is identical no
// matter how the payload was chunked on the wire.
package sse

import (
	"bytes"
	"errors"
	"io"
)

// Event is one logical SSE frame. Name is empty for plain data frames; Data
// is the concatenation of the frame's data lines, newline-joined the way the
// SSE spec prescribes.
type Event struct {
	Name string
	Data []byte
}

// IsEmpty reports whether the frame carried neither an event name nor data
// (e.g. a frame consisting only of comment lines).
func (e Event) IsEmpty() bool { return e.Name == "" && len(e.Data) == 0 }

// Decoder reads SSE frames from r.
type Decoder struct {
	r   io.Reader
	buf []byte
	eof bool
}

// NewDecoder wraps r. The reader is typically an http.Response body.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the next complete frame. It returns io.EOF once the stream
// ends; a non-empty buffer remainder at EOF is parsed as a final frame first,
// so payloads lacking a trailing blank line are not lost.
func (d *Decoder) Next() (Event, error) {
	for {
		if frame, ok := d.takeFrame(); ok {
			ev := parseFrame(frame)
			if ev.IsEmpty() {
				continue // comment-only frame (heartbeat)
			}
			return ev, nil
		}

		if d.eof {
			if len(d.buf) > 0 {
				frame := d.buf
				d.buf = nil
				if ev := parseFrame(frame); !ev.IsEmpty() {
					return ev, nil
				}
			}
			return Event{}, io.EOF
		}

		if err := d.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				d.eof = true
				continue
			}
			return Event{}, err
		}
	}
}

// takeFrame pops one complete frame from the buffer. The delimiter is a
// blank line; both \n\n and \r\n\r\n forms occur in the wild. A partial
// trailing frame stays buffered for the next read.
func (d *Decoder) takeFrame() ([]byte, bool) {
	if i := bytes.Index(d.buf, []byte("\n\n")); i >= 0 {
		frame := d.buf[:i]
		d.buf = d.buf[i+2:]
		return frame, true
	}
	if i := bytes.Index(d.buf, []byte("\r\n\r\n")); i >= 0 {
		frame := d.buf[:i]
		d.buf = d.buf[i+4:]
		return frame, true
	}
	return nil, false
}

func (d *Decoder) fill() error {
	chunk := make([]byte, 4096)
	n, err := d.r.Read(chunk)
	if n > 0 {
		d.buf = append(d.buf, chunk[:n]...)
		return nil
	}
	if err == nil {
		err = io.EOF
	}
	return err
}

// parseFrame splits a frame into its field lines. Comment lines (leading
// ':') are dropped; unknown fields are ignored; multiple data lines are
// joined with '\n'.
func parseFrame(frame []byte) Event {
	var ev Event
	var data [][]byte

	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 || line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))

		switch string(field) {
		case "event":
			ev.Name = string(value)
		case "data":
			data = append(data, value)
		}
	}

	if len(data) > 0 {
		ev.Data = bytes.Join(data, []byte("\n"))
	}
	return ev
}
