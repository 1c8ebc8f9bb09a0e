// Package pktline implements the length-prefixed line framing used by the
// git smart transport. Every frame carries a 4-digit lowercase hex length
// that includes the header itself; a "0000" flush-pkt marks a section
// boundary.
package pktline

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
)

const (
	// MaxPayloadLen is the largest payload a single pkt-line can carry.
	// The four hex length digits cap a frame at 65520 bytes on the wire.
	MaxPayloadLen = 65516

	headerLen = 4
)

var (
	ErrTooLarge   = errors.New("pktline: frame too large")
	ErrIncomplete = errors.New("pktline: incomplete trailing frame")
	ErrBadLength  = errors.New("pktline: malformed length header")
)

// flushPkt is the section terminator.
var flushPkt = []byte("0000")

// Flush returns the flush-pkt bytes.
func Flush() []byte { return flushPkt }

// Encode frames p as a single pkt-line.
func Encode(p []byte) ([]byte, error) {
	if len(p) > MaxPayloadLen {
		return nil, ErrTooLarge
	}
	buf := make([]byte, headerLen+len(p))
	copy(buf, fmt.Sprintf("%04x", headerLen+len(p)))
	copy(buf[headerLen:], p)
	return buf, nil
}

// EncodeString behaves like Encode.
func EncodeString(s string) ([]byte, error) {
	return Encode([]byte(s))
}

// Frames iterates the payloads of buf up to (and consuming) a flush-pkt.
// It is a pure transform over bytes already received: reaching the end of
// buf without a flush-pkt terminates the sequence cleanly, but a frame cut
// off mid-payload yields ErrIncomplete and a malformed length header yields
// ErrBadLength.
func Frames(buf []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for len(buf) > 0 {
			frame, rest, err := next(buf)
			if err != nil {
				yield(nil, err)
				return
			}
			buf = rest
			if frame == nil { // flush-pkt
				return
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}

// Section splits buf into the pkt-line payloads before the first flush-pkt
// and the remaining bytes after it. Unlike Frames, the flush-pkt is
// mandatory: a section that ends without one is ErrIncomplete.
func Section(buf []byte) (frames [][]byte, rest []byte, err error) {
	for {
		if len(buf) == 0 {
			return nil, nil, ErrIncomplete
		}
		frame, tail, err := next(buf)
		if err != nil {
			return nil, nil, err
		}
		if frame == nil {
			return frames, tail, nil
		}
		frames = append(frames, frame)
		buf = tail
	}
}

// next consumes one frame from buf. A flush-pkt is returned as a nil frame.
func next(buf []byte) (frame, rest []byte, err error) {
	if len(buf) < headerLen {
		return nil, nil, ErrIncomplete
	}
	n, err := strconv.ParseUint(string(buf[:headerLen]), 16, 32)
	if err != nil {
		return nil, nil, ErrBadLength
	}
	switch {
	case n == 0:
		return nil, buf[headerLen:], nil
	case n < headerLen:
		return nil, nil, ErrBadLength
	case int(n) > len(buf):
		return nil, nil, ErrIncomplete
	}
	return buf[headerLen:n], buf[n:], nil
}

// A Writer frames payloads onto an underlying writer.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write frames p as a single pkt-line. It returns 0, ErrTooLarge if p
// exceeds MaxPayloadLen.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) > MaxPayloadLen {
		return 0, ErrTooLarge
	}
	if _, err := fmt.Fprintf(w.w, "%04x", headerLen+len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}

// WriteString behaves like Write.
func (w *Writer) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Writef formats its arguments and writes them as a single pkt-line.
func (w *Writer) Writef(format string, a ...any) error {
	_, err := w.WriteString(fmt.Sprintf(format, a...))
	return err
}

// Flush writes a flush-pkt.
func (w *Writer) Flush() error {
	_, err := w.w.Write(flushPkt)
	return err
}
