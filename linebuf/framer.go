// Package linebuf splits a chunked byte stream into terminator delimited frames.
package linebuf

import "bytes"

const (
	// LF is the default frame terminator.
	LF byte = '\n'
	// EOT terminates directory listing and checksum replies.
	EOT byte = 0x04
)

// Frame is one complete frame. Data excludes the terminator.
type Frame struct {
	Data []byte
	Term byte
}

// Handler receives frames synchronously from Feed. Data is only valid during the call.
type Handler func(Frame)

// Framer accumulates bytes and emits a frame for every terminator seen.
// It is not safe for concurrent use.
type Framer struct {
	buf     []byte
	term    byte
	stripCR bool
	handler Handler
}

// Option configures a Framer.
type Option func(*Framer)

// WithTerminator sets the initial terminator. The default is LF.
func WithTerminator(b byte) Option {
	return func(f *Framer) { f.term = b }
}

// WithStripCR drops a CR immediately preceding an LF terminator.
func WithStripCR() Option {
	return func(f *Framer) { f.stripCR = true }
}

// New creates a Framer that calls h for each frame.
func New(h Handler, opts ...Option) *Framer {
	f := &Framer{term: LF, handler: h}
	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Feed appends b and emits every complete frame. Bytes after the last terminator
// are kept for the next call. It returns the number of frames emitted.
func (f *Framer) Feed(b []byte) int {
	f.buf = append(f.buf, b...)

	n := 0
	start := 0
	for {
		// the terminator is re-read on every iteration so a handler that calls
		// SetTerminator changes how the remaining bytes are split
		term := f.term
		idx := bytes.IndexByte(f.buf[start:], term)
		if idx < 0 {
			break
		}
		end := start + idx
		data := f.buf[start:end]
		if f.stripCR && term == LF && len(data) > 0 && data[len(data)-1] == '\r' {
			data = data[:len(data)-1]
		}
		start = end + 1
		n++
		if f.handler != nil {
			f.handler(Frame{Data: data, Term: term})
		}
	}

	if start > 0 {
		rest := copy(f.buf, f.buf[start:])
		f.buf = f.buf[:rest]
	}

	return n
}

// SetTerminator changes the terminator for frames not yet emitted.
func (f *Framer) SetTerminator(b byte) {
	f.term = b
}

// Terminator returns the current terminator.
func (f *Framer) Terminator() byte {
	return f.term
}

// Buffered returns a copy of the bytes waiting for a terminator.
func (f *Framer) Buffered() []byte {
	return bytes.Clone(f.buf)
}

// Reset drops buffered bytes and restores the LF terminator.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.term = LF
}
