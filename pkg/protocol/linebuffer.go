package protocol

import "bytes"

// DefaultMaxLineSize bounds a single buffered frame. A stream that never
// emits a newline is discarded once it exceeds the bound.
const DefaultMaxLineSize = 16 << 20

// LineBuffer accumulates bytes from a stream and splits them on '\n'.
// It is not safe for concurrent use; each read loop owns one.
type LineBuffer struct {
	buf     []byte
	maxSize int
	dropped int
}

// NewLineBuffer creates a buffer bounded by maxSize bytes (DefaultMaxLineSize
// when maxSize <= 0).
func NewLineBuffer(maxSize int) *LineBuffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxLineSize
	}
	return &LineBuffer{maxSize: maxSize}
}

// Write appends a chunk and returns every complete line it finished, without
// their terminators. Blank lines are skipped.
func (b *LineBuffer) Write(chunk []byte) [][]byte {
	b.buf = append(b.buf, chunk...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(b.buf[:i], "\r")
		if len(bytes.TrimSpace(line)) > 0 {
			out := make([]byte, len(line))
			copy(out, line)
			lines = append(lines, out)
		}
		b.buf = b.buf[i+1:]
	}

	if len(b.buf) > b.maxSize {
		b.dropped += len(b.buf)
		b.buf = nil
	}

	// Compact so the backing array does not grow without bound.
	if len(b.buf) == 0 {
		b.buf = b.buf[:0:0]
	}

	return lines
}

// Pending returns the number of buffered bytes not yet terminated
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

// Dropped returns the number of bytes discarded for exceeding the bound
func (b *LineBuffer) Dropped() int {
	return b.dropped
}
