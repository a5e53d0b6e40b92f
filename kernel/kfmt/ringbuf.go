package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that buffers output before
// an output sink is attached. It is large enough to hold the log lines
// emitted while the frame table and swap store are bootstrapped. The ring
// buffer size must always be a power of 2.
const ringBufferSize = 8192

// ringBuffer models a ring buffer of size ringBufferSize. When the buffer
// fills up, the oldest bytes are overwritten.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read (0
// <= n <= len(p)) and io.EOF once the buffer has been drained.
func (rb *ringBuffer) Read(p []byte) (n int, err error) {
	var end int
	switch {
	case rb.rIndex < rb.wIndex:
		end = rb.wIndex
	case rb.rIndex > rb.wIndex:
		end = len(rb.buffer)
	default:
		return 0, io.EOF
	}

	n = copy(p, rb.buffer[rb.rIndex:end])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	return n, nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int {
	return (rb.wIndex - rb.rIndex) & (ringBufferSize - 1)
}
