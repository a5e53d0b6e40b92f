// Package physmem provides the server's view of physical memory: a window
// in which frame i occupies bytes [i*PageSize, (i+1)*PageSize). The frame
// allocator maps every typed frame into this window so the server can zero,
// copy and swap page contents.
package physmem

import (
	"gophervm/kernel"
	"gophervm/kernel/mm"
)

var errWindowClosed = &kernel.Error{Module: "physmem", Message: "frame window is closed"}

// Window is a contiguous byte range that backs the contents of every frame.
type Window struct {
	mem    []byte
	frames int
	unmap  func([]byte) error
}

// Frames returns the number of frames covered by the window.
func (w *Window) Frames() int {
	return w.frames
}

// Frame returns the contents of frame f. The returned slice aliases the
// window and must not be retained across a Free of the frame.
func (w *Window) Frame(f mm.Frame) []byte {
	off := f.Offset()
	return w.mem[off : off+mm.PageSize : off+mm.PageSize]
}

// Zero clears the contents of frame f.
func (w *Window) Zero(f mm.Frame) {
	clear(w.Frame(f))
}

// Close releases the memory backing the window.
func (w *Window) Close() *kernel.Error {
	if w.mem == nil {
		return errWindowClosed
	}

	mem := w.mem
	w.mem = nil
	if w.unmap == nil {
		return nil
	}

	if err := w.unmap(mem); err != nil {
		return errWindowClosed.Wrap(err)
	}
	return nil
}
