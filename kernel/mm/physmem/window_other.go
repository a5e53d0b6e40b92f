//go:build !unix

package physmem

import (
	"gophervm/kernel"
	"gophervm/kernel/mm"
)

// New allocates a heap-backed window large enough to hold frames pages.
func New(frames int) (*Window, *kernel.Error) {
	return &Window{mem: make([]byte, frames*int(mm.PageSize)), frames: frames}, nil
}

// Discard zeroes frame f.
func (w *Window) Discard(f mm.Frame) {
	w.Zero(f)
}
