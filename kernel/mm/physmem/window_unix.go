//go:build unix

package physmem

import (
	"gophervm/kernel"
	"gophervm/kernel/mm"

	"golang.org/x/sys/unix"
)

var errMapWindow = &kernel.Error{Module: "physmem", Message: "unable to map frame window"}

// New reserves an anonymous private mapping large enough to hold frames
// pages. Pages are only backed by host memory once touched.
func New(frames int) (*Window, *kernel.Error) {
	size := frames * int(mm.PageSize)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errMapWindow.Wrap(err)
	}

	return &Window{mem: mem, frames: frames, unmap: unix.Munmap}, nil
}

// Discard zeroes frame f and hands its backing host memory back to the
// host until it is touched again.
func (w *Window) Discard(f mm.Frame) {
	w.Zero(f)
	_ = unix.Madvise(w.Frame(f), unix.MADV_DONTNEED)
}
