package pmm

import (
	"gophervm/kernel/cap"
	"gophervm/kernel/mm"
)

// descriptorSize is the footprint of one frame table entry. It determines
// how many leading frames are consumed by the table itself.
const descriptorSize = 48

type frameState uint8

const (
	// stateRaw means the slot is not backed by a typed frame and sits in
	// the raw pool list.
	stateRaw frameState = iota

	// stateTyped means the slot holds a retyped, mapped frame.
	stateTyped
)

// Descriptor describes a single physical frame slot. Slot i describes frame
// i; there is no indirection between the two.
type Descriptor struct {
	state frameState
	ut    cap.Untyped
	cap   cap.Cap

	// next links raw slots into the raw pool and allocated frames into
	// multi-frame runs.
	next mm.Frame

	// Pin prevents the frame from being selected by the eviction scan.
	// It is set on every newly allocated frame, on frames that hold
	// paging-structure metadata and on raw slots.
	Pin bool

	// Clock is the recently-referenced bit used by the second-chance scan.
	Clock bool

	// Evicting is set while the frame's contents are being written to the
	// swap store.
	Evicting bool

	// Owner is the id of the process that maps this frame (0 if none).
	Owner int

	// VAddr is the user virtual address the frame is mapped at.
	VAddr uintptr
}

// Typed returns true if the slot currently holds an allocated frame.
func (d *Descriptor) Typed() bool {
	return d.state == stateTyped
}

// Cap returns the capability of the typed frame object backing this slot.
func (d *Descriptor) Cap() cap.Cap {
	return d.cap
}

// Next returns the next frame in the run this frame belongs to or
// mm.InvalidFrame if it is the last one.
func (d *Descriptor) Next() mm.Frame {
	if d.state != stateTyped {
		return mm.InvalidFrame
	}
	return d.next
}

// reset returns the descriptor to the raw state.
func (d *Descriptor) reset() {
	*d = Descriptor{state: stateRaw, next: mm.InvalidFrame, Pin: true}
}

// tableFrames returns the number of frames needed to hold a frame table for
// frameCount frames.
func tableFrames(frameCount int) int {
	return (frameCount*descriptorSize + int(mm.PageSize) - 1) / int(mm.PageSize)
}
