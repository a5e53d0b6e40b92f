// Package pmm implements the physical frame allocator of the VM server. It
// keeps a flat table describing every frame slot, turns raw memory into
// typed, mapped frames on demand and reclaims them back to the raw pool.
package pmm

import (
	"log/slog"

	"gophervm/kernel"
	"gophervm/kernel/cap"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/physmem"
)

// FrameWindowBase is the virtual address in the server's address space where
// frame 0 is mapped. Frame i is mapped at FrameWindowBase + i*PageSize.
const FrameWindowBase = uintptr(0xA000000000)

var (
	// ErrOutOfMemory is returned when no raw memory is available and
	// eviction could not produce any.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame index outside the allocatable range"}
	errFrameNotTyped   = &kernel.Error{Module: "pmm", Message: "attempt to free a frame that is not allocated"}
	errTableTooLarge   = &kernel.Error{Module: "pmm", Message: "frame table does not fit in the frame window"}
	errInvalidRun      = &kernel.Error{Module: "pmm", Message: "invalid frame run length"}
)

// Evictor reclaims a frame under memory pressure. It is implemented by the
// page fault coordinator and registered via SetEvictor.
type Evictor interface {
	Evict() *kernel.Error
}

// Stats summarizes the state of the frame table.
type Stats struct {
	// Total is the number of frame slots.
	Total int

	// Reserved is the number of slots that back the frame table itself.
	Reserved int

	// InUse is the number of typed frames handed out by the allocator.
	InUse int

	// Raw is the number of slots in the raw pool.
	Raw int
}

// Allocator manages the frame table.
type Allocator struct {
	kernel cap.Kernel
	window *physmem.Window
	log    *slog.Logger

	frames []Descriptor

	// rawHead is the first slot of the raw pool list.
	rawHead  mm.Frame
	rawCount int

	// firstAvailable is the first slot that is not consumed by the
	// frame table itself.
	firstAvailable mm.Frame

	// highWater is the highest frame index handed out so far.
	highWater mm.Frame

	inUse   int
	evictor Evictor
}

// New creates an allocator describing every frame covered by w. The leading
// slots are retyped and mapped to hold the table itself; they stay pinned
// for the lifetime of the server.
func New(k cap.Kernel, w *physmem.Window) (*Allocator, *kernel.Error) {
	alloc := &Allocator{
		kernel: k,
		window: w,
		log:    kfmt.Logger("pmm"),
		frames: make([]Descriptor, w.Frames()),
	}

	reserved := tableFrames(len(alloc.frames))
	if reserved >= len(alloc.frames) {
		return nil, errTableTooLarge
	}

	for i := range alloc.frames {
		alloc.frames[i].reset()
	}

	for i := 0; i < reserved; i++ {
		frame := mm.Frame(i)
		c, ut, err := alloc.retypeRaw(cap.SmallPage, false)
		if err == nil {
			err = alloc.mapIntoWindow(frame, c)
			if err != nil {
				alloc.releaseRaw(c, ut)
			}
		}

		if err != nil {
			for j := mm.Frame(0); j < frame; j++ {
				alloc.teardown(j)
			}
			return nil, err
		}

		alloc.frames[i] = Descriptor{state: stateTyped, ut: ut, cap: c, next: mm.InvalidFrame, Pin: true}
	}

	alloc.firstAvailable = mm.Frame(reserved)
	alloc.highWater = alloc.firstAvailable
	alloc.rawHead = mm.InvalidFrame
	for i := len(alloc.frames) - 1; i >= reserved; i-- {
		alloc.pushRaw(mm.Frame(i))
	}

	alloc.log.Info("frame table initialized",
		"frames", len(alloc.frames),
		"table_frames", reserved,
		"first_available", reserved,
	)

	return alloc, nil
}

// SetEvictor registers the eviction routine invoked when raw memory runs out.
func (alloc *Allocator) SetEvictor(e Evictor) {
	alloc.evictor = e
}

// Allocate converts one slot of raw memory into a typed, zero-filled frame
// that is mapped into the server's frame window. If raw memory or the free
// slots of the frame table are exhausted, Allocate invokes the evictor once
// and retries before reporting ErrOutOfMemory. The returned frame is pinned.
func (alloc *Allocator) Allocate() (mm.Frame, *kernel.Error) {
	evict := alloc.evictor != nil
	if !alloc.rawHead.Valid() && evict {
		alloc.log.Debug("frame table exhausted; evicting")
		if err := alloc.evictor.Evict(); err != nil {
			alloc.log.Warn("eviction failed", "err", err)
			return mm.InvalidFrame, err
		}
		evict = false
	}

	// Raw memory is acquired before a slot is popped: eviction may
	// suspend and let other units of work use the pool in the meantime.
	c, ut, err := alloc.retypeRaw(cap.SmallPage, evict)
	if err != nil {
		return mm.InvalidFrame, err
	}

	frame := alloc.popRaw()
	if !frame.Valid() {
		alloc.releaseRaw(c, ut)
		alloc.log.Warn("frame table exhausted")
		return mm.InvalidFrame, ErrOutOfMemory
	}

	if err = alloc.mapIntoWindow(frame, c); err != nil {
		alloc.releaseRaw(c, ut)
		alloc.pushRaw(frame)
		return mm.InvalidFrame, err
	}

	alloc.window.Zero(frame)
	alloc.frames[frame] = Descriptor{state: stateTyped, ut: ut, cap: c, next: mm.InvalidFrame, Pin: true}
	alloc.inUse++
	if frame > alloc.highWater {
		alloc.highWater = frame
	}

	return frame, nil
}

// AllocateN allocates a linked run of n frames and returns the first one.
// The remaining frames are reachable through Descriptor.Next. If any
// allocation fails, every frame already acquired for the run is released
// before the error is returned.
func (alloc *Allocator) AllocateN(n int) (mm.Frame, *kernel.Error) {
	if n < 1 {
		return mm.InvalidFrame, errInvalidRun
	}

	head, err := alloc.Allocate()
	if err != nil {
		return mm.InvalidFrame, err
	}

	for tail, i := head, 1; i < n; i++ {
		next, err := alloc.Allocate()
		if err != nil {
			alloc.FreeN(head)
			return mm.InvalidFrame, err
		}

		alloc.frames[tail].next = next
		tail = next
	}

	return head, nil
}

// Free unmaps and un-types frame and returns its slot to the raw pool. Freeing
// a frame outside the allocatable range or a frame that is not allocated
// indicates corruption of server-owned structures and halts the server.
func (alloc *Allocator) Free(frame mm.Frame) {
	if frame < alloc.firstAvailable || int(frame) >= len(alloc.frames) {
		kfmt.Panic(errFrameOutOfRange)
		return
	}

	if alloc.frames[frame].state != stateTyped {
		kfmt.Panic(errFrameNotTyped)
		return
	}

	alloc.teardown(frame)
	alloc.window.Discard(frame)
	alloc.pushRaw(frame)
	alloc.inUse--
}

// FreeN frees a run of frames previously returned by AllocateN.
func (alloc *Allocator) FreeN(head mm.Frame) {
	for frame := head; frame.Valid(); {
		next := alloc.frames[frame].next
		alloc.Free(frame)
		frame = next
	}
}

// RetypeRaw acquires a block of raw memory and retypes it into an object of
// type t. It is used for hardware paging structures, which consume raw
// memory without occupying a frame slot. Raw memory exhaustion is handled
// the same way as in Allocate.
func (alloc *Allocator) RetypeRaw(t cap.ObjectType) (cap.Cap, cap.Untyped, *kernel.Error) {
	return alloc.retypeRaw(t, true)
}

// ReleaseRaw deletes c and returns ut to the raw pool.
func (alloc *Allocator) ReleaseRaw(c cap.Cap, ut cap.Untyped) {
	alloc.releaseRaw(c, ut)
}

// Descriptor returns the table entry for frame or nil if frame is out of
// range.
func (alloc *Allocator) Descriptor(frame mm.Frame) *Descriptor {
	if int(frame) >= len(alloc.frames) {
		return nil
	}
	return &alloc.frames[frame]
}

// Contents returns the server's view of the contents of frame.
func (alloc *Allocator) Contents(frame mm.Frame) []byte {
	return alloc.window.Frame(frame)
}

// EvictableRange returns the first and last frame indices that the eviction
// scan needs to visit. Frames below first hold the frame table; frames above
// last have never been handed out.
func (alloc *Allocator) EvictableRange() (first, last mm.Frame) {
	return alloc.firstAvailable, alloc.highWater
}

// Stats returns a snapshot of the frame table counters.
func (alloc *Allocator) Stats() Stats {
	return Stats{
		Total:    len(alloc.frames),
		Reserved: int(alloc.firstAvailable),
		InUse:    alloc.inUse,
		Raw:      alloc.rawCount,
	}
}

func (alloc *Allocator) retypeRaw(t cap.ObjectType, evict bool) (cap.Cap, cap.Untyped, *kernel.Error) {
	ut, ok := alloc.kernel.AllocUntyped()
	if !ok && evict && alloc.evictor != nil {
		alloc.log.Debug("raw memory exhausted; evicting", "object", t.String())
		if err := alloc.evictor.Evict(); err != nil {
			alloc.log.Warn("eviction failed", "object", t.String(), "err", err)
			return cap.NullCap, cap.NullUntyped, err
		}
		ut, ok = alloc.kernel.AllocUntyped()
	}

	if !ok {
		return cap.NullCap, cap.NullUntyped, ErrOutOfMemory
	}

	c, err := alloc.kernel.Retype(ut, t)
	if err != nil {
		alloc.kernel.FreeUntyped(ut)
		return cap.NullCap, cap.NullUntyped, err
	}

	return c, ut, nil
}

func (alloc *Allocator) releaseRaw(c cap.Cap, ut cap.Untyped) {
	alloc.kernel.Delete(c)
	alloc.kernel.FreeUntyped(ut)
}

func (alloc *Allocator) mapIntoWindow(frame mm.Frame, c cap.Cap) *kernel.Error {
	_, err := alloc.kernel.MapPage(c, alloc.kernel.ServerVSpace(), FrameWindowBase+frame.Offset(), cap.RightRead|cap.RightWrite)
	return err
}

// teardown unmaps frame from the window and fully releases its typed
// resources.
func (alloc *Allocator) teardown(frame mm.Frame) {
	d := &alloc.frames[frame]
	_ = alloc.kernel.UnmapPage(d.cap)
	alloc.releaseRaw(d.cap, d.ut)
	d.reset()
}

func (alloc *Allocator) pushRaw(frame mm.Frame) {
	d := &alloc.frames[frame]
	d.reset()
	d.next = alloc.rawHead
	alloc.rawHead = frame
	alloc.rawCount++
}

func (alloc *Allocator) popRaw() mm.Frame {
	frame := alloc.rawHead
	if !frame.Valid() {
		return mm.InvalidFrame
	}

	alloc.rawHead = alloc.frames[frame].next
	alloc.frames[frame].next = mm.InvalidFrame
	alloc.rawCount--
	return frame
}
