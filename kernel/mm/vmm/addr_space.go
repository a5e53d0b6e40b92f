package vmm

import (
	"slices"

	"gophervm/kernel"
	"gophervm/kernel/cap"
	"gophervm/kernel/mm"
)

// User address space layout.
const (
	// UserTop is the first address above the user portion of an address
	// space. Regions may not cross it.
	UserTop = uintptr(0x0000800000000000)

	// StackTop is the initial user stack pointer; the stack region ends
	// here and grows down.
	StackTop = uintptr(0x90000000)

	// StackSize is the size of the stack region.
	StackSize = uintptr(16 * mm.Mb)

	// IPCBuffer is the address of the page shared with the kernel for
	// message passing.
	IPCBuffer = uintptr(0xA0000000)

	// HeapSize is the distance between the heap base and the stack base;
	// the heap can grow until it reaches the stack.
	HeapSize = uintptr(256 * mm.Mb)
)

// RegionFlag describes the access permitted to a region.
type RegionFlag uint8

// The supported region flags.
const (
	FlagRead RegionFlag = 1 << iota
	FlagWrite
	FlagExec
)

// rights returns the mapping rights granted to pages of a region with these
// flags.
func (f RegionFlag) rights() cap.Rights {
	var r cap.Rights
	if f&FlagRead != 0 {
		r |= cap.RightRead
	}
	if f&FlagWrite != 0 {
		r |= cap.RightWrite
	}
	if f&FlagExec != 0 {
		r |= cap.RightExecute
	}
	return r
}

// Direction identifies the system call that transfers data through a user
// buffer.
type Direction uint8

const (
	// DirRead is a read system call: the server writes into the caller's
	// buffer so the region must be writable.
	DirRead Direction = iota

	// DirWrite is a write system call: the server reads the caller's
	// buffer so the region must be readable.
	DirWrite
)

// Region is a page-aligned range of a process's virtual address space with
// uniform permissions.
type Region struct {
	Base  uintptr
	Size  uintptr
	Pages int
	Flags RegionFlag

	// mmap is set on regions carved by Mmap.
	mmap bool
}

// End returns the first address past the region.
func (r *Region) End() uintptr {
	return r.Base + r.Size
}

// Contains returns true if addr falls inside the region.
func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}

func (r *Region) overlaps(base, end uintptr) bool {
	return base < r.End() && r.Base < end
}

func (r *Region) allows(kind AccessKind) bool {
	switch kind {
	case AccessWrite:
		return r.Flags&FlagWrite != 0
	case AccessExec:
		return r.Flags&FlagExec != 0
	default:
		return r.Flags&FlagRead != 0
	}
}

// AddressSpace keeps the regions of a process ordered by base address.
type AddressSpace struct {
	regions []*Region

	stack     *Region
	heap      *Region
	ipcBuffer *Region

	// brk is the current program break inside the heap region.
	brk uintptr

	// mmapTop is the base of the lowest live mmap region, or the heap
	// base; new mappings are carved below it.
	mmapTop uintptr
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

// DefineRegion page-aligns [base, base+size) and inserts it as a new region.
// Regions that cross UserTop are rejected with ErrInvalidAddress and regions
// that overlap an existing region with ErrRegionOverlap; in both cases the
// address space is left unchanged.
func (as *AddressSpace) DefineRegion(base, size uintptr, flags RegionFlag) (*Region, *kernel.Error) {
	off := mm.PageOffset(base)
	if size > UserTop-off {
		return nil, ErrInvalidAddress
	}
	base = mm.PageAlignDown(base)
	size = mm.PageAlignUp(size + off)

	end := base + size
	if base > UserTop || size > UserTop-base {
		return nil, ErrInvalidAddress
	}

	index, ok := as.insertIndex(base, end)
	if !ok {
		return nil, ErrRegionOverlap
	}

	r := &Region{Base: base, Size: size, Pages: int(mm.Size(size).Pages()), Flags: flags}
	as.regions = slices.Insert(as.regions, index, r)
	return r, nil
}

// insertIndex returns the position at which a region covering [base, end)
// would be inserted and false if it would overlap an existing region.
func (as *AddressSpace) insertIndex(base, end uintptr) (int, bool) {
	index, _ := slices.BinarySearchFunc(as.regions, base, func(r *Region, base uintptr) int {
		switch {
		case r.Base < base:
			return -1
		case r.Base > base:
			return 1
		default:
			return 0
		}
	})

	if index > 0 && as.regions[index-1].overlaps(base, end) {
		return 0, false
	}
	if index < len(as.regions) && as.regions[index].overlaps(base, end) {
		return 0, false
	}
	return index, true
}

// DefineStack creates the stack region right below StackTop.
func (as *AddressSpace) DefineStack() (*Region, *kernel.Error) {
	r, err := as.DefineRegion(StackTop-StackSize, StackSize, FlagRead|FlagWrite)
	if err != nil {
		return nil, err
	}
	as.stack = r
	return r, nil
}

// DefineHeap creates an empty heap region HeapSize bytes below the stack
// base. The mmap watermark starts at the heap base.
func (as *AddressSpace) DefineHeap() (*Region, *kernel.Error) {
	stackBase := StackTop - StackSize
	if as.stack != nil {
		stackBase = as.stack.Base
	}

	r, err := as.DefineRegion(stackBase-HeapSize, 0, FlagRead|FlagWrite)
	if err != nil {
		return nil, err
	}
	as.heap = r
	as.brk = r.Base
	as.mmapTop = r.Base
	return r, nil
}

// resetMmapTop moves the mmap watermark up to the lowest remaining mmap
// region, or to the heap base when none is left.
func (as *AddressSpace) resetMmapTop() {
	top := as.heap.Base
	for _, r := range as.regions {
		if r.mmap && r.Base < top {
			top = r.Base
		}
	}
	as.mmapTop = top
}

// DefineIPCBuffer creates the single-page IPC buffer region.
func (as *AddressSpace) DefineIPCBuffer() (*Region, *kernel.Error) {
	r, err := as.DefineRegion(IPCBuffer, mm.PageSize, FlagRead|FlagWrite)
	if err != nil {
		return nil, err
	}
	as.ipcBuffer = r
	return r, nil
}

// Stack returns the stack region or nil if it has not been defined.
func (as *AddressSpace) Stack() *Region { return as.stack }

// Heap returns the heap region or nil if it has not been defined.
func (as *AddressSpace) Heap() *Region { return as.heap }

// IPCBuffer returns the IPC buffer region or nil if it has not been
// defined.
func (as *AddressSpace) IPCBuffer() *Region { return as.ipcBuffer }

// Regions returns a snapshot of the regions in address order.
func (as *AddressSpace) Regions() []*Region {
	return slices.Clone(as.regions)
}

// Find returns the region containing addr or nil.
func (as *AddressSpace) Find(addr uintptr) *Region {
	index, found := slices.BinarySearchFunc(as.regions, addr, func(r *Region, addr uintptr) int {
		switch {
		case r.End() <= addr:
			return -1
		case r.Base > addr:
			return 1
		default:
			return 0
		}
	})

	if !found {
		return nil
	}
	return as.regions[index]
}

// Validate returns true if a single region contains [addr, addr+size) and its
// permissions allow a transfer in the requested direction.
func (as *AddressSpace) Validate(addr, size uintptr, dir Direction) bool {
	return as.check(addr, size, dir) == nil
}

func (as *AddressSpace) check(addr, size uintptr, dir Direction) *kernel.Error {
	r := as.Find(addr)
	if r == nil || size > r.End()-addr {
		return ErrInvalidAddress
	}

	kind := AccessRead
	if dir == DirRead {
		kind = AccessWrite
	}
	if !r.allows(kind) {
		return ErrPermissionViolation
	}

	return nil
}

// Remove unlinks r from the address space. Removing a region that is not
// part of the address space has no effect.
func (as *AddressSpace) Remove(r *Region) {
	index := slices.Index(as.regions, r)
	if index < 0 {
		return
	}
	as.regions = slices.Delete(as.regions, index, index+1)

	switch r {
	case as.stack:
		as.stack = nil
	case as.heap:
		as.heap = nil
	case as.ipcBuffer:
		as.ipcBuffer = nil
	}
}

// growHeap extends the heap region so that it covers brk. The heap never
// shrinks; growth that would reach the next region is rejected.
func (as *AddressSpace) growHeap(brk uintptr) *kernel.Error {
	heap := as.heap
	if brk <= as.brk {
		return nil
	}

	end := mm.PageAlignUp(brk)
	if end < brk || end > UserTop {
		return ErrInvalidAddress
	}

	for _, r := range as.regions {
		if r != heap && r.overlaps(heap.Base, end) {
			return ErrRegionOverlap
		}
	}

	heap.Size = end - heap.Base
	heap.Pages = int(mm.Size(heap.Size).Pages())
	as.brk = brk
	return nil
}
