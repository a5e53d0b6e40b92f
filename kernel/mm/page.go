package mm

import "math"

// Frame describes a physical memory page index. Frame indices double as
// stable identifiers: the frame table, the shadow page table arena and the
// server's frame window are all indexed by them.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame. It also terminates frame
	// lists.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Offset returns the byte offset of this frame inside a window that maps
// frame 0 at offset 0.
func (f Frame) Offset() uintptr {
	return uintptr(f) << PageShift
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address that corresponds to this Page.
func (p Page) Address() uintptr {
	return uintptr(p) << PageShift
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// PageAlignDown rounds addr down to a page boundary.
func PageAlignDown(addr uintptr) uintptr {
	return addr & ^(PageSize - 1)
}

// PageAlignUp rounds addr up to a page boundary.
func PageAlignUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) & ^(PageSize - 1)
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (PageSize - 1)
}
