// Package cap describes the capability primitives that the VM server
// consumes from the microkernel: retyping raw memory into typed objects,
// managing capability slots and installing or revoking hardware mappings.
package cap

import "gophervm/kernel"

// Untyped is a handle to a 4K block of raw (untyped) memory.
type Untyped uint64

// NullUntyped is never returned by a successful allocation.
const NullUntyped = Untyped(0)

// Cap is a capability slot referencing a typed kernel object.
type Cap uint64

// NullCap is the empty capability slot.
const NullCap = Cap(0)

// ObjectType identifies the kind of object that raw memory is retyped into.
type ObjectType uint8

// The supported object types. The paging structure types are listed from
// the top-most level down.
const (
	NoObject ObjectType = iota
	SmallPage
	PageGlobalDirectory
	PageUpperDirectory
	PageDirectory
	PageTable
)

// String implements fmt.Stringer.
func (t ObjectType) String() string {
	switch t {
	case SmallPage:
		return "small-page"
	case PageGlobalDirectory:
		return "pgd"
	case PageUpperDirectory:
		return "pud"
	case PageDirectory:
		return "pd"
	case PageTable:
		return "pt"
	default:
		return "none"
	}
}

// PagingLevel returns the paging level (0 for the top-most table) that an
// object of this type implements or -1 if t is not a paging structure.
func (t ObjectType) PagingLevel() int {
	switch t {
	case PageGlobalDirectory:
		return 0
	case PageUpperDirectory:
		return 1
	case PageDirectory:
		return 2
	case PageTable:
		return 3
	default:
		return -1
	}
}

// Rights is a set of access rights attached to a page mapping.
type Rights uint8

// The supported access rights.
const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExecute

	AllRights = RightRead | RightWrite | RightExecute
)

// Has returns true if r contains all rights in other.
func (r Rights) Has(other Rights) bool {
	return r&other == other
}

var (
	// ErrFailedLookup is returned by MapPage when an intermediate paging
	// structure is missing. The accompanying ObjectType identifies the
	// structure that must be created before retrying.
	ErrFailedLookup = &kernel.Error{Module: "cap", Message: "paging structure lookup failed"}

	// ErrInvalidCap is returned when an operation references an empty or
	// unknown capability slot.
	ErrInvalidCap = &kernel.Error{Module: "cap", Message: "invalid capability"}

	// ErrNoSlots is returned when the capability space is exhausted.
	ErrNoSlots = &kernel.Error{Module: "cap", Message: "no free capability slots"}

	// ErrAlreadyMapped is returned when a page or paging structure is
	// mapped while it is already installed.
	ErrAlreadyMapped = &kernel.Error{Module: "cap", Message: "object already mapped"}
)

// Kernel is the set of microkernel primitives used by the VM server.
type Kernel interface {
	// AllocUntyped returns a 4K raw memory block or false if the raw pool
	// is exhausted.
	AllocUntyped() (Untyped, bool)

	// FreeUntyped returns a raw memory block to the pool.
	FreeUntyped(ut Untyped)

	// Retype allocates a capability slot and retypes ut into an object of
	// type t referenced by the returned capability.
	Retype(ut Untyped, t ObjectType) (Cap, *kernel.Error)

	// Copy derives a new capability for the object referenced by c with
	// the supplied rights.
	Copy(c Cap, rights Rights) (Cap, *kernel.Error)

	// Delete deletes c and frees its slot. Deleting a page or paging
	// structure capability also removes any mapping installed through it.
	Delete(c Cap)

	// MapPage maps the page referenced by page into vspace at vaddr. If a
	// paging structure is missing, MapPage returns ErrFailedLookup together
	// with the type of the missing structure.
	MapPage(page, vspace Cap, vaddr uintptr, rights Rights) (ObjectType, *kernel.Error)

	// UnmapPage removes the mapping installed through page.
	UnmapPage(page Cap) *kernel.Error

	// MapPagingStructure installs the paging structure obj into vspace
	// so that it covers vaddr.
	MapPagingStructure(obj, vspace Cap, vaddr uintptr) *kernel.Error

	// UnmapPagingStructure removes a paging structure installed via
	// MapPagingStructure.
	UnmapPagingStructure(obj Cap) *kernel.Error

	// ServerVSpace returns the capability of the server's own address
	// space; frames are mapped there so their contents can be accessed.
	ServerVSpace() Cap
}
