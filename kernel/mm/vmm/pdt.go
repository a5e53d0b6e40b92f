package vmm

import (
	"gophervm/kernel"
	"gophervm/kernel/cap"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/pmm"
)

const (
	// pageLevels is the number of levels in the shadow page table.
	pageLevels = 4

	// entriesPerNode is the number of slots in a single table node.
	entriesPerNode = 512

	// intermediateNodeFrames is the number of frames reserved for an
	// intermediate node: next-level links plus the hardware structure and
	// raw memory handles recorded for teardown.
	intermediateNodeFrames = 3

	// leafNodeFrames is the number of frames reserved for a leaf node.
	leafNodeFrames = 2
)

var (
	// pageLevelShifts defines the shift required to access each table
	// level index of a virtual address. Each level uses 9 bits.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

	errNoParentNode   = &kernel.Error{Module: "vmm", Message: "parent table node is not present"}
	errNodeInstalled  = &kernel.Error{Module: "vmm", Message: "table node already installed"}
	errNoLeafNode     = &kernel.Error{Module: "vmm", Message: "leaf table node is not present"}
	errInvalidLevel   = &kernel.Error{Module: "vmm", Message: "invalid table level"}
	errLeafState      = &kernel.Error{Module: "vmm", Message: "unexpected page table entry state"}
	errTableDestroyed = &kernel.Error{Module: "vmm", Message: "page table has been destroyed"}
)

// EntryState describes what backs a virtual page.
type EntryState uint8

// The possible leaf entry states.
const (
	// StateAbsent means the page has never been touched or was released.
	StateAbsent EntryState = iota

	// StateResident means the page is backed by a frame that is mapped
	// into the process's address space.
	StateResident

	// StateUnmapped means the page is backed by a valid frame but its
	// hardware mapping has been revoked.
	StateUnmapped

	// StateSwapped means the page contents only exist in the swap store.
	StateSwapped
)

// String implements fmt.Stringer.
func (s EntryState) String() string {
	switch s {
	case StateResident:
		return "resident"
	case StateUnmapped:
		return "unmapped"
	case StateSwapped:
		return "swapped"
	default:
		return "absent"
	}
}

// Entry is a leaf slot of the shadow page table.
type Entry struct {
	State EntryState

	// Frame is valid for resident and unmapped entries.
	Frame mm.Frame

	// Mapping is the capability through which Frame is mapped into the
	// process; it is only set for resident entries.
	Mapping cap.Cap

	// Rights are the access rights of the mapping.
	Rights cap.Rights

	// SwapOffset is valid for swapped entries.
	SwapOffset uint64
}

// childLink records a next-level node together with the hardware paging
// structure that mirrors it.
type childLink struct {
	present bool
	node    mm.Frame
	hw      cap.Cap
	raw     cap.Untyped
}

type tableNode struct {
	level int

	// used counts populated slots.
	used int

	children *[entriesPerNode]childLink
	entries  *[entriesPerNode]Entry
}

func newTableNode(level int) *tableNode {
	n := &tableNode{level: level}
	if level == pageLevels-1 {
		n.entries = new([entriesPerNode]Entry)
	} else {
		n.children = new([entriesPerNode]childLink)
	}
	return n
}

// PageTable is the shadow page table of one process. Its nodes live in the
// Arena it was created from.
type PageTable struct {
	pid  int
	root mm.Frame

	vspace    cap.Cap
	vspaceRaw cap.Untyped
}

// VSpace returns the capability of the hardware address space mirrored by
// this table.
func (pt *PageTable) VSpace() cap.Cap {
	return pt.vspace
}

// Arena stores shadow page table nodes indexed by the id of the first frame
// of the run backing them.
type Arena struct {
	kernel cap.Kernel
	alloc  *pmm.Allocator
	nodes  map[mm.Frame]*tableNode
}

// NewArena returns an empty arena that obtains node frames from alloc.
func NewArena(k cap.Kernel, alloc *pmm.Allocator) *Arena {
	return &Arena{
		kernel: k,
		alloc:  alloc,
		nodes:  make(map[mm.Frame]*tableNode),
	}
}

// Nodes returns the number of live table nodes.
func (a *Arena) Nodes() int {
	return len(a.nodes)
}

func tableIndex(vaddr uintptr, level int) int {
	return int((vaddr >> pageLevelShifts[level]) & (entriesPerNode - 1))
}

// nodeFrames returns the length of the frame run that backs a node at level.
func nodeFrames(level int) int {
	if level == pageLevels-1 {
		return leafNodeFrames
	}
	return intermediateNodeFrames
}

// NewPageTable creates the top-level node and hardware address space for a
// process.
func (a *Arena) NewPageTable(pid int) (*PageTable, *kernel.Error) {
	vspace, raw, err := a.alloc.RetypeRaw(cap.PageGlobalDirectory)
	if err != nil {
		return nil, err
	}

	root, err := a.alloc.AllocateN(nodeFrames(0))
	if err != nil {
		a.alloc.ReleaseRaw(vspace, raw)
		return nil, err
	}

	a.nodes[root] = newTableNode(0)
	return &PageTable{pid: pid, root: root, vspace: vspace, vspaceRaw: raw}, nil
}

// node returns the node at level on the path to vaddr or nil if the path is
// incomplete.
func (a *Arena) node(pt *PageTable, vaddr uintptr, level int) *tableNode {
	if !pt.root.Valid() {
		return nil
	}

	n := a.nodes[pt.root]
	for l := 0; l < level; l++ {
		link := &n.children[tableIndex(vaddr, l)]
		if !link.present {
			return nil
		}
		n = a.nodes[link.node]
	}
	return n
}

func (a *Arena) leafEntry(pt *PageTable, vaddr uintptr) (*tableNode, *Entry) {
	leaf := a.node(pt, vaddr, pageLevels-1)
	if leaf == nil {
		return nil, nil
	}
	return leaf, &leaf.entries[tableIndex(vaddr, pageLevels-1)]
}

// Lookup returns the leaf entry for vaddr. An absent entry is returned if any
// level on the path is missing.
func (a *Arena) Lookup(pt *PageTable, vaddr uintptr) Entry {
	if _, entry := a.leafEntry(pt, vaddr); entry != nil {
		return *entry
	}
	return Entry{State: StateAbsent, Frame: mm.InvalidFrame}
}

// hasNode returns true if the node at level on the path to vaddr exists.
func (a *Arena) hasNode(pt *PageTable, vaddr uintptr, level int) bool {
	return a.node(pt, vaddr, level) != nil
}

// InstallIntermediate records a new node at level (1 to 3) on the path to
// vaddr. node is the head of the frame run backing it; hw and raw are the
// hardware paging structure installed for the same range and the raw memory
// it was retyped from. The table takes ownership of all three.
func (a *Arena) InstallIntermediate(pt *PageTable, level int, vaddr uintptr, node mm.Frame, hw cap.Cap, raw cap.Untyped) *kernel.Error {
	if level < 1 || level >= pageLevels {
		return errInvalidLevel
	}
	if !pt.root.Valid() {
		return errTableDestroyed
	}

	parent := a.node(pt, vaddr, level-1)
	if parent == nil {
		return errNoParentNode
	}

	link := &parent.children[tableIndex(vaddr, level-1)]
	if link.present {
		return errNodeInstalled
	}

	a.nodes[node] = newTableNode(level)
	*link = childLink{present: true, node: node, hw: hw, raw: raw}
	parent.used++
	return nil
}

// uninstallIfEmpty removes the node at level on the path to vaddr together
// with its hardware structure if none of its slots is populated. It returns
// true if the node was removed.
func (a *Arena) uninstallIfEmpty(pt *PageTable, vaddr uintptr, level int) bool {
	parent := a.node(pt, vaddr, level-1)
	if parent == nil {
		return false
	}

	link := &parent.children[tableIndex(vaddr, level-1)]
	if !link.present || a.nodes[link.node].used != 0 {
		return false
	}

	a.releaseLink(link)
	parent.used--
	return true
}

// prune removes the empty nodes on the path to vaddr, deepest first.
func (a *Arena) prune(pt *PageTable, vaddr uintptr) {
	for level := pageLevels - 1; level > 0; level-- {
		if !a.uninstallIfEmpty(pt, vaddr, level) {
			return
		}
	}
}

func (a *Arena) releaseLink(link *childLink) {
	delete(a.nodes, link.node)
	a.alloc.FreeN(link.node)
	a.alloc.ReleaseRaw(link.hw, link.raw)
	*link = childLink{}
}

// CommitLeaf records frame as the resident backing of vaddr, mapped through
// mapping with rights. The frame is unpinned unless pin is set and its clock
// bit is set.
func (a *Arena) CommitLeaf(pt *PageTable, vaddr uintptr, frame mm.Frame, mapping cap.Cap, rights cap.Rights, pin bool) *kernel.Error {
	leaf, entry := a.leafEntry(pt, vaddr)
	if entry == nil {
		return errNoLeafNode
	}

	if entry.State == StateAbsent {
		leaf.used++
	}
	*entry = Entry{State: StateResident, Frame: frame, Mapping: mapping, Rights: rights}

	d := a.alloc.Descriptor(frame)
	d.Pin = pin
	d.Clock = true
	d.Evicting = false
	d.Owner = pt.pid
	d.VAddr = mm.PageAlignDown(vaddr)
	return nil
}

// restore records frame as the unmapped backing of vaddr after its contents
// were read back from the swap store. The frame stays pinned until it is
// committed.
func (a *Arena) restore(pt *PageTable, vaddr uintptr, frame mm.Frame) *kernel.Error {
	_, entry := a.leafEntry(pt, vaddr)
	if entry == nil || entry.State != StateSwapped {
		return errLeafState
	}

	*entry = Entry{State: StateUnmapped, Frame: frame, Rights: entry.Rights}

	d := a.alloc.Descriptor(frame)
	d.Owner = pt.pid
	d.VAddr = mm.PageAlignDown(vaddr)
	return nil
}

// MarkSwapped records that the contents of the resident page at vaddr now
// live at offset in the swap store. The caller must have deleted the
// mapping and remains responsible for freeing the frame.
func (a *Arena) MarkSwapped(pt *PageTable, vaddr uintptr, offset uint64) *kernel.Error {
	_, entry := a.leafEntry(pt, vaddr)
	if entry == nil || (entry.State != StateResident && entry.State != StateUnmapped) {
		return errLeafState
	}

	*entry = Entry{State: StateSwapped, Frame: mm.InvalidFrame, Rights: entry.Rights, SwapOffset: offset}
	return nil
}

// MarkUnmapped records that the hardware mapping of the resident page at
// vaddr has been revoked while its frame is preserved. The caller must have
// deleted the mapping capability.
func (a *Arena) MarkUnmapped(pt *PageTable, vaddr uintptr) *kernel.Error {
	_, entry := a.leafEntry(pt, vaddr)
	if entry == nil || entry.State != StateResident {
		return errLeafState
	}

	entry.State = StateUnmapped
	entry.Mapping = cap.NullCap
	return nil
}

// MarkAbsent clears the leaf entry for vaddr. The caller is responsible for
// the resources the entry referenced.
func (a *Arena) MarkAbsent(pt *PageTable, vaddr uintptr) {
	leaf, entry := a.leafEntry(pt, vaddr)
	if entry == nil || entry.State == StateAbsent {
		return
	}

	leaf.used--
	*entry = Entry{State: StateAbsent, Frame: mm.InvalidFrame}
}

// Destroy releases every node of pt, every hardware structure and data
// frame reachable from it and finally the top-level node and address space.
// It returns the swap offsets still referenced by the table so the caller
// can release them. Destroying a table twice has no effect.
func (a *Arena) Destroy(pt *PageTable) []uint64 {
	if !pt.root.Valid() {
		return nil
	}

	var offsets []uint64
	a.destroyNode(pt.root, &offsets)

	delete(a.nodes, pt.root)
	a.alloc.FreeN(pt.root)
	a.alloc.ReleaseRaw(pt.vspace, pt.vspaceRaw)

	pt.root = mm.InvalidFrame
	pt.vspace, pt.vspaceRaw = cap.NullCap, cap.NullUntyped
	return offsets
}

func (a *Arena) destroyNode(head mm.Frame, offsets *[]uint64) {
	n := a.nodes[head]

	if n.entries != nil {
		for i := range n.entries {
			entry := &n.entries[i]
			switch entry.State {
			case StateResident, StateUnmapped:
				if entry.Mapping != cap.NullCap {
					a.kernel.Delete(entry.Mapping)
				}
				a.alloc.Free(entry.Frame)
			case StateSwapped:
				*offsets = append(*offsets, entry.SwapOffset)
			}
			*entry = Entry{}
		}
		n.used = 0
		return
	}

	for i := range n.children {
		link := &n.children[i]
		if !link.present {
			continue
		}

		a.destroyNode(link.node, offsets)
		a.releaseLink(link)
	}
	n.used = 0
}
