// Package sim provides an in-process implementation of cap.Kernel. It keeps
// the bookkeeping a capability microkernel would (raw memory pool, capability
// slots, per-address-space paging structures) so the VM server can be booted
// and tested without real hardware.
package sim

import (
	"sync"

	"gophervm/kernel"
	"gophervm/kernel/cap"
)

const (
	// serverVSpace is the pre-created address space of the VM server.
	// Its paging structures are populated on demand by MapPage.
	serverVSpace = cap.Cap(1)

	levelBits = 9
)

// pagingShifts holds the address shift covered by a single entry of each
// paging level (pgd, pud, pd, pt).
var pagingShifts = [4]uintptr{39, 30, 21, 12}

var errUntypedInUse = &kernel.Error{Module: "sim", Message: "untyped memory is already retyped"}

type object struct {
	typ cap.ObjectType
	ut  cap.Untyped

	// refs counts the capabilities referencing this object. The object
	// is destroyed and its untyped released for reuse once refs drops to
	// zero.
	refs int

	// vs is set for objects of type PageGlobalDirectory.
	vs *vspace
}

type capEntry struct {
	obj    *object
	rights cap.Rights

	// mapping state for pages and paging structures
	mapped    bool
	mapRights cap.Rights
	vs        *vspace
	key       uintptr
	level     int
}

// vspace tracks the hardware paging structures and pages installed in an
// address space. Structures are keyed by the virtual address prefix they
// cover at their level.
type vspace struct {
	auto   bool
	tables [4]map[uintptr]cap.Cap
	pages  map[uintptr]cap.Cap
}

func newVSpace(auto bool) *vspace {
	vs := &vspace{auto: auto, pages: make(map[uintptr]cap.Cap)}
	for i := range vs.tables {
		vs.tables[i] = make(map[uintptr]cap.Cap)
	}
	return vs
}

// Kernel is a simulated capability microkernel.
type Kernel struct {
	mu sync.Mutex

	untypedCount int
	freeUntyped  []cap.Untyped
	retyped      map[cap.Untyped]bool

	nextCap cap.Cap
	caps    map[cap.Cap]*capEntry

	server *vspace

	// failRetypeAfter makes the n-th subsequent Retype call fail when
	// >= 0.
	failRetypeAfter int
}

// New returns a simulated kernel with untypedCount 4K raw memory blocks.
func New(untypedCount int) *Kernel {
	k := &Kernel{
		untypedCount:    untypedCount,
		freeUntyped:     make([]cap.Untyped, 0, untypedCount),
		retyped:         make(map[cap.Untyped]bool),
		nextCap:         serverVSpace + 1,
		caps:            make(map[cap.Cap]*capEntry),
		server:          newVSpace(true),
		failRetypeAfter: -1,
	}

	// Push in reverse order so blocks are handed out in ascending order.
	for ut := untypedCount; ut > 0; ut-- {
		k.freeUntyped = append(k.freeUntyped, cap.Untyped(ut))
	}

	k.caps[serverVSpace] = &capEntry{
		obj:    &object{typ: cap.PageGlobalDirectory, refs: 1, vs: k.server},
		rights: cap.AllRights,
	}

	return k
}

// AllocUntyped implements cap.Kernel.
func (k *Kernel) AllocUntyped() (cap.Untyped, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := len(k.freeUntyped)
	if n == 0 {
		return cap.NullUntyped, false
	}

	ut := k.freeUntyped[n-1]
	k.freeUntyped = k.freeUntyped[:n-1]
	return ut, true
}

// FreeUntyped implements cap.Kernel. Freeing memory that still backs a live
// object is a bug in the caller and panics.
func (k *Kernel) FreeUntyped(ut cap.Untyped) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if ut == cap.NullUntyped || int(ut) > k.untypedCount {
		panic("sim: freeing unknown untyped")
	}
	if k.retyped[ut] {
		panic("sim: freeing untyped that backs a live object")
	}
	for _, free := range k.freeUntyped {
		if free == ut {
			panic("sim: double free of untyped")
		}
	}

	k.freeUntyped = append(k.freeUntyped, ut)
}

// Retype implements cap.Kernel.
func (k *Kernel) Retype(ut cap.Untyped, t cap.ObjectType) (cap.Cap, *kernel.Error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.failRetypeAfter == 0 {
		k.failRetypeAfter = -1
		return cap.NullCap, cap.ErrNoSlots
	} else if k.failRetypeAfter > 0 {
		k.failRetypeAfter--
	}

	if k.retyped[ut] {
		return cap.NullCap, errUntypedInUse
	}
	k.retyped[ut] = true

	obj := &object{typ: t, ut: ut}
	if t == cap.PageGlobalDirectory {
		obj.vs = newVSpace(false)
	}

	return k.newCap(obj, cap.AllRights), nil
}

func (k *Kernel) newCap(obj *object, rights cap.Rights) cap.Cap {
	c := k.nextCap
	k.nextCap++
	obj.refs++
	k.caps[c] = &capEntry{obj: obj, rights: rights, level: -1}
	return c
}

// Copy implements cap.Kernel.
func (k *Kernel) Copy(c cap.Cap, rights cap.Rights) (cap.Cap, *kernel.Error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.caps[c]
	if !ok {
		return cap.NullCap, cap.ErrInvalidCap
	}

	return k.newCap(entry.obj, entry.rights&rights), nil
}

// Delete implements cap.Kernel.
func (k *Kernel) Delete(c cap.Cap) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.caps[c]
	if !ok || c == serverVSpace {
		return
	}

	k.unmapLocked(entry)
	delete(k.caps, c)

	entry.obj.refs--
	if entry.obj.refs == 0 {
		delete(k.retyped, entry.obj.ut)
	}
}

// MapPage implements cap.Kernel.
func (k *Kernel) MapPage(page, vspaceCap cap.Cap, vaddr uintptr, rights cap.Rights) (cap.ObjectType, *kernel.Error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.caps[page]
	if !ok || entry.obj.typ != cap.SmallPage {
		return cap.NoObject, cap.ErrInvalidCap
	}

	vs, err := k.vspaceFor(vspaceCap)
	if err != nil {
		return cap.NoObject, err
	}

	if entry.mapped {
		return cap.NoObject, cap.ErrAlreadyMapped
	}

	// Walk the pud, pd and pt levels; the pgd is the vspace itself.
	for level := 1; level < len(pagingShifts); level++ {
		key := vaddr >> pagingShifts[level-1]
		if _, present := vs.tables[level][key]; present {
			continue
		}
		if !vs.auto {
			return pagingTypeForLevel(level), cap.ErrFailedLookup
		}
		vs.tables[level][key] = cap.NullCap
	}

	key := vaddr >> pagingShifts[3]
	if _, present := vs.pages[key]; present {
		return cap.NoObject, cap.ErrAlreadyMapped
	}

	vs.pages[key] = page
	entry.mapped, entry.vs, entry.key, entry.level = true, vs, key, 4
	entry.mapRights = entry.rights & rights
	return cap.NoObject, nil
}

// UnmapPage implements cap.Kernel.
func (k *Kernel) UnmapPage(page cap.Cap) *kernel.Error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.caps[page]
	if !ok || entry.obj.typ != cap.SmallPage {
		return cap.ErrInvalidCap
	}

	k.unmapLocked(entry)
	return nil
}

// MapPagingStructure implements cap.Kernel.
func (k *Kernel) MapPagingStructure(obj, vspaceCap cap.Cap, vaddr uintptr) *kernel.Error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.caps[obj]
	if !ok {
		return cap.ErrInvalidCap
	}

	level := entry.obj.typ.PagingLevel()
	if level < 1 {
		return cap.ErrInvalidCap
	}

	vs, err := k.vspaceFor(vspaceCap)
	if err != nil {
		return err
	}

	if entry.mapped {
		return cap.ErrAlreadyMapped
	}

	// All levels above this one must already be present.
	for parent := 1; parent < level; parent++ {
		if _, present := vs.tables[parent][vaddr>>pagingShifts[parent-1]]; !present {
			return cap.ErrFailedLookup
		}
	}

	key := vaddr >> pagingShifts[level-1]
	if _, present := vs.tables[level][key]; present {
		return cap.ErrAlreadyMapped
	}

	vs.tables[level][key] = obj
	entry.mapped, entry.vs, entry.key, entry.level = true, vs, key, level
	return nil
}

// UnmapPagingStructure implements cap.Kernel.
func (k *Kernel) UnmapPagingStructure(obj cap.Cap) *kernel.Error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.caps[obj]
	if !ok || entry.obj.typ.PagingLevel() < 1 {
		return cap.ErrInvalidCap
	}

	k.unmapLocked(entry)
	return nil
}

// ServerVSpace implements cap.Kernel.
func (k *Kernel) ServerVSpace() cap.Cap {
	return serverVSpace
}

func (k *Kernel) unmapLocked(entry *capEntry) {
	if !entry.mapped {
		return
	}

	switch {
	case entry.level == 4:
		delete(entry.vs.pages, entry.key)
	case entry.level > 0:
		delete(entry.vs.tables[entry.level], entry.key)
	}
	entry.mapped, entry.vs, entry.key, entry.level = false, nil, 0, -1
}

func (k *Kernel) vspaceFor(c cap.Cap) (*vspace, *kernel.Error) {
	entry, ok := k.caps[c]
	if !ok || entry.obj.vs == nil {
		return nil, cap.ErrInvalidCap
	}
	return entry.obj.vs, nil
}

func pagingTypeForLevel(level int) cap.ObjectType {
	switch level {
	case 1:
		return cap.PageUpperDirectory
	case 2:
		return cap.PageDirectory
	default:
		return cap.PageTable
	}
}

// Access reports whether an access to vaddr in the address space referenced
// by vspaceCap would complete without raising a fault.
func (k *Kernel) Access(vspaceCap cap.Cap, vaddr uintptr, write bool) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	vs, err := k.vspaceFor(vspaceCap)
	if err != nil {
		return false
	}

	for level := 1; level < len(pagingShifts); level++ {
		if _, present := vs.tables[level][vaddr>>pagingShifts[level-1]]; !present {
			return false
		}
	}

	page, present := vs.pages[vaddr>>pagingShifts[3]]
	if !present {
		return false
	}

	need := cap.RightRead
	if write {
		need = cap.RightWrite
	}
	return k.caps[page].mapRights.Has(need)
}

// FreeUntypedCount returns the number of raw memory blocks in the pool.
func (k *Kernel) FreeUntypedCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.freeUntyped)
}

// LiveCaps returns the number of allocated capability slots, excluding the
// server's own address space.
func (k *Kernel) LiveCaps() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.caps) - 1
}

// MappedPages returns the number of pages mapped in the address space
// referenced by vspaceCap.
func (k *Kernel) MappedPages(vspaceCap cap.Cap) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	vs, err := k.vspaceFor(vspaceCap)
	if err != nil {
		return 0
	}
	return len(vs.pages)
}

// FailRetypeAfter arranges for the Retype call following the next n
// successful calls to fail with cap.ErrNoSlots. A negative n disables the
// injected failure.
func (k *Kernel) FailRetypeAfter(n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failRetypeAfter = n
}

var _ cap.Kernel = (*Kernel)(nil)
