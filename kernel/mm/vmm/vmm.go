// Package vmm implements the virtual memory manager of the server: per
// process address spaces, shadow page tables, demand paging and clock-based
// eviction to a swap store.
//
// All state is owned by a Manager. Every exported Manager method runs as a
// unit of work: it holds the worker token for its whole duration except
// while suspended on memory allocation (which may evict) or swap I/O.
package vmm

import (
	"log/slog"

	"gophervm/kernel"
	"gophervm/kernel/cap"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/pmm"
	"gophervm/kernel/mm/swap"
	"gophervm/kernel/sync"
)

var (
	// ErrRegionOverlap is returned when a region would overlap an
	// existing one.
	ErrRegionOverlap = &kernel.Error{Module: "vmm", Message: "region overlaps an existing region"}

	// ErrPermissionViolation is returned when an access does not match
	// the permissions of the region it targets.
	ErrPermissionViolation = &kernel.Error{Module: "vmm", Message: "access violates region permissions"}

	// ErrInvalidAddress is returned for addresses not covered by any
	// region or outside the user address range.
	ErrInvalidAddress = &kernel.Error{Module: "vmm", Message: "address is not covered by any region"}

	// ErrProcessExited is returned by work that was cancelled because its
	// process was destroyed while the work was suspended.
	ErrProcessExited = &kernel.Error{Module: "vmm", Message: "process has exited"}
)

// Process is the memory state of a user process: its address space and the
// shadow page table mirroring its hardware mappings.
type Process struct {
	pid    int
	as     *AddressSpace
	pt     *PageTable
	exited bool
}

// PID returns the process id.
func (p *Process) PID() int { return p.pid }

// AddressSpace returns the process's address space.
func (p *Process) AddressSpace() *AddressSpace { return p.as }

// PageTable returns the process's shadow page table.
func (p *Process) PageTable() *PageTable { return p.pt }

// Exited returns true once the process has been destroyed.
func (p *Process) Exited() bool { return p.exited }

// Stats summarizes the activity of a Manager.
type Stats struct {
	Processes     int
	TableNodes    int
	Faults        uint64
	Evictions     uint64
	SecondChances uint64
	SwapIns       uint64

	Frames pmm.Stats
	Swap   swap.Stats
}

// Manager is the single context object of the VM subsystem.
type Manager struct {
	kernel cap.Kernel
	alloc  *pmm.Allocator
	swap   *swap.Store
	arena  *Arena
	log    *slog.Logger

	worker *sync.Worker

	// busy serializes eviction, swap-in and teardown, all of which
	// suspend while swap I/O is outstanding.
	busy sync.Busy

	procs   map[int]*Process
	nextPID int

	// hand is the clock cursor over the evictable frames.
	hand mm.Frame

	faults        uint64
	evictions     uint64
	secondChances uint64
	swapIns       uint64
}

// NewManager wires the allocator, swap store and worker together and
// registers the manager as the allocator's evictor.
func NewManager(k cap.Kernel, alloc *pmm.Allocator, store *swap.Store, worker *sync.Worker) *Manager {
	m := &Manager{
		kernel:  k,
		alloc:   alloc,
		swap:    store,
		arena:   NewArena(k, alloc),
		log:     kfmt.Logger("vmm"),
		worker:  worker,
		procs:   make(map[int]*Process),
		nextPID: 1,
	}

	m.hand, _ = alloc.EvictableRange()
	alloc.SetEvictor(m)
	store.SetSuspender(worker)
	return m
}

// NewProcess creates a process with an empty page table and its stack, heap
// and IPC buffer regions defined.
func (m *Manager) NewProcess() (*Process, *kernel.Error) {
	m.worker.Enter()
	defer m.worker.Leave()

	pid := m.nextPID
	m.nextPID++

	pt, err := m.arena.NewPageTable(pid)
	if err != nil {
		return nil, err
	}

	p := &Process{pid: pid, as: NewAddressSpace(), pt: pt}
	for _, define := range []func() (*Region, *kernel.Error){
		p.as.DefineStack,
		p.as.DefineHeap,
		p.as.DefineIPCBuffer,
	} {
		if _, err = define(); err != nil {
			m.arena.Destroy(pt)
			return nil, err
		}
	}

	m.procs[pid] = p
	m.log.Info("process created", "pid", pid)
	return p, nil
}

// Process returns the live process with the given id or nil.
func (m *Manager) Process(pid int) *Process {
	m.worker.Enter()
	defer m.worker.Leave()
	return m.procs[pid]
}

// DestroyProcess releases every frame, swap slot and table node owned by p.
// Work suspended on behalf of p becomes a no-op once it resumes. Destroying
// a process twice has no effect.
func (m *Manager) DestroyProcess(p *Process) *kernel.Error {
	m.worker.Enter()
	defer m.worker.Leave()

	if p.exited {
		return nil
	}
	p.exited = true

	m.busy.Acquire(m.worker)
	defer m.busy.Release()

	var firstErr *kernel.Error
	for _, offset := range m.arena.Destroy(p.pt) {
		if err := m.swap.Release(offset); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, r := range p.as.Regions() {
		p.as.Remove(r)
	}
	delete(m.procs, p.pid)

	m.log.Info("process destroyed", "pid", p.pid)
	return firstErr
}

// DefineRegion adds a region to the address space of p.
func (m *Manager) DefineRegion(p *Process, base, size uintptr, flags RegionFlag) (*Region, *kernel.Error) {
	m.worker.Enter()
	defer m.worker.Leave()

	if p.exited {
		return nil, ErrProcessExited
	}
	return p.as.DefineRegion(base, size, flags)
}

// DestroyRegion unlinks r from the address space of p and releases the
// frame or swap slot backing each of its pages, along with any table nodes
// left empty.
func (m *Manager) DestroyRegion(p *Process, r *Region) *kernel.Error {
	m.worker.Enter()
	defer m.worker.Leave()

	return m.destroyRegion(p, r)
}

func (m *Manager) destroyRegion(p *Process, r *Region) *kernel.Error {
	if p.exited {
		return ErrProcessExited
	}

	// Unlink first so that faults on the region fail while this unit is
	// suspended.
	p.as.Remove(r)

	m.busy.Acquire(m.worker)
	defer m.busy.Release()

	var firstErr *kernel.Error
	endPage := mm.PageFromAddress(r.End())
	for page := mm.PageFromAddress(r.Base); page < endPage; page++ {
		// Releasing a swap slot suspends; the process may be destroyed
		// in the meantime, in which case its teardown owns the rest.
		if p.exited {
			break
		}

		vaddr := page.Address()
		entry := m.arena.Lookup(p.pt, vaddr)

		switch entry.State {
		case StateAbsent:
			continue
		case StateResident, StateUnmapped:
			if entry.Mapping != cap.NullCap {
				m.kernel.Delete(entry.Mapping)
			}
			m.arena.MarkAbsent(p.pt, vaddr)
			m.alloc.Free(entry.Frame)
		case StateSwapped:
			m.arena.MarkAbsent(p.pt, vaddr)
			if err := m.swap.Release(entry.SwapOffset); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		m.arena.prune(p.pt, vaddr)
	}

	return firstErr
}

// Validate returns true if [addr, addr+size) lies within a single region of
// p that permits a transfer in direction dir.
func (m *Manager) Validate(p *Process, addr, size uintptr, dir Direction) bool {
	m.worker.Enter()
	defer m.worker.Leave()

	return !p.exited && p.as.Validate(addr, size, dir)
}

// Brk moves the program break of p to newBrk and returns the resulting
// break. The heap never shrinks: a zero or lower newBrk returns the current
// break unchanged. If the heap cannot grow the current break is returned
// together with the error.
func (m *Manager) Brk(p *Process, newBrk uintptr) (uintptr, *kernel.Error) {
	m.worker.Enter()
	defer m.worker.Leave()

	if p.exited {
		return 0, ErrProcessExited
	}

	if p.as.Heap() == nil {
		if _, err := p.as.DefineHeap(); err != nil {
			return 0, err
		}
	}

	if newBrk != 0 {
		if err := p.as.growHeap(newBrk); err != nil {
			return p.as.brk, err
		}
	}
	return p.as.brk, nil
}

// Mmap carves a new region of size bytes below the lowest mapping handed out
// so far (initially the heap base) and returns its base address.
func (m *Manager) Mmap(p *Process, size uintptr, flags RegionFlag) (uintptr, *kernel.Error) {
	m.worker.Enter()
	defer m.worker.Leave()

	if p.exited {
		return 0, ErrProcessExited
	}

	if p.as.Heap() == nil {
		if _, err := p.as.DefineHeap(); err != nil {
			return 0, err
		}
	}

	size = mm.PageAlignUp(size)
	if size == 0 || size > p.as.mmapTop {
		return 0, ErrInvalidAddress
	}

	r, err := p.as.DefineRegion(p.as.mmapTop-size, size, flags)
	if err != nil {
		return 0, err
	}

	r.mmap = true
	p.as.mmapTop = r.Base
	return r.Base, nil
}

// Munmap destroys the mapping created by Mmap at base.
func (m *Manager) Munmap(p *Process, base uintptr) *kernel.Error {
	m.worker.Enter()
	defer m.worker.Leave()

	if p.exited {
		return ErrProcessExited
	}

	r := p.as.Find(base)
	if r == nil || r.Base != base || !r.mmap {
		return ErrInvalidAddress
	}

	// The watermark only moves once the pages are gone so that a
	// concurrent Mmap cannot reuse the range mid-teardown.
	err := m.destroyRegion(p, r)
	if !p.exited {
		p.as.resetMmapTop()
	}
	return err
}

// CopyOut copies data into the memory of p starting at vaddr, faulting in
// pages as needed. The target range must be writable by p.
func (m *Manager) CopyOut(p *Process, vaddr uintptr, data []byte) *kernel.Error {
	m.worker.Enter()
	defer m.worker.Leave()

	return m.copyUser(p, vaddr, uintptr(len(data)), DirRead, func(page []byte, done uintptr) {
		copy(page, data[done:])
	})
}

// CopyIn copies len(dst) bytes from the memory of p starting at vaddr,
// faulting in pages as needed. The source range must be readable by p.
func (m *Manager) CopyIn(p *Process, vaddr uintptr, dst []byte) *kernel.Error {
	m.worker.Enter()
	defer m.worker.Leave()

	return m.copyUser(p, vaddr, uintptr(len(dst)), DirWrite, func(page []byte, done uintptr) {
		copy(dst[done:], page)
	})
}

// copyUser invokes fn with the server's view of each page-sized chunk of
// [vaddr, vaddr+size) together with the number of bytes processed so far.
func (m *Manager) copyUser(p *Process, vaddr, size uintptr, dir Direction, fn func(page []byte, done uintptr)) *kernel.Error {
	if p.exited {
		return ErrProcessExited
	}
	if size == 0 {
		return nil
	}
	if err := p.as.check(vaddr, size, dir); err != nil {
		return err
	}

	kind := AccessRead
	if dir == DirRead {
		kind = AccessWrite
	}

	for done := uintptr(0); done < size; {
		addr := vaddr + done
		frame, err := m.resident(p, addr, kind)
		if err != nil {
			return err
		}

		off := mm.PageOffset(addr)
		n := mm.PageSize - off
		if n > size-done {
			n = size - done
		}

		fn(m.alloc.Contents(frame)[off:off+n], done)
		done += n
	}

	return nil
}

// resident makes the page containing vaddr resident and returns its frame.
// The frame stays valid until this unit is next suspended.
func (m *Manager) resident(p *Process, vaddr uintptr, kind AccessKind) (mm.Frame, *kernel.Error) {
	for {
		if p.exited {
			return mm.InvalidFrame, ErrProcessExited
		}

		entry := m.arena.Lookup(p.pt, vaddr)
		if entry.State == StateResident {
			if !entry.Rights.Has(kind.rights()) {
				return mm.InvalidFrame, ErrPermissionViolation
			}
			m.alloc.Descriptor(entry.Frame).Clock = true
			return entry.Frame, nil
		}

		if err := m.fault(p, vaddr, kind); err != nil {
			return mm.InvalidFrame, err
		}
	}
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.worker.Enter()
	defer m.worker.Leave()

	return Stats{
		Processes:     len(m.procs),
		TableNodes:    m.arena.Nodes(),
		Faults:        m.faults,
		Evictions:     m.evictions,
		SecondChances: m.secondChances,
		SwapIns:       m.swapIns,
		Frames:        m.alloc.Stats(),
		Swap:          m.swap.Stats(),
	}
}
