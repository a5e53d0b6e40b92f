package vmm

import (
	"fmt"

	"gophervm/kernel"
	"gophervm/kernel/cap"
	"gophervm/kernel/mm"
)

const (
	// faultStatusWnR is the write-not-read bit of a data abort status.
	faultStatusWnR = 1 << 6

	// faultStatusCodeMask extracts the fault status code.
	faultStatusCodeMask = 0x3f
)

// AccessKind is the kind of access that raised a fault.
type AccessKind uint8

// The supported access kinds.
const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExec
)

// String implements fmt.Stringer.
func (k AccessKind) String() string {
	switch k {
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return "read"
	}
}

func (k AccessKind) rights() cap.Rights {
	switch k {
	case AccessWrite:
		return cap.RightWrite
	case AccessExec:
		return cap.RightExecute
	default:
		return cap.RightRead
	}
}

// FaultInfo describes a memory access fault raised by the microkernel.
type FaultInfo struct {
	Kind AccessKind

	// Status is the raw fault status word.
	Status uint64
}

// DecodeFaultStatus builds a FaultInfo from the fault status word reported
// for a fault and a flag indicating whether it was raised by an instruction
// fetch.
func DecodeFaultStatus(status uint64, instruction bool) FaultInfo {
	info := FaultInfo{Kind: AccessRead, Status: status}
	switch {
	case instruction:
		info.Kind = AccessExec
	case status&faultStatusWnR != 0:
		info.Kind = AccessWrite
	}
	return info
}

// Reason returns a human-readable description of the fault status.
func (fi FaultInfo) Reason() string {
	code := fi.Status & faultStatusCodeMask
	level := code & 0x3

	switch {
	case code >= 0x04 && code <= 0x07:
		return fmt.Sprintf("%s translation fault (level %d)", fi.Kind, level)
	case code >= 0x08 && code <= 0x0b:
		return fmt.Sprintf("%s access flag fault (level %d)", fi.Kind, level)
	case code >= 0x0c && code <= 0x0f:
		return fmt.Sprintf("%s permission fault (level %d)", fi.Kind, level)
	case code == 0x10:
		return fmt.Sprintf("%s synchronous external abort", fi.Kind)
	case code == 0x21:
		return fmt.Sprintf("%s alignment fault", fi.Kind)
	default:
		return fmt.Sprintf("%s fault (status 0x%x)", fi.Kind, fi.Status)
	}
}

// HandlePageFault resolves a fault raised by p at vaddr. A nil return means
// the faulting access can be retried. Any other error is fatal to p (but
// never to the server); the caller is expected to destroy the process.
func (m *Manager) HandlePageFault(p *Process, vaddr uintptr, info FaultInfo) *kernel.Error {
	m.worker.Enter()
	defer m.worker.Leave()

	err := m.fault(p, vaddr, info.Kind)
	if err != nil && err != ErrProcessExited {
		m.log.Warn("unrecoverable page fault",
			"pid", p.pid,
			"addr", fmt.Sprintf("0x%016x", vaddr),
			"reason", info.Reason(),
			"err", err,
		)
	}
	return err
}

// fault runs the demand-paging state machine for vaddr. The caller must
// hold the worker token. Whenever this unit is suspended the state machine
// is re-evaluated from the start.
func (m *Manager) fault(p *Process, vaddr uintptr, kind AccessKind) *kernel.Error {
	vaddr = mm.PageAlignDown(vaddr)
	m.faults++

	for {
		if p.exited {
			return ErrProcessExited
		}

		region := p.as.Find(vaddr)
		if region == nil {
			return ErrInvalidAddress
		}
		if !region.allows(kind) {
			return ErrPermissionViolation
		}

		var err *kernel.Error
		switch entry := m.arena.Lookup(p.pt, vaddr); entry.State {
		case StateAbsent:
			err = m.faultAbsent(p, region, vaddr)
		case StateResident:
			err = m.faultResident(p, vaddr, entry, kind)
		case StateUnmapped:
			err = m.faultUnmapped(p, region, vaddr, entry)
		case StateSwapped:
			err = m.faultSwapped(p, region, vaddr, entry)
		}

		if err != errRetry {
			return err
		}
	}
}

// faultAbsent backs a never-touched page with a fresh zero-filled frame.
func (m *Manager) faultAbsent(p *Process, region *Region, vaddr uintptr) *kernel.Error {
	frame, err := m.alloc.Allocate()
	if err != nil {
		return err
	}

	check := func() *kernel.Error {
		switch {
		case p.exited:
			return ErrProcessExited
		case p.as.Find(vaddr) != region:
			return errRetry
		case m.arena.Lookup(p.pt, vaddr).State != StateAbsent:
			return errRetry
		}
		return nil
	}

	rights := region.Flags.rights()
	mapping, err := m.mapFrame(p, vaddr, frame, rights, check)
	if err != nil {
		m.alloc.Free(frame)
		return err
	}

	if err = m.arena.CommitLeaf(p.pt, vaddr, frame, mapping, rights, region == p.as.IPCBuffer()); err != nil {
		m.kernel.Delete(mapping)
		m.alloc.Free(frame)
		return err
	}
	return nil
}

// faultResident handles a fault on a page whose mapping should be valid. The
// mapping is re-installed unless the access exceeds its rights.
func (m *Manager) faultResident(p *Process, vaddr uintptr, entry Entry, kind AccessKind) *kernel.Error {
	if !entry.Rights.Has(kind.rights()) {
		return ErrPermissionViolation
	}

	if err := m.kernel.UnmapPage(entry.Mapping); err != nil {
		return err
	}
	if _, err := m.kernel.MapPage(entry.Mapping, p.pt.VSpace(), vaddr, entry.Rights); err != nil {
		return err
	}

	m.alloc.Descriptor(entry.Frame).Clock = true
	return nil
}

// faultUnmapped re-establishes the mapping of a page whose frame was kept
// after its mapping was revoked.
func (m *Manager) faultUnmapped(p *Process, region *Region, vaddr uintptr, entry Entry) *kernel.Error {
	d := m.alloc.Descriptor(entry.Frame)

	// The page is being written to the swap store; wait for the eviction
	// to finish and start over.
	if d.Evicting {
		m.busy.Acquire(m.worker)
		m.busy.Release()
		return errRetry
	}

	// Keep the frame out of the eviction scan while the mapping is being
	// built.
	d.Pin = true

	check := func() *kernel.Error {
		switch current := m.arena.Lookup(p.pt, vaddr); {
		case p.exited:
			return ErrProcessExited
		case p.as.Find(vaddr) != region:
			return errRetry
		case current.State != StateUnmapped || current.Frame != entry.Frame:
			return errRetry
		}
		return nil
	}

	rights := region.Flags.rights()
	mapping, err := m.mapFrame(p, vaddr, entry.Frame, rights, check)
	if err != nil {
		// The frame may have been released while this unit was
		// suspended; only unpin it if it still backs the page.
		if check() == nil {
			d.Pin = region == p.as.IPCBuffer()
		}
		return err
	}

	if err = m.arena.CommitLeaf(p.pt, vaddr, entry.Frame, mapping, rights, region == p.as.IPCBuffer()); err != nil {
		m.kernel.Delete(mapping)
		return err
	}
	return nil
}

// faultSwapped reads a swapped-out page back into a fresh frame. The page
// becomes resident-but-unmapped and is then mapped like any other unmapped
// page.
func (m *Manager) faultSwapped(p *Process, region *Region, vaddr uintptr, entry Entry) *kernel.Error {
	frame, err := m.alloc.Allocate()
	if err != nil {
		return err
	}

	m.busy.Acquire(m.worker)
	defer m.busy.Release()

	// Allocating and waiting for the busy flag may have suspended this
	// unit.
	current := m.arena.Lookup(p.pt, vaddr)
	if p.exited || p.as.Find(vaddr) != region || current != entry {
		m.alloc.Free(frame)
		if p.exited {
			return ErrProcessExited
		}
		return errRetry
	}

	if err = m.swap.ReadIn(entry.SwapOffset, m.alloc.Contents(frame)); err != nil {
		m.alloc.Free(frame)
		return err
	}
	m.swapIns++

	// The swap slot has been released; the page must not refer to it any
	// more even if the process is being torn down.
	if p.exited {
		m.arena.MarkAbsent(p.pt, vaddr)
		m.alloc.Free(frame)
		return ErrProcessExited
	}

	if err = m.arena.restore(p.pt, vaddr, frame); err != nil {
		m.alloc.Free(frame)
		return err
	}

	return errRetry
}
