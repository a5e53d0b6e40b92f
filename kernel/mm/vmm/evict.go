package vmm

import (
	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/pmm"
)

var errFrameTableCorrupt = &kernel.Error{Module: "vmm", Message: "frame table entry does not match its page table entry"}

// Evict implements pmm.Evictor using the clock (second chance) algorithm.
// It frees at most one frame by writing its contents to the swap store.
// Frames whose clock bit is set lose their mapping and are given a second
// chance. If two full laps over the evictable frames find no victim,
// pmm.ErrOutOfMemory is returned.
//
// Evict is called by the frame allocator on behalf of the unit of work that
// holds the worker token. The busy flag is held for the whole pass so no
// other eviction or swap-in can interleave with it, even while the page
// write is outstanding.
func (m *Manager) Evict() *kernel.Error {
	m.busy.Acquire(m.worker)
	defer m.busy.Release()

	first, last := m.alloc.EvictableRange()
	span := int(last-first) + 1

	for step := 0; step < 2*span; step++ {
		if m.hand < first || m.hand > last {
			m.hand = first
		}

		frame := m.hand
		m.hand++

		d := m.alloc.Descriptor(frame)
		if !d.Typed() || d.Pin {
			continue
		}

		p := m.procs[d.Owner]
		if p == nil {
			kfmt.Panic(errFrameTableCorrupt)
			return errFrameTableCorrupt
		}

		entry := m.arena.Lookup(p.pt, d.VAddr)
		if (entry.State != StateResident && entry.State != StateUnmapped) || entry.Frame != frame {
			kfmt.Panic(errFrameTableCorrupt)
			return errFrameTableCorrupt
		}

		if d.Clock {
			d.Clock = false
			if entry.State == StateResident {
				m.revoke(p, d.VAddr, entry)
			}
			m.secondChances++
			continue
		}

		return m.swapOut(p, frame, entry)
	}

	m.log.Warn("no eviction candidate", "first", first, "last", last)
	return pmm.ErrOutOfMemory
}

// revoke removes the hardware mapping of a resident page while keeping its
// frame.
func (m *Manager) revoke(p *Process, vaddr uintptr, entry Entry) {
	m.kernel.Delete(entry.Mapping)
	if err := m.arena.MarkUnmapped(p.pt, vaddr); err != nil {
		kfmt.Panic(err)
	}
}

// swapOut writes the contents of frame to the swap store, records the swap
// offset in the owner's page table and frees the frame. The caller must
// hold the busy flag.
func (m *Manager) swapOut(p *Process, frame mm.Frame, entry Entry) *kernel.Error {
	d := m.alloc.Descriptor(frame)
	vaddr := d.VAddr

	d.Pin = true
	d.Evicting = true

	// The process must not modify the page while it is being written.
	if entry.State == StateResident {
		m.revoke(p, vaddr, entry)
	}

	offset, err := m.swap.WriteOut(m.alloc.Contents(frame))
	if err != nil {
		// The page keeps its frame and can be mapped again on the next
		// fault.
		d.Pin = false
		d.Evicting = false
		return err
	}

	if err = m.arena.MarkSwapped(p.pt, vaddr, offset); err != nil {
		kfmt.Panic(err)
		return err
	}
	m.alloc.Free(frame)
	m.evictions++

	m.log.Debug("page swapped out", "pid", p.pid, "addr", vaddr, "offset", offset)
	return nil
}
