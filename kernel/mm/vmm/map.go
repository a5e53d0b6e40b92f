package vmm

import (
	"gophervm/kernel"
	"gophervm/kernel/cap"
	"gophervm/kernel/mm"
)

// maxMappingRetries bounds the number of missing paging structures that
// can be installed for a single mapping: one per level below the top.
const maxMappingRetries = pageLevels - 1

var (
	// errRetry is returned internally when state changed while the
	// calling unit was suspended and the operation must be re-evaluated.
	errRetry = &kernel.Error{Module: "vmm", Message: "state changed while suspended"}

	errUnexpectedLookup = &kernel.Error{Module: "vmm", Message: "lookup failure reported for a non-paging object"}
)

// undoList collects rollback actions for a multi-step operation. Actions run
// in reverse order of registration.
type undoList []func()

func (u *undoList) push(fn func()) {
	*u = append(*u, fn)
}

func (u *undoList) run() {
	for i := len(*u) - 1; i >= 0; i-- {
		(*u)[i]()
	}
	*u = nil
}

// mapFrame maps frame into the address space of p at vaddr with rights and
// returns the capability that backs the mapping. Missing paging structures
// are created on the way, along with the shadow nodes that mirror them.
//
// Creating a paging structure allocates memory and may suspend the calling
// unit. check is invoked before every mapping attempt and must report
// whether the state the caller relies on still holds; the mapping itself is
// installed without any further suspension so the caller can commit it
// right away. On failure every structure created by this call that is still
// unused is released.
func (m *Manager) mapFrame(p *Process, vaddr uintptr, frame mm.Frame, rights cap.Rights, check func() *kernel.Error) (cap.Cap, *kernel.Error) {
	var (
		undo     undoList
		frameCap = m.alloc.Descriptor(frame).Cap()
	)

	vaddr = mm.PageAlignDown(vaddr)
	for attempt := 0; ; attempt++ {
		if err := check(); err != nil {
			undo.run()
			return cap.NullCap, err
		}

		mapping, err := m.kernel.Copy(frameCap, rights)
		if err != nil {
			undo.run()
			return cap.NullCap, err
		}

		missing, err := m.kernel.MapPage(mapping, p.pt.VSpace(), vaddr, rights)
		if err == nil {
			return mapping, nil
		}
		m.kernel.Delete(mapping)

		if err != cap.ErrFailedLookup || attempt == maxMappingRetries {
			undo.run()
			return cap.NullCap, err
		}

		if err = m.installPagingStructure(p, vaddr, missing, &undo, check); err != nil {
			undo.run()
			return cap.NullCap, err
		}
	}
}

// installPagingStructure creates the paging structure of type missing that
// covers vaddr and the shadow node mirroring it. A rollback action that
// removes both again (if still unused) is pushed to undo.
func (m *Manager) installPagingStructure(p *Process, vaddr uintptr, missing cap.ObjectType, undo *undoList, check func() *kernel.Error) *kernel.Error {
	level := missing.PagingLevel()
	if level < 1 {
		return errUnexpectedLookup
	}

	hw, raw, err := m.alloc.RetypeRaw(missing)
	if err != nil {
		return err
	}

	node, err := m.alloc.AllocateN(nodeFrames(level))
	if err != nil {
		m.alloc.ReleaseRaw(hw, raw)
		return err
	}

	release := func() {
		m.alloc.FreeN(node)
		m.alloc.ReleaseRaw(hw, raw)
	}

	// Both allocations may have suspended this unit.
	if err = check(); err != nil {
		release()
		return err
	}

	// Another unit installed the same structure in the meantime.
	if m.arena.hasNode(p.pt, vaddr, level) {
		release()
		return nil
	}

	if err = m.kernel.MapPagingStructure(hw, p.pt.VSpace(), vaddr); err != nil {
		release()
		return err
	}

	if err = m.arena.InstallIntermediate(p.pt, level, vaddr, node, hw, raw); err != nil {
		_ = m.kernel.UnmapPagingStructure(hw)
		release()
		return err
	}

	undo.push(func() {
		m.arena.uninstallIfEmpty(p.pt, vaddr, level)
	})
	return nil
}
