package kmain

import (
	"bytes"
	"encoding/binary"
	gosync "sync"

	"gophervm/kernel"
	"gophervm/kernel/cap/sim"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/physmem"
	"gophervm/kernel/mm/pmm"
	"gophervm/kernel/mm/swap"
	"gophervm/kernel/mm/vmm"
	"gophervm/kernel/sync"
	"gophervm/kernel/vfs/hostfs"
)

var (
	errContentMismatch = &kernel.Error{Module: "kmain", Message: "page contents changed across eviction"}

	// newKernelFn is replaced by tests that inject microkernel failures.
	newKernelFn = sim.New
)

// Kmain boots the VM server described by cfg, runs the demo workload and
// tears everything down again. The first error reported by any stage is
// returned.
func Kmain(cfg Config) *kernel.Error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := kfmt.Logger("kmain")
	log.Info("booting vm server",
		"frames", cfg.Frames,
		"untyped", cfg.Untyped,
		"swap_file", cfg.SwapFile,
	)

	window, err := physmem.New(cfg.Frames)
	if err != nil {
		return err
	}
	defer window.Close()

	k := newKernelFn(cfg.Untyped)
	alloc, err := pmm.New(k, window)
	if err != nil {
		return err
	}

	store, err := swap.Open(hostfs.FS{Truncate: true}, cfg.SwapFile)
	if err != nil {
		return err
	}
	defer store.Close()

	m := vmm.NewManager(k, alloc, store, sync.NewWorker())

	if err = runWorkload(m, cfg.Processes, cfg.PagesPerProcess); err != nil {
		return err
	}

	stats := m.Stats()
	log.Info("vm server halted",
		"faults", stats.Faults,
		"evictions", stats.Evictions,
		"second_chances", stats.SecondChances,
		"swap_ins", stats.SwapIns,
		"frames_in_use", stats.Frames.InUse,
		"swap_slots", stats.Swap.Slots,
		"swap_free", stats.Swap.Free,
	)
	return nil
}

// runWorkload starts procs processes that run concurrently, each as its own
// goroutine. The manager's worker token serializes them; they interleave
// whenever one of them waits for the swap file.
func runWorkload(m *vmm.Manager, procs, pages int) *kernel.Error {
	var (
		wg       gosync.WaitGroup
		errMu    gosync.Mutex
		firstErr *kernel.Error
	)

	for i := 0; i < procs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runProcess(m, pages); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}()
	}

	wg.Wait()
	return firstErr
}

// runProcess grows the heap of a new process by pages, fills every page
// with a pattern unique to the process and page, reads all of them back
// and destroys the process.
func runProcess(m *vmm.Manager, pages int) *kernel.Error {
	p, err := m.NewProcess()
	if err != nil {
		return err
	}
	defer m.DestroyProcess(p)

	log := kfmt.Logger("kmain").With("pid", p.PID())

	heapBase := p.AddressSpace().Heap().Base
	if _, err = m.Brk(p, heapBase+uintptr(pages)*mm.PageSize); err != nil {
		return err
	}

	for i := 0; i < pages; i++ {
		if err = m.CopyOut(p, heapBase+uintptr(i)*mm.PageSize, pagePattern(p.PID(), i)); err != nil {
			return err
		}
	}

	got := make([]byte, mm.PageSize)
	for i := 0; i < pages; i++ {
		if err = m.CopyIn(p, heapBase+uintptr(i)*mm.PageSize, got); err != nil {
			return err
		}
		if !bytes.Equal(got, pagePattern(p.PID(), i)) {
			log.Error("page verification failed", "page", i)
			return errContentMismatch
		}
	}

	log.Debug("process workload complete", "pages", pages)
	return nil
}

// pagePattern returns the contents written to page index of process pid.
func pagePattern(pid, index int) []byte {
	page := make([]byte, mm.PageSize)
	for off := 0; off < len(page); off += 8 {
		binary.LittleEndian.PutUint64(page[off:], uint64(pid)<<32|uint64(index)<<16|uint64(off))
	}
	return page
}
