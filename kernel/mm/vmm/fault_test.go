package vmm

import (
	"bytes"
	"errors"
	"runtime"
	"testing"

	"gophervm/kernel/mm"
	"gophervm/kernel/mm/swap"
)

func TestDecodeFaultStatus(t *testing.T) {
	specs := []struct {
		status      uint64
		instruction bool
		expKind     AccessKind
		expReason   string
	}{
		{0x07, false, AccessRead, "read translation fault (level 3)"},
		{0x47, false, AccessWrite, "write translation fault (level 3)"},
		{0x4f, false, AccessWrite, "write permission fault (level 3)"},
		{0x0b, false, AccessRead, "read access flag fault (level 3)"},
		{0x04, true, AccessExec, "exec translation fault (level 0)"},
		{0x21, false, AccessRead, "read alignment fault"},
		{0x10, false, AccessRead, "read synchronous external abort"},
		{0x3f, false, AccessRead, "read fault (status 0x3f)"},
	}

	for specIndex, spec := range specs {
		info := DecodeFaultStatus(spec.status, spec.instruction)
		if info.Kind != spec.expKind {
			t.Errorf("[spec %d] expected kind %s; got %s", specIndex, spec.expKind, info.Kind)
		}
		if got := info.Reason(); got != spec.expReason {
			t.Errorf("[spec %d] expected reason %q; got %q", specIndex, spec.expReason, got)
		}
	}
}

func TestFaultOnFreshHeapPage(t *testing.T) {
	env := newTestEnv(t, 64, 64)
	p := env.newProcess(t)
	heapBase := p.AddressSpace().Heap().Base

	if _, err := env.m.Brk(p, heapBase+mm.PageSize); err != nil {
		t.Fatal(err)
	}

	if env.k.Access(p.PageTable().VSpace(), heapBase, true) {
		t.Fatal("expected the heap page to be unmapped before the first touch")
	}

	if err := env.m.HandlePageFault(p, heapBase+8, DecodeFaultStatus(0x47, false)); err != nil {
		t.Fatal(err)
	}

	// the hardware would not raise another fault for this page
	if !env.k.Access(p.PageTable().VSpace(), heapBase, true) {
		t.Fatal("expected the heap page to be mapped writable after the fault")
	}

	entry := env.lookup(p, heapBase)
	if entry.State != StateResident {
		t.Fatalf("expected entry to be resident; got %s", entry.State)
	}

	d := env.alloc.Descriptor(entry.Frame)
	if d.Pin || !d.Clock || d.Owner != p.PID() || d.VAddr != heapBase {
		t.Errorf("unexpected frame descriptor: %+v", *d)
	}

	got := make([]byte, mm.PageSize)
	if err := env.m.CopyIn(p, heapBase, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, make([]byte, mm.PageSize)) {
		t.Error("expected a zero-filled page")
	}

	if exp, got := uint64(1), env.m.Stats().Faults; got != exp {
		t.Errorf("expected %d fault; got %d", exp, got)
	}
}

func TestFaultErrors(t *testing.T) {
	env := newTestEnv(t, 64, 64)
	p := env.newProcess(t)

	ro, err := env.m.Mmap(p, mm.PageSize, FlagRead)
	if err != nil {
		t.Fatal(err)
	}

	write := FaultInfo{Kind: AccessWrite}
	read := FaultInfo{Kind: AccessRead}

	t.Run("no covering region", func(t *testing.T) {
		if err := env.m.HandlePageFault(p, 0x1000, read); err != ErrInvalidAddress {
			t.Fatalf("expected ErrInvalidAddress; got %v", err)
		}
	})

	t.Run("write to read-only region", func(t *testing.T) {
		if err := env.m.HandlePageFault(p, ro, write); err != ErrPermissionViolation {
			t.Fatalf("expected ErrPermissionViolation; got %v", err)
		}

		if err := env.m.HandlePageFault(p, ro, read); err != nil {
			t.Fatal(err)
		}

		vspace := p.PageTable().VSpace()
		if !env.k.Access(vspace, ro, false) || env.k.Access(vspace, ro, true) {
			t.Fatal("expected the page to be mapped read-only")
		}

		if err := env.m.HandlePageFault(p, ro, write); err != ErrPermissionViolation {
			t.Fatalf("expected ErrPermissionViolation for a resident page; got %v", err)
		}
	})

	t.Run("exec from non-executable region", func(t *testing.T) {
		if err := env.m.HandlePageFault(p, ro, FaultInfo{Kind: AccessExec}); err != ErrPermissionViolation {
			t.Fatalf("expected ErrPermissionViolation; got %v", err)
		}
	})

	t.Run("exited process", func(t *testing.T) {
		if err := env.m.DestroyProcess(p); err != nil {
			t.Fatal(err)
		}
		if err := env.m.HandlePageFault(p, ro, read); err != ErrProcessExited {
			t.Fatalf("expected ErrProcessExited; got %v", err)
		}
	})
}

func TestResidentFaultRemaps(t *testing.T) {
	env := newTestEnv(t, 64, 64)
	p := env.newProcess(t)

	base, err := env.m.Mmap(p, mm.PageSize, FlagRead|FlagWrite)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err = env.m.HandlePageFault(p, base, FaultInfo{Kind: AccessWrite}); err != nil {
			t.Fatalf("[fault %d] %v", i, err)
		}
	}

	if !env.k.Access(p.PageTable().VSpace(), base, true) {
		t.Fatal("expected page to remain mapped")
	}
}

func TestSwappedPageRestored(t *testing.T) {
	env := newTestEnv(t, 64, 24)
	p := env.newProcess(t)

	const pages = 12
	base, err := env.m.Mmap(p, pages*mm.PageSize, FlagRead|FlagWrite)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < pages; i++ {
		if err = env.m.CopyOut(p, base+uintptr(i)*mm.PageSize, fillPage(byte(0xa0+i))); err != nil {
			t.Fatalf("[page %d] %v", i, err)
		}
	}

	got := make([]byte, mm.PageSize)
	for i := 0; i < pages; i++ {
		if err = env.m.CopyIn(p, base+uintptr(i)*mm.PageSize, got); err != nil {
			t.Fatalf("[page %d] %v", i, err)
		}
		if !bytes.Equal(got, fillPage(byte(0xa0+i))) {
			t.Errorf("[page %d] contents were not preserved across eviction", i)
		}
	}

	stats := env.m.Stats()
	if stats.Evictions == 0 || stats.SwapIns == 0 {
		t.Errorf("expected the workload to evict and swap pages back in; got %+v", stats)
	}
}

func TestDestroyRegionWithSwappedPage(t *testing.T) {
	env := newTestEnv(t, 64, 64)
	p := env.newProcess(t)
	before := env.usage()

	base, err := env.m.Mmap(p, 2*mm.PageSize, FlagRead|FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	pages := []uintptr{base, base + mm.PageSize}

	for i, vaddr := range pages {
		if err = env.m.CopyOut(p, vaddr, fillPage(byte(i+1))); err != nil {
			t.Fatal(err)
		}
	}

	// The first lap clears both clock bits; the second one swaps out a
	// page. The other page loses its mapping and is mapped back in.
	if err = env.evict(); err != nil {
		t.Fatal(err)
	}

	var swapped, resident int
	for _, vaddr := range pages {
		switch env.lookup(p, vaddr).State {
		case StateSwapped:
			swapped++
		case StateUnmapped:
			if err = env.m.HandlePageFault(p, vaddr, FaultInfo{Kind: AccessRead}); err != nil {
				t.Fatal(err)
			}
			resident++
		}
	}

	if swapped != 1 || resident != 1 {
		t.Fatalf("expected one swapped and one resident page; got %d and %d", swapped, resident)
	}

	if err = env.m.Munmap(p, base); err != nil {
		t.Fatal(err)
	}

	if got := env.usage(); got != before {
		t.Errorf("expected usage %+v after destroying the region; got %+v", before, got)
	}
}

func TestSwapReadFailure(t *testing.T) {
	env := newTestEnv(t, 64, 64)
	p := env.newProcess(t)

	base, err := env.m.Mmap(p, mm.PageSize, FlagRead|FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err = env.m.CopyOut(p, base, fillPage(0x5a)); err != nil {
		t.Fatal(err)
	}
	if err = env.evict(); err != nil {
		t.Fatal(err)
	}

	entry := env.lookup(p, base)
	if entry.State != StateSwapped {
		t.Fatalf("expected page to be swapped out; got %s", entry.State)
	}
	before := env.usage()

	env.file.failReads = true
	err = env.m.HandlePageFault(p, base, FaultInfo{Kind: AccessRead})
	env.file.failReads = false

	if !errors.Is(err, swap.ErrSwapIO) {
		t.Fatalf("expected ErrSwapIO; got %v", err)
	}

	// the page still refers to its swap slot and no frame was leaked
	if got := env.lookup(p, base); got != entry {
		t.Errorf("expected entry %+v to be unchanged; got %+v", entry, got)
	}
	if got := env.usage(); got != before {
		t.Errorf("expected usage %+v; got %+v", before, got)
	}

	got := make([]byte, mm.PageSize)
	if err = env.m.CopyIn(p, base, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, fillPage(0x5a)) {
		t.Error("expected page contents to be restored once reads succeed")
	}
}

func TestOtherUnitsRunDuringSwapIn(t *testing.T) {
	env := newTestEnv(t, 64, 64)
	p := env.newProcess(t)

	base, err := env.m.Mmap(p, 2*mm.PageSize, FlagRead|FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	pages := []uintptr{base, base + mm.PageSize}
	for i, vaddr := range pages {
		if err = env.m.CopyOut(p, vaddr, fillPage(byte(0x10+i))); err != nil {
			t.Fatal(err)
		}
	}
	if err = env.evict(); err != nil {
		t.Fatal(err)
	}

	swapped, other := pages[0], pages[1]
	if env.lookup(p, swapped).State != StateSwapped {
		swapped, other = other, swapped
	}

	env.file.gate = make(chan struct{})
	env.file.blocked = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		if err := env.m.HandlePageFault(p, swapped, FaultInfo{Kind: AccessRead}); err != nil {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	// wait until the swap-in is suspended on its read
	<-env.file.blocked

	if err = env.m.HandlePageFault(p, other, FaultInfo{Kind: AccessWrite}); err != nil {
		t.Fatalf("expected fault on an unmapped page to complete while a swap-in is pending; got %v", err)
	}
	if got := env.lookup(p, swapped).State; got != StateSwapped {
		t.Fatalf("expected page to remain swapped while its read is pending; got %s", got)
	}

	close(env.file.gate)
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	env.file.gate = nil

	got := make([]byte, mm.PageSize)
	if err = env.m.CopyIn(p, swapped, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, fillPage(byte(0x10))) && !bytes.Equal(got, fillPage(byte(0x11))) {
		t.Fatal("unexpected contents after swap-in")
	}
}

func TestSwapInCancelledByProcessExit(t *testing.T) {
	env := newTestEnv(t, 64, 64)
	before := env.usage()

	p := env.newProcess(t)
	base, err := env.m.Mmap(p, mm.PageSize, FlagRead|FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err = env.m.CopyOut(p, base, fillPage(0x77)); err != nil {
		t.Fatal(err)
	}
	if err = env.evict(); err != nil {
		t.Fatal(err)
	}

	env.file.gate = make(chan struct{})
	env.file.blocked = make(chan struct{})

	faultErr := make(chan error, 1)
	go func() {
		faultErr <- env.m.HandlePageFault(p, base, FaultInfo{Kind: AccessRead})
	}()
	<-env.file.blocked

	destroyErr := make(chan error, 1)
	go func() {
		if err := env.m.DestroyProcess(p); err != nil {
			destroyErr <- err
			return
		}
		destroyErr <- nil
	}()

	// DestroyProcess flags the process and then waits for the swap-in
	// to release the busy flag.
	for exited := false; !exited; {
		runtime.Gosched()
		env.m.worker.Enter()
		exited = p.exited
		env.m.worker.Leave()
	}

	close(env.file.gate)

	if err := <-faultErr; err != ErrProcessExited {
		t.Fatalf("expected ErrProcessExited; got %v", err)
	}
	if err := <-destroyErr; err != nil {
		t.Fatal(err)
	}

	if got := env.usage(); got != before {
		t.Errorf("expected usage %+v after teardown; got %+v", before, got)
	}
}
