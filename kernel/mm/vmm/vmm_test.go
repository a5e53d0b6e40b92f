package vmm

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"gophervm/kernel"
	"gophervm/kernel/cap/sim"
	"gophervm/kernel/mm"
	"gophervm/kernel/mm/physmem"
	"gophervm/kernel/mm/pmm"
	"gophervm/kernel/mm/swap"
	"gophervm/kernel/sync"
	"gophervm/kernel/vfs"
	"gophervm/kernel/vfs/hostfs"
)

var errInjected = errors.New("injected I/O failure")

// testFS hands out testFiles backed by host files.
type testFS struct {
	file *testFile
}

func (fs *testFS) Open(path string) (vfs.File, error) {
	f, err := hostfs.FS{Truncate: true}.Open(path)
	if err != nil {
		return nil, err
	}
	fs.file = &testFile{File: f}
	return fs.file, nil
}

// testFile can fail or block page-sized transfers. The flags must only be
// changed while no unit of work is running.
type testFile struct {
	vfs.File

	failReads  bool
	failWrites bool

	// when gate is set, page-sized reads announce themselves on blocked
	// and wait for gate to be closed.
	gate    chan struct{}
	blocked chan struct{}
}

func (f *testFile) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == int(mm.PageSize) {
		if f.failReads {
			return 0, errInjected
		}
		if gate := f.gate; gate != nil {
			f.blocked <- struct{}{}
			<-gate
		}
	}
	return f.File.ReadAt(p, off)
}

func (f *testFile) WriteAt(p []byte, off int64) (int, error) {
	if len(p) == int(mm.PageSize) && f.failWrites {
		return 0, errInjected
	}
	return f.File.WriteAt(p, off)
}

type testEnv struct {
	k     *sim.Kernel
	alloc *pmm.Allocator
	store *swap.Store
	file  *testFile
	m     *Manager
}

// newTestEnv boots a manager over a frame window with frames slots and a
// raw memory pool of untyped blocks.
func newTestEnv(t *testing.T, frames, untyped int) *testEnv {
	t.Helper()

	w, err := physmem.New(frames)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = w.Close() })

	k := sim.New(untyped)
	alloc, err := pmm.New(k, w)
	if err != nil {
		t.Fatal(err)
	}

	fs := &testFS{}
	store, err := swap.Open(fs, filepath.Join(t.TempDir(), "swapfile"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return &testEnv{
		k:     k,
		alloc: alloc,
		store: store,
		file:  fs.file,
		m:     NewManager(k, alloc, store, sync.NewWorker()),
	}
}

func (env *testEnv) newProcess(t *testing.T) *Process {
	t.Helper()
	p, err := env.m.NewProcess()
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func (env *testEnv) evict() *kernel.Error {
	env.m.worker.Enter()
	defer env.m.worker.Leave()
	return env.m.Evict()
}

func (env *testEnv) lookup(p *Process, vaddr uintptr) Entry {
	env.m.worker.Enter()
	defer env.m.worker.Leave()
	return env.m.arena.Lookup(p.pt, vaddr)
}

// usage captures the counters that must return to their previous values
// once every resource acquired in between has been released.
type usage struct {
	framesInUse int
	untyped     int
	caps        int
	nodes       int
	swapInUse   uint64
}

func (env *testEnv) usage() usage {
	stats := env.m.Stats()
	return usage{
		framesInUse: stats.Frames.InUse,
		untyped:     env.k.FreeUntypedCount(),
		caps:        env.k.LiveCaps(),
		nodes:       stats.TableNodes,
		swapInUse:   stats.Swap.Slots - stats.Swap.Free,
	}
}

func fillPage(b byte) []byte {
	return bytes.Repeat([]byte{b}, int(mm.PageSize))
}

func TestNewProcess(t *testing.T) {
	env := newTestEnv(t, 64, 64)
	before := env.usage()

	p := env.newProcess(t)
	if env.m.Process(p.PID()) != p {
		t.Fatal("expected process to be registered")
	}

	as := p.AddressSpace()
	specs := []struct {
		r        *Region
		expBase  uintptr
		expSize  uintptr
		expFlags RegionFlag
	}{
		{as.Stack(), StackTop - StackSize, StackSize, FlagRead | FlagWrite},
		{as.Heap(), StackTop - StackSize - HeapSize, 0, FlagRead | FlagWrite},
		{as.IPCBuffer(), IPCBuffer, mm.PageSize, FlagRead | FlagWrite},
	}

	for specIndex, spec := range specs {
		if spec.r == nil {
			t.Errorf("[spec %d] expected region to be defined", specIndex)
			continue
		}
		if spec.r.Base != spec.expBase || spec.r.Size != spec.expSize || spec.r.Flags != spec.expFlags {
			t.Errorf("[spec %d] unexpected region %+v", specIndex, *spec.r)
		}
	}

	if err := env.m.DestroyProcess(p); err != nil {
		t.Fatal(err)
	}
	if !p.Exited() || env.m.Process(p.PID()) != nil {
		t.Fatal("expected process to be unregistered after DestroyProcess")
	}
	if got := env.usage(); got != before {
		t.Errorf("expected usage %+v after DestroyProcess; got %+v", before, got)
	}

	// destroying twice is a no-op
	if err := env.m.DestroyProcess(p); err != nil {
		t.Fatal(err)
	}

	if _, err := env.m.DefineRegion(p, 0x1000, mm.PageSize, FlagRead); err != ErrProcessExited {
		t.Errorf("expected ErrProcessExited; got %v", err)
	}
}

func TestBrk(t *testing.T) {
	env := newTestEnv(t, 64, 64)
	p := env.newProcess(t)
	heapBase := p.AddressSpace().Heap().Base

	specs := []struct {
		newBrk uintptr
		expBrk uintptr
		expErr *kernel.Error
	}{
		// query
		{0, heapBase, nil},
		// grow by a partial page
		{heapBase + 100, heapBase + 100, nil},
		// shrinking is ignored
		{heapBase + 50, heapBase + 100, nil},
		// grow into the next page
		{heapBase + mm.PageSize + 1, heapBase + mm.PageSize + 1, nil},
		// query
		{0, heapBase + mm.PageSize + 1, nil},
		// growing into the stack is rejected
		{heapBase + HeapSize + 1, heapBase + mm.PageSize + 1, ErrRegionOverlap},
	}

	for specIndex, spec := range specs {
		got, err := env.m.Brk(p, spec.newBrk)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
		if got != spec.expBrk {
			t.Errorf("[spec %d] expected break 0x%x; got 0x%x", specIndex, spec.expBrk, got)
		}
	}

	if exp, got := 2*mm.PageSize, p.AddressSpace().Heap().Size; got != exp {
		t.Errorf("expected heap size %d; got %d", exp, got)
	}

	// the heap can be grown up to the stack base
	if _, err := env.m.Brk(p, heapBase+HeapSize); err != nil {
		t.Errorf("expected heap to grow up to the stack; got %v", err)
	}
}

func TestMmapMunmap(t *testing.T) {
	env := newTestEnv(t, 64, 64)
	p := env.newProcess(t)
	heapBase := p.AddressSpace().Heap().Base

	first, err := env.m.Mmap(p, 3*mm.PageSize, FlagRead|FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	if exp := heapBase - 3*mm.PageSize; first != exp {
		t.Fatalf("expected first mapping at 0x%x; got 0x%x", exp, first)
	}

	second, err := env.m.Mmap(p, 10, FlagRead)
	if err != nil {
		t.Fatal(err)
	}
	if exp := first - mm.PageSize; second != exp {
		t.Fatalf("expected second mapping at 0x%x; got 0x%x", exp, second)
	}

	if _, err = env.m.Mmap(p, 0, FlagRead); err != ErrInvalidAddress {
		t.Errorf("expected ErrInvalidAddress for an empty mapping; got %v", err)
	}

	specs := []struct {
		base   uintptr
		expErr *kernel.Error
	}{
		{first + mm.PageSize, ErrInvalidAddress},
		{StackTop - StackSize, ErrInvalidAddress},
		{IPCBuffer, ErrInvalidAddress},
		{second, nil},
		{second, ErrInvalidAddress},
	}

	for specIndex, spec := range specs {
		if err := env.m.Munmap(p, spec.base); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	// unmapping the lowest mapping raises the watermark again
	third, err := env.m.Mmap(p, mm.PageSize, FlagRead)
	if err != nil {
		t.Fatal(err)
	}
	if third != second {
		t.Errorf("expected mapping to reuse 0x%x; got 0x%x", second, third)
	}
}

func TestMunmapReusesGaps(t *testing.T) {
	env := newTestEnv(t, 64, 64)
	p := env.newProcess(t)
	heapBase := p.AddressSpace().Heap().Base

	upper, err := env.m.Mmap(p, 2*mm.PageSize, FlagRead|FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	lower, err := env.m.Mmap(p, mm.PageSize, FlagRead)
	if err != nil {
		t.Fatal(err)
	}

	// freeing the upper mapping leaves the lower one as the watermark
	if err = env.m.Munmap(p, upper); err != nil {
		t.Fatal(err)
	}
	next, err := env.m.Mmap(p, mm.PageSize, FlagRead)
	if err != nil {
		t.Fatal(err)
	}
	if exp := lower - mm.PageSize; next != exp {
		t.Errorf("expected mapping at 0x%x; got 0x%x", exp, next)
	}

	// once the lower mappings go too the gap below the heap is reused
	for _, base := range []uintptr{next, lower} {
		if err = env.m.Munmap(p, base); err != nil {
			t.Fatal(err)
		}
	}
	reused, err := env.m.Mmap(p, 2*mm.PageSize, FlagRead)
	if err != nil {
		t.Fatal(err)
	}
	if exp := heapBase - 2*mm.PageSize; reused != exp || reused != upper {
		t.Errorf("expected mapping to reuse 0x%x; got 0x%x", exp, reused)
	}

	// only mmap regions can be unmapped
	if err = env.m.Munmap(p, heapBase); err != ErrInvalidAddress {
		t.Errorf("expected ErrInvalidAddress when unmapping the heap; got %v", err)
	}
}

func TestCopyInOut(t *testing.T) {
	env := newTestEnv(t, 64, 64)
	p := env.newProcess(t)

	base, err := env.m.Mmap(p, 3*mm.PageSize, FlagRead|FlagWrite)
	if err != nil {
		t.Fatal(err)
	}

	// spans three pages
	data := make([]byte, 2*mm.PageSize+100)
	for i := range data {
		data[i] = byte(i % 251)
	}
	addr := base + mm.PageSize - 50

	if err = env.m.CopyOut(p, addr, data[:2*mm.PageSize+50]); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 2*mm.PageSize+50)
	if err = env.m.CopyIn(p, addr, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data[:len(got)]) {
		t.Fatal("expected CopyIn to return the data written by CopyOut")
	}

	// the unwritten head of the first page is zero-filled
	head := make([]byte, mm.PageSize-50)
	if err = env.m.CopyIn(p, base, head); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(head, make([]byte, len(head))) {
		t.Error("expected untouched bytes to read as zero")
	}

	t.Run("range exceeds region", func(t *testing.T) {
		if err := env.m.CopyOut(p, addr, data); err != ErrInvalidAddress {
			t.Errorf("expected ErrInvalidAddress; got %v", err)
		}
	})

	t.Run("read-only region", func(t *testing.T) {
		ro, err := env.m.Mmap(p, mm.PageSize, FlagRead)
		if err != nil {
			t.Fatal(err)
		}

		if err = env.m.CopyOut(p, ro, []byte{1}); err != ErrPermissionViolation {
			t.Errorf("expected ErrPermissionViolation; got %v", err)
		}

		if err = env.m.CopyIn(p, ro, make([]byte, 1)); err != nil {
			t.Errorf("expected CopyIn from a read-only region to succeed; got %v", err)
		}
	})
}

func TestManagerValidate(t *testing.T) {
	env := newTestEnv(t, 64, 64)
	p := env.newProcess(t)

	ro, err := env.m.Mmap(p, mm.PageSize, FlagRead)
	if err != nil {
		t.Fatal(err)
	}

	if !env.m.Validate(p, ro, mm.PageSize, DirWrite) {
		t.Error("expected write syscall buffer in a readable region to be valid")
	}
	if env.m.Validate(p, ro, mm.PageSize, DirRead) {
		t.Error("expected read syscall buffer in a read-only region to be invalid")
	}

	if err = env.m.DestroyProcess(p); err != nil {
		t.Fatal(err)
	}
	if env.m.Validate(p, ro, 1, DirWrite) {
		t.Error("expected buffers of an exited process to be invalid")
	}
}

func TestDestroyProcessReleasesEverything(t *testing.T) {
	env := newTestEnv(t, 64, 24)
	before := env.usage()

	p := env.newProcess(t)
	base, err := env.m.Mmap(p, 16*mm.PageSize, FlagRead|FlagWrite)
	if err != nil {
		t.Fatal(err)
	}

	// touch more pages than fit in memory so some end up swapped
	for i := 0; i < 16; i++ {
		if err = env.m.CopyOut(p, base+uintptr(i)*mm.PageSize, fillPage(byte(i+1))); err != nil {
			t.Fatal(err)
		}
	}
	if env.m.Stats().Evictions == 0 {
		t.Fatal("expected the workload to trigger evictions")
	}

	if err = env.m.DestroyProcess(p); err != nil {
		t.Fatal(err)
	}
	if got := env.usage(); got != before {
		t.Errorf("expected usage %+v after DestroyProcess; got %+v", before, got)
	}
}
