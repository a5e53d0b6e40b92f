// Package swap implements the page-granular backing store that holds the
// contents of evicted pages.
//
// The store is a single file split into PageSize slots; slot k lives at byte
// offset k*PageSize. Free slots form a singly-linked list inside the file:
// the first word of a free slot holds the index of the next free slot. The
// list is empty when header == tail, where tail is the number of slots the
// file has grown to; allocating from an empty list extends the file by one
// slot.
//
// The store does not serialize its callers. Units of work that may suspend
// while a store operation is in flight must hold the VM manager's busy flag.
package swap

import (
	"encoding/binary"
	"io"
	"log/slog"

	"gophervm/kernel"
	"gophervm/kernel/kfmt"
	"gophervm/kernel/mm"
	"gophervm/kernel/vfs"
)

var (
	// ErrSwapIO is returned when a read or write to the backing file
	// fails.
	ErrSwapIO = &kernel.Error{Module: "swap", Message: "swap file I/O failed"}

	errInvalidOffset = &kernel.Error{Module: "swap", Message: "invalid swap offset"}
	errBadPageSize   = &kernel.Error{Module: "swap", Message: "buffer is not page sized"}
)

// Suspender releases the calling unit's hold on the server for the duration
// of fn. *sync.Worker implements it.
type Suspender interface {
	Suspend(fn func() error) error
}

type noSuspend struct{}

func (noSuspend) Suspend(fn func() error) error { return fn() }

// Stats summarizes the state of the store.
type Stats struct {
	// Slots is the number of slots the file has grown to.
	Slots uint64

	// Free is the number of slots on the free list.
	Free uint64

	// WritesOut and ReadsIn count completed page transfers.
	WritesOut uint64
	ReadsIn   uint64
}

// Store is a swap file.
type Store struct {
	file    vfs.File
	suspend Suspender
	log     *slog.Logger

	header uint64
	tail   uint64
	free   uint64

	writes uint64
	reads  uint64
}

// Open opens (creating if needed) the swap file at path and returns an empty
// store. Any previous contents of the file are ignored.
func Open(fs vfs.FS, path string) (*Store, *kernel.Error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, ErrSwapIO.Wrap(err)
	}

	s := &Store{
		file:    file,
		suspend: noSuspend{},
		log:     kfmt.Logger("swap"),
	}
	s.log.Info("swap store opened", "path", path)

	return s, nil
}

// SetSuspender registers the routine used to release the server while file
// I/O is outstanding.
func (s *Store) SetSuspender(sp Suspender) {
	if sp == nil {
		sp = noSuspend{}
	}
	s.suspend = sp
}

// WriteOut stores page in a free slot (or a new slot at the end of the file)
// and returns the slot's byte offset.
func (s *Store) WriteOut(page []byte) (uint64, *kernel.Error) {
	if uintptr(len(page)) != mm.PageSize {
		return 0, errBadPageSize
	}

	slot, err := s.popSlot()
	if err != nil {
		return 0, err
	}

	offset := slot * uint64(mm.PageSize)
	if err = s.io(func() error {
		_, ioErr := s.file.WriteAt(page, int64(offset))
		return ioErr
	}); err != nil {
		s.log.Error("page write failed", "offset", offset, "err", err)
		if pushErr := s.unpopSlot(slot); pushErr != nil {
			s.log.Error("swap slot leaked", "slot", slot, "err", pushErr)
		}
		return 0, err
	}

	s.writes++
	return offset, nil
}

// ReadIn copies the page stored at offset into dst and returns the slot to
// the free list. If the read fails the slot remains allocated and the caller
// still owns it.
func (s *Store) ReadIn(offset uint64, dst []byte) *kernel.Error {
	if uintptr(len(dst)) != mm.PageSize {
		return errBadPageSize
	}

	slot, err := s.slotFor(offset)
	if err != nil {
		return err
	}

	if err = s.io(func() error {
		n, ioErr := s.file.ReadAt(dst, int64(offset))
		if n == len(dst) {
			return nil
		}
		return ioErr
	}); err != nil {
		s.log.Error("page read failed", "offset", offset, "err", err)
		return err
	}

	s.reads++
	return s.pushSlot(slot)
}

// Release returns the slot at offset to the free list without reading it.
func (s *Store) Release(offset uint64) *kernel.Error {
	slot, err := s.slotFor(offset)
	if err != nil {
		return err
	}
	return s.pushSlot(slot)
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	return Stats{Slots: s.tail, Free: s.free, WritesOut: s.writes, ReadsIn: s.reads}
}

// Close syncs and closes the backing file.
func (s *Store) Close() *kernel.Error {
	syncErr := s.file.Sync()
	if err := s.file.Close(); err != nil {
		return ErrSwapIO.Wrap(err)
	}
	if syncErr != nil {
		return ErrSwapIO.Wrap(syncErr)
	}
	return nil
}

// popSlot removes the head of the free list or grows the file by one slot if
// the list is empty.
func (s *Store) popSlot() (uint64, *kernel.Error) {
	if s.header == s.tail {
		slot := s.tail
		s.tail++
		s.header++
		return slot, nil
	}

	slot := s.header
	var word [mm.WordSize]byte
	if err := s.io(func() error {
		n, ioErr := s.file.ReadAt(word[:], int64(slot*uint64(mm.PageSize)))
		if n == len(word) {
			return nil
		}
		return ioErr
	}); err != nil {
		return 0, err
	}

	next := binary.LittleEndian.Uint64(word[:])
	if next > s.tail || next == slot {
		kfmt.Panic(errInvalidOffset)
		return 0, errInvalidOffset
	}

	s.header = next
	s.free--
	return slot, nil
}

// unpopSlot undoes a popSlot that was not followed by any other list
// operation. A slot that grew the file is trimmed again instead of being
// linked into the list.
func (s *Store) unpopSlot(slot uint64) *kernel.Error {
	if slot+1 == s.tail && s.header == s.tail {
		s.tail--
		s.header--
		return nil
	}
	return s.pushSlot(slot)
}

// pushSlot links slot in front of the free list. The list head is only
// updated once the link word has reached the file.
func (s *Store) pushSlot(slot uint64) *kernel.Error {
	var word [mm.WordSize]byte
	binary.LittleEndian.PutUint64(word[:], s.header)

	if err := s.io(func() error {
		_, ioErr := s.file.WriteAt(word[:], int64(slot*uint64(mm.PageSize)))
		return ioErr
	}); err != nil {
		return err
	}

	s.header = slot
	s.free++
	return nil
}

func (s *Store) slotFor(offset uint64) (uint64, *kernel.Error) {
	if offset%uint64(mm.PageSize) != 0 || offset/uint64(mm.PageSize) >= s.tail {
		kfmt.Panic(errInvalidOffset)
		return 0, errInvalidOffset
	}
	return offset / uint64(mm.PageSize), nil
}

// io runs fn through the suspender and maps its failure to ErrSwapIO.
func (s *Store) io(fn func() error) *kernel.Error {
	err := s.suspend.Suspend(func() error {
		if err := fn(); err != io.EOF {
			return err
		}
		return io.ErrUnexpectedEOF
	})

	if err != nil {
		return ErrSwapIO.Wrap(err)
	}
	return nil
}
