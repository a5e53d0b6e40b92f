// Package vfs defines the file system collaborator consumed by the VM
// server. Only the calls needed to page contents to and from a backing file
// are described: opening a file by path and byte-offset reads and writes.
package vfs

import "io"

// File is an open file. Reads and writes address the file by absolute byte
// offset and never move a shared cursor, so independent regions of the same
// file may be accessed by interleaved units of work.
type File interface {
	io.ReaderAt
	io.WriterAt

	// Sync flushes written data to stable storage.
	Sync() error

	// Close releases the file.
	Close() error
}

// FS opens files by path. Open creates the file if it does not exist.
type FS interface {
	Open(path string) (File, error)
}
