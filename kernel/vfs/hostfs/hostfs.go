//go:build unix

// Package hostfs implements vfs.FS on top of the host's file system using
// positional reads and writes.
package hostfs

import (
	"io"

	"gophervm/kernel"
	"gophervm/kernel/vfs"

	"golang.org/x/sys/unix"
)

var (
	errOpen   = &kernel.Error{Module: "hostfs", Message: "unable to open file"}
	errRead   = &kernel.Error{Module: "hostfs", Message: "read failed"}
	errWrite  = &kernel.Error{Module: "hostfs", Message: "write failed"}
	errSync   = &kernel.Error{Module: "hostfs", Message: "sync failed"}
	errClosed = &kernel.Error{Module: "hostfs", Message: "file is closed"}
)

// openFn is used by tests to override calls to unix.Open.
var openFn = unix.Open

// FS opens files relative to the host's working directory.
type FS struct {
	// Truncate discards the previous contents of files when they are
	// opened.
	Truncate bool

	// Perm is the permission mode used when creating files. A zero value
	// selects 0600.
	Perm uint32
}

// Open implements vfs.FS.
func (fs FS) Open(path string) (vfs.File, error) {
	flags := unix.O_RDWR | unix.O_CREAT | unix.O_CLOEXEC
	if fs.Truncate {
		flags |= unix.O_TRUNC
	}

	perm := fs.Perm
	if perm == 0 {
		perm = 0600
	}

	fd, err := openFn(path, flags, perm)
	if err != nil {
		return nil, errOpen.Wrap(err)
	}

	return &File{fd: fd, path: path}, nil
}

// File is a host file descriptor.
type File struct {
	fd   int
	path string
}

// ReadAt implements io.ReaderAt. Reading past the end of the file returns
// io.EOF together with the number of bytes read.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.fd < 0 {
		return 0, errClosed
	}

	var read int
	for read < len(p) {
		n, err := unix.Pread(f.fd, p[read:], off+int64(read))
		if err == unix.EINTR {
			continue
		} else if err != nil {
			return read, errRead.Wrap(err)
		} else if n == 0 {
			return read, io.EOF
		}
		read += n
	}

	return read, nil
}

// WriteAt implements io.WriterAt.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.fd < 0 {
		return 0, errClosed
	}

	var written int
	for written < len(p) {
		n, err := unix.Pwrite(f.fd, p[written:], off+int64(written))
		if err == unix.EINTR {
			continue
		} else if err != nil {
			return written, errWrite.Wrap(err)
		}
		written += n
	}

	return written, nil
}

// Sync implements vfs.File.
func (f *File) Sync() error {
	if f.fd < 0 {
		return errClosed
	}

	if err := unix.Fsync(f.fd); err != nil {
		return errSync.Wrap(err)
	}
	return nil
}

// Close implements vfs.File.
func (f *File) Close() error {
	if f.fd < 0 {
		return errClosed
	}

	fd := f.fd
	f.fd = -1
	if err := unix.Close(fd); err != nil {
		return errClosed.Wrap(err)
	}
	return nil
}

// Path returns the path the file was opened with.
func (f *File) Path() string {
	return f.path
}

var _ vfs.FS = FS{}
