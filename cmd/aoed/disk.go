package main

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// A servedDisk gives concurrent positional access to a seekable disk.
type servedDisk struct {
	mu   sync.Mutex
	rws  io.ReadWriteSeeker
	c    io.Closer
	size int64
}

type readWriteSeekCloser interface {
	io.ReadWriteSeeker
	io.Closer
}

// newServedDisk sizes d by seeking to its end, which works for block
// devices as well as regular files.
func newServedDisk(d readWriteSeekCloser) (*servedDisk, error) {
	size, err := d.Seek(0, io.SeekEnd)
	if err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("size of disk: %w", err)
	}
	return &servedDisk{rws: d, c: d, size: size}, nil
}

// openImage opens a disk image file.
func openImage(path string, readOnly bool) (*servedDisk, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	return newServedDisk(f)
}

func (d *servedDisk) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.rws.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(d.rws, p)
}

func (d *servedDisk) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.rws.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return d.rws.Write(p)
}

func (d *servedDisk) Close() error {
	return d.c.Close()
}

// roDisk hides the WriterAt of a disk served read-only.
type roDisk struct{ r io.ReaderAt }

func (d roDisk) ReadAt(p []byte, off int64) (int, error) { return d.r.ReadAt(p, off) }
