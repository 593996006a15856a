package disk

import (
	"fmt"
	"os"

	"github.com/wgwjifeng/winvblock/ioctl"
)

// fileBackend is a disk image on the local filesystem.
type fileBackend struct {
	*os.File
	size int64
}

func (f *fileBackend) Size() int64 { return f.size }

// OpenFile opens the image at path read-write.  Optical media are opened
// read-only.
func OpenFile(path string, m ioctl.Media) (Backend, error) {
	flag := os.O_RDWR
	if m == ioctl.MediaOptical {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("disk: open image: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("disk: stat image: %w", err)
	}
	if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("disk: %s is not a regular file", path)
	}

	return &fileBackend{File: f, size: fi.Size()}, nil
}

// AttachFile opens the image described by a and returns its extension.
func AttachFile(a ioctl.Attach) (*Extension, error) {
	b, err := OpenFile(a.Path, a.Media)
	if err != nil {
		return nil, err
	}

	g := DefaultGeometry(a.Media, b.Size(), a.Cylinders, a.Heads, a.Sectors)
	e, err := NewExtension(b, a.Media, g)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	e.Path = a.Path
	return e, nil
}
