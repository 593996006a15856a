// Package disk implements winvblock's disk devices: the typed disk
// extension, file and AoE backends, and the handler table which serves
// reads, writes, geometry queries, PnP removal and power requests.
package disk

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/wgwjifeng/winvblock/driver"
	"github.com/wgwjifeng/winvblock/ioctl"
)

// A Backend stores a disk's sectors.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Size returns the size of the backend in bytes.
	Size() int64
}

// ErrEmptyBackend is returned for backends too small to hold one sector.
var ErrEmptyBackend = errors.New("disk: backend smaller than one sector")

// Geometry is a disk's CHS layout.
type Geometry struct {
	Cylinders       uint64
	Heads           uint32
	SectorsPerTrack uint32
	BytesPerSector  uint32
}

// DefaultGeometry derives a geometry for size bytes of media m.  Non-zero
// cylinders, heads or sectors override the derived values.
func DefaultGeometry(m ioctl.Media, size int64, cylinders, heads, sectors uint32) Geometry {
	g := Geometry{BytesPerSector: 512}
	switch m {
	case ioctl.MediaOptical:
		g.BytesPerSector = 2048
		g.Heads, g.SectorsPerTrack = 1, 1
	case ioctl.MediaFloppy:
		g.Heads, g.SectorsPerTrack = 2, 18
	default:
		g.Heads, g.SectorsPerTrack = 255, 63
	}
	if heads != 0 {
		g.Heads = heads
	}
	if sectors != 0 {
		g.SectorsPerTrack = sectors
	}

	g.Cylinders = uint64(size) / uint64(g.BytesPerSector) / uint64(g.Heads) / uint64(g.SectorsPerTrack)
	if cylinders != 0 {
		g.Cylinders = uint64(cylinders)
	}
	return g
}

// mediaType returns the host media type reported with a geometry.
func mediaType(m ioctl.Media) uint32 {
	switch m {
	case ioctl.MediaOptical, ioctl.MediaFloppy:
		// RemovableMedia
		return 11
	default:
		// FixedMedia
		return 12
	}
}

// AoETarget records where an AoE disk is mounted from.
type AoETarget struct {
	ClientMAC net.HardwareAddr
	ServerMAC net.HardwareAddr
	Major     uint16
	Minor     uint8
}

// URI returns the target in the aoe:eMAJOR.MINOR form.
func (t AoETarget) URI() string {
	return fmt.Sprintf("aoe:e%d.%d", t.Major, t.Minor)
}

// Extension is the device extension of a disk.  It is owned by its device.
type Extension struct {
	// Number is assigned by the bus and unique among its disks.
	Number uint32

	Media    ioctl.Media
	Geometry Geometry

	// Path is set for file-backed disks, AoE for AoE disks.
	Path string
	AoE  *AoETarget

	backend Backend
	size    int64

	// async disks complete reads and writes from a goroutine.
	async bool
}

var _ driver.Extension = &Extension{}

// Kind implements driver.Extension.
func (*Extension) Kind() driver.Kind { return driver.KindDisk }

// Size returns the size of the disk in bytes.
func (e *Extension) Size() int64 { return e.size }

// Sectors returns the size of the disk in sectors of BytesPerSector bytes.
func (e *Extension) Sectors() int64 { return e.size / int64(e.Geometry.BytesPerSector) }

// LBASize returns the size of the disk in 512 byte sectors.
func (e *Extension) LBASize() uint64 { return uint64(e.size / 512) }

// Close releases the backend.
func (e *Extension) Close() error {
	return e.backend.Close()
}

// NewExtension creates the extension of a disk stored in b.
func NewExtension(b Backend, m ioctl.Media, g Geometry) (*Extension, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("disk: unknown media type %v", m)
	}
	if g.BytesPerSector == 0 {
		g.BytesPerSector = 512
	}
	size := b.Size()
	if size < int64(g.BytesPerSector) {
		return nil, ErrEmptyBackend
	}
	// Trailing partial sectors are not addressable.
	size -= size % int64(g.BytesPerSector)

	return &Extension{
		Media:    m,
		Geometry: g,
		backend:  b,
		size:     size,
	}, nil
}

// NewAoEExtension creates the extension of a mounted AoE disk.  Its reads
// and writes complete asynchronously.
func NewAoEExtension(b Backend, t AoETarget) (*Extension, error) {
	e, err := NewExtension(b, ioctl.MediaHardDisk, DefaultGeometry(ioctl.MediaHardDisk, b.Size(), 0, 0, 0))
	if err != nil {
		return nil, err
	}
	e.AoE = &t
	e.async = true
	return e, nil
}

// ExtensionOf returns the disk extension of d.
func ExtensionOf(d *driver.Device) (*Extension, bool) {
	e, ok := d.Extension().(*Extension)
	return e, ok
}
