// Package ioctl defines the device-control codes understood by the winvblock
// bus and disks, and the fixed-layout payloads carried with them.  All
// multi-byte fields are little endian.
package ioctl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ErrShortPayload is returned when a payload is too short for its layout.
var ErrShortPayload = errors.New("ioctl: short payload")

const (
	fileDeviceController uint32 = 0x00000004
	fileDeviceDisk       uint32 = 0x00000007
	methodBuffered       = 0
	fileAnyAccess        = 0
	fileReadWriteAccess  = 0x1 | 0x2
)

// Control codes sent to the bus, packed the way the host's CTL_CODE macro
// packs device type, access, function and method.
const (
	AoEScan    = fileDeviceController<<16 | fileReadWriteAccess<<14 | 0x800<<2 | methodBuffered
	AoEShow    = fileDeviceController<<16 | fileReadWriteAccess<<14 | 0x801<<2 | methodBuffered
	AoEMount   = fileDeviceController<<16 | fileReadWriteAccess<<14 | 0x802<<2 | methodBuffered
	AoEUmount  = fileDeviceController<<16 | fileReadWriteAccess<<14 | 0x803<<2 | methodBuffered
	FileAttach = fileDeviceController<<16 | fileReadWriteAccess<<14 | 0x804<<2 | methodBuffered
	FileDetach = fileDeviceController<<16 | fileReadWriteAccess<<14 | 0x805<<2 | methodBuffered
)

// DiskGetGeometry is sent to a disk to read its Geometry.
const DiskGetGeometry = fileDeviceDisk<<16 | fileAnyAccess<<14 | methodBuffered

// Name returns a readable name for a control code.
func Name(code uint32) string {
	switch code {
	case AoEScan:
		return "aoe-scan"
	case AoEShow:
		return "aoe-show"
	case AoEMount:
		return "aoe-mount"
	case AoEUmount:
		return "aoe-umount"
	case FileAttach:
		return "file-attach"
	case FileDetach:
		return "file-detach"
	case DiskGetGeometry:
		return "disk-get-geometry"
	default:
		return fmt.Sprintf("0x%08x", code)
	}
}

// A Media is the kind of disk a file image is presented as.
type Media uint8

const (
	MediaOptical  Media = 'c'
	MediaFloppy   Media = 'f'
	MediaHardDisk Media = 'h'
)

// Valid reports whether m is a known media type.
func (m Media) Valid() bool {
	return m == MediaOptical || m == MediaFloppy || m == MediaHardDisk
}

func (m Media) String() string {
	switch m {
	case MediaOptical:
		return "optical"
	case MediaFloppy:
		return "floppy"
	case MediaHardDisk:
		return "hard disk"
	default:
		return fmt.Sprintf("Media(%q)", rune(m))
	}
}

// ParseMedia converts the first letter of s to a Media.
func ParseMedia(s string) (Media, error) {
	if s == "" {
		return 0, errors.New("ioctl: empty media type")
	}
	m := Media(s[0] | 0x20)
	if !m.Valid() {
		return 0, fmt.Errorf("ioctl: unknown media type %q", s)
	}
	return m, nil
}

// mountLen is the length of a Mount.
//
// 6 bytes: server MAC
// 2 bytes: major
// 1 byte : minor
const mountLen = 6 + 2 + 1

// Mount is the input of AoEMount.
type Mount struct {
	Server net.HardwareAddr
	Major  uint16
	Minor  uint8
}

// MarshalBinary allocates a byte slice containing the data from a Mount.
func (m *Mount) MarshalBinary() ([]byte, error) {
	if len(m.Server) != 6 {
		return nil, fmt.Errorf("ioctl: invalid server MAC %q", m.Server.String())
	}
	b := make([]byte, mountLen)
	copy(b[0:6], m.Server)
	binary.LittleEndian.PutUint16(b[6:8], m.Major)
	b[8] = m.Minor
	return b, nil
}

// UnmarshalBinary unmarshals a byte slice into a Mount.  Trailing bytes are
// ignored.
func (m *Mount) UnmarshalBinary(b []byte) error {
	if len(b) < mountLen {
		return ErrShortPayload
	}
	m.Server = append(net.HardwareAddr{}, b[0:6]...)
	m.Major = binary.LittleEndian.Uint16(b[6:8])
	m.Minor = b[8]
	return nil
}

// A DiskNumber is the input of AoEUmount and FileDetach.
type DiskNumber uint32

// MarshalBinary encodes n.
func (n DiskNumber) MarshalBinary() ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, uint32(n)), nil
}

// UnmarshalBinary decodes n from the first four bytes of b.
func (n *DiskNumber) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return ErrShortPayload
	}
	*n = DiskNumber(binary.LittleEndian.Uint32(b))
	return nil
}

// attachLen is the length of an Attach before its path.
//
// 1 byte : media type
// 3 bytes: padding
// 4 bytes: cylinders
// 4 bytes: heads
// 4 bytes: sectors per track
const attachLen = 1 + 3 + 4 + 4 + 4

// Attach is the input of FileAttach.  Zero geometry fields let the disk pick
// defaults for the media type.
type Attach struct {
	Media     Media
	Cylinders uint32
	Heads     uint32
	Sectors   uint32
	Path      string
}

// MarshalBinary allocates a byte slice containing the data from an Attach.
// The path is NUL terminated.
func (a *Attach) MarshalBinary() ([]byte, error) {
	if !a.Media.Valid() {
		return nil, fmt.Errorf("ioctl: unknown media type %v", a.Media)
	}
	if a.Path == "" {
		return nil, errors.New("ioctl: empty path")
	}

	b := make([]byte, attachLen, attachLen+len(a.Path)+1)
	b[0] = byte(a.Media)
	binary.LittleEndian.PutUint32(b[4:8], a.Cylinders)
	binary.LittleEndian.PutUint32(b[8:12], a.Heads)
	binary.LittleEndian.PutUint32(b[12:16], a.Sectors)
	b = append(b, a.Path...)
	return append(b, 0), nil
}

// UnmarshalBinary unmarshals a byte slice into an Attach.  The path runs to
// the first NUL or the end of b.
func (a *Attach) UnmarshalBinary(b []byte) error {
	if len(b) < attachLen+1 {
		return ErrShortPayload
	}

	a.Media = Media(b[0])
	a.Cylinders = binary.LittleEndian.Uint32(b[4:8])
	a.Heads = binary.LittleEndian.Uint32(b[8:12])
	a.Sectors = binary.LittleEndian.Uint32(b[12:16])

	path := b[attachLen:]
	for i, c := range path {
		if c == 0 {
			path = path[:i]
			break
		}
	}
	a.Path = string(path)
	return nil
}
