package ioctl

import (
	"encoding/binary"
	"net"
)

const (
	countLen = 4

	// targetLen is the length of an encoded Target.
	//
	// 6 bytes: client MAC
	// 6 bytes: server MAC
	// 2 bytes: major
	// 1 byte : minor
	// 1 byte : padding
	// 8 bytes: size in sectors
	targetLen = 6 + 6 + 2 + 1 + 1 + 8

	// mountedLen is a disk number followed by a Target.
	mountedLen = 4 + targetLen
)

// A Target is an AoE target reported by AoEScan.
type Target struct {
	ClientMAC net.HardwareAddr
	ServerMAC net.HardwareAddr
	Major     uint16
	Minor     uint8

	// LBASize is the size of the target in 512 byte sectors.
	LBASize uint64
}

// SizeMiB returns the target's size in mebibytes.
func (t Target) SizeMiB() uint64 {
	return t.LBASize / 2048
}

// A MountedDisk is a mounted AoE disk reported by AoEShow.
type MountedDisk struct {
	Disk uint32
	Target
}

func putTarget(b []byte, t *Target) {
	copy(b[0:6], t.ClientMAC)
	copy(b[6:12], t.ServerMAC)
	binary.LittleEndian.PutUint16(b[12:14], t.Major)
	b[14] = t.Minor
	binary.LittleEndian.PutUint64(b[16:24], t.LBASize)
}

func getTarget(b []byte) Target {
	return Target{
		ClientMAC: append(net.HardwareAddr{}, b[0:6]...),
		ServerMAC: append(net.HardwareAddr{}, b[6:12]...),
		Major:     binary.LittleEndian.Uint16(b[12:14]),
		Minor:     b[14],
		LBASize:   binary.LittleEndian.Uint64(b[16:24]),
	}
}

// fit returns how many entries of size n fit in capacity after the count.
func fit(total, n, capacity int) int {
	room := (capacity - countLen) / n
	if room < total {
		return room
	}
	return total
}

// EncodeTargets encodes ts into at most capacity bytes: the total count
// followed by as many whole entries as fit.  It returns nil when capacity
// cannot hold the count.
func EncodeTargets(ts []Target, capacity int) []byte {
	if capacity < countLen {
		return nil
	}
	n := fit(len(ts), targetLen, capacity)

	b := make([]byte, countLen+n*targetLen)
	binary.LittleEndian.PutUint32(b, uint32(len(ts)))
	for i := 0; i < n; i++ {
		putTarget(b[countLen+i*targetLen:], &ts[i])
	}
	return b
}

// DecodeTargets decodes the output of AoEScan.  total is the number of
// targets the bus knows of, which may exceed len(ts) when the output buffer
// was too small.
func DecodeTargets(b []byte) (total int, ts []Target, err error) {
	if len(b) < countLen {
		return 0, nil, ErrShortPayload
	}
	total = int(binary.LittleEndian.Uint32(b))

	n := (len(b) - countLen) / targetLen
	if n > total {
		n = total
	}
	ts = make([]Target, 0, n)
	for i := 0; i < n; i++ {
		ts = append(ts, getTarget(b[countLen+i*targetLen:]))
	}
	return total, ts, nil
}

// EncodeMountedDisks encodes ds the way EncodeTargets encodes targets.
func EncodeMountedDisks(ds []MountedDisk, capacity int) []byte {
	if capacity < countLen {
		return nil
	}
	n := fit(len(ds), mountedLen, capacity)

	b := make([]byte, countLen+n*mountedLen)
	binary.LittleEndian.PutUint32(b, uint32(len(ds)))
	for i := 0; i < n; i++ {
		e := b[countLen+i*mountedLen:]
		binary.LittleEndian.PutUint32(e[0:4], ds[i].Disk)
		putTarget(e[4:], &ds[i].Target)
	}
	return b
}

// DecodeMountedDisks decodes the output of AoEShow.
func DecodeMountedDisks(b []byte) (total int, ds []MountedDisk, err error) {
	if len(b) < countLen {
		return 0, nil, ErrShortPayload
	}
	total = int(binary.LittleEndian.Uint32(b))

	n := (len(b) - countLen) / mountedLen
	if n > total {
		n = total
	}
	ds = make([]MountedDisk, 0, n)
	for i := 0; i < n; i++ {
		e := b[countLen+i*mountedLen:]
		ds = append(ds, MountedDisk{
			Disk:   binary.LittleEndian.Uint32(e[0:4]),
			Target: getTarget(e[4:]),
		})
	}
	return total, ds, nil
}

// ScanCapacity and ShowCapacity are the output sizes the utility requests,
// room for 32 entries each.
const (
	ScanCapacity = countLen + 32*targetLen
	ShowCapacity = countLen + 32*mountedLen
)

// geometryLen is the length of an encoded Geometry.
//
// 8 bytes: cylinders
// 4 bytes: media type
// 4 bytes: tracks per cylinder
// 4 bytes: sectors per track
// 4 bytes: bytes per sector
const geometryLen = 8 + 4 + 4 + 4 + 4

// Geometry is the output of DiskGetGeometry.
type Geometry struct {
	Cylinders         uint64
	MediaType         uint32
	TracksPerCylinder uint32
	SectorsPerTrack   uint32
	BytesPerSector    uint32
}

// GeometryLen is the output capacity DiskGetGeometry needs.
const GeometryLen = geometryLen

// MarshalBinary allocates a byte slice containing the data from a Geometry.
func (g *Geometry) MarshalBinary() ([]byte, error) {
	b := make([]byte, geometryLen)
	binary.LittleEndian.PutUint64(b[0:8], g.Cylinders)
	binary.LittleEndian.PutUint32(b[8:12], g.MediaType)
	binary.LittleEndian.PutUint32(b[12:16], g.TracksPerCylinder)
	binary.LittleEndian.PutUint32(b[16:20], g.SectorsPerTrack)
	binary.LittleEndian.PutUint32(b[20:24], g.BytesPerSector)
	return b, nil
}

// UnmarshalBinary unmarshals a byte slice into a Geometry.
func (g *Geometry) UnmarshalBinary(b []byte) error {
	if len(b) < geometryLen {
		return ErrShortPayload
	}
	g.Cylinders = binary.LittleEndian.Uint64(b[0:8])
	g.MediaType = binary.LittleEndian.Uint32(b[8:12])
	g.TracksPerCylinder = binary.LittleEndian.Uint32(b[12:16])
	g.SectorsPerTrack = binary.LittleEndian.Uint32(b[16:20])
	g.BytesPerSector = binary.LittleEndian.Uint32(b[20:24])
	return nil
}
