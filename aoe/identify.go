package aoe

import (
	"encoding/binary"
	"errors"
)

// identifyLen is the size of an ATA IDENTIFY DEVICE response.
const identifyLen = 512

// errShortIdentify is returned when identify data is not a full sector.
var errShortIdentify = errors.New("aoe: short ATA identify data")

// Identity is what an initiator learns from ATA IDENTIFY DEVICE.
type Identity struct {
	// Sectors is the number of addressable sectors.
	Sectors int64

	// LBA48 reports whether the device needs LBA48 commands to reach all
	// of its sectors.
	LBA48 bool

	Cylinders uint16
	Heads     uint16
	PerTrack  uint16
}

// Size returns the size of the device in bytes.
func (id Identity) Size() int64 {
	return id.Sectors * SectorSize
}

// An Identifier returns the 512 bytes of ATA identify data for a device.
// Targets use it in place of the generic identify data when set.
type Identifier interface {
	Identify() ([identifyLen]byte, error)
}

// IdentifyData builds ATA identify data for a device of the given number of
// sectors.  Words are little-endian, as ATA specifies.
func IdentifyData(sectors int64) [identifyLen]byte {
	var w [identifyLen / 2]uint16

	heads, perTrack := uint16(255), uint16(63)
	cyl := sectors / int64(heads) / int64(perTrack)
	if cyl > 0xffff {
		cyl = 0xffff
	}

	w[1] = uint16(cyl)
	w[3] = heads
	w[6] = perTrack
	w[47] = 0x8000
	// LBA supported.
	w[49] = 1 << 9
	w[50] = 0x4000
	// LBA48 supported and enabled.
	w[83] = 0x4000 | 1<<10
	w[84] = 0x4000
	w[86] = 1 << 10
	w[87] = 0x4000
	w[93] = 0x400b

	lba28 := sectors
	if lba28 > maxLBA28 {
		lba28 = maxLBA28
	}
	w[60] = uint16(lba28)
	w[61] = uint16(lba28 >> 16)

	for i := 0; i < 4; i++ {
		w[100+i] = uint16(uint64(sectors) >> (16 * i))
	}

	var b [identifyLen]byte
	for i, v := range w {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

// ParseIdentify decodes the fields an initiator needs from ATA identify
// data.
func ParseIdentify(b []byte) (Identity, error) {
	if len(b) < identifyLen {
		return Identity{}, errShortIdentify
	}
	word := func(i int) uint16 { return binary.LittleEndian.Uint16(b[i*2:]) }

	id := Identity{
		Cylinders: word(1),
		Heads:     word(3),
		PerTrack:  word(6),
	}

	if word(83)&(1<<10) != 0 {
		var n uint64
		for i := 3; i >= 0; i-- {
			n = n<<16 | uint64(word(100+i))
		}
		id.Sectors = int64(n & maxLBA48)
		id.LBA48 = id.Sectors > maxLBA28
	}
	if id.Sectors == 0 && word(49)&(1<<9) != 0 {
		id.Sectors = int64(word(60)) | int64(word(61))<<16
	}
	if id.Sectors == 0 {
		// CHS only.
		id.Sectors = int64(id.Cylinders) * int64(id.Heads) * int64(id.PerTrack)
	}

	return id, nil
}
