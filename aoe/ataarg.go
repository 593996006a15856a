package aoe

import (
	"io"
)

// An ATACmdStatus is an ATA command in a request, or an ATA status in a
// response.
type ATACmdStatus uint8

const (
	ATACmdStatusErrStatus   ATACmdStatus = 0x01
	ATACmdStatusReadyStatus ATACmdStatus = 0x40
	ATACmdStatusRead28Bit   ATACmdStatus = 0x20
	ATACmdStatusRead48Bit   ATACmdStatus = 0x24
	ATACmdStatusWrite28Bit  ATACmdStatus = 0x30
	ATACmdStatusWrite48Bit  ATACmdStatus = 0x34
	ATACmdStatusCheckPower  ATACmdStatus = 0xe5
	ATACmdStatusFlush       ATACmdStatus = 0xe7
	ATACmdStatusIdentify    ATACmdStatus = 0xec

	// ATAErrAbort is set in ErrFeature when a target aborts a command.
	ATAErrAbort = 0x04
)

const (
	// ataArgLen is the length of an ATAArg before its data.
	//
	// 1 byte : flags
	//   0101 0011
	//    | |   ||
	//    | |   |+-- write flag
	//    | |   +--- asynchronous flag
	//    | +------- device/head register flag
	//    +--------- extended LBA48 flag
	// 1 byte : err/feature
	// 1 byte : sector count
	// 1 byte : cmd/status
	// 6 bytes: lba array
	// 2 bytes: reserved
	ataArgLen = 1 + 1 + 1 + 1 + 6 + 2

	maxLBA28 = 0x0fffffff
	maxLBA48 = 0x0000ffffffffffff
)

var _ Arg = &ATAArg{}

// An ATAArg is the argument of CommandIssueATACommand, as described in
// AoEr11, Section 3.1.
type ATAArg struct {
	// FlagLBA48Extended marks an LBA48 command.  FlagATADeviceHeadRegister
	// is only meaningful when it is set.
	FlagLBA48Extended         bool
	FlagATADeviceHeadRegister bool

	FlagAsynchronous bool
	FlagWrite        bool

	// ErrFeature is the ATA feature register in a request and the error
	// register in a response.
	ErrFeature  uint8
	SectorCount uint8
	CmdStatus   ATACmdStatus

	// LBA is the little-endian logical block address.
	LBA [6]uint8

	Data []byte
}

// Aborted reports whether a target aborted the command a carries the
// response to.
func (a *ATAArg) Aborted() bool {
	return a.CmdStatus&ATACmdStatusErrStatus != 0 && a.ErrFeature&ATAErrAbort != 0
}

// SetLBA stores lba in a, choosing LBA48 addressing when lba does not fit
// in 28 bits.
func (a *ATAArg) SetLBA(lba int64) {
	v := uint64(lba) & maxLBA48
	for i := range a.LBA {
		a.LBA[i] = uint8(v >> (8 * i))
	}
	a.FlagLBA48Extended = v > maxLBA28
	if a.FlagLBA48Extended {
		a.FlagATADeviceHeadRegister = true
	}
}

// LBAValue returns the logical block address held in a.
func (a *ATAArg) LBAValue() int64 {
	return calculateLBA(a.LBA, a.FlagLBA48Extended)
}

// MarshalBinary allocates a byte slice containing the data from an ATAArg.
//
// MarshalBinary never returns an error.
func (a *ATAArg) MarshalBinary() ([]byte, error) {
	b := make([]byte, ataArgLen+len(a.Data))

	var flags uint8
	if a.FlagLBA48Extended {
		flags |= 1 << 6
	}
	if a.FlagATADeviceHeadRegister {
		flags |= 1 << 4
	}
	if a.FlagAsynchronous {
		flags |= 1 << 1
	}
	if a.FlagWrite {
		flags |= 1
	}
	b[0] = flags

	b[1] = a.ErrFeature
	b[2] = a.SectorCount
	b[3] = uint8(a.CmdStatus)
	copy(b[4:10], a.LBA[:])

	copy(b[ataArgLen:], a.Data)

	return b, nil
}

// UnmarshalBinary unmarshals a byte slice into an ATAArg.
//
// io.ErrUnexpectedEOF is returned if b is too short, and
// ErrorBadArgumentParameter if the reserved bytes are not zero.
func (a *ATAArg) UnmarshalBinary(b []byte) error {
	if len(b) < ataArgLen {
		return io.ErrUnexpectedEOF
	}
	if b[10] != 0 || b[11] != 0 {
		return ErrorBadArgumentParameter
	}

	a.FlagLBA48Extended = b[0]&0x40 != 0
	a.FlagATADeviceHeadRegister = b[0]&0x10 != 0
	a.FlagAsynchronous = b[0]&0x02 != 0
	a.FlagWrite = b[0]&0x01 != 0

	a.ErrFeature = b[1]
	a.SectorCount = b[2]
	a.CmdStatus = ATACmdStatus(b[3])
	copy(a.LBA[:], b[4:10])

	a.Data = append([]byte{}, b[ataArgLen:]...)

	return nil
}

// calculateLBA decodes a logical block address, masked to 48 or 28 bits.
func calculateLBA(rlba [6]uint8, is48Bit bool) int64 {
	var lba uint64
	for i := len(rlba) - 1; i >= 0; i-- {
		lba = lba<<8 | uint64(rlba[i])
	}

	if is48Bit {
		lba &= maxLBA48
	} else {
		lba &= maxLBA28
	}

	return int64(lba)
}
