package aoe

import (
	"encoding/binary"
	"io"
)

// A ConfigCommand is the subcommand of a ConfigArg, as described in AoEr11,
// Section 3.2.
type ConfigCommand uint8

const (
	ConfigCommandRead       ConfigCommand = 0
	ConfigCommandTest       ConfigCommand = 1
	ConfigCommandTestPrefix ConfigCommand = 2
	ConfigCommandSet        ConfigCommand = 3
	ConfigCommandForceSet   ConfigCommand = 4
)

// maxConfigString is the largest config string allowed by AoEr11.
const maxConfigString = 1024

var _ Arg = &ConfigArg{}

// A ConfigArg is the argument of CommandQueryConfigInformation.  Targets
// answer a broadcast ConfigCommandRead with their ConfigArg, which is how an
// initiator discovers them.
type ConfigArg struct {
	// BufferCount is the number of requests a target queues before it
	// starts dropping them.
	BufferCount     uint16
	FirmwareVersion uint16

	// SectorCount is the most sectors a target accepts in one ATA request.
	// Zero means 2.
	SectorCount uint8

	Version uint8
	Command ConfigCommand

	// String is the target's config string, at most 1024 bytes.
	String []byte
}

// configArgLen is the length of a ConfigArg before its string.
//
// 2 bytes: buffer count
// 2 bytes: firmware version
// 1 byte : sector count
// 1 byte : version (high nibble) + config command (low nibble)
// 2 bytes: config string length
const configArgLen = 2 + 2 + 1 + 1 + 2

// MaxSectors returns the number of sectors a single ATA request may carry.
func (c *ConfigArg) MaxSectors() int {
	if c.SectorCount == 0 {
		return 2
	}
	return int(c.SectorCount)
}

// MarshalBinary allocates a byte slice containing the data from a ConfigArg.
//
// ErrorBadArgumentParameter is returned if c.Command does not fit in 4 bits
// or c.String is longer than 1024 bytes.
func (c *ConfigArg) MarshalBinary() ([]byte, error) {
	if c.Command > 0xf || len(c.String) > maxConfigString {
		return nil, ErrorBadArgumentParameter
	}

	b := make([]byte, configArgLen+len(c.String))
	binary.BigEndian.PutUint16(b[0:2], c.BufferCount)
	binary.BigEndian.PutUint16(b[2:4], c.FirmwareVersion)
	b[4] = c.SectorCount
	b[5] = c.Version<<4 | uint8(c.Command)
	binary.BigEndian.PutUint16(b[6:8], uint16(len(c.String)))
	copy(b[configArgLen:], c.String)

	return b, nil
}

// UnmarshalBinary unmarshals a byte slice into a ConfigArg.
//
// io.ErrUnexpectedEOF is returned if b is too short for its config string,
// and ErrorBadArgumentParameter if the string is longer than 1024 bytes.
func (c *ConfigArg) UnmarshalBinary(b []byte) error {
	if len(b) < configArgLen {
		return io.ErrUnexpectedEOF
	}

	n := int(binary.BigEndian.Uint16(b[6:8]))
	if len(b[configArgLen:]) < n {
		return io.ErrUnexpectedEOF
	}
	if n > maxConfigString {
		return ErrorBadArgumentParameter
	}

	c.BufferCount = binary.BigEndian.Uint16(b[0:2])
	c.FirmwareVersion = binary.BigEndian.Uint16(b[2:4])
	c.SectorCount = b[4]
	c.Version = b[5] >> 4
	c.Command = ConfigCommand(b[5] & 0x0f)
	c.String = append([]byte{}, b[configArgLen:configArgLen+n]...)

	return nil
}
