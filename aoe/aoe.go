// Package aoe implements the ATA over Ethernet protocol pieces winvblock
// needs to mount network disks: the AoEr11 wire format, an initiator Client
// which discovers targets and issues ATA reads and writes, and a small
// Target which serves a disk image over AoE.
//
// The AoEr11 specification can be found here:
// http://www.thebrantleycoilecompany.com/AoEr11.pdf.
package aoe

import (
	"encoding"
	"fmt"

	"github.com/mdlayher/ethernet"
)

const (
	// Version is the ATA over Ethernet protocol version used by this package.
	Version uint8 = 1

	// EtherType is the registered EtherType for ATA over Ethernet.
	EtherType ethernet.EtherType = 0x88a2

	// BroadcastMajor and BroadcastMinor address every AoE target.
	BroadcastMajor uint16 = 0xffff
	BroadcastMinor uint8  = 0xff

	// SectorSize is the AoE sector size, as specified in AoEr11, Section 3.
	SectorSize = 512
)

// An Arg is the command-specific argument of a Header.
type Arg interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// An Error is an ATA over Ethernet error code, as described in AoEr11,
// Section 2.4.
type Error uint8

const (
	ErrorUnrecognizedCommandCode Error = 1
	ErrorBadArgumentParameter    Error = 2
	ErrorDeviceUnavailable       Error = 3
	ErrorConfigStringPresent     Error = 4
	ErrorUnsupportedVersion      Error = 5
	ErrorTargetIsReserved        Error = 6
)

var errorNames = [...]string{
	ErrorUnrecognizedCommandCode: "unrecognized command code",
	ErrorBadArgumentParameter:    "bad argument parameter",
	ErrorDeviceUnavailable:       "device unavailable",
	ErrorConfigStringPresent:     "config string present",
	ErrorUnsupportedVersion:      "unsupported version",
	ErrorTargetIsReserved:        "target is reserved",
}

// Error returns the description of an Error code.
func (e Error) Error() string {
	if int(e) < len(errorNames) && errorNames[e] != "" {
		return "aoe: " + errorNames[e]
	}
	return fmt.Sprintf("aoe: error %d", uint8(e))
}

// A Command is an ATA over Ethernet command.
type Command uint8

const (
	// CommandIssueATACommand carries an ATA command to a target's disk.
	CommandIssueATACommand Command = 0

	// CommandQueryConfigInformation reads a target's configuration.  It is
	// also how targets are discovered.
	CommandQueryConfigInformation Command = 1

	// CommandMACMaskList and CommandReserveRelease are defined by AoEr11
	// but not used by winvblock; targets answer them with
	// ErrorUnrecognizedCommandCode.
	CommandMACMaskList    Command = 2
	CommandReserveRelease Command = 3
)

// String returns the name of a Command.
func (c Command) String() string {
	switch c {
	case CommandIssueATACommand:
		return "issue ATA command"
	case CommandQueryConfigInformation:
		return "query config information"
	case CommandMACMaskList:
		return "MAC mask list"
	case CommandReserveRelease:
		return "reserve/release"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}
