package aoe

import (
	"encoding/binary"
	"io"
)

// A Header is an ATA over Ethernet header, as described in AoEr11, Section 2,
// without the Ethernet frame which carries it.
type Header struct {
	Version      uint8
	FlagResponse bool
	FlagError    bool
	Error        Error

	// Major (shelf) and Minor (slot) address a target.  BroadcastMajor and
	// BroadcastMinor address all of them.
	Major uint16
	Minor uint8

	Command Command

	// Tag lets an initiator correlate responses with its requests.
	Tag [4]byte

	Arg Arg
}

// headerLen is the length of a Header before its Arg.
//
// 1 byte : version (high nibble) + response and error flags
// 1 byte : error
// 2 bytes: major
// 1 byte : minor
// 1 byte : command
// 4 bytes: tag
const headerLen = 1 + 1 + 2 + 1 + 1 + 4

const (
	flagResponse = 1 << 3
	flagError    = 1 << 2
)

// TagValue returns the Tag of h as an integer.
func (h *Header) TagValue() uint32 {
	return binary.BigEndian.Uint32(h.Tag[:])
}

// SetTag stores t as the Tag of h.
func (h *Header) SetTag(t uint32) {
	binary.BigEndian.PutUint32(h.Tag[:], t)
}

// MarshalBinary allocates a byte slice containing the data from a Header.
//
// If h.Version is not Version, ErrorUnsupportedVersion is returned.  If h.Arg
// is nil, ErrorBadArgumentParameter is returned.
func (h *Header) MarshalBinary() ([]byte, error) {
	if h.Version != Version {
		return nil, ErrorUnsupportedVersion
	}
	if h.Arg == nil {
		return nil, ErrorBadArgumentParameter
	}

	ab, err := h.Arg.MarshalBinary()
	if err != nil {
		return nil, err
	}

	b := make([]byte, headerLen+len(ab))

	b[0] = h.Version << 4
	if h.FlagResponse {
		b[0] |= flagResponse
	}
	if h.FlagError {
		b[0] |= flagError
	}
	b[1] = uint8(h.Error)
	binary.BigEndian.PutUint16(b[2:4], h.Major)
	b[4] = h.Minor
	b[5] = uint8(h.Command)
	copy(b[6:10], h.Tag[:])
	copy(b[headerLen:], ab)

	return b, nil
}

// UnmarshalBinary unmarshals a byte slice into a Header.
//
// Short or malformed input yields io.ErrUnexpectedEOF, a version other than
// Version yields ErrorUnsupportedVersion, and commands other than
// CommandIssueATACommand and CommandQueryConfigInformation yield
// ErrorUnrecognizedCommandCode.  In the last case every field but Arg is
// already filled in, so a target can still answer with an error.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < headerLen {
		return io.ErrUnexpectedEOF
	}

	h.Version = b[0] >> 4
	if h.Version != Version {
		return ErrorUnsupportedVersion
	}

	h.FlagResponse = b[0]&flagResponse != 0
	h.FlagError = b[0]&flagError != 0
	h.Error = Error(b[1])
	h.Major = binary.BigEndian.Uint16(b[2:4])
	h.Minor = b[4]
	h.Command = Command(b[5])
	copy(h.Tag[:], b[6:10])

	var a Arg
	switch h.Command {
	case CommandIssueATACommand:
		a = new(ATAArg)
	case CommandQueryConfigInformation:
		a = new(ConfigArg)
	default:
		return ErrorUnrecognizedCommandCode
	}

	if err := a.UnmarshalBinary(b[headerLen:]); err != nil {
		return err
	}
	h.Arg = a

	return nil
}
