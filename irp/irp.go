// Package irp describes the unit of work routed to virtual devices: a
// request identified by a major and minor opcode, carrying its buffers and,
// once handled, a final status.
//
// Requests are completed exactly once.  Handlers either complete a request
// synchronously or return StatusPending and complete it later from their own
// continuation.
package irp

import "fmt"

// A Major is a coarse request category.
type Major uint8

// Major request categories understood by virtual devices.
const (
	MajorCreate Major = iota
	MajorClose
	MajorRead
	MajorWrite
	MajorDeviceControl
	MajorSystemControl
	MajorPower
	MajorPnP
	MajorSCSI

	// MajorMaximum is the largest Major value a driver's major function
	// table has room for.
	MajorMaximum Major = 0x1b
)

var majorNames = map[Major]string{
	MajorCreate:        "CREATE",
	MajorClose:         "CLOSE",
	MajorRead:          "READ",
	MajorWrite:         "WRITE",
	MajorDeviceControl: "DEVICE_CONTROL",
	MajorSystemControl: "SYSTEM_CONTROL",
	MajorPower:         "POWER",
	MajorPnP:           "PNP",
	MajorSCSI:          "SCSI",
}

// String returns the name of a Major.
func (m Major) String() string {
	if s, ok := majorNames[m]; ok {
		return s
	}
	return fmt.Sprintf("MAJOR_0x%02x", uint8(m))
}

// A Minor is a request sub-category.  Its meaning depends on the Major it
// is paired with.
type Minor uint8

// PnP minors.
const (
	MinorStartDevice Minor = iota
	MinorQueryRemoveDevice
	MinorRemoveDevice
	MinorCancelRemoveDevice
	MinorStopDevice
	MinorQueryDeviceRelations
	MinorQueryCapabilities
	MinorSurpriseRemoval
)

// Power minors.
const (
	MinorWaitWake Minor = iota
	MinorPowerSequence
	MinorSetPower
	MinorQueryPower
)

// SCSI minors.
const (
	MinorSCSIExecute Minor = iota
	MinorSCSIClaim
	MinorSCSIRelease
)

// A Status is the final disposition of a Request.  Values follow the
// familiar NTSTATUS encoding: the top two bits carry the severity.
type Status uint32

// Status values used by the driver and its collaborators.
const (
	StatusSuccess               Status = 0x00000000
	StatusPending               Status = 0x00000103
	StatusUnsuccessful          Status = 0xC0000001
	StatusInvalidParameter      Status = 0xC000000D
	StatusNoSuchDevice          Status = 0xC000000E
	StatusInvalidDeviceRequest  Status = 0xC0000010
	StatusBufferTooSmall        Status = 0xC0000023
	StatusObjectNameNotFound    Status = 0xC0000034
	StatusIOTimeout             Status = 0xC00000B5
	StatusMediaWriteProtected   Status = 0xC00000A2
	StatusInsufficientResources Status = 0xC000009A
	StatusDeviceNotReady        Status = 0xC00000A3
	StatusNotSupported          Status = 0xC00000BB
)

var statusNames = map[Status]string{
	StatusSuccess:               "SUCCESS",
	StatusPending:               "PENDING",
	StatusUnsuccessful:          "UNSUCCESSFUL",
	StatusInvalidParameter:      "INVALID_PARAMETER",
	StatusNoSuchDevice:          "NO_SUCH_DEVICE",
	StatusInvalidDeviceRequest:  "INVALID_DEVICE_REQUEST",
	StatusBufferTooSmall:        "BUFFER_TOO_SMALL",
	StatusObjectNameNotFound:    "OBJECT_NAME_NOT_FOUND",
	StatusIOTimeout:             "IO_TIMEOUT",
	StatusMediaWriteProtected:   "MEDIA_WRITE_PROTECTED",
	StatusInsufficientResources: "INSUFFICIENT_RESOURCES",
	StatusDeviceNotReady:        "DEVICE_NOT_READY",
	StatusNotSupported:          "NOT_SUPPORTED",
}

// String returns the name of a Status.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("STATUS_0x%08x", uint32(s))
}

// Error implements error, so collaborators can return a Status directly.
func (s Status) Error() string {
	return s.String()
}

// Success reports whether s is a success or informational status.
func (s Status) Success() bool {
	return s>>30 <= 1
}
