package driver

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// A State is the lifecycle state of a Device.
type State int32

const (
	// Active is the initial state of every Device.
	Active State = iota

	// Deleted is terminal.  A Deleted device fails every request.
	Deleted
)

// String returns the name of a State.
func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// A Kind identifies the type of a Device.
type Kind uint8

// Device kinds known to the driver.
const (
	KindBus Kind = iota + 1
	KindDisk
)

// String returns the name of a Kind.
func (k Kind) String() string {
	switch k {
	case KindBus:
		return "bus"
	case KindDisk:
		return "disk"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// An Extension is the kind-specific data owned by a Device.  Each Kind has
// exactly one Extension type, defined by the package implementing the kind.
type Extension interface {
	Kind() Kind
}

// A Device is an addressable virtual device.  Its handler stack is fixed at
// creation; only its lifecycle state changes afterwards.
type Device struct {
	ID   uuid.UUID
	Name string

	ext   Extension
	stack *Stack
	state atomic.Int32
}

// NewDevice creates an Active Device whose stack is base with layers pushed
// on top.  NewDevice fails if base is not a valid base Table or ext is not
// of a known Kind.
func NewDevice(name string, ext Extension, base Table, layers ...Table) (*Device, error) {
	if ext == nil {
		return nil, fmt.Errorf("driver: device %q has no extension", name)
	}
	switch ext.Kind() {
	case KindBus, KindDisk:
	default:
		return nil, fmt.Errorf("driver: device %q has unknown kind %v", name, ext.Kind())
	}

	s, err := NewStack(base, layers...)
	if err != nil {
		return nil, fmt.Errorf("device %q: %w", name, err)
	}

	return &Device{
		ID:    uuid.New(),
		Name:  name,
		ext:   ext,
		stack: s,
	}, nil
}

// Kind returns the Kind of d.
func (d *Device) Kind() Kind {
	return d.ext.Kind()
}

// Extension returns the kind-specific data of d.
func (d *Device) Extension() Extension {
	return d.ext
}

// Stack returns the handler stack of d.
func (d *Device) Stack() *Stack {
	return d.stack
}

// State returns the current lifecycle state of d.
func (d *Device) State() State {
	return State(d.state.Load())
}

// Delete moves d to Deleted.  It reports whether this call performed the
// transition; deleting a Deleted device changes nothing.
func (d *Device) Delete() bool {
	return d.state.CompareAndSwap(int32(Active), int32(Deleted))
}

// String returns a short description of d for logging.
func (d *Device) String() string {
	return fmt.Sprintf("%s(%s)", d.Name, d.ext.Kind())
}
