package driver

import (
	"errors"
	"fmt"

	"github.com/wgwjifeng/winvblock/irp"
)

// A Handler serves requests routed to it by the dispatch engine.
//
// A Handler either completes r and returns its status, returns
// irp.StatusPending and completes r later from its own continuation, or
// leaves r untouched so that handlers further down the device's stack get a
// chance to serve it.
type Handler interface {
	ServeIRP(d *Device, r *irp.Request) irp.Status
}

// The HandlerFunc type is an adapter to allow the use of ordinary functions
// as Handlers.
type HandlerFunc func(d *Device, r *irp.Request) irp.Status

// ServeIRP calls f(d, r).
func (f HandlerFunc) ServeIRP(d *Device, r *irp.Request) irp.Status {
	return f(d, r)
}

// An Entry pairs an opcode Match with the Handler serving it.
type Entry struct {
	irp.Match
	Handler Handler
}

// Handle builds an Entry.
func Handle(m irp.Match, h Handler) Entry {
	return Entry{Match: m, Handler: h}
}

// HandleFunc builds an Entry from a function.
func HandleFunc(m irp.Match, f func(d *Device, r *irp.Request) irp.Status) Entry {
	return Entry{Match: m, Handler: HandlerFunc(f)}
}

// A Table is an ordered list of Entries declared by a device type.  Later
// entries take priority over earlier ones.  A base Table starts with its
// single catch-all Entry.
type Table []Entry

// ErrInvalidTable is returned when a Table cannot be placed into service.
var ErrInvalidTable = errors.New("driver: invalid handling table")

// Validate checks that base is usable as the bottom of a handler stack: it
// must hold exactly one catch-all Entry, at index 0, and every Entry must
// have a Handler.
func Validate(base Table) error {
	if len(base) == 0 {
		return fmt.Errorf("%w: empty table", ErrInvalidTable)
	}
	if !base[0].CatchAll() {
		return fmt.Errorf("%w: entry 0 is not a catch-all", ErrInvalidTable)
	}
	for i, e := range base {
		if e.Handler == nil {
			return fmt.Errorf("%w: entry %d has no handler", ErrInvalidTable, i)
		}
		if i > 0 && e.CatchAll() {
			return fmt.Errorf("%w: entry %d is a second catch-all", ErrInvalidTable, i)
		}
	}

	return nil
}

// A Stack is the immutable handler stack of a Device: a validated base
// Table with layers pushed on top of it.
type Stack struct {
	entries []Entry
}

// NewStack validates base and stacks layers on top of it, in order.  The
// last layer's last Entry is consulted first.
func NewStack(base Table, layers ...Table) (*Stack, error) {
	if err := Validate(base); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(base))
	entries = append(entries, base...)
	for i, l := range layers {
		for j, e := range l {
			if e.Handler == nil {
				return nil, fmt.Errorf("%w: layer %d entry %d has no handler",
					ErrInvalidTable, i, j)
			}
		}
		entries = append(entries, l...)
	}

	return &Stack{entries: entries}, nil
}

// Len returns the number of entries in s.
func (s *Stack) Len() int {
	return len(s.entries)
}

// Entries returns a copy of the entries of s, base first.
func (s *Stack) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}
