package irp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrAlreadyCompleted is returned when a Request is completed a second time.
var ErrAlreadyCompleted = errors.New("irp: request already completed")

// A Request is a single unit of work submitted to a device.
//
// The exported fields describe the request and are set by the submitter.
// The outcome is set by whichever handler completes the Request, through
// SetOutput and Complete.
type Request struct {
	Major Major
	Minor Minor

	// Code is the control code of a MajorDeviceControl request.
	Code uint32

	// Input holds the caller's input buffer.
	Input []byte

	// OutputLength is the capacity of the caller's output buffer.
	OutputLength int

	// Offset and Buffer describe the byte range of a read or write.  Reads
	// fill Buffer, writes consume it.
	Offset int64
	Buffer []byte

	once        sync.Once
	done        chan struct{}
	completed   atomic.Bool
	status      Status
	information int
	output      []byte
}

// New creates a Request for the given opcodes.
func New(major Major, minor Minor) *Request {
	return &Request{
		Major: major,
		Minor: minor,
	}
}

// NewControl creates a MajorDeviceControl Request carrying a control code,
// its input payload and the capacity of the caller's output buffer.
func NewControl(code uint32, input []byte, outputLength int) *Request {
	return &Request{
		Major:        MajorDeviceControl,
		Code:         code,
		Input:        input,
		OutputLength: outputLength,
	}
}

func (r *Request) init() {
	r.once.Do(func() {
		r.done = make(chan struct{})
	})
}

// SetOutput stores the result payload of a Request.  It must be called
// before Complete.
func (r *Request) SetOutput(b []byte) {
	r.output = b
}

// Complete attaches the final status and the number of valid result bytes
// to r, and signals it as resolved.  Only the first call has any effect;
// later calls return ErrAlreadyCompleted.
func (r *Request) Complete(status Status, information int) error {
	r.init()
	if !r.completed.CompareAndSwap(false, true) {
		return ErrAlreadyCompleted
	}

	r.status = status
	r.information = information
	close(r.done)
	return nil
}

// Completed reports whether r has been completed.
func (r *Request) Completed() bool {
	return r.completed.Load()
}

// Done returns a channel which is closed once r is completed.
func (r *Request) Done() <-chan struct{} {
	r.init()
	return r.done
}

// Wait blocks until r is completed or ctx is done.
func (r *Request) Wait(ctx context.Context) (Status, error) {
	select {
	case <-r.Done():
		return r.status, nil
	case <-ctx.Done():
		return StatusPending, ctx.Err()
	}
}

// resolved reports whether the outcome of r is published.
func (r *Request) resolved() bool {
	select {
	case <-r.Done():
		return true
	default:
		return false
	}
}

// Status returns the final status of r, or StatusPending if r has not been
// completed yet.
func (r *Request) Status() Status {
	if !r.resolved() {
		return StatusPending
	}
	return r.status
}

// Information returns the number of valid result bytes of a completed r.
func (r *Request) Information() int {
	if !r.resolved() {
		return 0
	}
	return r.information
}

// Output returns the valid part of the result payload of a completed r.
func (r *Request) Output() []byte {
	if !r.resolved() {
		return nil
	}
	n := r.information
	if n > len(r.output) {
		n = len(r.output)
	}
	return r.output[:n]
}
