package driver

import (
	"context"
	"sync/atomic"

	"github.com/wgwjifeng/winvblock/irp"
)

// A PowerQueue allows one power request in flight at a time.  Senders call
// Acquire before submitting a power request; the request's handler (or the
// engine, for a Deleted device) releases the slot through
// StartNextPowerRequest.
type PowerQueue struct {
	slot  chan struct{}
	acked atomic.Uint64
}

// NewPowerQueue creates an idle PowerQueue.
func NewPowerQueue() *PowerQueue {
	return &PowerQueue{slot: make(chan struct{}, 1)}
}

// Acquire blocks until no other power request is in flight, or ctx is done.
func (q *PowerQueue) Acquire(ctx context.Context) error {
	select {
	case q.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartNextPowerRequest acknowledges r and frees the in-flight slot, if it
// is held.
func (q *PowerQueue) StartNextPowerRequest(r *irp.Request) {
	q.acked.Add(1)
	select {
	case <-q.slot:
	default:
	}
}

// Acknowledged returns the number of power requests acknowledged so far.
func (q *PowerQueue) Acknowledged() uint64 {
	return q.acked.Load()
}
