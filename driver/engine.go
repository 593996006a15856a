package driver

import (
	"time"

	"github.com/wgwjifeng/winvblock/internal/logging"
	"github.com/wgwjifeng/winvblock/irp"
)

// A PowerDrainer acknowledges power requests so that the next queued power
// request can start.  Every power request must be acknowledged, including
// those failed because their device is gone.
type PowerDrainer interface {
	StartNextPowerRequest(r *irp.Request)
}

// Metrics observes dispatched requests.  A nil Metrics disables collection.
type Metrics interface {
	// RecordDispatch records the disposition of one request: its final
	// status, or irp.StatusPending when a handler deferred completion.
	RecordDispatch(major irp.Major, status irp.Status, d time.Duration)
}

// An Engine routes requests through device handler stacks.  An Engine
// holds no mutable state and is safe for concurrent use.
type Engine struct {
	log     *logging.Logger
	power   PowerDrainer
	metrics Metrics
}

// NewEngine creates an Engine.  power must not be nil; log and metrics may
// be.
func NewEngine(log *logging.Logger, power PowerDrainer, metrics Metrics) *Engine {
	return &Engine{
		log:     logging.OrDiscard(log).With("component", "dispatch"),
		power:   power,
		metrics: metrics,
	}
}

// Dispatch drives r to completion on d and returns the resulting status.
//
// Requests to a Deleted device fail with irp.StatusNoSuchDevice without
// consulting the stack; power requests are acknowledged first.  Otherwise
// d's stack is walked from the top, and every matching handler is invoked
// until one completes r or defers it with irp.StatusPending.
//
// The engine acknowledges every power request to its PowerDrainer exactly
// once, so handlers never do.
func (e *Engine) Dispatch(d *Device, r *irp.Request) irp.Status {
	start := time.Now()

	if d.State() == Deleted {
		if r.Major == irp.MajorPower {
			e.power.StartNextPowerRequest(r)
		}
		r.SetOutput(nil)
		e.complete(r, irp.StatusNoSuchDevice, 0)
		e.record(r.Major, irp.StatusNoSuchDevice, start)
		return irp.StatusNoSuchDevice
	}

	e.log.Debug("request start",
		"device", d.String(), "major", r.Major, "minor", r.Minor)

	status := irp.StatusInvalidDeviceRequest
	outcome, at := irp.Walk(d.stack.entries, func(h Entry) irp.Outcome {
		if !h.Matches(r.Major, r.Minor) {
			return irp.Continue
		}

		status = h.Handler.ServeIRP(d, r)
		switch {
		case status == irp.StatusPending:
			return irp.Pending
		case r.Completed():
			return irp.Completed
		default:
			return irp.Continue
		}
	})

	if outcome == irp.Continue {
		// Only reachable when the catch-all failed to complete.
		e.log.Error("request left uncompleted by handler stack",
			"device", d.String(), "major", r.Major, "minor", r.Minor)
		status = irp.StatusInvalidDeviceRequest
		e.complete(r, status, 0)
	}

	if outcome != irp.Pending {
		if r.Major == irp.MajorPower {
			e.power.StartNextPowerRequest(r)
		}
		e.log.Debug("request end", "device", d.String(), "major", r.Major,
			"minor", r.Minor, "status", status, "entry", at)
	}
	e.record(r.Major, status, start)

	return status
}

// CompletePending completes a request whose handler returned
// irp.StatusPending.
func (e *Engine) CompletePending(r *irp.Request, status irp.Status, information int) {
	if r.Major == irp.MajorPower {
		e.power.StartNextPowerRequest(r)
	}
	e.log.Debug("request end", "major", r.Major, "minor", r.Minor,
		"status", status, "pending", true)
	e.complete(r, status, information)
}

func (e *Engine) complete(r *irp.Request, status irp.Status, information int) {
	if err := r.Complete(status, information); err != nil {
		e.log.Error("request completed twice", "major", r.Major, "status", status)
	}
}

func (e *Engine) record(m irp.Major, s irp.Status, start time.Time) {
	if e.metrics != nil {
		e.metrics.RecordDispatch(m, s, time.Since(start))
	}
}

// Complete completes r with status and information, and returns status.  It
// lets handlers finish with a single statement.
func Complete(r *irp.Request, status irp.Status, information int) irp.Status {
	_ = r.Complete(status, information)
	return status
}

// CompleteOutput stores out as the result payload of r and completes it with
// status, reporting len(out) valid bytes.
func CompleteOutput(r *irp.Request, status irp.Status, out []byte) irp.Status {
	r.SetOutput(out)
	return Complete(r, status, len(out))
}
