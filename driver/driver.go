// Package driver implements the request dispatch core of winvblock: device
// handler stacks, the device lifecycle, the dispatch engine and the driver
// lifecycle controller which installs the engine as the entry point for
// every request.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wgwjifeng/winvblock/internal/logging"
	"github.com/wgwjifeng/winvblock/irp"
)

// A Bus enumerates the driver's devices.  AddDevice announces the root
// device; drv is the driver the bus submits its own requests through.
// AddDevice runs while drv is starting and must not call back into drv's
// lifecycle methods.
type Bus interface {
	Start(ctx context.Context) error
	AddDevice(ctx context.Context, drv *Driver) (*Device, error)
	Stop()
}

// A Protocol is a collaborator with background activity, stopped when the
// driver stops.
type Protocol interface {
	Stop()
}

// A Prober attaches the disks available at startup.
type Prober interface {
	ProbeDisks(ctx context.Context)
}

// A StateNotifier keeps the host informed that the driver is in use.
// Register returns the function undoing the registration.
type StateNotifier interface {
	Register() (unregister func(), err error)
}

// A DispatchFunc is the function installed for one Major.
type DispatchFunc func(d *Device, r *irp.Request) irp.Status

// ErrNotStarted is returned by operations which need a started Driver.
var ErrNotStarted = errors.New("driver: not started")

// Options configures a Driver.  Bus is required.
type Options struct {
	Bus       Bus
	Protocols []Protocol
	Prober    Prober
	Notifier  StateNotifier

	// Check verifies preconditions before anything is started.
	Check func() error

	Power   *PowerQueue
	Metrics Metrics
	Logger  *logging.Logger
}

// A Driver owns startup and shutdown of the virtual device stack.  Drivers
// are independent of each other.
type Driver struct {
	opts   Options
	log    *logging.Logger
	power  *PowerQueue
	engine *Engine

	mu         sync.Mutex
	started    bool
	unregister func()
	root       *Device

	// majors is nil until Start installs the major function table.
	majors atomic.Pointer[[irp.MajorMaximum + 1]DispatchFunc]
}

// New creates a Driver which is not yet started.
func New(opts Options) *Driver {
	power := opts.Power
	if power == nil {
		power = NewPowerQueue()
	}
	log := logging.OrDiscard(opts.Logger)

	return &Driver{
		opts:   opts,
		log:    log.With("component", "driver"),
		power:  power,
		engine: NewEngine(log, power, opts.Metrics),
	}
}

// Start brings the driver up: it checks preconditions, starts the bus,
// registers with the state notifier, installs the dispatch engine, announces
// the root device and probes disks once.  Starting a started Driver is a
// no-op.
func (drv *Driver) Start(ctx context.Context) error {
	drv.mu.Lock()
	defer drv.mu.Unlock()

	if drv.started {
		return nil
	}
	drv.log.Debug("entry")

	if drv.opts.Bus == nil {
		return errors.New("driver: no bus")
	}
	if drv.opts.Check != nil {
		if err := drv.opts.Check(); err != nil {
			return fmt.Errorf("driver: precondition: %w", err)
		}
	}
	if err := drv.opts.Bus.Start(ctx); err != nil {
		return fmt.Errorf("driver: bus start: %w", err)
	}

	if drv.opts.Notifier != nil {
		unregister, err := drv.opts.Notifier.Register()
		if err != nil {
			drv.log.Warn("could not register system state", "error", err)
		} else {
			drv.unregister = unregister
		}
	}

	drv.majors.Store(drv.majorTable())

	root, err := drv.opts.Bus.AddDevice(ctx, drv)
	if err != nil {
		drv.majors.Store(nil)
		drv.stopCollaborators()
		return fmt.Errorf("driver: add root device: %w", err)
	}
	drv.root = root

	if drv.opts.Prober != nil {
		drv.opts.Prober.ProbeDisks(ctx)
	}

	drv.started = true
	drv.log.Info("driver started", "root", root.String())
	return nil
}

// majorTable routes every supported Major to the engine and all others to
// DispatchNotSupported.
func (drv *Driver) majorTable() *[irp.MajorMaximum + 1]DispatchFunc {
	var t [irp.MajorMaximum + 1]DispatchFunc
	for i := range t {
		t[i] = DispatchNotSupported
	}
	for _, m := range []irp.Major{
		irp.MajorPnP,
		irp.MajorPower,
		irp.MajorCreate,
		irp.MajorClose,
		irp.MajorRead,
		irp.MajorWrite,
		irp.MajorSystemControl,
		irp.MajorDeviceControl,
		irp.MajorSCSI,
	} {
		t[m] = drv.engine.Dispatch
	}

	return &t
}

// Stop reverses Start.  It is safe to call on a Driver whose Start failed
// part way, and to call more than once.
func (drv *Driver) Stop() {
	drv.mu.Lock()
	defer drv.mu.Unlock()

	drv.majors.Store(nil)
	drv.stopCollaborators()
	drv.root = nil
	drv.started = false
	drv.log.Info("driver stopped")
}

func (drv *Driver) stopCollaborators() {
	if drv.unregister != nil {
		drv.unregister()
		drv.unregister = nil
	}
	for _, p := range drv.opts.Protocols {
		p.Stop()
	}
	if drv.opts.Bus != nil {
		drv.opts.Bus.Stop()
	}
}

// Started reports whether drv is started.
func (drv *Driver) Started() bool {
	drv.mu.Lock()
	defer drv.mu.Unlock()
	return drv.started
}

// Root returns the root bus device, or nil if drv is not started.
func (drv *Driver) Root() *Device {
	drv.mu.Lock()
	defer drv.mu.Unlock()
	return drv.root
}

// Engine returns the dispatch engine of drv.
func (drv *Driver) Engine() *Engine {
	return drv.engine
}

// Power returns the power request queue of drv.
func (drv *Driver) Power() *PowerQueue {
	return drv.power
}

// Submit is the single entry point for requests: it invokes the function
// installed for r's Major.  Before Start, requests fail with
// irp.StatusDeviceNotReady; power requests are still acknowledged.
func (drv *Driver) Submit(d *Device, r *irp.Request) irp.Status {
	t := drv.majors.Load()
	if t == nil || r.Major > irp.MajorMaximum {
		if r.Major == irp.MajorPower {
			drv.power.StartNextPowerRequest(r)
		}
		return Complete(r, irp.StatusDeviceNotReady, 0)
	}

	return t[r.Major](d, r)
}

// SubmitWait submits r to d and waits for it to complete.
func (drv *Driver) SubmitWait(ctx context.Context, d *Device, r *irp.Request) (irp.Status, error) {
	if s := drv.Submit(d, r); s != irp.StatusPending {
		return r.Status(), nil
	}
	return r.Wait(ctx)
}

// SetPower sends a set-power request to d, waiting for the power queue to
// be free first.
func (drv *Driver) SetPower(ctx context.Context, d *Device) (irp.Status, error) {
	if err := drv.power.Acquire(ctx); err != nil {
		return irp.StatusPending, err
	}
	return drv.SubmitWait(ctx, d, irp.New(irp.MajorPower, irp.MinorSetPower))
}

// DispatchNotSupported fails every request with irp.StatusNotSupported.
// It is installed for Majors the driver does not route.
func DispatchNotSupported(_ *Device, r *irp.Request) irp.Status {
	return Complete(r, irp.StatusNotSupported, 0)
}

// NotSupported is the catch-all handler of the base table.
var NotSupported = HandlerFunc(func(_ *Device, r *irp.Request) irp.Status {
	return Complete(r, irp.StatusNotSupported, 0)
})

// CreateClose succeeds create and close requests.
var CreateClose = HandlerFunc(func(_ *Device, r *irp.Request) irp.Status {
	return Complete(r, irp.StatusSuccess, 0)
})

// BaseTable returns the handling table every device type is built on.
// Its catch-all comes first in declaration order and is therefore
// consulted last.
func BaseTable() Table {
	return Table{
		Handle(irp.Any(), NotSupported),
		Handle(irp.ForMajor(irp.MajorClose), CreateClose),
		Handle(irp.ForMajor(irp.MajorCreate), CreateClose),
	}
}
