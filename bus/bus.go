// Package bus implements the winvblock bus: the root device every control
// request is sent to, and the bookkeeping of the disks it enumerates.
package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/wgwjifeng/winvblock/aoe"
	"github.com/wgwjifeng/winvblock/disk"
	"github.com/wgwjifeng/winvblock/driver"
	"github.com/wgwjifeng/winvblock/internal/config"
	"github.com/wgwjifeng/winvblock/internal/logging"
	"github.com/wgwjifeng/winvblock/ioctl"
	"github.com/wgwjifeng/winvblock/irp"
)

// ErrNoSuchDisk is returned for disk numbers the bus does not know.
var ErrNoSuchDisk = errors.New("bus: no such disk")

// A Protocol finds and opens AoE targets.  *aoe.Client is a Protocol.
type Protocol interface {
	Discover(ctx context.Context) ([]aoe.TargetInfo, error)
	Open(ctx context.Context, mac net.HardwareAddr, major uint16, minor uint8) (*aoe.Disk, error)
	LocalAddr() net.HardwareAddr
}

var _ Protocol = &aoe.Client{}

// Options configures a Bus.  All fields are optional; without a Protocol,
// AoE requests fail with irp.StatusDeviceNotReady.
type Options struct {
	Protocol Protocol
	Probe    config.ProbeConfig
	Log      *logging.Logger
}

// Extension is the device extension of the root bus device.
type Extension struct {
	bus *Bus
}

var _ driver.Extension = &Extension{}

// Kind implements driver.Extension.
func (*Extension) Kind() driver.Kind { return driver.KindBus }

// Bus is the winvblock bus.  It implements driver.Bus and driver.Prober.
type Bus struct {
	opts Options
	log  *logging.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	drv      *driver.Driver
	root     *driver.Device
	children map[uint32]*driver.Device
	next     uint32
}

var (
	_ driver.Bus    = &Bus{}
	_ driver.Prober = &Bus{}
)

// New creates a Bus.
func New(opts Options) *Bus {
	return &Bus{
		opts:     opts,
		log:      logging.OrDiscard(opts.Log).With("component", "bus"),
		children: make(map[uint32]*driver.Device),
	}
}

// Start implements driver.Bus.
func (b *Bus) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Requests outlive the context Start was called with.
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return nil
}

// AddDevice implements driver.Bus.  It creates the root device.
func (b *Bus) AddDevice(_ context.Context, drv *driver.Driver) (*driver.Device, error) {
	h := &handlers{b: b, eng: drv.Engine()}
	root, err := driver.NewDevice("winvblock", &Extension{bus: b}, driver.BaseTable(), driver.Table{
		driver.HandleFunc(irp.ForMajor(irp.MajorDeviceControl), h.deviceControl),
		driver.HandleFunc(irp.ForMajor(irp.MajorPnP), h.pnp),
		driver.HandleFunc(irp.ForMajor(irp.MajorPower), h.power),
		driver.HandleFunc(irp.ForMajor(irp.MajorSystemControl), h.systemControl),
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.drv = drv
	b.root = root
	return root, nil
}

// Stop implements driver.Bus.  It deletes every disk and releases its
// backend.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	children := b.children
	b.children = make(map[uint32]*driver.Device)
	b.drv = nil
	b.root = nil
	b.mu.Unlock()

	for _, d := range children {
		if !d.Delete() {
			continue
		}
		if e, ok := disk.ExtensionOf(d); ok {
			if err := e.Close(); err != nil {
				b.log.Warn("closing disk failed", "disk", d.Name, "error", err)
			}
		}
	}
	b.log.Debug("bus stopped", "disks", len(children))
}

// ProbeDisks implements driver.Prober.  It attaches the configured file
// images and mounts the configured AoE targets.  Failures are logged.
func (b *Bus) ProbeDisks(ctx context.Context) {
	for _, f := range b.opts.Probe.Files {
		m, err := ioctl.ParseMedia(f.Media)
		if err != nil {
			b.log.Warn("probe: skipping file disk", "path", f.Path, "error", err)
			continue
		}
		n, err := b.Attach(ioctl.Attach{
			Media:     m,
			Cylinders: f.Cylinders,
			Heads:     f.Heads,
			Sectors:   f.Sectors,
			Path:      f.Path,
		})
		if err != nil {
			b.log.Warn("probe: attach failed", "path", f.Path, "error", err)
			continue
		}
		b.log.Info("probe: attached file disk", "path", f.Path, "disk", n)
	}

	for _, a := range b.opts.Probe.AoE {
		mac, err := net.ParseMAC(a.MAC)
		if err != nil {
			b.log.Warn("probe: skipping AoE disk", "mac", a.MAC, "error", err)
			continue
		}
		n, err := b.Mount(ctx, mac, a.Major, a.Minor)
		if err != nil {
			b.log.Warn("probe: mount failed", "mac", a.MAC, "major", a.Major, "minor", a.Minor, "error", err)
			continue
		}
		b.log.Info("probe: mounted AoE disk", "mac", a.MAC, "major", a.Major, "minor", a.Minor, "disk", n)
	}
}

// Attach creates a disk backed by the image a describes and returns its
// number.
func (b *Bus) Attach(a ioctl.Attach) (uint32, error) {
	e, err := disk.AttachFile(a)
	if err != nil {
		return 0, err
	}
	return b.add(e)
}

// Mount opens the AoE target major.minor behind mac, creates a disk for it
// and returns its number.
func (b *Bus) Mount(ctx context.Context, mac net.HardwareAddr, major uint16, minor uint8) (uint32, error) {
	p := b.opts.Protocol
	if p == nil {
		return 0, irp.StatusDeviceNotReady
	}

	d, err := p.Open(ctx, mac, major, minor)
	if err != nil {
		return 0, err
	}
	e, err := disk.NewAoEExtension(d, disk.AoETarget{
		ClientMAC: p.LocalAddr(),
		ServerMAC: mac,
		Major:     major,
		Minor:     minor,
	})
	if err != nil {
		_ = d.Close()
		return 0, err
	}
	return b.add(e)
}

// add numbers e and creates its device.  The extension is closed if the
// device cannot be created.
func (b *Bus) add(e *disk.Extension) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.drv == nil {
		_ = e.Close()
		return 0, driver.ErrNotStarted
	}

	e.Number = b.next
	d, err := disk.NewDevice(b.drv.Engine(), e, b.log)
	if err != nil {
		_ = e.Close()
		return 0, fmt.Errorf("bus: create disk: %w", err)
	}
	b.next++
	b.children[e.Number] = d

	b.log.Info("disk added", "disk", e.Number, "media", e.Media, "size", e.Size())
	return e.Number, nil
}

// Disk returns disk n.
func (b *Bus) Disk(n uint32) (*driver.Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.children[n]
	return d, ok
}

// Disks returns every disk, ordered by number.
func (b *Bus) Disks() []*driver.Device {
	b.mu.Lock()
	ns := make([]uint32, 0, len(b.children))
	for n := range b.children {
		ns = append(ns, n)
	}
	slices.Sort(ns)
	ds := make([]*driver.Device, 0, len(ns))
	for _, n := range ns {
		ds = append(ds, b.children[n])
	}
	b.mu.Unlock()
	return ds
}

// Remove takes disk n off the bus.  The disk is powered down and sent a
// PnP remove request, which deletes it and releases its backend.  A disk
// that could not be removed stays on the bus.
func (b *Bus) Remove(ctx context.Context, n uint32) error {
	b.mu.Lock()
	d, ok := b.children[n]
	drv := b.drv
	b.mu.Unlock()

	if !ok {
		return ErrNoSuchDisk
	}
	// Once deleted, a disk is unreachable whatever the outcome below.
	defer func() {
		if d.State() == driver.Deleted {
			b.forget(n, d)
		}
	}()

	if s, err := drv.SetPower(ctx, d); err != nil {
		return fmt.Errorf("bus: power down disk %d: %w", n, err)
	} else if !s.Success() {
		b.log.Warn("power down failed", "disk", n, "status", s)
	}

	s, err := drv.SubmitWait(ctx, d, irp.New(irp.MajorPnP, irp.MinorRemoveDevice))
	if err != nil {
		return fmt.Errorf("bus: remove disk %d: %w", n, err)
	}
	if !s.Success() {
		return s
	}
	return nil
}

// forget drops disk n if it is still d.
func (b *Bus) forget(n uint32, d *driver.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.children[n] == d {
		delete(b.children, n)
	}
}
