package bus

import (
	"context"
	"errors"

	"github.com/wgwjifeng/winvblock/disk"
	"github.com/wgwjifeng/winvblock/driver"
	"github.com/wgwjifeng/winvblock/ioctl"
	"github.com/wgwjifeng/winvblock/irp"
)

type handlers struct {
	b   *Bus
	eng *driver.Engine
}

// status maps an error from a bus operation to a request status.
func status(err error) irp.Status {
	switch {
	case errors.Is(err, ErrNoSuchDisk):
		return irp.StatusNoSuchDevice
	case errors.Is(err, driver.ErrNotStarted):
		return irp.StatusDeviceNotReady
	case errors.Is(err, ioctl.ErrShortPayload):
		return irp.StatusInvalidParameter
	case errors.Is(err, context.Canceled):
		return irp.StatusDeviceNotReady
	case errors.Is(err, context.DeadlineExceeded):
		return irp.StatusIOTimeout
	default:
		return disk.Status(err)
	}
}

// requestContext returns the context requests run under until the bus
// stops.
func (h *handlers) requestContext() context.Context {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	if h.b.ctx == nil {
		return context.Background()
	}
	return h.b.ctx
}

// async runs f in its own goroutine and completes r with its result.
func (h *handlers) async(r *irp.Request, f func(ctx context.Context) ([]byte, error)) irp.Status {
	ctx := h.requestContext()
	go func() {
		out, err := f(ctx)
		if err != nil {
			h.b.log.Warn("control request failed", "code", ioctl.Name(r.Code), "error", err)
			h.eng.CompletePending(r, status(err), 0)
			return
		}
		r.SetOutput(out)
		h.eng.CompletePending(r, irp.StatusSuccess, len(out))
	}()
	return irp.StatusPending
}

func (h *handlers) deviceControl(_ *driver.Device, r *irp.Request) irp.Status {
	h.b.log.Debug("device control", "code", ioctl.Name(r.Code), "input", len(r.Input), "output", r.OutputLength)

	switch r.Code {
	case ioctl.AoEScan:
		return h.scan(r)
	case ioctl.AoEShow:
		return h.show(r)
	case ioctl.AoEMount:
		return h.mount(r)
	case ioctl.AoEUmount, ioctl.FileDetach:
		return h.remove(r)
	case ioctl.FileAttach:
		return h.attach(r)
	default:
		return irp.StatusNotSupported
	}
}

func (h *handlers) scan(r *irp.Request) irp.Status {
	p := h.b.opts.Protocol
	if p == nil {
		return driver.Complete(r, irp.StatusDeviceNotReady, 0)
	}
	if r.OutputLength < 4 {
		return driver.Complete(r, irp.StatusBufferTooSmall, 0)
	}

	return h.async(r, func(ctx context.Context) ([]byte, error) {
		found, err := p.Discover(ctx)
		if err != nil {
			return nil, err
		}
		ts := make([]ioctl.Target, 0, len(found))
		for _, t := range found {
			ts = append(ts, ioctl.Target{
				ClientMAC: t.ClientMAC,
				ServerMAC: t.ServerMAC,
				Major:     t.Major,
				Minor:     t.Minor,
				LBASize:   uint64(t.Sectors),
			})
		}
		return ioctl.EncodeTargets(ts, r.OutputLength), nil
	})
}

func (h *handlers) show(r *irp.Request) irp.Status {
	if r.OutputLength < 4 {
		return driver.Complete(r, irp.StatusBufferTooSmall, 0)
	}

	var ds []ioctl.MountedDisk
	for _, d := range h.b.Disks() {
		e, ok := disk.ExtensionOf(d)
		if !ok || e.AoE == nil {
			continue
		}
		ds = append(ds, ioctl.MountedDisk{
			Disk: e.Number,
			Target: ioctl.Target{
				ClientMAC: e.AoE.ClientMAC,
				ServerMAC: e.AoE.ServerMAC,
				Major:     e.AoE.Major,
				Minor:     e.AoE.Minor,
				LBASize:   e.LBASize(),
			},
		})
	}
	return driver.CompleteOutput(r, irp.StatusSuccess, ioctl.EncodeMountedDisks(ds, r.OutputLength))
}

// diskNumber encodes n when the caller has room for it.
func diskNumber(r *irp.Request, n uint32) []byte {
	if r.OutputLength < 4 {
		return nil
	}
	b, _ := ioctl.DiskNumber(n).MarshalBinary()
	return b
}

func (h *handlers) mount(r *irp.Request) irp.Status {
	var m ioctl.Mount
	if err := m.UnmarshalBinary(r.Input); err != nil {
		return driver.Complete(r, irp.StatusInvalidParameter, 0)
	}
	if h.b.opts.Protocol == nil {
		return driver.Complete(r, irp.StatusDeviceNotReady, 0)
	}

	h.b.log.Info("mounting", "major", m.Major, "minor", m.Minor, "mac", m.Server.String())
	return h.async(r, func(ctx context.Context) ([]byte, error) {
		n, err := h.b.Mount(ctx, m.Server, m.Major, m.Minor)
		if err != nil {
			return nil, err
		}
		return diskNumber(r, n), nil
	})
}

func (h *handlers) remove(r *irp.Request) irp.Status {
	var n ioctl.DiskNumber
	if err := n.UnmarshalBinary(r.Input); err != nil {
		return driver.Complete(r, irp.StatusInvalidParameter, 0)
	}
	d, ok := h.b.Disk(uint32(n))
	if !ok {
		return driver.Complete(r, irp.StatusNoSuchDevice, 0)
	}

	// Each code removes only the kind of disk it created.
	e, _ := disk.ExtensionOf(d)
	if (r.Code == ioctl.AoEUmount) != (e != nil && e.AoE != nil) {
		return driver.Complete(r, irp.StatusInvalidParameter, 0)
	}

	h.b.log.Info("removing disk", "disk", uint32(n), "code", ioctl.Name(r.Code))
	return h.async(r, func(ctx context.Context) ([]byte, error) {
		return nil, h.b.Remove(ctx, uint32(n))
	})
}

func (h *handlers) attach(r *irp.Request) irp.Status {
	var a ioctl.Attach
	if err := a.UnmarshalBinary(r.Input); err != nil {
		return driver.Complete(r, irp.StatusInvalidParameter, 0)
	}

	n, err := h.b.Attach(a)
	if err != nil {
		h.b.log.Warn("attach failed", "path", a.Path, "error", err)
		return driver.Complete(r, status(err), 0)
	}
	return driver.CompleteOutput(r, irp.StatusSuccess, diskNumber(r, n))
}

func (h *handlers) pnp(_ *driver.Device, r *irp.Request) irp.Status {
	switch r.Minor {
	case irp.MinorStartDevice, irp.MinorQueryCapabilities, irp.MinorStopDevice,
		irp.MinorCancelRemoveDevice:
		return driver.Complete(r, irp.StatusSuccess, 0)
	case irp.MinorQueryDeviceRelations:
		n := len(h.b.Disks())
		return driver.Complete(r, irp.StatusSuccess, n)
	case irp.MinorQueryRemoveDevice, irp.MinorRemoveDevice, irp.MinorSurpriseRemoval:
		// The root goes away with the driver, not through PnP.
		return driver.Complete(r, irp.StatusUnsuccessful, 0)
	default:
		return irp.StatusNotSupported
	}
}

func (h *handlers) power(_ *driver.Device, r *irp.Request) irp.Status {
	return driver.Complete(r, irp.StatusSuccess, 0)
}

// systemControl has no WMI providers to serve.
func (h *handlers) systemControl(_ *driver.Device, r *irp.Request) irp.Status {
	return driver.Complete(r, irp.StatusSuccess, 0)
}
