package disk

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/wgwjifeng/winvblock/aoe"
	"github.com/wgwjifeng/winvblock/driver"
	"github.com/wgwjifeng/winvblock/internal/logging"
	"github.com/wgwjifeng/winvblock/ioctl"
	"github.com/wgwjifeng/winvblock/irp"
)

// Status maps a backend error to the status a request completes with.
func Status(err error) irp.Status {
	var s irp.Status
	switch {
	case err == nil:
		return irp.StatusSuccess
	case errors.As(err, &s):
		return s
	case errors.Is(err, fs.ErrNotExist):
		return irp.StatusObjectNameNotFound
	case errors.Is(err, fs.ErrPermission):
		return irp.StatusMediaWriteProtected
	case errors.Is(err, aoe.ErrTimeout), errors.Is(err, os.ErrDeadlineExceeded):
		return irp.StatusIOTimeout
	case errors.Is(err, aoe.ErrClosed), errors.Is(err, fs.ErrClosed):
		return irp.StatusNoSuchDevice
	default:
		return irp.StatusUnsuccessful
	}
}

type handlers struct {
	eng *driver.Engine
	log *logging.Logger
}

// NewDevice creates the device serving disk e.  Asynchronous requests are
// completed through eng.
func NewDevice(eng *driver.Engine, e *Extension, log *logging.Logger) (*driver.Device, error) {
	h := &handlers{
		eng: eng,
		log: logging.OrDiscard(log).With("component", "disk", "disk", e.Number),
	}

	return driver.NewDevice(fmt.Sprintf("disk%d", e.Number), e, driver.BaseTable(), driver.Table{
		driver.HandleFunc(irp.ForMajor(irp.MajorRead), h.transfer),
		driver.HandleFunc(irp.ForMajor(irp.MajorWrite), h.transfer),
		driver.HandleFunc(irp.ForMajor(irp.MajorDeviceControl), h.deviceControl),
		driver.HandleFunc(irp.ForMajor(irp.MajorSCSI), h.scsi),
		driver.HandleFunc(irp.ForMajor(irp.MajorPower), h.power),
		driver.HandleFunc(irp.ForMajor(irp.MajorPnP), h.pnp),
	})
}

// transfer serves MajorRead and MajorWrite.  r.Offset and r.Buffer must be
// sector aligned and within the disk.
func (h *handlers) transfer(d *driver.Device, r *irp.Request) irp.Status {
	e := d.Extension().(*Extension)

	sector := int64(e.Geometry.BytesPerSector)
	n := int64(len(r.Buffer))
	if r.Offset < 0 || r.Offset%sector != 0 || n%sector != 0 || n > e.size || r.Offset > e.size-n {
		return driver.Complete(r, irp.StatusInvalidParameter, 0)
	}
	if n == 0 {
		return driver.Complete(r, irp.StatusSuccess, 0)
	}
	if r.Major == irp.MajorWrite && e.Media == ioctl.MediaOptical {
		return driver.Complete(r, irp.StatusMediaWriteProtected, 0)
	}

	do := func() (int, error) {
		if r.Major == irp.MajorWrite {
			return e.backend.WriteAt(r.Buffer, r.Offset)
		}
		return e.backend.ReadAt(r.Buffer, r.Offset)
	}

	if !e.async {
		n, err := do()
		return driver.Complete(r, Status(err), n)
	}

	go func() {
		n, err := do()
		if err != nil {
			h.log.Warn("transfer failed", "major", r.Major, "offset", r.Offset, "error", err)
		}
		h.eng.CompletePending(r, Status(err), n)
	}()
	return irp.StatusPending
}

// deviceControl answers geometry queries and leaves other codes to the
// catch-all.
func (h *handlers) deviceControl(d *driver.Device, r *irp.Request) irp.Status {
	if r.Code != ioctl.DiskGetGeometry {
		return irp.StatusNotSupported
	}
	if r.OutputLength < ioctl.GeometryLen {
		return driver.Complete(r, irp.StatusBufferTooSmall, 0)
	}

	e := d.Extension().(*Extension)
	g := ioctl.Geometry{
		Cylinders:         e.Geometry.Cylinders,
		MediaType:         mediaType(e.Media),
		TracksPerCylinder: e.Geometry.Heads,
		SectorsPerTrack:   e.Geometry.SectorsPerTrack,
		BytesPerSector:    e.Geometry.BytesPerSector,
	}
	b, _ := g.MarshalBinary()
	return driver.CompleteOutput(r, irp.StatusSuccess, b)
}

func (h *handlers) scsi(_ *driver.Device, r *irp.Request) irp.Status {
	switch r.Minor {
	case irp.MinorSCSIClaim, irp.MinorSCSIRelease:
		return driver.Complete(r, irp.StatusSuccess, 0)
	default:
		return irp.StatusNotSupported
	}
}

func (h *handlers) power(_ *driver.Device, r *irp.Request) irp.Status {
	return driver.Complete(r, irp.StatusSuccess, 0)
}

func (h *handlers) pnp(d *driver.Device, r *irp.Request) irp.Status {
	switch r.Minor {
	case irp.MinorStartDevice, irp.MinorQueryRemoveDevice, irp.MinorCancelRemoveDevice,
		irp.MinorStopDevice, irp.MinorQueryCapabilities:
		return driver.Complete(r, irp.StatusSuccess, 0)
	case irp.MinorRemoveDevice, irp.MinorSurpriseRemoval:
		if d.Delete() {
			e := d.Extension().(*Extension)
			if err := e.Close(); err != nil {
				h.log.Warn("closing backend failed", "error", err)
			}
			h.log.Info("disk removed", "device", d.String())
		}
		return driver.Complete(r, irp.StatusSuccess, 0)
	default:
		return irp.StatusNotSupported
	}
}
