package control

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/wgwjifeng/winvblock/driver"
	"github.com/wgwjifeng/winvblock/internal/logging"
	"github.com/wgwjifeng/winvblock/ioctl"
	"github.com/wgwjifeng/winvblock/irp"
)

// A DiskResolver finds disk devices by number.  *bus.Bus is a
// DiskResolver.
type DiskResolver interface {
	Disk(n uint32) (*driver.Device, bool)
}

// A Server turns envelopes into device-control requests submitted to a
// Driver.
type Server struct {
	drv   *driver.Driver
	disks DiskResolver
	log   *logging.Logger

	// Timeout bounds how long one request may stay pending.
	Timeout time.Duration
}

// NewServer creates a Server submitting requests to drv.
func NewServer(drv *driver.Driver, disks DiskResolver, log *logging.Logger) *Server {
	return &Server{
		drv:     drv,
		disks:   disks,
		log:     logging.OrDiscard(log).With("component", "control"),
		Timeout: 30 * time.Second,
	}
}

// ListenAndServe serves the unix socket at path until ctx is canceled.  A
// stale socket left at path is replaced.
func (s *Server) ListenAndServe(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is canceled.  l is closed when
// Serve returns.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	s.log.Info("control channel listening", "addr", l.Addr().String())
	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, c)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, c net.Conn) {
	// Unblock the decoder when the server stops.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	defer c.Close()

	dec := newDecoder(c)
	enc := newEncoder(c)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("bad control request", "error", err)
			}
			return
		}

		res := s.Handle(ctx, req)
		if err := enc.Encode(res); err != nil {
			s.log.Warn("writing control response failed", "error", err)
			return
		}
	}
}

// Handle submits req and waits for its outcome.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	if !s.drv.Started() {
		return Response{Status: irp.StatusDeviceNotReady}
	}

	var d *driver.Device
	if req.Device == Root {
		d = s.drv.Root()
	} else if dd, ok := s.disks.Disk(req.Device); ok {
		d = dd
	}
	if d == nil {
		return Response{Status: irp.StatusNoSuchDevice}
	}
	if req.OutputLength > MaxOutput {
		return Response{Status: irp.StatusInvalidParameter}
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	r := irp.NewControl(req.Code, req.Input, int(req.OutputLength))
	status, err := s.drv.SubmitWait(ctx, d, r)
	if err != nil {
		s.log.Warn("control request did not complete", "device", d.String(), "code", ioctl.Name(req.Code), "error", err)
		return Response{Status: irp.StatusIOTimeout}
	}

	out := r.Output()
	s.log.Debug("control request", "device", d.String(), "code", ioctl.Name(req.Code), "status", status, "information", len(out))
	return Response{
		Status:      status,
		Information: uint32(r.Information()),
		Output:      out,
	}
}
