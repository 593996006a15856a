package control

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgwjifeng/winvblock/bus"
	"github.com/wgwjifeng/winvblock/driver"
	"github.com/wgwjifeng/winvblock/ioctl"
	"github.com/wgwjifeng/winvblock/irp"
)

func testServer(t *testing.T) (*Client, *driver.Driver) {
	t.Helper()

	b := bus.New(bus.Options{})
	drv := driver.New(driver.Options{Bus: b, Prober: b})
	require.NoError(t, drv.Start(context.Background()))
	t.Cleanup(drv.Stop)

	l, err := net.Listen("unix", filepath.Join(t.TempDir(), "ctl.sock"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(drv, b, nil).Serve(ctx, l) }()

	c, err := Dial(context.Background(), l.Addr().String())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		assert.NoError(t, <-done)
	})
	return c, drv
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestControlAttachGeometryDetach(t *testing.T) {
	c, _ := testServer(t)
	ctx := callCtx(t)

	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 255*63*512), 0o600))
	a := &ioctl.Attach{Media: ioctl.MediaHardDisk, Path: path}
	in, err := a.MarshalBinary()
	require.NoError(t, err)

	out, err := c.Call(ctx, Root, ioctl.FileAttach, in, 4)
	require.NoError(t, err)
	var n ioctl.DiskNumber
	require.NoError(t, n.UnmarshalBinary(out))

	out, err = c.Call(ctx, uint32(n), ioctl.DiskGetGeometry, nil, ioctl.GeometryLen)
	require.NoError(t, err)
	var g ioctl.Geometry
	require.NoError(t, g.UnmarshalBinary(out))
	assert.EqualValues(t, 1, g.Cylinders)
	assert.EqualValues(t, 255, g.TracksPerCylinder)

	num, _ := n.MarshalBinary()
	_, err = c.Call(ctx, Root, ioctl.FileDetach, num, 0)
	require.NoError(t, err)

	res, err := c.Do(ctx, Request{Device: uint32(n), Code: ioctl.DiskGetGeometry, OutputLength: ioctl.GeometryLen})
	require.NoError(t, err)
	assert.Equal(t, irp.StatusNoSuchDevice, res.Status)
	assert.Zero(t, res.Information)
	assert.Empty(t, res.Output)
}

func TestControlErrors(t *testing.T) {
	c, _ := testServer(t)
	ctx := callCtx(t)

	tests := []struct {
		name string
		req  Request
		want irp.Status
	}{
		{name: "unknown code", req: Request{Device: Root, Code: 0x1234}, want: irp.StatusNotSupported},
		{name: "scan without AoE", req: Request{Device: Root, Code: ioctl.AoEScan, OutputLength: ioctl.ScanCapacity}, want: irp.StatusDeviceNotReady},
		{name: "unknown disk", req: Request{Device: 42, Code: ioctl.DiskGetGeometry, OutputLength: 24}, want: irp.StatusNoSuchDevice},
		{name: "output too large", req: Request{Device: Root, Code: ioctl.AoEShow, OutputLength: MaxOutput + 1}, want: irp.StatusInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Do(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.ErrorIs(t, res.Err(), tt.want)
		})
	}

	_, err := c.Call(ctx, Root, 0x1234, nil, 0)
	var s irp.Status
	require.ErrorAs(t, err, &s)
	assert.Equal(t, irp.StatusNotSupported, s)
}

func TestControlShowEmpty(t *testing.T) {
	c, _ := testServer(t)

	out, err := c.Call(callCtx(t), Root, ioctl.AoEShow, nil, ioctl.ShowCapacity)
	require.NoError(t, err)
	total, ds, err := ioctl.DecodeMountedDisks(out)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, ds)
}

func TestHandleBeforeStart(t *testing.T) {
	b := bus.New(bus.Options{})
	drv := driver.New(driver.Options{Bus: b})

	res := NewServer(drv, b, nil).Handle(context.Background(), Request{Device: Root, Code: ioctl.AoEShow, OutputLength: 64})
	assert.Equal(t, irp.StatusDeviceNotReady, res.Status)
}

func TestListenAndServeReplacesStaleSocket(t *testing.T) {
	b := bus.New(bus.Options{})
	drv := driver.New(driver.Options{Bus: b})
	require.NoError(t, drv.Start(context.Background()))
	t.Cleanup(drv.Stop)

	path := filepath.Join(t.TempDir(), "ctl.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(drv, b, nil).ListenAndServe(ctx, path) }()

	var c *Client
	require.Eventually(t, func() bool {
		var err error
		c, err = Dial(context.Background(), path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err := c.Call(callCtx(t), Root, ioctl.AoEShow, nil, 64)
	assert.NoError(t, err)
	_ = c.Close()

	cancel()
	require.NoError(t, <-done)
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
