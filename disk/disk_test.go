package disk

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgwjifeng/winvblock/aoe"
	"github.com/wgwjifeng/winvblock/driver"
	"github.com/wgwjifeng/winvblock/ioctl"
	"github.com/wgwjifeng/winvblock/irp"
)

// memBackend is a Backend in memory.
type memBackend struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, aoe.ErrClosed
	}
	return copy(p, m.data[off:]), nil
}

func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, aoe.ErrClosed
	}
	return copy(m.data[off:], p), nil
}

func (m *memBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memBackend) Size() int64 { return int64(len(m.data)) }

func newEngine() *driver.Engine {
	return driver.NewEngine(nil, driver.NewPowerQueue(), nil)
}

func writeImage(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i / 512)
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestDefaultGeometry(t *testing.T) {
	tests := []struct {
		name  string
		media ioctl.Media
		size  int64
		c     uint32
		h     uint32
		s     uint32
		want  Geometry
	}{
		{
			name:  "hard disk",
			media: ioctl.MediaHardDisk,
			size:  255 * 63 * 512 * 10,
			want:  Geometry{Cylinders: 10, Heads: 255, SectorsPerTrack: 63, BytesPerSector: 512},
		},
		{
			name:  "floppy",
			media: ioctl.MediaFloppy,
			size:  1474560,
			want:  Geometry{Cylinders: 80, Heads: 2, SectorsPerTrack: 18, BytesPerSector: 512},
		},
		{
			name:  "optical",
			media: ioctl.MediaOptical,
			size:  2048 * 100,
			want:  Geometry{Cylinders: 100, Heads: 1, SectorsPerTrack: 1, BytesPerSector: 2048},
		},
		{
			name:  "explicit geometry wins",
			media: ioctl.MediaHardDisk,
			size:  1 << 20,
			c:     4,
			h:     16,
			s:     32,
			want:  Geometry{Cylinders: 4, Heads: 16, SectorsPerTrack: 32, BytesPerSector: 512},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultGeometry(tt.media, tt.size, tt.c, tt.h, tt.s))
		})
	}
}

func TestFileDiskReadWrite(t *testing.T) {
	path := writeImage(t, 64*512)
	ext, err := AttachFile(ioctl.Attach{Media: ioctl.MediaHardDisk, Path: path})
	require.NoError(t, err)
	ext.Number = 3

	d, err := NewDevice(newEngine(), ext, nil)
	require.NoError(t, err)
	assert.Equal(t, "disk3", d.Name)
	assert.Equal(t, driver.KindDisk, d.Kind())
	assert.EqualValues(t, 64, ext.LBASize())

	eng := newEngine()

	r := irp.New(irp.MajorRead, 0)
	r.Offset = 2 * 512
	r.Buffer = make([]byte, 2*512)
	assert.Equal(t, irp.StatusSuccess, eng.Dispatch(d, r))
	assert.Equal(t, 1024, r.Information())
	assert.Equal(t, byte(2), r.Buffer[0])
	assert.Equal(t, byte(3), r.Buffer[512])

	w := irp.New(irp.MajorWrite, 0)
	w.Offset = 10 * 512
	w.Buffer = bytes.Repeat([]byte{0xee}, 512)
	assert.Equal(t, irp.StatusSuccess, eng.Dispatch(d, w))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, w.Buffer, data[10*512:11*512])

	invalid := []struct {
		name   string
		offset int64
		size   int
	}{
		{name: "unaligned offset", offset: 100, size: 512},
		{name: "partial sector", offset: 0, size: 100},
		{name: "past end", offset: 63 * 512, size: 1024},
		{name: "negative", offset: -512, size: 512},
		{name: "larger than disk", offset: 0, size: 128 * 512},
		{name: "end overflows", offset: math.MaxInt64 &^ 511, size: 1024},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			r := irp.New(irp.MajorRead, 0)
			r.Offset = tt.offset
			r.Buffer = make([]byte, tt.size)
			assert.Equal(t, irp.StatusInvalidParameter, eng.Dispatch(d, r))
		})
	}
}

func TestOpticalDiskIsReadOnly(t *testing.T) {
	path := writeImage(t, 4*2048)
	ext, err := AttachFile(ioctl.Attach{Media: ioctl.MediaOptical, Path: path})
	require.NoError(t, err)
	d, err := NewDevice(newEngine(), ext, nil)
	require.NoError(t, err)

	w := irp.New(irp.MajorWrite, 0)
	w.Buffer = make([]byte, 2048)
	assert.Equal(t, irp.StatusMediaWriteProtected, newEngine().Dispatch(d, w))

	// 512 byte transfers are not aligned to optical sectors.
	r := irp.New(irp.MajorRead, 0)
	r.Buffer = make([]byte, 512)
	assert.Equal(t, irp.StatusInvalidParameter, newEngine().Dispatch(d, r))
}

func TestAttachFileErrors(t *testing.T) {
	_, err := AttachFile(ioctl.Attach{Media: ioctl.MediaHardDisk, Path: filepath.Join(t.TempDir(), "missing.img")})
	require.Error(t, err)
	assert.Equal(t, irp.StatusObjectNameNotFound, Status(err))

	_, err = AttachFile(ioctl.Attach{Media: ioctl.MediaHardDisk, Path: t.TempDir()})
	assert.Error(t, err, "directories are not images")

	_, err = AttachFile(ioctl.Attach{Media: ioctl.MediaHardDisk, Path: writeImage(t, 100)})
	assert.ErrorIs(t, err, ErrEmptyBackend)
}

func TestGeometryControl(t *testing.T) {
	ext, err := NewExtension(&memBackend{data: make([]byte, 255*63*512*2)}, ioctl.MediaHardDisk,
		DefaultGeometry(ioctl.MediaHardDisk, 255*63*512*2, 0, 0, 0))
	require.NoError(t, err)
	d, err := NewDevice(newEngine(), ext, nil)
	require.NoError(t, err)
	eng := newEngine()

	r := irp.NewControl(ioctl.DiskGetGeometry, nil, ioctl.GeometryLen)
	require.Equal(t, irp.StatusSuccess, eng.Dispatch(d, r))

	var g ioctl.Geometry
	require.NoError(t, g.UnmarshalBinary(r.Output()))
	assert.Equal(t, ioctl.Geometry{
		Cylinders:         2,
		MediaType:         12,
		TracksPerCylinder: 255,
		SectorsPerTrack:   63,
		BytesPerSector:    512,
	}, g)

	small := irp.NewControl(ioctl.DiskGetGeometry, nil, 8)
	assert.Equal(t, irp.StatusBufferTooSmall, eng.Dispatch(d, small))

	// Unknown codes fall through to the catch-all.
	other := irp.NewControl(ioctl.AoEScan, nil, 64)
	assert.Equal(t, irp.StatusNotSupported, eng.Dispatch(d, other))
}

func TestAoEDiskCompletesAsynchronously(t *testing.T) {
	mem := &memBackend{data: make([]byte, 8*512)}
	copy(mem.data[512:], "hello")

	ext, err := NewAoEExtension(mem, AoETarget{
		ClientMAC: net.HardwareAddr{2, 0, 0, 0, 0, 1},
		ServerMAC: net.HardwareAddr{2, 0, 0, 0, 0, 2},
		Major:     4,
		Minor:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, "aoe:e4.1", ext.AoE.URI())

	eng := newEngine()
	d, err := NewDevice(eng, ext, nil)
	require.NoError(t, err)

	r := irp.New(irp.MajorRead, 0)
	r.Offset = 512
	r.Buffer = make([]byte, 512)
	assert.Equal(t, irp.StatusPending, eng.Dispatch(d, r))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, irp.StatusSuccess, s)
	assert.Equal(t, "hello", string(r.Buffer[:5]))
}

func TestPnPRemoveDeletesDisk(t *testing.T) {
	mem := &memBackend{data: make([]byte, 4*512)}
	ext, err := NewExtension(mem, ioctl.MediaHardDisk, DefaultGeometry(ioctl.MediaHardDisk, 4*512, 0, 0, 0))
	require.NoError(t, err)
	eng := newEngine()
	d, err := NewDevice(eng, ext, nil)
	require.NoError(t, err)

	assert.Equal(t, irp.StatusSuccess, eng.Dispatch(d, irp.New(irp.MajorPnP, irp.MinorQueryRemoveDevice)))
	assert.Equal(t, irp.StatusSuccess, eng.Dispatch(d, irp.New(irp.MajorPnP, irp.MinorRemoveDevice)))
	assert.Equal(t, driver.Deleted, d.State())
	assert.True(t, mem.closed)

	r := irp.New(irp.MajorRead, 0)
	r.Buffer = make([]byte, 512)
	assert.Equal(t, irp.StatusNoSuchDevice, eng.Dispatch(d, r))
}

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want irp.Status
	}{
		{err: nil, want: irp.StatusSuccess},
		{err: os.ErrNotExist, want: irp.StatusObjectNameNotFound},
		{err: os.ErrPermission, want: irp.StatusMediaWriteProtected},
		{err: aoe.ErrTimeout, want: irp.StatusIOTimeout},
		{err: aoe.ErrClosed, want: irp.StatusNoSuchDevice},
		{err: irp.StatusInsufficientResources, want: irp.StatusInsufficientResources},
		{err: errors.New("other"), want: irp.StatusUnsuccessful},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Status(tt.err), "%v", tt.err)
	}
}
