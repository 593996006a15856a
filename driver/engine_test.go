package driver

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgwjifeng/winvblock/irp"
)

type testExt struct{}

func (testExt) Kind() Kind { return KindDisk }

type recordingDrainer struct {
	mu    sync.Mutex
	acks  int
	early bool // true when a request was already completed at ack time
}

func (r *recordingDrainer) StartNextPowerRequest(req *irp.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks++
	if req.Completed() {
		r.early = true
	}
}

type recordingMetrics struct {
	mu       sync.Mutex
	statuses []irp.Status
}

func (m *recordingMetrics) RecordDispatch(_ irp.Major, s irp.Status, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, s)
}

// counting wraps a handler and counts its invocations.
type counting struct {
	h Handler
	n atomic.Int32
}

func (c *counting) ServeIRP(d *Device, r *irp.Request) irp.Status {
	c.n.Add(1)
	return c.h.ServeIRP(d, r)
}

func newTestDevice(t *testing.T, base Table, layers ...Table) *Device {
	t.Helper()
	d, err := NewDevice("test", testExt{}, base, layers...)
	require.NoError(t, err)
	return d
}

func TestDispatchScenarioCreateOverridesCatchAll(t *testing.T) {
	catchAll := &counting{h: NotSupported}
	create := &counting{h: CreateClose}
	closeH := &counting{h: CreateClose}

	d := newTestDevice(t, Table{
		Handle(irp.Any(), catchAll),
		Handle(irp.ForMajor(irp.MajorClose), closeH),
		Handle(irp.ForMajor(irp.MajorCreate), create),
	})

	e := NewEngine(nil, &recordingDrainer{}, nil)
	r := irp.New(irp.MajorCreate, 0)

	assert.Equal(t, irp.StatusSuccess, e.Dispatch(d, r))
	assert.True(t, r.Completed())
	assert.Equal(t, irp.StatusSuccess, r.Status())
	assert.EqualValues(t, 1, create.n.Load())
	assert.Zero(t, closeH.n.Load())
	assert.Zero(t, catchAll.n.Load())
}

func TestDispatchScenarioCatchAllOnly(t *testing.T) {
	d := newTestDevice(t, Table{Handle(irp.Any(), NotSupported)})
	e := NewEngine(nil, &recordingDrainer{}, nil)

	r := irp.NewControl(0x00226000, []byte{1, 2, 3}, 16)
	assert.Equal(t, irp.StatusNotSupported, e.Dispatch(d, r))
	assert.Equal(t, irp.StatusNotSupported, r.Status())
	assert.Zero(t, r.Information())
}

func TestDispatchScenarioDeletedClose(t *testing.T) {
	closeH := &counting{h: CreateClose}
	d := newTestDevice(t, Table{
		Handle(irp.Any(), NotSupported),
		Handle(irp.ForMajor(irp.MajorClose), closeH),
	})
	drain := &recordingDrainer{}
	e := NewEngine(nil, drain, nil)

	require.True(t, d.Delete())

	r := irp.New(irp.MajorClose, 0)
	assert.Equal(t, irp.StatusNoSuchDevice, e.Dispatch(d, r))
	assert.Equal(t, irp.StatusNoSuchDevice, r.Status())
	assert.Zero(t, r.Information())
	assert.Zero(t, closeH.n.Load())
	assert.Zero(t, drain.acks)
}

func TestDispatchScenarioDeletedPower(t *testing.T) {
	power := &counting{h: CreateClose}
	d := newTestDevice(t, Table{
		Handle(irp.Any(), NotSupported),
		Handle(irp.ForMajor(irp.MajorPower), power),
	})
	drain := &recordingDrainer{}
	e := NewEngine(nil, drain, nil)

	d.Delete()

	r := irp.New(irp.MajorPower, irp.MinorSetPower)
	assert.Equal(t, irp.StatusNoSuchDevice, e.Dispatch(d, r))
	assert.Equal(t, irp.StatusNoSuchDevice, r.Status())
	assert.Equal(t, 1, drain.acks)
	assert.False(t, drain.early, "drain acknowledgment must precede completion")
	assert.Zero(t, power.n.Load())
}

func TestDeleteIsIdempotent(t *testing.T) {
	d := newTestDevice(t, BaseTable())
	e := NewEngine(nil, &recordingDrainer{}, nil)

	assert.Equal(t, Active, d.State())
	assert.True(t, d.Delete())
	first := e.Dispatch(d, irp.New(irp.MajorCreate, 0))

	assert.False(t, d.Delete())
	assert.Equal(t, Deleted, d.State())
	second := e.Dispatch(d, irp.New(irp.MajorCreate, 0))

	assert.Equal(t, first, second)
	assert.Equal(t, irp.StatusNoSuchDevice, second)
}

func TestDispatchHandlerFallsThrough(t *testing.T) {
	var order []string
	observe := func(name string) Handler {
		return HandlerFunc(func(_ *Device, _ *irp.Request) irp.Status {
			order = append(order, name)
			return irp.StatusSuccess
		})
	}

	d := newTestDevice(t,
		Table{
			Handle(irp.Any(), HandlerFunc(func(_ *Device, r *irp.Request) irp.Status {
				order = append(order, "catch-all")
				return Complete(r, irp.StatusNotSupported, 0)
			})),
			Handle(irp.ForMajor(irp.MajorPnP), observe("pnp-base")),
		},
		Table{Handle(irp.Exact(irp.MajorPnP, irp.MinorStartDevice), observe("pnp-start"))},
	)

	e := NewEngine(nil, &recordingDrainer{}, nil)
	s := e.Dispatch(d, irp.New(irp.MajorPnP, irp.MinorStartDevice))

	assert.Equal(t, irp.StatusNotSupported, s)
	assert.Equal(t, []string{"pnp-start", "pnp-base", "catch-all"}, order)
}

func TestDispatchPendingStopsTraversal(t *testing.T) {
	catchAll := &counting{h: NotSupported}
	release := make(chan struct{})

	e := NewEngine(nil, &recordingDrainer{}, nil)
	d := newTestDevice(t, Table{
		Handle(irp.Any(), catchAll),
		HandleFunc(irp.ForMajor(irp.MajorRead), func(_ *Device, r *irp.Request) irp.Status {
			go func() {
				<-release
				e.CompletePending(r, irp.StatusSuccess, 512)
			}()
			return irp.StatusPending
		}),
	})

	r := irp.New(irp.MajorRead, 0)
	assert.Equal(t, irp.StatusPending, e.Dispatch(d, r))
	assert.False(t, r.Completed())
	assert.Zero(t, catchAll.n.Load())

	close(release)
	<-r.Done()
	assert.Equal(t, irp.StatusSuccess, r.Status())
	assert.Equal(t, 512, r.Information())
}

func TestDispatchUncompletedStackStillCompletes(t *testing.T) {
	m := &recordingMetrics{}
	e := NewEngine(nil, &recordingDrainer{}, m)

	// A broken catch-all that never completes.
	d := newTestDevice(t, Table{
		HandleFunc(irp.Any(), func(*Device, *irp.Request) irp.Status { return irp.StatusSuccess }),
	})

	r := irp.New(irp.MajorSystemControl, 0)
	assert.Equal(t, irp.StatusInvalidDeviceRequest, e.Dispatch(d, r))
	assert.True(t, r.Completed())
	assert.Equal(t, []irp.Status{irp.StatusInvalidDeviceRequest}, m.statuses)
}

func TestDispatchConcurrentExactlyOnce(t *testing.T) {
	var calls atomic.Int64
	d := newTestDevice(t, BaseTable(), Table{
		HandleFunc(irp.ForMajor(irp.MajorDeviceControl), func(_ *Device, r *irp.Request) irp.Status {
			calls.Add(1)
			return CompleteOutput(r, irp.StatusSuccess, []byte{byte(r.Code)})
		}),
	})
	e := NewEngine(nil, &recordingDrainer{}, nil)

	const n = 64
	reqs := make([]*irp.Request, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		reqs[i] = irp.NewControl(uint32(i), nil, 1)
		wg.Add(1)
		go func(r *irp.Request) {
			defer wg.Done()
			e.Dispatch(d, r)
		}(reqs[i])
	}

	// Retire the device mid-flight; late requests must still complete.
	d.Delete()
	wg.Wait()

	for i, r := range reqs {
		require.True(t, r.Completed(), "request %d", i)
		assert.Contains(t, []irp.Status{irp.StatusSuccess, irp.StatusNoSuchDevice}, r.Status())
		assert.ErrorIs(t, r.Complete(irp.StatusSuccess, 0), irp.ErrAlreadyCompleted)
	}
	assert.LessOrEqual(t, calls.Load(), int64(n))
}

// TestDeclarationOrderIsNotTraversalOrder checks, over random tables, that
// the catch-all declared first only ever serves requests no other entry
// completes, and that of several matching entries the last declared wins.
func TestDeclarationOrderIsNotTraversalOrder(t *testing.T) {
	majors := []irp.Major{
		irp.MajorCreate, irp.MajorClose, irp.MajorRead, irp.MajorWrite,
		irp.MajorDeviceControl, irp.MajorPower, irp.MajorPnP,
	}

	f := func(seed int64) bool {
		rng := rand.New(rand.NewSource(seed))

		var served int
		table := Table{HandleFunc(irp.Any(), func(_ *Device, r *irp.Request) irp.Status {
			served = -1
			return Complete(r, irp.StatusNotSupported, 0)
		})}

		// want[m] is the index of the last declared entry for major m.
		want := map[irp.Major]int{}
		n := 1 + rng.Intn(8)
		for i := 1; i <= n; i++ {
			m := majors[rng.Intn(len(majors))]
			idx := i
			table = append(table, HandleFunc(irp.ForMajor(m), func(_ *Device, r *irp.Request) irp.Status {
				served = idx
				return Complete(r, irp.StatusSuccess, 0)
			}))
			want[m] = idx
		}

		d, err := NewDevice("quick", testExt{}, table)
		if err != nil {
			return false
		}
		e := NewEngine(nil, &recordingDrainer{}, nil)

		for _, m := range majors {
			served = 0
			r := irp.New(m, 0)
			s := e.Dispatch(d, r)

			idx, ok := want[m]
			switch {
			case ok && (served != idx || s != irp.StatusSuccess):
				return false
			case !ok && (served != -1 || s != irp.StatusNotSupported):
				return false
			}
		}
		return true
	}

	require.NoError(t, quick.Check(f, nil))
}
