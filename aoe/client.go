package aoe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdlayher/ethernet"

	"github.com/wgwjifeng/winvblock/internal/logging"
)

var (
	// ErrTimeout is returned when a target does not answer a request
	// within the configured number of retries.
	ErrTimeout = errors.New("aoe: request timed out")

	// ErrClosed is returned by operations on a stopped Client.
	ErrClosed = errors.New("aoe: client closed")

	// ErrAborted is returned when a target aborts an ATA command.
	ErrAborted = errors.New("aoe: ATA command aborted by target")

	// ErrUnaligned is returned for disk I/O not aligned to SectorSize.
	ErrUnaligned = errors.New("aoe: I/O not sector aligned")
)

// ClientOptions configure a Client.  Zero values select defaults.
type ClientOptions struct {
	// DiscoverTimeout is how long Discover waits for targets to answer.
	DiscoverTimeout time.Duration

	// RequestTimeout is how long one attempt of a request may take.
	RequestTimeout time.Duration

	// Retries is how many times a request is resent after a timeout.
	Retries int

	// MTU bounds the sectors carried by one ATA request.
	MTU int

	Log *logging.Logger
}

// TargetInfo describes a target found by Discover.
type TargetInfo struct {
	ClientMAC net.HardwareAddr
	ServerMAC net.HardwareAddr
	Major     uint16
	Minor     uint8

	// Sectors is the target's disk size in sectors, from ATA identify.
	Sectors int64

	Config ConfigArg
}

// URI returns the target's address in the aoe:eMAJOR.MINOR form.
func (t TargetInfo) URI() string {
	return fmt.Sprintf("aoe:e%d.%d", t.Major, t.Minor)
}

type reply struct {
	source net.HardwareAddr
	h      *Header
}

// A Client is an AoE initiator.  It owns its PacketConn and reads responses
// in a background goroutine until Stop is called.
type Client struct {
	p     net.PacketConn
	local net.HardwareAddr
	opts  ClientOptions
	log   *logging.Logger

	tag atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan reply

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient creates a Client which sends from local over p.
func NewClient(p net.PacketConn, local net.HardwareAddr, opts ClientOptions) *Client {
	if opts.DiscoverTimeout <= 0 {
		opts.DiscoverTimeout = 2 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.MTU <= 0 {
		opts.MTU = 1500
	}

	c := &Client{
		p:       p,
		local:   local,
		opts:    opts,
		log:     logging.OrDiscard(opts.Log).With("component", "aoe"),
		pending: make(map[uint32]chan reply),
		done:    make(chan struct{}),
	}

	c.wg.Add(1)
	go c.receive()

	return c
}

// Stop closes the Client's PacketConn and fails outstanding requests.  It is
// safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		_ = c.p.Close()
	})
	c.wg.Wait()
}

// LocalAddr returns the hardware address the Client sends from.
func (c *Client) LocalAddr() net.HardwareAddr {
	return c.local
}

func (c *Client) receive() {
	defer c.wg.Done()

	buf := make([]byte, maxFrameLen)
	for {
		n, _, err := c.p.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					c.log.Error("receive failed", "error", err)
				}
			}
			return
		}

		f, h, err := parse(buf[:n])
		if h == nil || err != nil || !h.FlagResponse {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[h.TagValue()]
		c.mu.Unlock()
		if !ok {
			continue
		}

		// Late or duplicate responses are dropped rather than blocking the
		// receive loop.
		select {
		case ch <- reply{source: f.Source, h: h}:
		default:
		}
	}
}

// register allocates a tag whose responses are delivered to a channel of
// the given capacity.
func (c *Client) register(capacity int) (uint32, chan reply, func()) {
	tag := c.tag.Add(1)
	ch := make(chan reply, capacity)

	c.mu.Lock()
	c.pending[tag] = ch
	c.mu.Unlock()

	return tag, ch, func() {
		c.mu.Lock()
		delete(c.pending, tag)
		c.mu.Unlock()
	}
}

// request sends h to dst and waits for its response, resending after each
// RequestTimeout.
func (c *Client) request(ctx context.Context, dst net.HardwareAddr, h *Header) (*Header, error) {
	tag, ch, unregister := c.register(1)
	defer unregister()

	h.Version = Version
	h.SetTag(tag)

	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if err := send(c.p, h, c.local, dst); err != nil {
			return nil, err
		}

		timer := time.NewTimer(c.opts.RequestTimeout)
		select {
		case r := <-ch:
			timer.Stop()
			if r.h.FlagError {
				return nil, r.h.Error
			}
			return r.h, nil
		case <-timer.C:
			c.log.Debug("request timed out", "tag", tag, "attempt", attempt+1)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.done:
			timer.Stop()
			return nil, ErrClosed
		}
	}

	return nil, ErrTimeout
}

// Discover broadcasts a config query and returns every target which answers
// within DiscoverTimeout, identified.
func (c *Client) Discover(ctx context.Context) ([]TargetInfo, error) {
	tag, ch, unregister := c.register(64)
	defer unregister()

	h := &Header{
		Version: Version,
		Major:   BroadcastMajor,
		Minor:   BroadcastMinor,
		Command: CommandQueryConfigInformation,
		Arg:     &ConfigArg{Command: ConfigCommandRead},
	}
	h.SetTag(tag)

	if err := send(c.p, h, c.local, ethernet.Broadcast); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.DiscoverTimeout)
	defer timer.Stop()

	type key struct {
		mac   string
		major uint16
		minor uint8
	}
	seen := make(map[key]bool)

	var found []TargetInfo
collect:
	for {
		select {
		case r := <-ch:
			arg, ok := r.h.Arg.(*ConfigArg)
			if !ok || r.h.FlagError {
				continue
			}
			k := key{mac: r.source.String(), major: r.h.Major, minor: r.h.Minor}
			if seen[k] {
				continue
			}
			seen[k] = true
			found = append(found, TargetInfo{
				ClientMAC: c.local,
				ServerMAC: r.source,
				Major:     r.h.Major,
				Minor:     r.h.Minor,
				Config:    *arg,
			})
		case <-timer.C:
			break collect
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrClosed
		}
	}

	for i := range found {
		id, err := c.identify(ctx, found[i].ServerMAC, found[i].Major, found[i].Minor)
		if err != nil {
			c.log.Warn("identify failed", "target", found[i].URI(), "error", err)
			continue
		}
		found[i].Sectors = id.Sectors
	}

	return found, nil
}

// Config queries the config of the target at major.minor behind mac.
func (c *Client) Config(ctx context.Context, mac net.HardwareAddr, major uint16, minor uint8) (*ConfigArg, error) {
	r, err := c.request(ctx, mac, &Header{
		Major:   major,
		Minor:   minor,
		Command: CommandQueryConfigInformation,
		Arg:     &ConfigArg{Command: ConfigCommandRead},
	})
	if err != nil {
		return nil, err
	}
	arg, ok := r.Arg.(*ConfigArg)
	if !ok {
		return nil, ErrorBadArgumentParameter
	}
	return arg, nil
}

func (c *Client) ata(ctx context.Context, mac net.HardwareAddr, major uint16, minor uint8, arg *ATAArg) (*ATAArg, error) {
	r, err := c.request(ctx, mac, &Header{
		Major:   major,
		Minor:   minor,
		Command: CommandIssueATACommand,
		Arg:     arg,
	})
	if err != nil {
		return nil, err
	}
	warg, ok := r.Arg.(*ATAArg)
	if !ok {
		return nil, ErrorBadArgumentParameter
	}
	if warg.Aborted() {
		return nil, ErrAborted
	}
	return warg, nil
}

func (c *Client) identify(ctx context.Context, mac net.HardwareAddr, major uint16, minor uint8) (Identity, error) {
	warg, err := c.ata(ctx, mac, major, minor, &ATAArg{
		SectorCount: 1,
		CmdStatus:   ATACmdStatusIdentify,
	})
	if err != nil {
		return Identity{}, err
	}
	return ParseIdentify(warg.Data)
}

// Open identifies the target at major.minor behind mac and returns a Disk
// for it.
func (c *Client) Open(ctx context.Context, mac net.HardwareAddr, major uint16, minor uint8) (*Disk, error) {
	cfg, err := c.Config(ctx, mac, major, minor)
	if err != nil {
		return nil, fmt.Errorf("aoe: config e%d.%d: %w", major, minor, err)
	}
	id, err := c.identify(ctx, mac, major, minor)
	if err != nil {
		return nil, fmt.Errorf("aoe: identify e%d.%d: %w", major, minor, err)
	}

	// Ethernet header, AoE header and ATA argument precede the data.
	perFrame := (c.opts.MTU - headerLen - ataArgLen) / SectorSize
	sectors := cfg.MaxSectors()
	if perFrame > 0 && perFrame < sectors {
		sectors = perFrame
	}

	return &Disk{
		c:          c,
		mac:        mac,
		major:      major,
		minor:      minor,
		id:         id,
		maxSectors: sectors,
	}, nil
}

// A Disk is an open AoE target.  It is safe for concurrent use.
type Disk struct {
	c          *Client
	mac        net.HardwareAddr
	major      uint16
	minor      uint8
	id         Identity
	maxSectors int
	closed     atomic.Bool
}

// Size returns the size of the disk in bytes.
func (d *Disk) Size() int64 { return d.id.Size() }

// Identity returns what the target reported in ATA identify.
func (d *Disk) Identity() Identity { return d.id }

// Addr returns the target's hardware address.
func (d *Disk) Addr() net.HardwareAddr { return d.mac }

// Major returns the target's shelf address.
func (d *Disk) Major() uint16 { return d.major }

// Minor returns the target's slot address.
func (d *Disk) Minor() uint8 { return d.minor }

// Close marks d closed.  The Client stays usable for other disks.
func (d *Disk) Close() error {
	d.closed.Store(true)
	return nil
}

// ReadAt implements io.ReaderAt.
func (d *Disk) ReadAt(p []byte, off int64) (int, error) {
	return d.transfer(context.Background(), p, off, false)
}

// WriteAt implements io.WriterAt.
func (d *Disk) WriteAt(p []byte, off int64) (int, error) {
	return d.transfer(context.Background(), p, off, true)
}

// transfer splits p into requests of at most maxSectors sectors.
func (d *Disk) transfer(ctx context.Context, p []byte, off int64, write bool) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	if off%SectorSize != 0 || len(p)%SectorSize != 0 {
		return 0, ErrUnaligned
	}
	if off >= d.Size() {
		return 0, io.EOF
	}

	var n int
	for n < len(p) {
		lba := (off + int64(n)) / SectorSize
		if lba >= d.id.Sectors {
			return n, io.EOF
		}

		count := (len(p) - n) / SectorSize
		if count > d.maxSectors {
			count = d.maxSectors
		}
		if left := d.id.Sectors - lba; int64(count) > left {
			count = int(left)
		}
		chunk := p[n : n+count*SectorSize]

		warg, err := d.c.ata(ctx, d.mac, d.major, d.minor, transferArg(lba, count, write, chunk))
		if err != nil {
			return n, err
		}
		if !write {
			if len(warg.Data) < len(chunk) {
				return n, io.ErrUnexpectedEOF
			}
			copy(chunk, warg.Data)
		}
		n += len(chunk)
	}

	return n, nil
}

// transferArg builds the ATA read or write of count sectors at lba.  LBA48
// is used when any sector of the range lies beyond LBA28.
func transferArg(lba int64, count int, write bool, data []byte) *ATAArg {
	arg := &ATAArg{SectorCount: uint8(count)}
	arg.SetLBA(lba)
	if last := lba + int64(count) - 1; last > maxLBA28 {
		arg.FlagLBA48Extended = true
		arg.FlagATADeviceHeadRegister = true
	}

	switch {
	case write && arg.FlagLBA48Extended:
		arg.CmdStatus = ATACmdStatusWrite48Bit
	case write:
		arg.CmdStatus = ATACmdStatusWrite28Bit
	case arg.FlagLBA48Extended:
		arg.CmdStatus = ATACmdStatusRead48Bit
	default:
		arg.CmdStatus = ATACmdStatusRead28Bit
	}
	if write {
		arg.FlagWrite = true
		arg.Data = data
	}
	return arg
}
