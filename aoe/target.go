package aoe

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/mdlayher/ethernet"

	"github.com/wgwjifeng/winvblock/internal/logging"
)

// errATAAbort makes a Target answer with an aborted ATA status.
var errATAAbort = errors.New("aoe: ATA command aborted")

// A Target serves a single disk over AoE at Major.Minor.  Disk may also
// implement io.WriterAt to accept writes and Identifier to supply its own
// identify data.
type Target struct {
	// Addr is the hardware address responses are sent from.
	Addr net.HardwareAddr

	Major uint16
	Minor uint8

	BufferCount     uint16
	FirmwareVersion uint16
	SectorCount     uint8
	Config          []byte

	// AdvertiseInterval, when set, broadcasts the target's config that
	// often.
	AdvertiseInterval time.Duration

	Disk io.ReaderAt

	// Size of Disk in bytes.
	Size int64

	Log *logging.Logger
}

// Serve answers requests read from p until ctx is done or p fails.  p is
// closed on return.
func (t *Target) Serve(ctx context.Context, p net.PacketConn) error {
	log := logging.OrDiscard(t.Log).With("major", t.Major, "minor", t.Minor)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = p.Close()
	}()

	if t.AdvertiseInterval > 0 {
		go t.advertiseLoop(ctx, p, log)
	}

	buf := make([]byte, maxFrameLen)
	for {
		n, _, err := p.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		f, h, err := parse(buf[:n])
		if h == nil {
			if err != nil {
				log.Debug("dropping malformed frame", "error", err)
			}
			continue
		}
		if h.FlagResponse || !t.addressed(h) {
			continue
		}

		resp := t.handle(h, err)
		if err := send(p, resp, t.Addr, f.Source); err != nil {
			log.Warn("failed to send response", "to", f.Source.String(), "error", err)
		}
	}
}

func (t *Target) addressed(h *Header) bool {
	return (h.Major == BroadcastMajor || h.Major == t.Major) &&
		(h.Minor == BroadcastMinor || h.Minor == t.Minor)
}

// handle builds the response to h.  perr is the error from decoding h.
func (t *Target) handle(h *Header, perr error) *Header {
	resp := &Header{
		Version:      Version,
		FlagResponse: true,
		Major:        t.Major,
		Minor:        t.Minor,
		Command:      h.Command,
		Tag:          h.Tag,
	}

	if perr != nil {
		resp.FlagError = true
		resp.Error = ErrorUnrecognizedCommandCode
		resp.Arg = emptyArg{}
		return resp
	}

	switch arg := h.Arg.(type) {
	case *ConfigArg:
		resp.Arg = t.config()
	case *ATAArg:
		warg, err := t.serveATA(arg)
		if err != nil {
			warg = &ATAArg{
				CmdStatus:  ATACmdStatusErrStatus,
				ErrFeature: ATAErrAbort,
			}
		}
		resp.Arg = warg
	}

	return resp
}

func (t *Target) config() *ConfigArg {
	return &ConfigArg{
		BufferCount:     t.BufferCount,
		FirmwareVersion: t.FirmwareVersion,
		SectorCount:     t.SectorCount,
		Version:         Version,
		Command:         ConfigCommandRead,
		String:          t.Config,
	}
}

func (t *Target) advertiseLoop(ctx context.Context, p net.PacketConn, log *logging.Logger) {
	tick := time.NewTicker(t.AdvertiseInterval)
	defer tick.Stop()

	for {
		h := &Header{
			Version:      Version,
			FlagResponse: true,
			Major:        t.Major,
			Minor:        t.Minor,
			Command:      CommandQueryConfigInformation,
			Arg:          t.config(),
		}
		if err := send(p, h, t.Addr, ethernet.Broadcast); err != nil {
			log.Warn("failed to advertise", "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// serveATA performs the ATA command in r against t.Disk.
func (t *Target) serveATA(r *ATAArg) (*ATAArg, error) {
	switch r.CmdStatus {
	case ATACmdStatusCheckPower, ATACmdStatusFlush:
		return &ATAArg{
			// Active or idle.
			SectorCount: 0xff,
			CmdStatus:   ATACmdStatusReadyStatus,
		}, nil
	case ATACmdStatusIdentify:
		return t.identify(r)
	case ATACmdStatusRead28Bit, ATACmdStatusRead48Bit:
		return t.read(r)
	case ATACmdStatusWrite28Bit, ATACmdStatusWrite48Bit:
		return t.write(r)
	default:
		return nil, errATAAbort
	}
}

func (t *Target) identify(r *ATAArg) (*ATAArg, error) {
	if r.SectorCount != 1 {
		return nil, errATAAbort
	}

	id := IdentifyData(t.Size / SectorSize)
	if ident, ok := t.Disk.(Identifier); ok {
		var err error
		if id, err = ident.Identify(); err != nil {
			return nil, err
		}
	}

	return &ATAArg{
		CmdStatus: ATACmdStatusReadyStatus,
		Data:      id[:],
	}, nil
}

// span returns the byte range r addresses, or errATAAbort when it does not
// lie within the disk.
func (t *Target) span(r *ATAArg) (int64, int, error) {
	off := r.LBAValue() * SectorSize
	n := int(r.SectorCount) * SectorSize
	if n == 0 || off+int64(n) > t.Size {
		return 0, 0, errATAAbort
	}
	return off, n, nil
}

func (t *Target) read(r *ATAArg) (*ATAArg, error) {
	if r.FlagWrite {
		return nil, errATAAbort
	}
	off, n, err := t.span(r)
	if err != nil {
		return nil, err
	}

	b := make([]byte, n)
	if _, err := t.Disk.ReadAt(b, off); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	return &ATAArg{
		CmdStatus: ATACmdStatusReadyStatus,
		Data:      b,
	}, nil
}

func (t *Target) write(r *ATAArg) (*ATAArg, error) {
	if !r.FlagWrite {
		return nil, errATAAbort
	}
	w, ok := t.Disk.(io.WriterAt)
	if !ok {
		return nil, errATAAbort
	}
	off, n, err := t.span(r)
	if err != nil {
		return nil, err
	}
	if len(r.Data) < n {
		return nil, errATAAbort
	}

	if _, err := w.WriteAt(r.Data[:n], off); err != nil {
		return nil, err
	}

	return &ATAArg{CmdStatus: ATACmdStatusReadyStatus}, nil
}
