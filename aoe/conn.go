package aoe

import (
	"net"

	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/raw"
)

// maxFrameLen bounds every frame read by a Client or Target, including
// jumbo frames.
const maxFrameLen = 9000 + 18

// Listen opens a raw socket bound to ifi which carries only AoE frames.
func Listen(ifi *net.Interface) (net.PacketConn, error) {
	return raw.ListenPacket(ifi, uint16(EtherType), nil)
}

// send wraps h in an Ethernet frame from source to target and writes it to p.
func send(p net.PacketConn, h *Header, source, target net.HardwareAddr) error {
	hb, err := h.MarshalBinary()
	if err != nil {
		return err
	}

	f := &ethernet.Frame{
		Destination: target,
		Source:      source,
		EtherType:   EtherType,
		Payload:     hb,
	}

	fb, err := f.MarshalBinary()
	if err != nil {
		return err
	}

	_, err = p.WriteTo(fb, &raw.Addr{HardwareAddr: target})
	return err
}

// parse decodes an AoE frame.  Frames of other EtherTypes yield a nil Header
// and no error.  A Header is returned alongside ErrorUnrecognizedCommandCode
// so the caller can still answer it.
func parse(b []byte) (*ethernet.Frame, *Header, error) {
	f := new(ethernet.Frame)
	if err := f.UnmarshalBinary(b); err != nil {
		return nil, nil, err
	}
	if f.EtherType != EtherType {
		return f, nil, nil
	}

	h := new(Header)
	err := h.UnmarshalBinary(f.Payload)
	switch err {
	case nil, ErrorUnrecognizedCommandCode:
		return f, h, err
	default:
		return f, nil, err
	}
}

// emptyArg is the Arg of an error response to a command this package does
// not decode.
type emptyArg struct{}

func (emptyArg) MarshalBinary() ([]byte, error) { return nil, nil }
func (emptyArg) UnmarshalBinary([]byte) error   { return nil }
