// Package control carries device-control requests from winvblk to
// winvblockd over a unix socket.  Each request and response is one CBOR
// envelope; a connection may carry any number of them in turn.
package control

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/wgwjifeng/winvblock/irp"
)

// Root addresses the root bus device.  Any other Device value is a disk
// number.
const Root = ^uint32(0)

// MaxOutput bounds the output capacity a request may ask for.
const MaxOutput = 1 << 20

// A Request asks for control code Code to be sent to Device.
type Request struct {
	Device       uint32 `cbor:"1,keyasint"`
	Code         uint32 `cbor:"2,keyasint"`
	Input        []byte `cbor:"3,keyasint,omitempty"`
	OutputLength uint32 `cbor:"4,keyasint"`
}

// A Response is the outcome of a Request.  Output holds Information bytes.
type Response struct {
	Status      irp.Status `cbor:"1,keyasint"`
	Information uint32     `cbor:"2,keyasint"`
	Output      []byte     `cbor:"3,keyasint,omitempty"`
}

// Err returns Status as an error, or nil on success.
func (r *Response) Err() error {
	if r.Status.Success() {
		return nil
	}
	return r.Status
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("control: CBOR encoder mode: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("control: CBOR decoder mode: %v", err))
	}
}

func newEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }
func newDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }
