package control

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// A Client sends requests over one control connection.  It is safe for
// concurrent use; requests are sent one at a time.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *cbor.Encoder
	dec  *cbor.Decoder
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", path, err)
	}
	return NewClient(c), nil
}

// NewClient creates a Client using c.
func NewClient(c net.Conn) *Client {
	return &Client{
		conn: c,
		enc:  newEncoder(c),
		dec:  newDecoder(c),
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends req and waits for its response.  The status of a completed
// request is reported in the Response, not as an error.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Time{}
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := c.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("control: send request: %w", err)
	}
	var res Response
	if err := c.dec.Decode(&res); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("control: read response: %w", err)
	}
	return &res, nil
}

// Call sends code with input to device and returns the output of a
// successful request.  A failed request returns its irp.Status as the
// error.
func (c *Client) Call(ctx context.Context, device, code uint32, input []byte, outputLength int) ([]byte, error) {
	res, err := c.Do(ctx, Request{
		Device:       device,
		Code:         code,
		Input:        input,
		OutputLength: uint32(outputLength),
	})
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res.Output, nil
}
