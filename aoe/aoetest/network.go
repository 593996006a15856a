// Package aoetest provides an in-memory Ethernet segment for testing AoE
// clients and targets without raw sockets.
package aoetest

import (
	"bytes"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/raw"
)

// A Network is a broadcast domain of Conns.  Frames are delivered by
// destination hardware address, or to every other Conn when broadcast.
type Network struct {
	mu    sync.Mutex
	conns map[string]*Conn
	drop  func(frame []byte) bool
}

// NewNetwork creates an empty Network.
func NewNetwork() *Network {
	return &Network{conns: make(map[string]*Conn)}
}

// SetDrop installs f to be consulted for every frame; returning true
// discards it.  A nil f delivers everything.
func (n *Network) SetDrop(f func(frame []byte) bool) {
	n.mu.Lock()
	n.drop = f
	n.mu.Unlock()
}

// Attach creates a Conn with hardware address mac.
func (n *Network) Attach(mac net.HardwareAddr) *Conn {
	c := &Conn{
		n:     n,
		mac:   mac,
		inbox: make(chan []byte, 256),
		done:  make(chan struct{}),
	}

	n.mu.Lock()
	n.conns[mac.String()] = c
	n.mu.Unlock()

	return c
}

func (n *Network) deliver(from *Conn, frame []byte) {
	if len(frame) < 14 {
		return
	}
	n.mu.Lock()
	drop := n.drop
	var targets []*Conn
	dst := net.HardwareAddr(frame[0:6])
	if bytes.Equal(dst, ethernet.Broadcast) {
		for _, c := range n.conns {
			if c != from {
				targets = append(targets, c)
			}
		}
	} else if c, ok := n.conns[dst.String()]; ok {
		targets = append(targets, c)
	}
	n.mu.Unlock()

	if drop != nil && drop(frame) {
		return
	}

	for _, c := range targets {
		b := append([]byte{}, frame...)
		select {
		case c.inbox <- b:
		case <-c.done:
		default:
		}
	}
}

// A Conn is a net.PacketConn attached to a Network.
type Conn struct {
	n     *Network
	mac   net.HardwareAddr
	inbox chan []byte

	once sync.Once
	done chan struct{}
}

var _ net.PacketConn = &Conn{}

// ReadFrom reads the next frame delivered to c.
func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case f := <-c.inbox:
		n := copy(b, f)
		return n, &raw.Addr{HardwareAddr: net.HardwareAddr(f[6:12])}, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

// WriteTo sends frame b onto the Network.  The destination is taken from the
// frame itself.
func (c *Conn) WriteTo(b []byte, _ net.Addr) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}
	c.n.deliver(c, b)
	return len(b), nil
}

// Close detaches c from its Network.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.n.mu.Lock()
		delete(c.n.conns, c.mac.String())
		c.n.mu.Unlock()
	})
	return nil
}

// LocalAddr returns c's hardware address.
func (c *Conn) LocalAddr() net.Addr { return &raw.Addr{HardwareAddr: c.mac} }

func (c *Conn) SetDeadline(time.Time) error      { return os.ErrNoDeadline }
func (c *Conn) SetReadDeadline(time.Time) error  { return os.ErrNoDeadline }
func (c *Conn) SetWriteDeadline(time.Time) error { return os.ErrNoDeadline }
