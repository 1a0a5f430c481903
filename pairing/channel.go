package pairing

import (
	"net"
	"time"

	"github.com/gousbmux/gousbmux/mux"
)

// Channel adapts a *mux.Conn to net.Conn so crypto/tls.Client/Server can
// perform a TLS handshake and subsequent record I/O over it directly
// (spec.md §4.C step 4: "TLS I/O is routed through transport callbacks that
// call the mux core's send/recv_timeout"). Go's idiomatic equivalent of
// that callback struct is interface satisfaction: once Channel implements
// net.Conn, tls.Client(channel, cfg) needs nothing else.
type Channel struct {
	conn *mux.Conn

	readTimeout time.Duration
}

// NewChannel wraps conn for use as a net.Conn.
func NewChannel(conn *mux.Conn) *Channel {
	return &Channel{conn: conn}
}

func (c *Channel) Read(b []byte) (int, error) {
	return c.conn.RecvTimeout(b, c.readTimeout)
}

func (c *Channel) Write(b []byte) (int, error) {
	return c.conn.Send(b)
}

func (c *Channel) Close() error {
	return c.conn.Close()
}

// LocalAddr and RemoteAddr have no meaning for a usbmux virtual connection;
// both return a fixed placeholder to satisfy net.Conn.
func (c *Channel) LocalAddr() net.Addr  { return muxAddr("local") }
func (c *Channel) RemoteAddr() net.Addr { return muxAddr("remote") }

// SetDeadline and friends map onto RecvTimeout's per-call timeout
// parameter: there is no persistent deadline in the mux wire protocol, so
// this stores a duration derived from the deadline at the time of the call
// and applies it to every subsequent Read until the deadline is changed or
// cleared.
func (c *Channel) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *Channel) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		c.readTimeout = 0
		return nil
	}
	c.readTimeout = time.Until(t)
	if c.readTimeout < 0 {
		c.readTimeout = time.Millisecond
	}
	return nil
}

func (c *Channel) SetWriteDeadline(t time.Time) error {
	return nil
}

type muxAddr string

func (a muxAddr) Network() string { return "usbmux" }
func (a muxAddr) String() string  { return string(a) }
