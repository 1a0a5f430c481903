// Package plistconn implements the plist-messaging envelope that carries
// lockdown, sync, and notification traffic over a mux virtual connection:
// a 4-byte big-endian length prefix followed by a binary property-list
// payload (spec.md §4.F).
package plistconn

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"howett.net/plist"

	"github.com/gousbmux/gousbmux/pkg"
)

// lengthPrefixSize is the size of the big-endian length prefix preceding
// every plist payload.
const lengthPrefixSize = 4

// Stream is the minimal contract Conn needs from its underlying
// connection: *mux.Conn satisfies it directly (a plaintext control-service
// stream), and [FromNetConn] adapts a TLS-wrapped stream (a
// *pairing.Channel passed through crypto/tls) to the same shape, so
// lockdown can use one Conn type for both plaintext and TLS sessions
// (spec.md §4.D).
type Stream interface {
	Send(data []byte) (int, error)
	RecvTimeout(buf []byte, timeout time.Duration) (int, error)
}

// Conn wraps a Stream with the plist message envelope. All methods on Conn
// are safe to call from one goroutine at a time; callers needing
// concurrent request/reply pairing (lockdown) serialize with their own
// mutex as spec.md §9 requires.
type Conn struct {
	conn    Stream
	timeout time.Duration
}

// New wraps conn. timeout bounds every Recv; zero blocks indefinitely.
func New(conn Stream, timeout time.Duration) *Conn {
	return &Conn{conn: conn, timeout: timeout}
}

// netConnStream adapts a net.Conn (a *tls.Conn wrapping a pairing.Channel,
// typically) to Stream by translating RecvTimeout's per-call timeout into
// SetReadDeadline.
type netConnStream struct {
	nc net.Conn
}

// FromNetConn wraps a net.Conn — the shape crypto/tls.Client/Server
// produces — for use as a plistconn Stream, completing the TLS-session leg
// of spec.md §4.C step 4.
func FromNetConn(nc net.Conn) Stream {
	return &netConnStream{nc: nc}
}

func (s *netConnStream) Send(data []byte) (int, error) {
	return s.nc.Write(data)
}

func (s *netConnStream) RecvTimeout(buf []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		s.nc.SetReadDeadline(time.Now().Add(timeout))
		defer s.nc.SetReadDeadline(time.Time{})
	}
	n, err := s.nc.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		return n, err
	}
	return n, nil
}

// Send marshals v as a binary plist and writes it as one length-prefixed
// message.
func (c *Conn) Send(v any) error {
	const op = "plistconn.Conn.Send"

	body, err := plist.Marshal(v, plist.BinaryFormat)
	if err != nil {
		return pkg.Wrap(pkg.KindPlistError, op, err)
	}

	msg := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(msg[:lengthPrefixSize], uint32(len(body)))
	copy(msg[lengthPrefixSize:], body)

	n, err := c.conn.Send(msg)
	if err != nil {
		return pkg.Wrap(pkg.KindMuxError, op, err)
	}
	if n < len(msg) {
		return pkg.New(pkg.KindMuxError, op, "short write of plist message")
	}
	return nil
}

// Recv reads one length-prefixed plist message and unmarshals it into v.
// Per spec.md §9's resolved open question, any short read or mux error
// encountered mid-message aborts the connection with KindMuxError rather
// than silently returning a partial or stale result.
func (c *Conn) Recv(v any) error {
	const op = "plistconn.Conn.Recv"

	lengthBuf, err := c.readExactly(lengthPrefixSize)
	if err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(lengthBuf)

	body, err := c.readExactly(int(length))
	if err != nil {
		if pkg.Is(err, pkg.KindTimeout) {
			return pkg.Wrap(pkg.KindMuxError, op, err)
		}
		return err
	}

	if _, err := plist.Unmarshal(body, v); err != nil {
		return pkg.Wrap(pkg.KindPlistError, op, err)
	}
	return nil
}

// readExactly reads exactly n bytes from the underlying connection,
// looping over RecvTimeout until satisfied; any error, timeout exhaustion,
// or EOF aborts the whole read.
func (c *Conn) readExactly(n int) ([]byte, error) {
	const op = "plistconn.Conn.readExactly"

	out := make([]byte, 0, n)
	deadline := time.Time{}
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}

	for len(out) < n {
		remaining := c.timeout
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				if len(out) > 0 {
					return nil, pkg.New(pkg.KindMuxError, op, "short read mid-message")
				}
				return nil, pkg.New(pkg.KindTimeout, op, "timed out assembling plist message")
			}
		}

		buf := make([]byte, n-len(out))
		got, err := c.conn.RecvTimeout(buf, remaining)
		if err != nil {
			if err == io.EOF {
				return nil, pkg.New(pkg.KindMuxError, op, "connection closed mid-message")
			}
			return nil, pkg.Wrap(pkg.KindMuxError, op, err)
		}
		if got == 0 {
			if len(out) > 0 {
				return nil, pkg.New(pkg.KindMuxError, op, "short read mid-message")
			}
			return nil, pkg.New(pkg.KindTimeout, op, "timed out assembling plist message")
		}
		out = append(out, buf[:got]...)
	}
	return out, nil
}
