package afc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/gousbmux/gousbmux/mux"
	"github.com/gousbmux/gousbmux/pkg"
)

// maxReadChunk and maxWriteChunk bound a single AFC read/write frame's
// payload (spec.md §4.E "Operations").
const (
	maxReadChunk  = 65536
	maxWriteChunk = 32768
)

// requestTimeout bounds one request/reply round trip.
const requestTimeout = 10 * time.Second

// Client is a synchronous AFC request/reply client. Per spec.md §9's
// "single in-flight AFC" design note, every exported method holds mu for
// its entire body — including a multi-chunk read or write — so two
// goroutines calling concurrently block rather than interleave packets on
// the wire.
type Client struct {
	mu        sync.Mutex
	conn      *mux.Conn
	packetNum uint64
}

// New wraps conn (already connected to the AFC service port returned by
// lockdown.Client.StartService) as an AFC client.
func New(conn *mux.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) nextPacketNum() uint64 {
	c.packetNum++
	return c.packetNum
}

// roundTrip sends one request packet and returns the decoded reply. Caller
// must hold c.mu.
func (c *Client) roundTrip(op string, afcOp operation, params, payload []byte) (*packet, error) {
	num := c.nextPacketNum()
	req := &packet{header: header{Operation: afcOp, PacketNum: num}, Params: params, Payload: payload}
	wire := req.marshal()

	n, err := c.conn.Send(wire)
	if err != nil {
		return nil, pkg.Wrap(pkg.KindMuxError, op, err)
	}
	if n < len(wire) {
		return nil, pkg.New(pkg.KindMuxError, op, "short write of AFC request")
	}

	hdrBuf, err := c.readExactly(headerSize)
	if err != nil {
		return nil, err
	}
	h, err := unmarshalHeader(hdrBuf)
	if err != nil {
		return nil, pkg.Wrap(pkg.KindBadHeader, op, err)
	}
	if h.PacketNum != num {
		return nil, pkg.New(pkg.KindBadHeader, op, "reply packet_num does not match request")
	}

	bodyLen := int(h.ThisLength) - headerSize
	body, err := c.readExactly(bodyLen)
	if err != nil {
		return nil, err
	}

	return &packet{header: h, Payload: body}, nil
}

func (c *Client) readExactly(n int) ([]byte, error) {
	const op = "afc.Client.readExactly"
	out := make([]byte, 0, n)
	deadline := time.Now().Add(requestTimeout)
	for len(out) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, pkg.New(pkg.KindTimeout, op, "timed out assembling AFC reply")
		}
		buf := make([]byte, n-len(out))
		got, err := c.conn.RecvTimeout(buf, remaining)
		if err != nil {
			return nil, pkg.Wrap(pkg.KindMuxError, op, err)
		}
		if got == 0 {
			return nil, pkg.New(pkg.KindTimeout, op, "timed out assembling AFC reply")
		}
		out = append(out, buf[:got]...)
	}
	return out, nil
}

// statusOf interprets body as an 8-byte little-endian status code.
func statusOf(op string, body []byte, remapDirNotEmpty bool) error {
	if len(body) < 8 {
		return pkg.New(pkg.KindNotEnoughData, op, "short STATUS body")
	}
	code := deviceErrorCode(binary.LittleEndian.Uint64(body[:8]))
	return mapStatus(op, code, remapDirNotEmpty)
}
