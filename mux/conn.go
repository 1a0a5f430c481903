package mux

import (
	"bytes"
	"sync"
	"time"

	"github.com/gousbmux/gousbmux/pkg"
)

// connStatus is the virtual connection state machine of spec.md §3.
type connStatus int

const (
	stateConnecting connStatus = iota
	stateOpen
	stateHalfClosed
	stateClosed
)

// localWindow is the fixed receive window this implementation advertises to
// the peer. The reference protocol does not negotiate this value; a single
// generous constant keeps the flow-control code simple without starving the
// peer.
const localWindow = 1 << 20

// connState is the arena-resident state of one virtual connection. It is
// never exposed to callers directly; [Conn] is an opaque handle onto a slot
// holding one of these, carrying a generation counter so a handle from a
// closed, recycled slot is rejected rather than silently reused (spec.md
// §9's opaque-handle design note).
type connState struct {
	mu   sync.Mutex
	cond *sync.Cond

	generation uint64
	srcPort    uint16
	dstPort    uint16
	state      connStatus

	sendSeq             uint32
	peerWindowRemaining uint32

	recvSeq uint32 // highest contiguous sequence number accepted
	recvBuf bytes.Buffer

	closeErr error // sticky error surfaced to Send/RecvTimeout once set
}

func newConnState(srcPort, dstPort uint16, generation uint64) *connState {
	cs := &connState{
		generation: generation,
		srcPort:    srcPort,
		dstPort:    dstPort,
		state:      stateConnecting,
	}
	cs.cond = sync.NewCond(&cs.mu)
	return cs
}

// fail marks the connection dead with err and wakes any blocked sender.
func (cs *connState) fail(err error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.state == stateClosed {
		return
	}
	cs.state = stateClosed
	if cs.closeErr == nil {
		cs.closeErr = err
	}
	cs.cond.Broadcast()
}

// onOpen transitions CONNECTING -> OPEN on the first DATA or ACK frame and
// records the peer's advertised window (spec.md §4.B step 2).
func (cs *connState) onOpen(peerWindow uint32) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.state == stateConnecting {
		cs.state = stateOpen
	}
	cs.peerWindowRemaining = peerWindow
	cs.cond.Broadcast()
}

// onAck replenishes peerWindowRemaining and wakes blocked senders
// (spec.md §4.B step 3 / the windowing redesign in §9).
func (cs *connState) onAck(ackedThrough uint32, window uint32) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.peerWindowRemaining = window
	cs.cond.Broadcast()
}

// appendData stores an in-order DATA payload and returns KindMuxError for a
// frame whose seq is not the next expected one; the caller treats that as
// fatal (spec.md §4.B step 4: gaps are fatal, not buffered).
func (cs *connState) appendData(seq uint32, payload []byte) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if seq != cs.recvSeq {
		return pkg.New(pkg.KindMuxError, "mux.appendData", "out-of-order frame")
	}
	cs.recvBuf.Write(payload)
	cs.recvSeq += uint32(len(payload))
	cs.cond.Broadcast()
	return nil
}

// Conn is an opaque handle to one virtual connection, the application-level
// unit of usbmux service multiplexing. It is obtained from [Mux.Connect]
// and is invalid for use after [Conn.Close] or after the owning device
// disappears.
type Conn struct {
	m          *Mux
	slot       int
	generation uint64
}

// lookup resolves the handle to its live connState, or returns KindInvalidArg
// if the slot has been recycled (generation mismatch) or the connection is
// otherwise gone.
func (c *Conn) lookup() (*connState, error) {
	cs := c.m.connAt(c.slot)
	if cs == nil || cs.generation != c.generation {
		return nil, pkg.New(pkg.KindInvalidArg, "mux.Conn", "stale or unowned connection handle")
	}
	return cs, nil
}

// Send writes the entirety of data, chunking at min(peerWindowRemaining,
// maxPayload) per spec.md §4.B step 3 and blocking (via the connection's
// condition variable) whenever the peer's window is exhausted, until an ACK
// replenishes it or the connection dies.
func (c *Conn) Send(data []byte) (int, error) {
	const op = "mux.Conn.Send"
	cs, err := c.lookup()
	if err != nil {
		return 0, err
	}

	written := 0
	for written < len(data) {
		cs.mu.Lock()
		for cs.state != stateClosed && cs.peerWindowRemaining == 0 {
			cs.cond.Wait()
		}
		if cs.state == stateClosed {
			err := cs.closeErr
			cs.mu.Unlock()
			if err == nil {
				err = pkg.New(pkg.KindNoDevice, op, "connection closed")
			}
			return written, err
		}
		chunk := maxPayload
		if int(cs.peerWindowRemaining) < chunk {
			chunk = int(cs.peerWindowRemaining)
		}
		remaining := len(data) - written
		if chunk > remaining {
			chunk = remaining
		}
		seq := cs.sendSeq
		cs.sendSeq += uint32(chunk)
		cs.peerWindowRemaining -= uint32(chunk)
		srcPort, dstPort := cs.srcPort, cs.dstPort
		cs.mu.Unlock()

		f := &frame{
			header: header{
				Version: protocolVersion,
				Type:    frameData,
				SrcPort: srcPort,
				DstPort: dstPort,
				Seq:     seq,
				Window:  localWindow,
			},
			Payload: data[written : written+chunk],
		}
		if err := c.m.writeFrame(f); err != nil {
			cs.fail(err)
			return written, err
		}
		written += chunk
	}
	return written, nil
}

// RecvTimeout returns up to len(buf) bytes already assembled in sequence
// order, blocking for at most timeout if none are yet available. A timeout
// of 0 blocks indefinitely; a timeout with nothing buffered returns (0, nil)
// per spec.md §4.A's "timeout returns zero bytes without error" contract,
// generalized here from the bulk layer to every virtual connection.
func (c *Conn) RecvTimeout(buf []byte, timeout time.Duration) (int, error) {
	const op = "mux.Conn.RecvTimeout"
	cs, err := c.lookup()
	if err != nil {
		return 0, err
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	for cs.recvBuf.Len() == 0 && cs.state != stateClosed {
		if deadline.IsZero() {
			cs.cond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}
		condWaitUntil(cs.cond, deadline)
	}
	if cs.recvBuf.Len() == 0 && cs.state == stateClosed {
		if cs.closeErr != nil {
			return 0, cs.closeErr
		}
		return 0, pkg.New(pkg.KindNoDevice, op, "connection closed")
	}
	return cs.recvBuf.Read(buf)
}

// Peek returns up to n bytes currently buffered without consuming them,
// blocking like RecvTimeout until data arrives or the deadline passes.
func (c *Conn) Peek(n int, timeout time.Duration) ([]byte, error) {
	cs, err := c.lookup()
	if err != nil {
		return nil, err
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	for cs.recvBuf.Len() == 0 && cs.state != stateClosed {
		if deadline.IsZero() {
			cs.cond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		condWaitUntil(cs.cond, deadline)
	}
	avail := cs.recvBuf.Bytes()
	if len(avail) > n {
		avail = avail[:n]
	}
	out := make([]byte, len(avail))
	copy(out, avail)
	return out, nil
}

// closeWaitTimeout bounds how long Close waits in HALF_CLOSED for the
// peer's own CLOSE frame before giving up and closing locally anyway
// (spec.md §4.B step 5).
const closeWaitTimeout = 2 * time.Second

// Close sends a CLOSE control frame (orderly shutdown), transitions to
// HALF_CLOSED, and waits up to closeWaitTimeout for the peer's CLOSE
// (delivered via handleFrame's ctrlClose case, which calls cs.fail and so
// completes the transition to CLOSED) before releasing the connection's
// arena slot. If the peer never replies, the connection is closed locally
// once the timeout elapses (spec.md §4.B step 5).
func (c *Conn) Close() error {
	cs, err := c.lookup()
	if err != nil {
		return nil
	}

	cs.mu.Lock()
	if cs.state == stateClosed {
		cs.mu.Unlock()
		c.m.release(c.slot, c.generation)
		return nil
	}
	srcPort, dstPort := cs.srcPort, cs.dstPort
	cs.state = stateHalfClosed
	cs.cond.Broadcast()
	cs.mu.Unlock()

	f := &frame{header: header{
		Version: protocolVersion,
		Type:    frameControl,
		Subtype: ctrlClose,
		SrcPort: srcPort,
		DstPort: dstPort,
	}}
	_ = c.m.writeFrame(f)

	deadline := time.Now().Add(closeWaitTimeout)
	cs.mu.Lock()
	for cs.state == stateHalfClosed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		condWaitUntil(cs.cond, deadline)
	}
	if cs.state == stateHalfClosed {
		cs.state = stateClosed
		if cs.closeErr == nil {
			cs.closeErr = pkg.New(pkg.KindNoDevice, "mux.Conn.Close", "connection closed")
		}
		cs.cond.Broadcast()
	}
	cs.mu.Unlock()

	c.m.release(c.slot, c.generation)
	return nil
}

// condWaitUntil waits on cond, held locked by the caller, for one wake-up,
// arming a timer that broadcasts at deadline so a caller blocked with no
// other waker still returns. The caller's loop re-checks both its predicate
// and the deadline afterward.
func condWaitUntil(cond *sync.Cond, deadline time.Time) {
	timer := time.AfterFunc(time.Until(deadline), func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}
