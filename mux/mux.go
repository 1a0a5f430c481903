package mux

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gousbmux/gousbmux/pkg"
	"github.com/gousbmux/gousbmux/transport"
)

// Options configures a Mux. The zero value is valid and selects the
// defaults described on each field.
type Options struct {
	// DispatchIdleTimeout bounds how long the dispatcher blocks on a single
	// Channel.Recv while no frame is arriving. It does not bound how long a
	// caller's RecvTimeout/Connect call may block. Defaults to 1s.
	DispatchIdleTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.DispatchIdleTimeout <= 0 {
		o.DispatchIdleTimeout = time.Second
	}
	return o
}

// Mux is one per [transport.Device]; it demultiplexes the device's single
// bulk byte stream into many [Conn] virtual connections (spec.md §4.B).
type Mux struct {
	ch   transport.Channel
	opts Options

	writeMu sync.Mutex

	tableMu  sync.Mutex
	byPort   map[uint16]*connState // keyed by local (host) source port
	arena    []*connState
	freeSlot []int
	nextGen  uint64
	nextPort uint16

	closeOnce sync.Once
	closed    chan struct{}
}

// New starts a Mux over ch and spawns its dispatcher goroutine.
func New(ch transport.Channel, opts Options) *Mux {
	m := &Mux{
		ch:       ch,
		opts:     opts.withDefaults(),
		byPort:   make(map[uint16]*connState),
		nextPort: uint16(1 + rand.Intn(1<<15)),
		closed:   make(chan struct{}),
	}
	go m.dispatchLoop()
	return m
}

// connAt returns the arena entry at slot, or nil if out of range or freed.
func (m *Mux) connAt(slot int) *connState {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	if slot < 0 || slot >= len(m.arena) {
		return nil
	}
	return m.arena[slot]
}

// release removes a connection from the dispatch table and recycles its
// arena slot, provided generation still matches (guards against a
// double-close racing a fresh allocation of the same slot).
func (m *Mux) release(slot int, generation uint64) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	if slot < 0 || slot >= len(m.arena) || m.arena[slot] == nil {
		return
	}
	cs := m.arena[slot]
	if cs.generation != generation {
		return
	}
	delete(m.byPort, cs.srcPort)
	m.arena[slot] = nil
	m.freeSlot = append(m.freeSlot, slot)
}

// allocPort picks an unused host source port (spec.md §4.B step 1).
func (m *Mux) allocPort() uint16 {
	for {
		p := m.nextPort
		m.nextPort++
		if m.nextPort == 0 {
			m.nextPort = 1
		}
		if _, taken := m.byPort[p]; !taken {
			return p
		}
	}
}

// Connect opens a new virtual connection to dstPort (a well-known service
// port such as 0xF27E for the control service), blocking until the peer's
// first DATA/ACK frame opens it or ctx is done.
func (m *Mux) Connect(ctx context.Context, dstPort uint16) (*Conn, error) {
	const op = "mux.Mux.Connect"

	m.tableMu.Lock()
	srcPort := m.allocPort()
	generation := m.nextGen
	m.nextGen++
	cs := newConnState(srcPort, dstPort, generation)

	var slot int
	if n := len(m.freeSlot); n > 0 {
		slot = m.freeSlot[n-1]
		m.freeSlot = m.freeSlot[:n-1]
		m.arena[slot] = cs
	} else {
		slot = len(m.arena)
		m.arena = append(m.arena, cs)
	}
	m.byPort[srcPort] = cs
	m.tableMu.Unlock()

	f := &frame{header: header{
		Version: protocolVersion,
		Type:    frameControl,
		Subtype: ctrlConnect,
		SrcPort: srcPort,
		DstPort: dstPort,
		Window:  localWindow,
	}}
	if err := m.writeFrame(f); err != nil {
		m.release(slot, generation)
		return nil, pkg.Wrap(pkg.KindMuxError, op, err)
	}

	conn := &Conn{m: m, slot: slot, generation: generation}

	cs.mu.Lock()
	for cs.state == stateConnecting {
		if ctx.Err() != nil {
			cs.mu.Unlock()
			_ = conn.Close()
			return nil, pkg.Wrap(pkg.KindTimeout, op, ctx.Err())
		}
		condWaitUntil(cs.cond, time.Now().Add(50*time.Millisecond))
	}
	state := cs.state
	closeErr := cs.closeErr
	cs.mu.Unlock()

	if state == stateClosed {
		if closeErr == nil {
			closeErr = pkg.New(pkg.KindMuxError, op, "connection rejected")
		}
		return nil, closeErr
	}
	return conn, nil
}

// writeFrame serializes a single frame write over the bulk channel so that
// no two frames interleave (spec.md §4.B dispatcher note).
func (m *Mux) writeFrame(f *frame) error {
	const op = "mux.writeFrame"
	wire := f.marshal()
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	n, err := m.ch.Send(wire, 0)
	if err != nil {
		return pkg.Wrap(pkg.KindMuxError, op, err)
	}
	if n < len(wire) {
		return pkg.New(pkg.KindMuxError, op, "short frame write")
	}
	return nil
}

// Close tears down the mux: every live connection is failed with
// KindNoDevice and the underlying channel is closed.
func (m *Mux) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		m.tableMu.Lock()
		conns := make([]*connState, 0, len(m.arena))
		for _, cs := range m.arena {
			if cs != nil {
				conns = append(conns, cs)
			}
		}
		m.tableMu.Unlock()
		for _, cs := range conns {
			cs.fail(pkg.New(pkg.KindNoDevice, "mux.Mux.Close", "mux closed"))
		}
		err = m.ch.Close()
	})
	return err
}

// dispatchLoop is the single per-Mux goroutine that owns the bulk read
// side, reading frames and routing them by (dst_port, src_port) to the
// connection table (spec.md §4.B "Dispatcher").
func (m *Mux) dispatchLoop() {
	buf := make([]byte, 1<<20)
	pending := make([]byte, 0, frameHeaderSize)

	for {
		select {
		case <-m.closed:
			return
		default:
		}

		n, err := m.ch.Recv(buf, m.opts.DispatchIdleTimeout)
		if err != nil {
			pkg.LogWarn(pkg.ComponentMux, "dispatcher read failed, tearing down mux", "error", err)
			_ = m.Close()
			return
		}
		if n == 0 {
			continue
		}
		pending = append(pending, buf[:n]...)

		for {
			if len(pending) < frameHeaderSize {
				break
			}
			h, err := unmarshalHeader(pending)
			if err != nil {
				pkg.LogWarn(pkg.ComponentMux, "bad frame header, tearing down mux", "error", err)
				_ = m.Close()
				return
			}
			if uint32(len(pending)) < h.Length {
				break // wait for the rest of this frame
			}
			payload := pending[frameHeaderSize:h.Length]
			m.handleFrame(h, payload)
			pending = pending[h.Length:]
		}
	}
}

// handleFrame routes one decoded frame to its connection, per dispatcher
// semantics: lookup keys on the local (host) port the frame targets.
func (m *Mux) handleFrame(h header, payload []byte) {
	m.tableMu.Lock()
	cs := m.byPort[h.DstPort]
	m.tableMu.Unlock()

	if cs == nil {
		pkg.LogDebug(pkg.ComponentMux, "frame for unknown port dropped", "port", h.DstPort)
		return
	}
	if cs.dstPort != h.SrcPort {
		pkg.LogWarn(pkg.ComponentMux, "frame port mismatch", "want", cs.dstPort, "got", h.SrcPort)
		cs.fail(pkg.New(pkg.KindMuxError, "mux.handleFrame", "port mismatch"))
		return
	}

	switch h.Type {
	case frameData:
		cs.onOpen(h.Window)
		if err := cs.appendData(h.Seq, payload); err != nil {
			pkg.LogWarn(pkg.ComponentMux, "out-of-order data frame, resetting connection", "error", err)
			cs.fail(err)
			m.sendReset(cs)
			return
		}
		m.sendAck(cs)
	case frameControl:
		switch h.Subtype {
		case ctrlAck:
			cs.onOpen(h.Window)
			cs.onAck(h.Ack, h.Window)
		case ctrlClose:
			cs.fail(nil)
		case ctrlReset:
			cs.fail(pkg.New(pkg.KindMuxError, "mux.handleFrame", "peer reset connection"))
		default:
			pkg.LogDebug(pkg.ComponentMux, "unhandled control subtype", "subtype", h.Subtype)
		}
	}
}

func (m *Mux) sendAck(cs *connState) {
	cs.mu.Lock()
	ack := cs.recvSeq
	srcPort, dstPort := cs.srcPort, cs.dstPort
	cs.mu.Unlock()

	f := &frame{header: header{
		Version: protocolVersion,
		Type:    frameControl,
		Subtype: ctrlAck,
		SrcPort: srcPort,
		DstPort: dstPort,
		Ack:     ack,
		Window:  localWindow,
	}}
	if err := m.writeFrame(f); err != nil {
		pkg.LogWarn(pkg.ComponentMux, "failed to send ack", "error", err)
	}
}

func (m *Mux) sendReset(cs *connState) {
	cs.mu.Lock()
	srcPort, dstPort := cs.srcPort, cs.dstPort
	cs.mu.Unlock()

	f := &frame{header: header{
		Version: protocolVersion,
		Type:    frameControl,
		Subtype: ctrlReset,
		SrcPort: srcPort,
		DstPort: dstPort,
	}}
	_ = m.writeFrame(f)
}

