package mux

import (
	"encoding/binary"

	"github.com/gousbmux/gousbmux/pkg"
)

// frameType distinguishes a data frame from a control frame.
type frameType uint8

const (
	frameData    frameType = 1
	frameControl frameType = 2
)

// controlSubtype identifies the control operation carried by a CONTROL
// frame.
type controlSubtype uint8

const (
	ctrlConnect controlSubtype = 1
	ctrlAck     controlSubtype = 2
	ctrlClose   controlSubtype = 3
	ctrlReset   controlSubtype = 4
)

// protocolVersion is the mux frame format version this package emits and
// expects.
const protocolVersion = 1

// frameHeaderSize is the fixed on-wire header size in bytes: version(1) +
// type(1) + length(4) + srcPort(2) + dstPort(2) + seq(4) + ack(4) +
// window(4) + flags(1) + subtype(1).
const frameHeaderSize = 24

// maxPayload bounds a single DATA frame's payload so the frame (header
// included) never exceeds 65536 bytes.
const maxPayload = 65536 - frameHeaderSize

// flag bits carried in header.Flags.
const (
	flagFIN uint8 = 1 << 0
)

// header is the fixed mux frame header, matching the wire layout exactly:
// every multi-byte field is big-endian.
type header struct {
	Version uint8
	Type    frameType
	Length  uint32 // total frame length, header included
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Window  uint32
	Flags   uint8
	Subtype controlSubtype // meaningful only when Type == frameControl
}

func (h *header) marshal() []byte {
	b := make([]byte, frameHeaderSize)
	b[0] = h.Version
	b[1] = byte(h.Type)
	binary.BigEndian.PutUint32(b[2:6], h.Length)
	binary.BigEndian.PutUint16(b[6:8], h.SrcPort)
	binary.BigEndian.PutUint16(b[8:10], h.DstPort)
	binary.BigEndian.PutUint32(b[10:14], h.Seq)
	binary.BigEndian.PutUint32(b[14:18], h.Ack)
	binary.BigEndian.PutUint32(b[18:22], h.Window)
	b[22] = h.Flags
	b[23] = byte(h.Subtype)
	return b
}

func unmarshalHeader(b []byte) (header, error) {
	var h header
	if len(b) < frameHeaderSize {
		return h, pkg.New(pkg.KindNotEnoughData, "mux.unmarshalHeader", "short frame header")
	}
	h.Version = b[0]
	h.Type = frameType(b[1])
	h.Length = binary.BigEndian.Uint32(b[2:6])
	h.SrcPort = binary.BigEndian.Uint16(b[6:8])
	h.DstPort = binary.BigEndian.Uint16(b[8:10])
	h.Seq = binary.BigEndian.Uint32(b[10:14])
	h.Ack = binary.BigEndian.Uint32(b[14:18])
	h.Window = binary.BigEndian.Uint32(b[18:22])
	h.Flags = b[22]
	h.Subtype = controlSubtype(b[23])
	if h.Version != protocolVersion {
		return h, pkg.New(pkg.KindBadHeader, "mux.unmarshalHeader", "unexpected frame version")
	}
	if h.Length < frameHeaderSize {
		return h, pkg.New(pkg.KindBadHeader, "mux.unmarshalHeader", "frame length smaller than header")
	}
	return h, nil
}

// frame is a decoded header plus its payload (empty for control frames
// other than possibly a piggy-backed ACK body, which this implementation
// does not use).
type frame struct {
	header
	Payload []byte
}

func (f *frame) marshal() []byte {
	f.header.Length = uint32(frameHeaderSize + len(f.Payload))
	out := f.header.marshal()
	return append(out, f.Payload...)
}
