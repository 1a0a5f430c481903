// Package afc implements the Apple File Conduit client: a framed
// request/reply file-access protocol carried over a dedicated mux virtual
// connection (spec.md §4.E).
package afc

import (
	"encoding/binary"

	"github.com/gousbmux/gousbmux/pkg"
)

// magic is the fixed 8-byte AFC header magic.
var magic = [8]byte{'C', 'F', 'A', '6', 'L', 'P', 'A', 'A'}

// headerSize is the fixed AFC packet header size in bytes: magic(8) +
// entire_length(8) + this_length(8) + packet_num(8) + operation(8), all
// little-endian per spec.md §3.
const headerSize = 40

// operation identifies an AFC request or reply kind.
type operation uint64

const (
	opStatus           operation = 0x00000001
	opData             operation = 0x00000002
	opReadDir          operation = 0x00000003
	opReadFile         operation = 0x00000004
	opWriteFile        operation = 0x00000005
	opWritePart        operation = 0x00000006
	opTruncate         operation = 0x00000007
	opRemovePath       operation = 0x00000008
	opMakeDir          operation = 0x00000009
	opGetFileInfo      operation = 0x0000000a
	opGetDeviceInfo    operation = 0x0000000b
	opWriteFileAtomic  operation = 0x0000000c
	opFileOpen         operation = 0x0000000d
	opFileOpenRes      operation = 0x0000000e
	opFileRead         operation = 0x0000000f
	opFileWrite        operation = 0x00000010
	opFileClose        operation = 0x00000011
	opFileLock         operation = 0x00000012
	opMakeLink         operation = 0x00000013
	opSetFileTime      operation = 0x00000014
	opGetFileInfoAlt   operation = 0x00000015
	opRenamePath       operation = 0x00000016
	opSetFSBlockSize   operation = 0x00000017
	opSetSocketBlockSz operation = 0x00000018
	opFileTruncate     operation = 0x00000019
	opFileSetSize      operation = 0x0000001a
	opGetDiskInfo      operation = 0x0000001b
	opRemovePathAndContents operation = 0x0000001c
	opFileTell        operation = 0x0000001d
	opFileTellRes     operation = 0x0000001e
	opFileSeek        operation = 0x0000001f
)

// header is the fixed AFC packet header.
type header struct {
	EntireLength uint64
	ThisLength   uint64
	PacketNum    uint64
	Operation    operation
}

func (h header) marshal() []byte {
	b := make([]byte, headerSize)
	copy(b[0:8], magic[:])
	binary.LittleEndian.PutUint64(b[8:16], h.EntireLength)
	binary.LittleEndian.PutUint64(b[16:24], h.ThisLength)
	binary.LittleEndian.PutUint64(b[24:32], h.PacketNum)
	binary.LittleEndian.PutUint64(b[32:40], uint64(h.Operation))
	return b
}

func unmarshalHeader(b []byte) (header, error) {
	var h header
	if len(b) < headerSize {
		return h, pkg.New(pkg.KindNotEnoughData, "afc.unmarshalHeader", "short AFC header")
	}
	if string(b[0:8]) != string(magic[:]) {
		return h, pkg.New(pkg.KindBadHeader, "afc.unmarshalHeader", "bad AFC magic")
	}
	h.EntireLength = binary.LittleEndian.Uint64(b[8:16])
	h.ThisLength = binary.LittleEndian.Uint64(b[16:24])
	h.PacketNum = binary.LittleEndian.Uint64(b[24:32])
	h.Operation = operation(binary.LittleEndian.Uint64(b[32:40]))
	if h.ThisLength > h.EntireLength {
		return h, pkg.New(pkg.KindBadHeader, "afc.unmarshalHeader", "this_length exceeds entire_length")
	}
	if h.ThisLength < headerSize {
		return h, pkg.New(pkg.KindBadHeader, "afc.unmarshalHeader", "this_length smaller than header")
	}
	return h, nil
}

// packet is a decoded AFC header plus its parameter block and (for a split
// request/reply) its bulk payload.
type packet struct {
	header
	Params  []byte
	Payload []byte
}

// marshal encodes p as a single frame: header + params + payload, with
// ThisLength/EntireLength computed from the actual content, matching
// spec.md's "split form is used only for writes larger than a parameter
// block" — callers that need the split form send two packets explicitly
// rather than relying on marshal to do it.
func (p *packet) marshal() []byte {
	total := headerSize + len(p.Params) + len(p.Payload)
	p.header.EntireLength = uint64(total)
	p.header.ThisLength = uint64(total)
	out := p.header.marshal()
	out = append(out, p.Params...)
	out = append(out, p.Payload...)
	return out
}
