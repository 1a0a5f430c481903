package afc

import (
	"encoding/binary"

	"github.com/gousbmux/gousbmux/pkg"
	"github.com/gousbmux/gousbmux/pkg/plistutil"
)

// OpenMode selects the access mode for [Client.FileOpen] (spec.md §4.E).
type OpenMode uint64

const (
	ModeRead      OpenMode = 2
	ModeWrite     OpenMode = 3
	ModeReadWrite OpenMode = 4
	ModeAppend    OpenMode = 5
	ModeRWAppend  OpenMode = 6
)

// LockOp selects a flock-style lock operation for [Client.Lock].
type LockOp uint64

const (
	LockShared    LockOp = 1 | 4
	LockExclusive LockOp = 2 | 4
	LockUnlock    LockOp = 8 | 4
)

// Whence selects the reference point for [Client.Seek].
type Whence uint64

const (
	SeekSet Whence = 0
	SeekCur Whence = 1
	SeekEnd Whence = 2
)

// LinkType selects hard or symbolic link creation for [Client.MakeLink].
type LinkType uint64

const (
	LinkHard     LinkType = 1
	LinkSymbolic LinkType = 2
)

func cString(s string) []byte {
	return append([]byte(s), 0)
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// ReadDir lists the entries of path (spec.md §4.E "Directory read").
func (c *Client) ReadDir(path string) ([]string, error) {
	const op = "afc.Client.ReadDir"
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.roundTrip(op, opReadDir, cString(path), nil)
	if err != nil {
		return nil, err
	}
	if err := c.expectData(op, reply); err != nil {
		return nil, err
	}
	return plistutil.ParseStringList(reply.Payload), nil
}

// GetDeviceInfo returns the device's AFC key/value info as flattened
// key, value, key, value, ... pairs (spec.md §4.E "device-info read").
func (c *Client) GetDeviceInfo() ([]string, error) {
	const op = "afc.Client.GetDeviceInfo"
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.roundTrip(op, opGetDeviceInfo, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := c.expectData(op, reply); err != nil {
		return nil, err
	}
	return plistutil.ParseStringList(reply.Payload), nil
}

// GetFileInfo returns key/value pairs describing path (size, type, mtime,
// etc.), flattened the same way as GetDeviceInfo.
func (c *Client) GetFileInfo(path string) ([]string, error) {
	const op = "afc.Client.GetFileInfo"
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.roundTrip(op, opGetFileInfo, cString(path), nil)
	if err != nil {
		return nil, err
	}
	if err := c.expectData(op, reply); err != nil {
		return nil, err
	}
	return plistutil.ParseStringList(reply.Payload), nil
}

// RemovePath deletes the file or empty directory at path. A non-empty
// directory surfaces the device's generic "unknown" status remapped to
// KindDirNotEmpty (spec.md §4.E "Key semantics").
func (c *Client) RemovePath(path string) error {
	const op = "afc.Client.RemovePath"
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.roundTrip(op, opRemovePath, cString(path), nil)
	if err != nil {
		return err
	}
	return c.expectStatus(op, reply, true)
}

// Rename moves from to to.
func (c *Client) Rename(from, to string) error {
	const op = "afc.Client.Rename"
	c.mu.Lock()
	defer c.mu.Unlock()

	params := append(cString(from), cString(to)...)
	reply, err := c.roundTrip(op, opRenamePath, params, nil)
	if err != nil {
		return err
	}
	return c.expectStatus(op, reply, false)
}

// MakeDir creates a directory at path.
func (c *Client) MakeDir(path string) error {
	const op = "afc.Client.MakeDir"
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.roundTrip(op, opMakeDir, cString(path), nil)
	if err != nil {
		return err
	}
	return c.expectStatus(op, reply, false)
}

// FileHandle identifies an open file on the device.
type FileHandle uint64

// FileOpen opens path in the given mode and returns a handle for
// subsequent Read/Write/Seek/Tell/Close calls.
func (c *Client) FileOpen(path string, mode OpenMode) (FileHandle, error) {
	const op = "afc.Client.FileOpen"
	c.mu.Lock()
	defer c.mu.Unlock()

	params := append(u64le(uint64(mode)), cString(path)...)
	reply, err := c.roundTrip(op, opFileOpen, params, nil)
	if err != nil {
		return 0, err
	}
	if reply.Operation != opFileOpenRes {
		return 0, c.unexpectedOperation(op, reply)
	}
	if len(reply.Payload) < 8 {
		return 0, pkg.New(pkg.KindNotEnoughData, op, "short FILE_OPEN_RES body")
	}
	return FileHandle(binary.LittleEndian.Uint64(reply.Payload[:8])), nil
}

// FileClose closes handle.
func (c *Client) FileClose(handle FileHandle) error {
	const op = "afc.Client.FileClose"
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.roundTrip(op, opFileClose, u64le(uint64(handle)), nil)
	if err != nil {
		return err
	}
	return c.expectStatus(op, reply, false)
}

// Read reads up to len(buf) bytes from handle, chunking requests at the
// 65,536-byte ceiling spec.md §4.E mandates and returning the total bytes
// actually read.
func (c *Client) Read(handle FileHandle, buf []byte) (int, error) {
	const op = "afc.Client.Read"
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for total < len(buf) {
		want := len(buf) - total
		if want > maxReadChunk {
			want = maxReadChunk
		}
		params := append(u64le(uint64(handle)), u64le(uint64(want))...)
		reply, err := c.roundTrip(op, opFileRead, params, nil)
		if err != nil {
			return total, err
		}
		if reply.Operation == opStatus {
			if err := c.expectStatus(op, reply, false); err != nil {
				return total, err
			}
			break // STATUS success with no DATA means end of file
		}
		if reply.Operation != opData {
			return total, c.unexpectedOperation(op, reply)
		}
		n := copy(buf[total:], reply.Payload)
		total += n
		if len(reply.Payload) < want {
			break // short read: end of file
		}
	}
	return total, nil
}

// Write writes all of data to handle, chunking at the 32,768-byte ceiling,
// each chunk independently framed with its own incremented packet_num.
func (c *Client) Write(handle FileHandle, data []byte) (int, error) {
	const op = "afc.Client.Write"
	c.mu.Lock()
	defer c.mu.Unlock()

	written := 0
	for written < len(data) {
		end := written + maxWriteChunk
		if end > len(data) {
			end = len(data)
		}
		params := u64le(uint64(handle))
		reply, err := c.roundTrip(op, opFileWrite, params, data[written:end])
		if err != nil {
			return written, err
		}
		if err := c.expectStatus(op, reply, false); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// Lock applies a flock-style lock/unlock operation to handle.
func (c *Client) Lock(handle FileHandle, lockOp LockOp) error {
	const op = "afc.Client.Lock"
	c.mu.Lock()
	defer c.mu.Unlock()

	params := append(u64le(uint64(handle)), u64le(uint64(lockOp))...)
	reply, err := c.roundTrip(op, opFileLock, params, nil)
	if err != nil {
		return err
	}
	return c.expectStatus(op, reply, false)
}

// Seek repositions handle's file offset.
func (c *Client) Seek(handle FileHandle, whence Whence, offset int64) error {
	const op = "afc.Client.Seek"
	c.mu.Lock()
	defer c.mu.Unlock()

	params := append(u64le(uint64(handle)), u64le(uint64(whence))...)
	params = append(params, u64le(uint64(offset))...)
	reply, err := c.roundTrip(op, opFileSeek, params, nil)
	if err != nil {
		return err
	}
	return c.expectStatus(op, reply, false)
}

// Tell returns handle's current file offset.
func (c *Client) Tell(handle FileHandle) (int64, error) {
	const op = "afc.Client.Tell"
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.roundTrip(op, opFileTell, u64le(uint64(handle)), nil)
	if err != nil {
		return 0, err
	}
	if reply.Operation != opFileTellRes {
		return 0, c.unexpectedOperation(op, reply)
	}
	if len(reply.Payload) < 8 {
		return 0, pkg.New(pkg.KindNotEnoughData, op, "short FILE_TELL_RES body")
	}
	return int64(binary.LittleEndian.Uint64(reply.Payload[:8])), nil
}

// Truncate sets handle's length to size.
func (c *Client) Truncate(handle FileHandle, size int64) error {
	const op = "afc.Client.Truncate"
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.roundTrip(op, opFileTruncate, append(u64le(uint64(handle)), u64le(uint64(size))...), nil)
	if err != nil {
		return err
	}
	return c.expectStatus(op, reply, false)
}

// TruncatePath sets the length of the file at path without an open handle.
func (c *Client) TruncatePath(path string, size int64) error {
	const op = "afc.Client.TruncatePath"
	c.mu.Lock()
	defer c.mu.Unlock()

	params := append(u64le(uint64(size)), cString(path)...)
	reply, err := c.roundTrip(op, opTruncate, params, nil)
	if err != nil {
		return err
	}
	return c.expectStatus(op, reply, false)
}

// MakeLink creates a hard or symbolic link at linkName pointing at target.
func (c *Client) MakeLink(linkType LinkType, target, linkName string) error {
	const op = "afc.Client.MakeLink"
	c.mu.Lock()
	defer c.mu.Unlock()

	params := append(u64le(uint64(linkType)), cString(target)...)
	params = append(params, cString(linkName)...)
	reply, err := c.roundTrip(op, opMakeLink, params, nil)
	if err != nil {
		return err
	}
	return c.expectStatus(op, reply, false)
}

// SetFileTime sets path's modification time to mtimeNanos (nanoseconds
// since the Unix epoch, spec.md §4.E).
func (c *Client) SetFileTime(path string, mtimeNanos int64) error {
	const op = "afc.Client.SetFileTime"
	c.mu.Lock()
	defer c.mu.Unlock()

	params := append(u64le(uint64(mtimeNanos)), cString(path)...)
	reply, err := c.roundTrip(op, opSetFileTime, params, nil)
	if err != nil {
		return err
	}
	return c.expectStatus(op, reply, false)
}

func (c *Client) expectStatus(op string, reply *packet, remapDirNotEmpty bool) error {
	if reply.Operation != opStatus {
		return c.unexpectedOperation(op, reply)
	}
	return statusOf(op, reply.Payload, remapDirNotEmpty)
}

func (c *Client) expectData(op string, reply *packet) error {
	if reply.Operation == opStatus {
		return statusOf(op, reply.Payload, false)
	}
	if reply.Operation != opData {
		return c.unexpectedOperation(op, reply)
	}
	return nil
}

func (c *Client) unexpectedOperation(op string, reply *packet) error {
	return pkg.New(pkg.KindOpNotSupported, op, "unexpected AFC reply operation")
}
