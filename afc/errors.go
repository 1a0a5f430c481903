package afc

import "github.com/gousbmux/gousbmux/pkg"

// deviceErrorCode is the 8-byte little-endian error code carried in a
// STATUS reply's body.
type deviceErrorCode uint64

const (
	errSuccess           deviceErrorCode = 0
	errUnknownError      deviceErrorCode = 1
	errOpHeaderInvalid   deviceErrorCode = 2
	errNoResources       deviceErrorCode = 3
	errReadError         deviceErrorCode = 4
	errWriteError        deviceErrorCode = 5
	errUnknownPacketType deviceErrorCode = 6
	errInvalidArg        deviceErrorCode = 7
	errObjectNotFound    deviceErrorCode = 8
	errObjectIsDir       deviceErrorCode = 9
	errPermDenied        deviceErrorCode = 10
	errServiceNotConn    deviceErrorCode = 11
	errOpTimeout         deviceErrorCode = 12
	errTooMuchData       deviceErrorCode = 13
	errEndOfData         deviceErrorCode = 14
	errOpNotSupported    deviceErrorCode = 15
	errObjectExists      deviceErrorCode = 16
	errObjectBusy        deviceErrorCode = 17
	errNoSpaceLeft       deviceErrorCode = 18
	errOpWouldBlock      deviceErrorCode = 19
	errIOError           deviceErrorCode = 20
	errOpInterrupted     deviceErrorCode = 21
	errOpInProgress      deviceErrorCode = 22
	errInternalError     deviceErrorCode = 23
	errMuxError          deviceErrorCode = 30
	errNoMem             deviceErrorCode = 31
	errNotEnoughData     deviceErrorCode = 32
	errDirNotEmpty       deviceErrorCode = 33
)

// mapStatus translates a device STATUS code to the shared error taxonomy.
// Callers needing the remove-path-on-non-empty-directory remap (spec.md
// §4.E "Key semantics": the device reports a generic "unknown" code, which
// the client remaps to DIR_NOT_EMPTY) pass remapUnknownToDirNotEmpty=true.
func mapStatus(op string, code deviceErrorCode, remapUnknownToDirNotEmpty bool) error {
	if code == errSuccess {
		return nil
	}
	if remapUnknownToDirNotEmpty && code == errUnknownError {
		code = errDirNotEmpty
	}
	switch code {
	case errReadError:
		return pkg.New(pkg.KindReadError, op, "device read error")
	case errWriteError:
		return pkg.New(pkg.KindWriteError, op, "device write error")
	case errDirNotEmpty:
		return pkg.New(pkg.KindDirNotEmpty, op, "directory not empty")
	case errOpNotSupported, errUnknownPacketType:
		return pkg.New(pkg.KindOpNotSupported, op, "operation not supported")
	case errObjectNotFound:
		return pkg.New(pkg.KindObjectNotFound, op, "object not found")
	case errNoMem, errNoResources:
		return pkg.New(pkg.KindNoMem, op, "device out of resources")
	case errOpHeaderInvalid:
		return pkg.New(pkg.KindBadHeader, op, "device rejected packet header")
	default:
		return pkg.New(pkg.KindInvalidArg, op, "device-reported AFC error")
	}
}
