// Package syncproto implements the array-based "DLMessage" handshake
// shared by MobileSync and related services (spec.md §4.G), grounded in
// original_source/src/MobileSync.c.
package syncproto

import (
	"fmt"

	"github.com/gousbmux/gousbmux/pkg"
	"github.com/gousbmux/gousbmux/plistconn"
)

// protocolVersionMajor and protocolVersionMinor are the only version pair
// a DLMessageVersionExchange handshake accepts, matching the original
// implementation's fixed MSYNC_VERSION_INT1/INT2 constants.
const (
	protocolVersionMajor = 100
	protocolVersionMinor = 100
)

const disconnectMessage = "All done, thanks for the memories"

// Handshake performs the DLMessageVersionExchange/DLMessageDeviceReady
// exchange over conn: it reads the device's initial version array,
// verifies it names (100, 100), replies with DLVersionsOk, and waits for
// DLMessageDeviceReady before returning.
func Handshake(conn *plistconn.Conn) error {
	const op = "syncproto.Handshake"

	var greeting []any
	if err := conn.Recv(&greeting); err != nil {
		return err
	}
	if err := checkVersionExchange(op, greeting); err != nil {
		return err
	}

	if err := conn.Send([]any{"DLMessageVersionExchange", "DLVersionsOk"}); err != nil {
		return err
	}

	var ready []any
	if err := conn.Recv(&ready); err != nil {
		return err
	}
	name, ok := arrayString(ready, 0)
	if !ok || name != "DLMessageDeviceReady" {
		return pkg.New(pkg.KindPlistError, op, "device did not send DLMessageDeviceReady")
	}
	return nil
}

func checkVersionExchange(op string, arr []any) error {
	name, ok := arrayString(arr, 0)
	if !ok || name != "DLMessageVersionExchange" || len(arr) < 3 {
		return pkg.New(pkg.KindPlistError, op, "expected a DLMessageVersionExchange array")
	}
	major, ok := arrayUint(arr, 1)
	if !ok {
		return pkg.New(pkg.KindPlistError, op, "version exchange major version is not an integer")
	}
	minor, ok := arrayUint(arr, 2)
	if !ok {
		return pkg.New(pkg.KindPlistError, op, "version exchange minor version is not an integer")
	}
	if major != protocolVersionMajor || minor != protocolVersionMinor {
		return pkg.New(pkg.KindPlistError, op, fmt.Sprintf("unsupported protocol version %d.%d", major, minor))
	}
	return nil
}

// Disconnect sends the DLMessageDisconnect farewell used to end a sync
// session cleanly.
func Disconnect(conn *plistconn.Conn) error {
	return conn.Send([]any{"DLMessageDisconnect", disconnectMessage})
}

func arrayString(arr []any, i int) (string, bool) {
	if i >= len(arr) {
		return "", false
	}
	s, ok := arr[i].(string)
	return s, ok
}

func arrayUint(arr []any, i int) (uint64, bool) {
	if i >= len(arr) {
		return 0, false
	}
	switch n := arr[i].(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case float64:
		return uint64(n), true
	default:
		return 0, false
	}
}
