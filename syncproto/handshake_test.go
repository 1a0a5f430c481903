package syncproto

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"howett.net/plist"

	"github.com/gousbmux/gousbmux/pkg/muxtest"
	"github.com/gousbmux/gousbmux/plistconn"
)

func deviceSend(t *testing.T, device *muxtest.Device, v any) {
	t.Helper()
	body, err := plist.Marshal(v, plist.BinaryFormat)
	if err != nil {
		t.Fatalf("marshal device message: %v", err)
	}
	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(body)))
	copy(msg[4:], body)
	device.Send(msg)
}

func decodeArray(t *testing.T, raw []byte) []any {
	t.Helper()
	var arr []any
	if _, err := plist.Unmarshal(raw[4:], &arr); err != nil {
		t.Fatalf("unmarshal array: %v", err)
	}
	return arr
}

func TestHandshakeSucceeds(t *testing.T) {
	m, device, stop := muxtest.NewPair(t)
	defer stop()

	conn, err := m.Connect(context.Background(), 1)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pc := plistconn.New(conn, 2*time.Second)

	done := make(chan error, 1)
	go func() { done <- Handshake(pc) }()

	deviceSend(t, device, []any{"DLMessageVersionExchange", uint64(100), uint64(100)})

	raw, ok := device.Recv(time.Second)
	if !ok {
		t.Fatal("device never received version-exchange reply")
	}
	reply := decodeArray(t, raw)
	if len(reply) != 2 || reply[0] != "DLMessageVersionExchange" || reply[1] != "DLVersionsOk" {
		t.Fatalf("reply = %v, want [DLMessageVersionExchange DLVersionsOk]", reply)
	}

	deviceSend(t, device, []any{"DLMessageDeviceReady"})

	if err := <-done; err != nil {
		t.Fatalf("Handshake: %v", err)
	}
}

func TestHandshakeRejectsBadVersion(t *testing.T) {
	m, device, stop := muxtest.NewPair(t)
	defer stop()

	conn, err := m.Connect(context.Background(), 1)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pc := plistconn.New(conn, 2*time.Second)

	done := make(chan error, 1)
	go func() { done <- Handshake(pc) }()

	deviceSend(t, device, []any{"DLMessageVersionExchange", uint64(1), uint64(0)})

	if err := <-done; err == nil {
		t.Fatal("expected Handshake to reject an unsupported version")
	}
}

func TestDisconnectSendsFarewell(t *testing.T) {
	m, device, stop := muxtest.NewPair(t)
	defer stop()

	conn, err := m.Connect(context.Background(), 1)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	pc := plistconn.New(conn, 2*time.Second)

	if err := Disconnect(pc); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	raw, ok := device.Recv(time.Second)
	if !ok {
		t.Fatal("device never received disconnect message")
	}
	msg := decodeArray(t, raw)
	if len(msg) != 2 || msg[0] != "DLMessageDisconnect" || msg[1] != disconnectMessage {
		t.Fatalf("message = %v, want [DLMessageDisconnect %q]", msg, disconnectMessage)
	}
}
