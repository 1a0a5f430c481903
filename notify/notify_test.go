package notify

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"howett.net/plist"

	"github.com/gousbmux/gousbmux/pkg/muxtest"
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

func decodeCommand(t *testing.T, raw []byte) command {
	t.Helper()
	var c command
	if _, err := plist.Unmarshal(raw[4:], &c); err != nil {
		t.Fatalf("unmarshal command: %v", err)
	}
	return c
}

func newTestClient(t *testing.T) (*Client, *muxtest.Device, func()) {
	t.Helper()
	m, device, stop := muxtest.NewPair(t)
	conn, err := m.Connect(context.Background(), 1)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return New(conn), device, stop
}

func TestPostSendsNotificationThenShutdown(t *testing.T) {
	client, device, stop := newTestClient(t)
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- client.Post(context.Background(), SyncCancelRequest)
	}()

	raw, ok := device.Recv(time.Second)
	if !ok {
		t.Fatal("device never received PostNotification")
	}
	cmd := decodeCommand(t, raw)
	if cmd.Command != "PostNotification" || cmd.Name != SyncCancelRequest {
		t.Fatalf("first command = %+v, want PostNotification/%s", cmd, SyncCancelRequest)
	}

	raw, ok = device.Recv(time.Second)
	if !ok {
		t.Fatal("device never received Shutdown")
	}
	cmd = decodeCommand(t, raw)
	if cmd.Command != "Shutdown" {
		t.Fatalf("second command = %+v, want Shutdown", cmd)
	}

	if err := <-done; err != nil {
		t.Fatalf("Post: %v", err)
	}
}

func TestObserveRelaysAndClosesOnProxyDeath(t *testing.T) {
	client, device, stop := newTestClient(t)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := client.Observe(ctx, AttemptActivation)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	raw, ok := device.Recv(time.Second)
	if !ok {
		t.Fatal("device never received ObserveNotification")
	}
	cmd := decodeCommand(t, raw)
	if cmd.Command != "ObserveNotification" || cmd.Name != AttemptActivation {
		t.Fatalf("command = %+v, want ObserveNotification/%s", cmd, AttemptActivation)
	}

	deviceSend(t, device, relayed{Command: "RelayNotification", Name: AttemptActivation})

	select {
	case name := <-ch:
		if name != AttemptActivation {
			t.Fatalf("relayed name = %q, want %q", name, AttemptActivation)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed notification")
	}

	deviceSend(t, device, relayed{Command: "ProxyDeath"})

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected channel to be closed after ProxyDeath")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
