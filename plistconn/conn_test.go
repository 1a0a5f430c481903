package plistconn

import (
	"context"
	"testing"
	"time"

	"github.com/gousbmux/gousbmux/pkg/muxtest"
)

type greeting struct {
	Name string
}

func TestSendAssemblesLengthPrefixedEnvelope(t *testing.T) {
	hostMux, device, stop := muxtest.NewPair(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rawConn, err := hostMux.Connect(ctx, 0xF27E)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	host := New(rawConn, time.Second)

	if err := host.Send(&greeting{Name: "DeviceName"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	payload, ok := device.Recv(time.Second)
	if !ok {
		t.Fatal("device never received the envelope")
	}
	if len(payload) < 4 {
		t.Fatalf("payload too short for a length prefix: %d bytes", len(payload))
	}
}

func TestRecvDecodesEnvelope(t *testing.T) {
	hostMux, device, stop := muxtest.NewPair(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rawConn, err := hostMux.Connect(ctx, 0xF27E)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	host := New(rawConn, time.Second)

	// Drive a throwaway message through the wrapper itself so the on-wire
	// envelope format matches exactly what Recv expects to parse back.
	deviceSideEnvelope := func() []byte {
		done := make(chan []byte, 1)
		go func() {
			payload, _ := device.Recv(time.Second)
			done <- payload
		}()
		if err := host.Send(&greeting{Name: "probe"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
		return <-done
	}()

	device.Send(deviceSideEnvelope)

	var got greeting
	if err := host.Recv(&got); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.Name != "probe" {
		t.Fatalf("got %+v, want Name=probe", got)
	}
}
