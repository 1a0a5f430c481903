package lockdown

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"testing"
	"time"

	"howett.net/plist"

	"github.com/gousbmux/gousbmux/pairing"
	"github.com/gousbmux/gousbmux/pkg/muxtest"
	"github.com/google/uuid"
)

// deviceReply marshals v as a binary plist length-prefixed envelope and
// sends it from device back to the host, the shape [plistconn.Conn.Recv]
// expects.
func deviceReply(t *testing.T, device *muxtest.Device, v any) {
	t.Helper()
	body, err := plist.Marshal(v, plist.BinaryFormat)
	if err != nil {
		t.Fatalf("marshal device reply: %v", err)
	}
	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(body)))
	copy(msg[4:], body)
	device.Send(msg)
}

func newTestClient(t *testing.T) (*Client, *muxtest.Device, func()) {
	t.Helper()
	m, device, stop := muxtest.NewPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client, err := Dial(ctx, m)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	// Drain the CONNECT handshake: Dial's m.Connect already completed by
	// the time it returns, muxtest.Device has already ACKed it.
	return client, device, stop
}

func TestQueryType(t *testing.T) {
	client, device, stop := newTestClient(t)
	defer stop()

	done := make(chan error, 1)
	go func() {
		_, err := client.QueryType()
		done <- err
	}()

	if _, ok := device.Recv(time.Second); !ok {
		t.Fatal("device never received QueryType request")
	}
	deviceReply(t, device, map[string]any{
		"Request": "QueryType",
		"Type":    "com.apple.mobile.lockdown",
	})

	if err := <-done; err != nil {
		t.Fatalf("QueryType: %v", err)
	}
}

func TestGetValue(t *testing.T) {
	client, device, stop := newTestClient(t)
	defer stop()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := client.GetValue("", "DeviceName")
		done <- result{v, err}
	}()

	if _, ok := device.Recv(time.Second); !ok {
		t.Fatal("device never received GetValue request")
	}
	deviceReply(t, device, map[string]any{
		"Request": "GetValue",
		"Value":   "My iPhone",
	})

	r := <-done
	if r.err != nil {
		t.Fatalf("GetValue: %v", r.err)
	}
	if r.value != "My iPhone" {
		t.Fatalf("GetValue = %v, want %q", r.value, "My iPhone")
	}
}

func TestGetValueDeviceError(t *testing.T) {
	client, device, stop := newTestClient(t)
	defer stop()

	done := make(chan error, 1)
	go func() {
		_, err := client.GetValue("com.apple.mobile.backup", "")
		done <- err
	}()

	if _, ok := device.Recv(time.Second); !ok {
		t.Fatal("device never received GetValue request")
	}
	deviceReply(t, device, map[string]any{
		"Request": "GetValue",
		"Error":   "PasswordProtected",
	})

	if err := <-done; err == nil {
		t.Fatal("expected GetValue to surface the device's PasswordProtected error")
	}
}

func TestPairSendsAllThreeCertificates(t *testing.T) {
	client, device, stop := newTestClient(t)
	defer stop()

	devKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate device key: %v", err)
	}
	devPubDER, err := x509.MarshalPKIXPublicKey(&devKey.PublicKey)
	if err != nil {
		t.Fatalf("marshal device public key: %v", err)
	}

	id, err := pairing.GenerateIdentity(uuid.New())
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- client.Pair(id)
	}()

	if _, ok := device.Recv(time.Second); !ok {
		t.Fatal("device never received DevicePublicKey request")
	}
	deviceReply(t, device, map[string]any{
		"Request": "GetValue",
		"Value":   devPubDER,
	})

	req, ok := device.Recv(time.Second)
	if !ok {
		t.Fatal("device never received Pair request")
	}
	var decoded struct {
		Request    string `plist:"Request"`
		PairRecord struct {
			HostID            string `plist:"HostID"`
			RootCertificate   []byte `plist:"RootCertificate"`
			HostCertificate   []byte `plist:"HostCertificate"`
			DeviceCertificate []byte `plist:"DeviceCertificate"`
		} `plist:"PairRecord"`
	}
	if _, err := plist.Unmarshal(req[4:], &decoded); err != nil {
		t.Fatalf("decode Pair request: %v", err)
	}
	if decoded.Request != "Pair" {
		t.Fatalf("Request = %q, want Pair", decoded.Request)
	}
	if len(decoded.PairRecord.RootCertificate) == 0 || len(decoded.PairRecord.HostCertificate) == 0 {
		t.Fatal("Pair request missing root/host certificate")
	}
	if len(decoded.PairRecord.DeviceCertificate) == 0 {
		t.Fatal("Pair request missing device certificate")
	}

	deviceReply(t, device, map[string]any{"Request": "Pair"})

	if err := <-done; err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if len(id.DeviceCertDER) == 0 {
		t.Fatal("Pair did not populate id.DeviceCertDER")
	}
}

func TestStartService(t *testing.T) {
	client, device, stop := newTestClient(t)
	defer stop()

	type result struct {
		port uint16
		err  error
	}
	done := make(chan result, 1)
	go func() {
		p, err := client.StartService("com.apple.afc")
		done <- result{p, err}
	}()

	if _, ok := device.Recv(time.Second); !ok {
		t.Fatal("device never received StartService request")
	}
	deviceReply(t, device, map[string]any{
		"Request": "StartService",
		"Port":    uint64(1234),
	})

	r := <-done
	if r.err != nil {
		t.Fatalf("StartService: %v", r.err)
	}
	if r.port != 1234 {
		t.Fatalf("StartService port = %d, want 1234", r.port)
	}
}
