package afc

import (
	"context"
	"testing"
	"time"

	"github.com/gousbmux/gousbmux/pkg"
	"github.com/gousbmux/gousbmux/pkg/muxtest"
)

func newTestClient(t *testing.T) (*Client, *muxtest.Device, func()) {
	t.Helper()
	m, device, stop := muxtest.NewPair(t)
	conn, err := m.Connect(context.Background(), 1)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return New(conn), device, stop
}

// deviceReply builds and sends one AFC reply packet matching packetNum.
func deviceReply(device *muxtest.Device, packetNum uint64, op operation, payload []byte) {
	p := &packet{header: header{Operation: op, PacketNum: packetNum}, Payload: payload}
	device.Send(p.marshal())
}

// recvRequest waits for the next inbound AFC request and decodes its
// header and combined params+payload body.
func recvRequest(t *testing.T, device *muxtest.Device) (header, []byte) {
	t.Helper()
	raw, ok := device.Recv(time.Second)
	if !ok {
		t.Fatal("device never received AFC request")
	}
	h, err := unmarshalHeader(raw)
	if err != nil {
		t.Fatalf("unmarshalHeader: %v", err)
	}
	return h, raw[headerSize:]
}

func TestReadDirRoundTrip(t *testing.T) {
	client, device, stop := newTestClient(t)
	defer stop()

	type result struct {
		entries []string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		entries, err := client.ReadDir("/DCIM")
		done <- result{entries, err}
	}()

	h, body := recvRequest(t, device)
	if h.Operation != opReadDir {
		t.Fatalf("Operation = %v, want opReadDir", h.Operation)
	}
	if string(body) != "/DCIM\x00" {
		t.Fatalf("request body = %q, want %q", body, "/DCIM\x00")
	}
	deviceReply(device, h.PacketNum, opData, []byte(".\x00..\x00IMG_0001.JPG\x00"))

	r := <-done
	if r.err != nil {
		t.Fatalf("ReadDir: %v", r.err)
	}
	want := []string{".", "..", "IMG_0001.JPG"}
	if len(r.entries) != len(want) {
		t.Fatalf("entries = %v, want %v", r.entries, want)
	}
	for i := range want {
		if r.entries[i] != want[i] {
			t.Fatalf("entries[%d] = %q, want %q", i, r.entries[i], want[i])
		}
	}
}

func TestRemovePathRemapsDirNotEmpty(t *testing.T) {
	client, device, stop := newTestClient(t)
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- client.RemovePath("/DCIM")
	}()

	h, _ := recvRequest(t, device)
	deviceReply(device, h.PacketNum, opStatus, u64le(uint64(errUnknownError)))

	err := <-done
	if err == nil {
		t.Fatal("expected RemovePath to fail")
	}
	if !pkg.Is(err, pkg.KindDirNotEmpty) {
		t.Fatalf("RemovePath error = %v, want KindDirNotEmpty", err)
	}
}

func TestFileOpenReadWriteClose(t *testing.T) {
	client, device, stop := newTestClient(t)
	defer stop()

	type openResult struct {
		handle FileHandle
		err    error
	}
	done := make(chan openResult, 1)
	go func() {
		h, err := client.FileOpen("/a.txt", ModeReadWrite)
		done <- openResult{h, err}
	}()

	h, body := recvRequest(t, device)
	if h.Operation != opFileOpen {
		t.Fatalf("Operation = %v, want opFileOpen", h.Operation)
	}
	if string(body[8:]) != "/a.txt\x00" {
		t.Fatalf("request path = %q", body[8:])
	}
	deviceReply(device, h.PacketNum, opFileOpenRes, u64le(42))

	or := <-done
	if or.err != nil {
		t.Fatalf("FileOpen: %v", or.err)
	}
	if or.handle != 42 {
		t.Fatalf("handle = %d, want 42", or.handle)
	}

	// Write.
	writeDone := make(chan error, 1)
	go func() {
		_, err := client.Write(or.handle, []byte("hello"))
		writeDone <- err
	}()
	h, body = recvRequest(t, device)
	if h.Operation != opFileWrite {
		t.Fatalf("Operation = %v, want opFileWrite", h.Operation)
	}
	if string(body[8:]) != "hello" {
		t.Fatalf("write payload = %q, want %q", body[8:], "hello")
	}
	deviceReply(device, h.PacketNum, opStatus, u64le(uint64(errSuccess)))
	if err := <-writeDone; err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Read.
	readDone := make(chan error, 1)
	buf := make([]byte, 5)
	go func() {
		_, err := client.Read(or.handle, buf)
		readDone <- err
	}()
	h, _ = recvRequest(t, device)
	if h.Operation != opFileRead {
		t.Fatalf("Operation = %v, want opFileRead", h.Operation)
	}
	deviceReply(device, h.PacketNum, opData, []byte("hello"))
	if err := <-readDone; err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("Read buf = %q, want %q", buf, "hello")
	}

	// Close.
	closeDone := make(chan error, 1)
	go func() {
		closeDone <- client.FileClose(or.handle)
	}()
	h, _ = recvRequest(t, device)
	if h.Operation != opFileClose {
		t.Fatalf("Operation = %v, want opFileClose", h.Operation)
	}
	deviceReply(device, h.PacketNum, opStatus, u64le(uint64(errSuccess)))
	if err := <-closeDone; err != nil {
		t.Fatalf("FileClose: %v", err)
	}
}

func TestTellAfterSeek(t *testing.T) {
	client, device, stop := newTestClient(t)
	defer stop()

	seekDone := make(chan error, 1)
	go func() {
		seekDone <- client.Seek(7, SeekSet, 100)
	}()
	h, _ := recvRequest(t, device)
	if h.Operation != opFileSeek {
		t.Fatalf("Operation = %v, want opFileSeek", h.Operation)
	}
	deviceReply(device, h.PacketNum, opStatus, u64le(uint64(errSuccess)))
	if err := <-seekDone; err != nil {
		t.Fatalf("Seek: %v", err)
	}

	type tellResult struct {
		pos int64
		err error
	}
	tellDone := make(chan tellResult, 1)
	go func() {
		pos, err := client.Tell(7)
		tellDone <- tellResult{pos, err}
	}()
	h, _ = recvRequest(t, device)
	if h.Operation != opFileTell {
		t.Fatalf("Operation = %v, want opFileTell", h.Operation)
	}
	deviceReply(device, h.PacketNum, opFileTellRes, u64le(100))
	tr := <-tellDone
	if tr.err != nil {
		t.Fatalf("Tell: %v", tr.err)
	}
	if tr.pos != 100 {
		t.Fatalf("Tell = %d, want 100", tr.pos)
	}
}
