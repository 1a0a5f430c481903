package store

import (
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pairing")
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	hostKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	devicePub, err := EncodeDevicePublicKey(&hostKey.PublicKey)
	if err != nil {
		t.Fatalf("EncodeDevicePublicKey: %v", err)
	}

	want := &Record{
		HostID:          uuid.New(),
		RootCertDER:     []byte{0x01, 0x02, 0x03},
		HostCertDER:     []byte{0x04, 0x05},
		DeviceCertDER:   []byte{0x06},
		HostPrivateKey:  EncodeHostKey(hostKey),
		DevicePublicKey: devicePub,
	}

	const deviceUUID = "0123456789abcdef0123456789abcdef01234567"
	if err := s.Save(deviceUUID, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(deviceUUID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.HostID != want.HostID {
		t.Errorf("HostID = %v, want %v", got.HostID, want.HostID)
	}
	if string(got.RootCertDER) != string(want.RootCertDER) {
		t.Errorf("RootCertDER mismatch")
	}
	if string(got.HostPrivateKey) != string(want.HostPrivateKey) {
		t.Errorf("HostPrivateKey mismatch")
	}
}

func TestLoadMissingRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Load("no-such-device"); err == nil {
		t.Fatal("expected Load of a missing record to fail")
	}
}

func TestDeleteRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec := &Record{HostID: uuid.New()}
	if err := s.Save("device-1", rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete("device-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load("device-1"); err == nil {
		t.Fatal("expected Load after Delete to fail")
	}
	// Deleting an already-absent record is not an error.
	if err := s.Delete("device-1"); err != nil {
		t.Fatalf("Delete (again): %v", err)
	}
}
