// Package store persists usbmux pairing records to disk: the
// (HostID, host/device/root certificates, host private key, device public
// key) tuple spec.md §3 defines, stored outside the core "in a location
// provided by the caller" — one binary-plist file per device UUID.
package store

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"howett.net/plist"

	"github.com/gousbmux/gousbmux/pkg"
)

// Record is the on-disk representation of a pairing record. Key material is
// stored DER/PKCS1-encoded so the whole record round-trips through
// howett.net/plist's binary codec without custom marshalers.
type Record struct {
	HostID         uuid.UUID
	RootCertDER    []byte
	HostCertDER    []byte
	DeviceCertDER  []byte
	HostPrivateKey []byte // PKCS1 DER
	DevicePublicKey []byte // PKIX DER
}

// plistRecord is Record's wire shape: howett.net/plist needs exported
// string-keyed fields to produce the XML/binary dictionary layout
// lockdown-adjacent tooling expects.
type plistRecord struct {
	HostID          string
	RootCertificate []byte
	HostCertificate []byte
	DeviceCertificate []byte
	HostPrivateKey  []byte
	DevicePublicKey []byte
}

// Store persists pairing records under a directory, one binary-plist file
// per device UUID, named "<uuid>.plist".
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating dir if it does not exist.
func Open(dir string) (*Store, error) {
	const op = "store.Open"
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, pkg.Wrap(pkg.KindInvalidArg, op, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(deviceUUID string) string {
	return filepath.Join(s.dir, deviceUUID+".plist")
}

// Save writes rec for deviceUUID, overwriting any existing record.
func (s *Store) Save(deviceUUID string, rec *Record) error {
	const op = "store.Store.Save"

	wire := plistRecord{
		HostID:            rec.HostID.String(),
		RootCertificate:   rec.RootCertDER,
		HostCertificate:   rec.HostCertDER,
		DeviceCertificate: rec.DeviceCertDER,
		HostPrivateKey:    rec.HostPrivateKey,
		DevicePublicKey:   rec.DevicePublicKey,
	}

	data, err := plist.Marshal(wire, plist.BinaryFormat)
	if err != nil {
		return pkg.Wrap(pkg.KindPlistError, op, err)
	}

	tmp := s.path(deviceUUID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return pkg.Wrap(pkg.KindInvalidArg, op, err)
	}
	if err := os.Rename(tmp, s.path(deviceUUID)); err != nil {
		return pkg.Wrap(pkg.KindInvalidArg, op, err)
	}
	return nil
}

// Load reads the pairing record for deviceUUID, or returns KindPairingFailed
// if none exists.
func (s *Store) Load(deviceUUID string) (*Record, error) {
	const op = "store.Store.Load"

	data, err := os.ReadFile(s.path(deviceUUID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pkg.New(pkg.KindPairingFailed, op, "no pairing record for device")
		}
		return nil, pkg.Wrap(pkg.KindInvalidArg, op, err)
	}

	var wire plistRecord
	if _, err := plist.Unmarshal(data, &wire); err != nil {
		return nil, pkg.Wrap(pkg.KindPlistError, op, err)
	}

	hostID, err := uuid.Parse(wire.HostID)
	if err != nil {
		return nil, pkg.Wrap(pkg.KindPlistError, op, fmt.Errorf("parse host id: %w", err))
	}

	return &Record{
		HostID:          hostID,
		RootCertDER:     wire.RootCertificate,
		HostCertDER:     wire.HostCertificate,
		DeviceCertDER:   wire.DeviceCertificate,
		HostPrivateKey:  wire.HostPrivateKey,
		DevicePublicKey: wire.DevicePublicKey,
	}, nil
}

// Delete removes the pairing record for deviceUUID, if any (spec.md §4.C's
// unpair flow).
func (s *Store) Delete(deviceUUID string) error {
	err := os.Remove(s.path(deviceUUID))
	if err != nil && !os.IsNotExist(err) {
		return pkg.Wrap(pkg.KindInvalidArg, "store.Store.Delete", err)
	}
	return nil
}

// EncodeHostKey DER-encodes key in PKCS1 form for storage in a Record.
func EncodeHostKey(key *rsa.PrivateKey) []byte {
	return x509.MarshalPKCS1PrivateKey(key)
}

// EncodeDevicePublicKey DER-encodes a device public key in PKIX form for
// storage in a Record.
func EncodeDevicePublicKey(pub *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}
