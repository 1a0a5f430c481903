// Package pairing implements usbmux host/device pairing and the TLS
// control-channel upgrade built on top of it (spec.md §4.C): generating a
// host identity, deriving the certificate chain the device is asked to
// trust, and wrapping a [github.com/gousbmux/gousbmux/mux.Conn] in a
// [net.Conn] so the standard library's crypto/tls can perform the upgrade.
package pairing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/gousbmux/gousbmux/pkg"
)

// keyBits is the RSA key size used for every certificate in the chain,
// matching the reference implementation's key strength for host and
// device identities.
const keyBits = 2048

// certValidity bounds how long the self-signed root and its derived leaves
// are valid for; the original pairing records are effectively permanent, so
// this is set generously rather than tied to any session lifetime.
const certValidity = 10 * 365 * 24 * time.Hour

// Identity holds everything the host needs to complete a pairing handshake
// and subsequent TLS upgrades: its stable ID, its RSA key, and the
// self-signed root plus host certificate derived from it. DeviceCertDER is
// filled in once the device's own public key has been fetched and signed
// (see [Identity.SignDeviceKey]).
type Identity struct {
	HostID uuid.UUID

	hostKey *rsa.PrivateKey

	RootCertDER []byte
	HostCertDER []byte

	DeviceCertDER   []byte
	DevicePubKeyDER []byte // PKIX DER, the device key SignDeviceKey was given
}

// GenerateIdentity creates a fresh host identity: an RSA keypair, a
// self-signed root certificate, and a host certificate derived from that
// root (spec.md §4.C step 2). Each call produces a new key and new
// certificates. The result can be saved as a
// [github.com/gousbmux/gousbmux/pairing/store.Record]; no function rebuilds
// an Identity from a saved record.
func GenerateIdentity(hostID uuid.UUID) (*Identity, error) {
	const op = "pairing.GenerateIdentity"

	hostKey, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, pkg.Wrap(pkg.KindPairingFailed, op, err)
	}

	rootTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "gousbmux Root CA",
			Organization: []string{"gousbmux"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &hostKey.PublicKey, hostKey)
	if err != nil {
		return nil, pkg.Wrap(pkg.KindPairingFailed, op, fmt.Errorf("self-sign root: %w", err))
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, pkg.Wrap(pkg.KindPairingFailed, op, err)
	}

	hostTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject: pkix.Name{
			CommonName:   hostID.String(),
			Organization: []string{"gousbmux"},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(certValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	hostDER, err := x509.CreateCertificate(rand.Reader, hostTemplate, rootCert, &hostKey.PublicKey, hostKey)
	if err != nil {
		return nil, pkg.Wrap(pkg.KindPairingFailed, op, fmt.Errorf("derive host cert: %w", err))
	}

	return &Identity{
		HostID:      hostID,
		hostKey:     hostKey,
		RootCertDER: rootDER,
		HostCertDER: hostDER,
	}, nil
}

// SignDeviceKey derives a device certificate by signing the device's public
// key (obtained in plaintext over the control service, spec.md §4.C step 1)
// with the host's root, completing the three-certificate chain the device
// is asked to trust in the Pair request.
func (id *Identity) SignDeviceKey(devicePub *rsa.PublicKey) error {
	const op = "pairing.Identity.SignDeviceKey"

	rootCert, err := x509.ParseCertificate(id.RootCertDER)
	if err != nil {
		return pkg.Wrap(pkg.KindPairingFailed, op, err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject: pkix.Name{
			CommonName:   "Device",
			Organization: []string{"gousbmux"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(certValidity),
		KeyUsage:  x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	deviceDER, err := x509.CreateCertificate(rand.Reader, template, rootCert, devicePub, id.hostKey)
	if err != nil {
		return pkg.Wrap(pkg.KindPairingFailed, op, err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(devicePub)
	if err != nil {
		return pkg.Wrap(pkg.KindPairingFailed, op, err)
	}
	id.DeviceCertDER = deviceDER
	id.DevicePubKeyDER = pubDER
	return nil
}

// TLSKeyPair returns the host certificate and private key in the shape
// crypto/tls.Certificate expects, for constructing a tls.Config during the
// session upgrade.
func (id *Identity) TLSKeyPair() (certDER []byte, key *rsa.PrivateKey) {
	return id.HostCertDER, id.hostKey
}
