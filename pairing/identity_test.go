package pairing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"testing"

	"github.com/google/uuid"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity(uuid.New())
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	root, err := x509.ParseCertificate(id.RootCertDER)
	if err != nil {
		t.Fatalf("parse root cert: %v", err)
	}
	if !root.IsCA {
		t.Fatal("root certificate is not marked as CA")
	}

	host, err := x509.ParseCertificate(id.HostCertDER)
	if err != nil {
		t.Fatalf("parse host cert: %v", err)
	}
	if err := host.CheckSignatureFrom(root); err != nil {
		t.Fatalf("host cert not signed by root: %v", err)
	}
}

func TestSignDeviceKey(t *testing.T) {
	id, err := GenerateIdentity(uuid.New())
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	devKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate device key: %v", err)
	}

	if err := id.SignDeviceKey(&devKey.PublicKey); err != nil {
		t.Fatalf("SignDeviceKey: %v", err)
	}
	if len(id.DeviceCertDER) == 0 {
		t.Fatal("expected DeviceCertDER to be populated")
	}

	root, _ := x509.ParseCertificate(id.RootCertDER)
	deviceCert, err := x509.ParseCertificate(id.DeviceCertDER)
	if err != nil {
		t.Fatalf("parse device cert: %v", err)
	}
	if err := deviceCert.CheckSignatureFrom(root); err != nil {
		t.Fatalf("device cert not signed by root: %v", err)
	}
}
