package autocert

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// selfSignedCertPEM builds a minimal self-signed leaf certificate covering
// dnsNames, returning its certificate and EC private key as PEM.
func selfSignedCertPEM(t *testing.T, commonName string, dnsNames []string, notBefore, notAfter time.Time) ([]byte, []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("could not generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     dnsNames,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("could not create certificate: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("could not marshal key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM
}

func TestNewManagedCertificateDerivesAttributes(t *testing.T) {
	t.Parallel()

	notBefore := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	notAfter := notBefore.Add(90 * 24 * time.Hour)
	certPEM, keyPEM := selfSignedCertPEM(t, "test.example.com", []string{"test.example.com", "www.test.example.com"}, notBefore, notAfter)

	mc, err := NewManagedCertificate("", certPEM, keyPEM)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if mc.CommonName != "test.example.com" {
		t.Errorf("unexpected CommonName: %s", mc.CommonName)
	}
	if mc.AllNames[0] != mc.CommonName {
		t.Errorf("expected AllNames[0] == CommonName, got %v", mc.AllNames)
	}
	if !mc.NotBefore.Equal(notBefore) || !mc.NotAfter.Equal(notAfter) {
		t.Errorf("unexpected validity window: %v - %v", mc.NotBefore, mc.NotAfter)
	}
	if mc.NotBefore.After(mc.NotAfter) {
		t.Errorf("expected NotBefore <= NotAfter")
	}

	found := false
	for _, name := range mc.AllNames {
		if name == "test.example.com" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected CommonName to appear in AllNames")
	}
}

func TestNewManagedCertificatePersistsRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	notBefore := time.Now().Add(-time.Hour)
	notAfter := notBefore.Add(90 * 24 * time.Hour)
	certPEM, keyPEM := selfSignedCertPEM(t, "round.example.com", []string{"round.example.com"}, notBefore, notAfter)

	mc, err := NewManagedCertificate(dir, certPEM, keyPEM)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	gotCert, err := os.ReadFile(filepath.Join(dir, mc.Serial+".crt"))
	if err != nil {
		t.Fatalf("could not read persisted certificate: %v", err)
	}
	if !bytes.Equal(gotCert, certPEM) {
		t.Errorf("persisted certificate bytes do not match")
	}

	gotKey, err := os.ReadFile(filepath.Join(dir, mc.Serial+".key"))
	if err != nil {
		t.Fatalf("could not read persisted key: %v", err)
	}
	if !bytes.Equal(gotKey, keyPEM) {
		t.Errorf("persisted key bytes do not match")
	}
}

func TestNewManagedCertificateRejectsGarbagePEM(t *testing.T) {
	t.Parallel()

	if _, err := NewManagedCertificate("", []byte("not pem"), []byte("not pem")); err == nil {
		t.Errorf("expected an error for unparseable PEM")
	}
}
