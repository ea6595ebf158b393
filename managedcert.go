package autocert

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ManagedCertificate is a parsed certificate chain and private key pair,
// immutable once constructed, optionally persisted to disk under a
// serial-numbered filename.
type ManagedCertificate struct {
	CertChain     []*x509.Certificate
	CertPEM       []byte
	PrivateKeyPEM []byte

	Serial      string
	NotBefore   time.Time
	NotAfter    time.Time
	CommonName  string
	Identifiers []string
	AllNames    []string

	CertificatePath string
	PrivateKeyPath  string
}

// NewManagedCertificate parses certPEM (an ordered PEM bundle, leaf first)
// and keyPEM, derives the leaf's serial/validity/CN/SAN attributes, and, if
// persistDir is non-empty, writes "{serial}.crt"/"{serial}.key" into it with
// owner-only permissions, overwriting any existing files. A parse error or
// persistence I/O error is fatal to construction.
func NewManagedCertificate(persistDir string, certPEM, keyPEM []byte) (*ManagedCertificate, error) {
	chain, err := parseCertificateChain(certPEM)
	if err != nil {
		return nil, fmt.Errorf("autocert: could not parse certificate PEM: %w", err)
	}

	leaf := chain[0]
	identifiers := append([]string(nil), leaf.DNSNames...)
	sort.Strings(identifiers)
	identifiers = dedupSorted(identifiers)

	mc := &ManagedCertificate{
		CertChain:     chain,
		CertPEM:       certPEM,
		PrivateKeyPEM: keyPEM,
		Serial:        leaf.SerialNumber.String(),
		NotBefore:     leaf.NotBefore.UTC(),
		NotAfter:      leaf.NotAfter.UTC(),
		CommonName:    leaf.Subject.CommonName,
		Identifiers:   identifiers,
		AllNames:      allNames(leaf.Subject.CommonName, identifiers),
	}

	if persistDir != "" {
		if err := mc.persist(persistDir); err != nil {
			return nil, err
		}
	}

	return mc, nil
}

func parseCertificateChain(certPEM []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("autocert: no CERTIFICATE blocks found in PEM bundle")
	}
	return chain, nil
}

func dedupSorted(sorted []string) []string {
	out := sorted[:0:0]
	var prev string
	for i, s := range sorted {
		if i > 0 && s == prev {
			continue
		}
		out = append(out, s)
		prev = s
	}
	return out
}

// allNames returns [commonName] followed by the sorted, deduplicated
// identifiers other than commonName.
func allNames(commonName string, identifiers []string) []string {
	names := make([]string, 0, len(identifiers)+1)
	names = append(names, commonName)
	for _, ident := range identifiers {
		if ident != commonName {
			names = append(names, ident)
		}
	}
	return names
}

// tlsCertificate builds a tls.Certificate suitable for
// tls.Config.GetCertificate from the parsed chain and PEM key material.
func (mc *ManagedCertificate) tlsCertificate() (*tls.Certificate, error) {
	keyPair, err := tls.X509KeyPair(mc.CertPEM, mc.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("autocert: could not build tls.Certificate: %w", err)
	}
	return &keyPair, nil
}

func (mc *ManagedCertificate) persist(persistDir string) error {
	mc.CertificatePath = filepath.Join(persistDir, mc.Serial+".crt")
	if err := os.WriteFile(mc.CertificatePath, mc.CertPEM, 0o600); err != nil {
		return fmt.Errorf("autocert: could not persist certificate: %w", err)
	}

	mc.PrivateKeyPath = filepath.Join(persistDir, mc.Serial+".key")
	if err := os.WriteFile(mc.PrivateKeyPath, mc.PrivateKeyPEM, 0o600); err != nil {
		return fmt.Errorf("autocert: could not persist private key: %w", err)
	}

	return nil
}
