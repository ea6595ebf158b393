package autocert

import (
	"context"
	"crypto/tls"
	"fmt"

	"golang.org/x/net/idna"
)

// OnSNI resolves serverName, as presented during a TLS handshake's server
// name indication, into a certificate, provisioning or renewing it through
// CertificateFor as needed. An empty serverName (a client that skipped SNI)
// returns (nil, nil): the caller decides what, if anything, to serve.
func (m *Manager) OnSNI(ctx context.Context, serverName string) (*ManagedCertificate, error) {
	if serverName == "" {
		return nil, nil
	}

	normalized, err := idna.Lookup.ToASCII(serverName)
	if err != nil {
		normalized = serverName
	}

	return m.CertificateFor(ctx, normalized, nil, timeNow())
}

// GetCertificate adapts OnSNI to the shape crypto/tls.Config.GetCertificate
// expects, the hook the Manager is meant to be wired into.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, err := m.OnSNI(hello.Context(), hello.ServerName)
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, fmt.Errorf("autocert: no server name presented in ClientHello")
	}
	return cert.tlsCertificate()
}
