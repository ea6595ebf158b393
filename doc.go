// Package autocert provides automatic ACME (RFC 8555) TLS certificate
// management: it obtains, caches, renews, and serves certificates on demand
// during a TLS handshake's server-name indication step.
//
// The Manager fuses an in-memory cache, an on-disk cache, and an ACME
// provisioning step behind a single synchronous entry point, OnSNI, meant to
// be called from a crypto/tls.Config's GetCertificate hook.
package autocert
