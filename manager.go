package autocert

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// certificateKeyBits is the certificate key size spec.md §4.6 mandates: RSA
// 2048 bits, distinct from the EC P-256 account key (see accountkey.go).
const certificateKeyBits = 2048

// finalizeDeadline bounds a single ACME order's authorize-through-finalize
// round trip.
const finalizeDeadline = 90 * time.Second

// Manager is the certificate manager: it fuses an in-memory cache, a disk
// Cache, and an ACMEClient behind CertificateFor, generalizing the teacher's
// single-domain Manager (cert *tls.Certificate guarded by a RWMutex) to an
// arbitrary, policy-checked set of requested identifiers, substituting a
// configured fallback identifier whenever a request is denied or
// provisioning fails.
type Manager struct {
	configuration      *Configuration
	identifierPolicy   *IdentifierPolicy
	fallbackIdentifier string
	cache              Cache
	acmeClient         ACMEClient
	workDir            string

	// Logf and Errorf receive informational and error messages,
	// respectively. Either may be left nil, matching the teacher's Manager,
	// whose Logf/Errorf fields are likewise optional.
	Logf   func(format string, args ...interface{})
	Errorf func(format string, args ...interface{})

	mu                  sync.Mutex
	managedCertificates map[string]*ManagedCertificate
	inflight            map[string]chan struct{}
	registerOnce        sync.Once
	registerErr         error
}

// NewManager validates cfg's AllowIdentifiers into an aggregate
// IdentifierPolicy, derives the fallback identifier, and verifies the
// fallback identifier is itself allowed — a Manager whose own fallback is
// rejected by its policy could never recover from a denied request, so this
// is caught at construction rather than surfaced as a confusing runtime
// failure.
func NewManager(cfg *Configuration, cache Cache, acmeClient ACMEClient) (*Manager, error) {
	policy, err := buildIdentifierPolicy(cfg.AllowIdentifiers)
	if err != nil {
		return nil, err
	}

	fallback, err := cfg.FallbackIdentifier()
	if err != nil {
		return nil, err
	}
	if policy.Deny(fallback) {
		return nil, configErr(cfg.Name, "allow_identifiers",
			"the derived fallback_identifier ("+fallback+") is itself denied by the aggregate policy")
	}

	return &Manager{
		configuration:       cfg,
		identifierPolicy:    policy,
		fallbackIdentifier:  fallback,
		cache:               cache,
		acmeClient:          acmeClient,
		workDir:             cfg.WorkDir,
		managedCertificates: make(map[string]*ManagedCertificate),
		inflight:            make(map[string]chan struct{}),
	}, nil
}

// NewManagerWithDefaultACME is a convenience constructor that loads or
// generates the Manager's account key (see accountkey.go) and wires it into
// the default ACMEClient before delegating to NewManager, for callers that
// do not need to substitute their own ACME collaborator.
func NewManagerWithDefaultACME(cfg *Configuration, cache Cache) (*Manager, error) {
	bootstrap := &Manager{configuration: cfg, cache: cache, workDir: cfg.WorkDir}
	key, err := bootstrap.accountKey()
	if err != nil {
		return nil, err
	}
	return NewManager(cfg, cache, NewDefaultACMEClient(cfg.DirectoryURL, key, "autocert"))
}

func (m *Manager) log(format string, args ...interface{}) {
	if m.Logf != nil {
		m.Logf(format, args...)
	}
}

func (m *Manager) errf(format string, args ...interface{}) {
	if m.Errorf != nil {
		m.Errorf(format, args...)
	}
}

// consolidateIdentifiers returns commonName followed by extraIdentifiers,
// deduplicated in first-seen order.
func consolidateIdentifiers(commonName string, extraIdentifiers []string) []string {
	seen := make(map[string]bool, len(extraIdentifiers)+1)
	out := make([]string, 0, len(extraIdentifiers)+1)
	for _, ident := range append([]string{commonName}, extraIdentifiers...) {
		if ident == "" || seen[ident] {
			continue
		}
		seen[ident] = true
		out = append(out, ident)
	}
	return out
}

// CertificateFor returns a valid ManagedCertificate covering commonName
// (plus any extraIdentifiers), provisioning or renewing it through the
// Manager's ACMEClient if necessary. If the consolidated identifier set is
// denied by policy, or provisioning fails, it substitutes the configured
// fallback identifier rather than returning an error, matching
// provision_or_fallback's intent: a handshake should not fail outright over
// a single misconfigured or momentarily unreachable name.
func (m *Manager) CertificateFor(ctx context.Context, commonName string, extraIdentifiers []string, now time.Time) (*ManagedCertificate, error) {
	cert, err := m.primaryCertificateFor(ctx, commonName, extraIdentifiers, now)
	if err == nil {
		return cert, nil
	}

	if errors.Is(err, errIdentifierNotAllowed) {
		m.log("%v, substituting fallback identifier %s", err, m.fallbackIdentifier)
	} else {
		m.errf("provisioning failed, substituting fallback identifier %s: %v", m.fallbackIdentifier, err)
	}
	return m.certificateForKey(ctx, m.fallbackIdentifier, []string{m.fallbackIdentifier}, now)
}

// primaryCertificateFor attempts to satisfy the request as asked, without
// any fallback substitution. It returns errIdentifierNotAllowed, wrapped
// with the denied identifiers, if policy rejects the consolidated
// identifier set.
func (m *Manager) primaryCertificateFor(ctx context.Context, commonName string, extraIdentifiers []string, now time.Time) (*ManagedCertificate, error) {
	identifiers := consolidateIdentifiers(commonName, extraIdentifiers)

	if denied := m.identifierPolicy.DeniedIdentifiers(identifiers); len(denied) > 0 {
		return nil, fmt.Errorf("%w: %v", errIdentifierNotAllowed, denied)
	}

	return m.certificateForKey(ctx, commonName, identifiers, now)
}

// certificateForKey returns the managed certificate for the request keyed
// by key (ordinarily the requested common name), consulting the in-memory
// map, then the disk Cache, and finally provisioning a fresh certificate
// through ACME. Concurrent callers requesting the same key collapse onto a
// single provisioning attempt: the first caller reserves the key in
// m.inflight and the rest wait on its channel.
func (m *Manager) certificateForKey(ctx context.Context, key string, identifiers []string, now time.Time) (*ManagedCertificate, error) {
	if cert, ok := m.lookupFresh(key, now); ok {
		return cert, nil
	}

	for {
		m.mu.Lock()
		if cert, ok := m.managedCertificates[key]; ok && !NeedsRenewal(cert, m.configuration.RenewBeforeSeconds, m.configuration.RenewBeforeFraction, now) {
			m.mu.Unlock()
			return cert, nil
		}
		if wait, reserved := m.inflight[key]; reserved {
			m.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		done := make(chan struct{})
		m.inflight[key] = done
		m.mu.Unlock()

		cert, err := m.loadOrProvision(ctx, key, identifiers, now)

		m.mu.Lock()
		delete(m.inflight, key)
		if err == nil {
			m.managedCertificates[key] = cert
		}
		m.mu.Unlock()
		close(done)

		return cert, err
	}
}

func (m *Manager) lookupFresh(key string, now time.Time) (*ManagedCertificate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cert, ok := m.managedCertificates[key]
	if !ok || NeedsRenewal(cert, m.configuration.RenewBeforeSeconds, m.configuration.RenewBeforeFraction, now) {
		return nil, false
	}
	return cert, true
}

// loadOrProvision consults the disk cache for a still-valid certificate
// before falling through to ACME provisioning.
func (m *Manager) loadOrProvision(ctx context.Context, key string, identifiers []string, now time.Time) (*ManagedCertificate, error) {
	if cert, ok := m.cachedCertificate(key, now); ok {
		return cert, nil
	}
	return m.provision(ctx, key, identifiers)
}

func (m *Manager) cachedCertificate(key string, now time.Time) (*ManagedCertificate, bool) {
	if m.cache == nil {
		return nil, false
	}
	certPEM, ok, err := m.cache.Get(certCacheKey(key))
	if err != nil || !ok {
		return nil, false
	}
	keyPEM, ok, err := m.cache.Get(keyCacheKey(key))
	if err != nil || !ok {
		return nil, false
	}
	cert, err := NewManagedCertificate(m.configuration.CacheDir, certPEM, keyPEM)
	if err != nil {
		return nil, false
	}
	if NeedsRenewal(cert, m.configuration.RenewBeforeSeconds, m.configuration.RenewBeforeFraction, now) {
		return nil, false
	}
	return cert, true
}

// provision registers the Manager's ACME account (once, lazily) and orders
// a fresh certificate covering identifiers, persisting it to the disk
// cache.
func (m *Manager) provision(ctx context.Context, key string, identifiers []string) (*ManagedCertificate, error) {
	if err := m.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	certKey, err := rsa.GenerateKey(rand.Reader, certificateKeyBits)
	if err != nil {
		return nil, fmt.Errorf("autocert: could not generate certificate key: %w", err)
	}

	fullchainPEM, err := m.acmeClient.ObtainCertificate(ctx, identifiers, certKey, time.Now().Add(finalizeDeadline))
	if err != nil {
		return nil, fmt.Errorf("autocert: could not obtain certificate for %v: %w", identifiers, err)
	}

	keyDER := x509.MarshalPKCS1PrivateKey(certKey)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER})

	cert, err := NewManagedCertificate(m.configuration.CacheDir, fullchainPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	if m.cache != nil {
		if err := m.cache.Set(certCacheKey(key), fullchainPEM); err != nil {
			m.log("could not cache certificate for %s: %v", key, err)
		}
		if err := m.cache.Set(keyCacheKey(key), keyPEM); err != nil {
			m.log("could not cache certificate key for %s: %v", key, err)
		}
	}

	m.log("provisioned certificate for %v, valid until %s", identifiers, cert.NotAfter)
	return cert, nil
}

func (m *Manager) ensureRegistered(ctx context.Context) error {
	m.registerOnce.Do(func() {
		dir, err := m.acmeClient.Directory(ctx)
		if err != nil {
			m.registerErr = fmt.Errorf("autocert: could not fetch ACME directory: %w", err)
			return
		}
		if !tosAgreed(m.configuration.TOSAcceptors, dir.TermsOfServiceURL) {
			m.registerErr = fmt.Errorf("autocert: terms of service at %s were not accepted by any configured Acceptor", dir.TermsOfServiceURL)
			return
		}
		m.registerErr = m.acmeClient.Register(ctx, m.configuration.Contact, m.configuration.ExternalAccountBinding, true)
	})
	return m.registerErr
}

func certCacheKey(key string) string { return key + "+cert" }
func keyCacheKey(key string) string  { return key + "+key" }

// timeNow is the clock OnSNI reads for the request time it passes to
// CertificateFor.
var timeNow = time.Now

// RunPeriodicRenewal runs until ctx is done, checking every
// configuration.CheckEverySeconds whether any managed certificate needs
// renewal and, if so, re-provisioning it. Certificates are renewed
// concurrently through an errgroup, following the teacher's Run/afterRenew
// background-goroutine idiom generalized from a single certificate to the
// full managed set.
func (m *Manager) RunPeriodicRenewal(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(m.configuration.CheckEverySeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.renewDue(ctx); err != nil {
				m.errf("periodic renewal sweep failed: %v", err)
			}
		}
	}
}

func (m *Manager) renewDue(ctx context.Context) error {
	now := time.Now()

	m.mu.Lock()
	due := make(map[string][]string, len(m.managedCertificates))
	for key, cert := range m.managedCertificates {
		if NeedsRenewal(cert, m.configuration.RenewBeforeSeconds, m.configuration.RenewBeforeFraction, now) {
			due[key] = cert.AllNames
		}
	}
	m.mu.Unlock()

	group, gctx := errgroup.WithContext(ctx)
	for key, identifiers := range due {
		key, identifiers := key, identifiers
		group.Go(func() error {
			_, err := m.certificateForKey(gctx, key, identifiers, now)
			if err != nil {
				m.errf("renewing %s failed: %v", key, err)
			}
			return nil
		})
	}
	return group.Wait()
}
