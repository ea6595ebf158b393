package autocert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/kenshaw/pemutil"
)

// accountKeyFileName is the on-disk mirror of the account key kept in
// work_dir, named after the teacher's equivalent constant.
const accountKeyFileName = "acme_account.key"

// accountKeyCacheKey returns the cache key for the account key bound to
// contact and directoryURL: "{contact or 'default'}+{directory host}+key".
func accountKeyCacheKey(contact, directoryURL string) string {
	host := directoryURL
	if u, err := url.Parse(directoryURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	if contact == "" {
		contact = "default"
	}
	return contact + "+" + host + "+key"
}

// accountKey returns the Manager's ACME account key, generating and
// persisting a fresh NIST P-256 key if none exists yet. The canonical,
// cache-shared copy is PKCS#8 PEM (spec-mandated); work_dir additionally
// keeps a pemutil-formatted mirror for operational inspection, exactly as
// the teacher's cachedKey does for its own account key file.
func (m *Manager) accountKey() (*ecdsa.PrivateKey, error) {
	cacheKey := accountKeyCacheKey(m.configuration.Contact, m.configuration.DirectoryURL)

	if m.cache != nil {
		if raw, ok, err := m.cache.Get(cacheKey); err == nil && ok {
			if key, err := parsePKCS8ECKey(raw); err == nil {
				return key, nil
			}
			// malformed cached bytes are treated as absent.
		}
	}

	key, err := m.loadOrGenerateMirroredKey()
	if err != nil {
		return nil, err
	}

	if m.cache != nil {
		if pkcs8, err := marshalPKCS8ECKey(key); err == nil {
			if err := m.cache.Set(cacheKey, pkcs8); err != nil {
				m.log("could not store account key in cache: %v", err)
			}
		}
	}

	return key, nil
}

// loadOrGenerateMirroredKey loads the pemutil-formatted account key mirror
// from work_dir, generating and writing a fresh one if absent.
func (m *Manager) loadOrGenerateMirroredKey() (*ecdsa.PrivateKey, error) {
	keyfile := filepath.Join(m.workDir, accountKeyFileName)

	store, err := pemutil.LoadFile(keyfile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("autocert: could not load account key mirror: %w", err)
		}

		store, err = pemutil.GenerateECKeySet(elliptic.P256())
		if err != nil {
			return nil, fmt.Errorf("autocert: could not generate account key: %w", err)
		}
		if err := os.MkdirAll(m.workDir, 0o700); err != nil {
			return nil, fmt.Errorf("autocert: could not create work_dir: %w", err)
		}
		if err := store.WriteFile(keyfile); err != nil {
			return nil, fmt.Errorf("autocert: could not persist account key mirror: %w", err)
		}
	}

	key, ok := store.ECPrivateKey()
	if !ok {
		return nil, fmt.Errorf("autocert: %s does not contain an EC private key", keyfile)
	}
	return key, nil
}

func marshalPKCS8ECKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func parsePKCS8ECKey(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("autocert: account key cache entry is not valid PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("autocert: account key cache entry is not an EC private key")
	}
	return ecKey, nil
}
