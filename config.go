package autocert

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Default tunables, mirroring the original implementation's constants.
const (
	// DefaultRenewBeforeSeconds is 30 days.
	DefaultRenewBeforeSeconds = 30 * 24 * 60 * 60

	// DefaultRenewBeforeFraction is 50% of a certificate's validity window.
	DefaultRenewBeforeFraction = 0.5

	// DefaultCheckEverySeconds is how often the background renewal sweep
	// runs, once an hour by default.
	DefaultCheckEverySeconds = 3600

	// fallbackRenewBeforeSeconds is the safety-net rule in NeedsRenewal: 1 day.
	fallbackRenewBeforeSeconds = 24 * 60 * 60
)

// Environment variable names consulted when a Configuration field is left
// unset, in order of spec.md §6.
const (
	envAllowIdentifiers    = "ACME_ALLOW_IDENTIFIERS"
	envDirectoryURL        = "ACME_DIRECTORY_URL"
	envKID                 = "ACME_KID"
	envHMACKey             = "ACME_HMAC_KEY"
	envRenewBeforeSeconds  = "ACME_RENEW_BEFORE_SECONDS"
	envRenewBeforeFraction = "ACME_RENEW_BEFORE_FRACTION"
	envCheckEverySeconds   = "AUTO_CERT_CHECK_EVERY"
)

// ExternalAccountBinding carries the ACME external-account-binding key-id
// and HMAC key issued out-of-band by the CA.
type ExternalAccountBinding struct {
	KeyID   string
	HMACKey string
}

// Configuration holds the validated, immutable tunables for a Manager. Build
// one with NewConfiguration; construction fails if any field, once resolved
// through (explicit value -> environment variable -> built-in default),
// cannot satisfy its range constraint.
type Configuration struct {
	Name                   string
	AllowIdentifiers       []string
	CacheDir               string
	WorkDir                string
	DirectoryURL           string
	Contact                string
	ExternalAccountBinding *ExternalAccountBinding
	RenewBeforeSeconds     int
	RenewBeforeFraction    float64
	CheckEverySeconds      int
	TOSAcceptors           []Acceptor
}

// Options carries the optional constructor arguments for NewConfiguration.
// A zero-valued AllowIdentifiers, DirectoryURL, ExternalAccountBinding,
// RenewBeforeSeconds, RenewBeforeFraction or CheckEverySeconds is resolved
// from the environment, and the numeric ones then from a built-in default.
// CacheDir, WorkDir, Contact and TOSAcceptors are used as given; an empty
// TOSAcceptors is an error.
type Options struct {
	AllowIdentifiers       []string
	CacheDir               string
	WorkDir                string
	DirectoryURL           string
	Contact                string
	ExternalAccountBinding *ExternalAccountBinding
	RenewBeforeSeconds     int
	RenewBeforeFraction    float64
	CheckEverySeconds      int
	TOSAcceptors           []Acceptor

	// Environ overrides the environment variable source. Defaults to
	// os.Environ if nil; tests use this to avoid touching the real
	// environment.
	Environ []string
}

// NewConfiguration validates and builds a Configuration from name and opts.
// name must be non-empty; it is used only to annotate ConfigurationErrors.
func NewConfiguration(name string, opts Options) (*Configuration, error) {
	if name == "" {
		return nil, configErr("", "name", "it is required")
	}

	env := environLookup(opts.Environ)

	allow, err := prepareAllowIdentifiers(name, opts.AllowIdentifiers, env)
	if err != nil {
		return nil, err
	}

	directoryURL, err := prepareDirectoryURL(name, opts.DirectoryURL, env)
	if err != nil {
		return nil, err
	}

	renewBeforeSeconds, err := preparePositiveInt(
		name, "renew_before_seconds",
		opts.RenewBeforeSeconds, env, envRenewBeforeSeconds, DefaultRenewBeforeSeconds,
	)
	if err != nil {
		return nil, err
	}

	renewBeforeFraction, err := prepareFraction(name, opts.RenewBeforeFraction, env)
	if err != nil {
		return nil, err
	}

	checkEverySeconds, err := preparePositiveInt(
		name, "check_every_seconds",
		opts.CheckEverySeconds, env, envCheckEverySeconds, DefaultCheckEverySeconds,
	)
	if err != nil {
		return nil, err
	}

	tosAcceptors := opts.TOSAcceptors
	if len(tosAcceptors) == 0 {
		return nil, configErr(name, "tos_acceptors", "at least one Acceptor is required")
	}

	eab := prepareExternalAccountBinding(opts.ExternalAccountBinding, env)

	cfg := &Configuration{
		Name:                   name,
		AllowIdentifiers:       allow,
		CacheDir:               opts.CacheDir,
		WorkDir:                opts.WorkDir,
		DirectoryURL:           directoryURL,
		Contact:                opts.Contact,
		ExternalAccountBinding: eab,
		RenewBeforeSeconds:     renewBeforeSeconds,
		RenewBeforeFraction:    renewBeforeFraction,
		CheckEverySeconds:      checkEverySeconds,
		TOSAcceptors:           tosAcceptors,
	}

	if err := ensureDirectory(name, "cache_dir", cfg.CacheDir); err != nil {
		return nil, err
	}
	if err := ensureDirectory(name, "work_dir", cfg.WorkDir); err != nil {
		return nil, err
	}

	return cfg, nil
}

func environLookup(environ []string) func(string) string {
	if environ == nil {
		return os.Getenv
	}
	m := map[string]string{}
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return func(key string) string { return m[key] }
}

func prepareAllowIdentifiers(name string, allow []string, env func(string) string) ([]string, error) {
	if len(allow) == 0 {
		if v := env(envAllowIdentifiers); v != "" {
			allow = strings.Split(v, ",")
		}
	}

	if len(allow) == 0 {
		return nil, configErr(name, "allow_identifiers",
			"set it to a non-empty slice of identifier descriptions, or set "+envAllowIdentifiers+" to a comma-separated list")
	}

	out := make([]string, len(allow))
	for i, ident := range allow {
		out[i] = strings.TrimSpace(ident)
	}
	return out, nil
}

func prepareDirectoryURL(name, directoryURL string, env func(string) string) (string, error) {
	if directoryURL == "" {
		directoryURL = env(envDirectoryURL)
	}
	if directoryURL == "" {
		return "", configErr(name, "directory_url",
			"set it explicitly, or set "+envDirectoryURL)
	}
	return directoryURL, nil
}

func prepareExternalAccountBinding(eab *ExternalAccountBinding, env func(string) string) *ExternalAccountBinding {
	if eab != nil && eab.KeyID != "" && eab.HMACKey != "" {
		return eab
	}
	kid, hmacKey := env(envKID), env(envHMACKey)
	if kid == "" && hmacKey == "" {
		return nil
	}
	return &ExternalAccountBinding{KeyID: kid, HMACKey: hmacKey}
}

func preparePositiveInt(name, field string, explicit int, env func(string) string, envName string, def int) (int, error) {
	msg := "it must be a positive integer, or set " + envName

	if explicit < 0 {
		return 0, configErr(name, field, msg)
	}
	if explicit > 0 {
		return explicit, nil
	}
	if v := env(envName); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, configErr(name, field, msg)
		}
		return n, nil
	}
	if def > 0 {
		return def, nil
	}
	return 0, configErr(name, field, msg)
}

func prepareFraction(name string, explicit float64, env func(string) string) (float64, error) {
	msg := "it must be a float in the open interval (0, 1), or set " + envRenewBeforeFraction

	if explicit != 0 {
		if explicit > 0 && explicit < 1 {
			return explicit, nil
		}
		return 0, configErr(name, "renew_before_fraction", msg)
	}
	if v := env(envRenewBeforeFraction); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f >= 1 {
			return 0, configErr(name, "renew_before_fraction", msg)
		}
		return f, nil
	}
	return DefaultRenewBeforeFraction, nil
}

func ensureDirectory(name, field, dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		path, _ := filepath.Abs(dir)
		return configErr(name, field, "could not create directory ("+path+"): "+err.Error())
	}
	return nil
}

// FallbackIdentifier returns the identifier the Manager substitutes when a
// request is denied by policy or provisioning fails: strip any leading
// "*.", discard descriptions with fewer than two remaining dots, and return
// the survivor with the fewest dots (ties keep first-in-list order).
func (c *Configuration) FallbackIdentifier() (string, error) {
	type candidate struct {
		ident string
		dots  int
		index int
	}

	var candidates []candidate
	for i, ident := range c.AllowIdentifiers {
		stripped := strings.TrimPrefix(ident, "*.")
		dots := strings.Count(stripped, ".")
		if dots < 2 {
			continue
		}
		candidates = append(candidates, candidate{ident: stripped, dots: dots, index: i})
	}

	if len(candidates) == 0 {
		return "", configErr(c.Name, "allow_identifiers",
			"no configured identifier (after stripping a leading wildcard) has at least 2 dots, so no fallback_identifier can be derived")
	}

	best := candidates[0]
	for _, cand := range candidates[1:] {
		if cand.dots < best.dots {
			best = cand
		}
	}
	return best.ident, nil
}
