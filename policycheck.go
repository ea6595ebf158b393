package autocert

import (
	"net"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// PolicyCheck is a single-predicate identifier match: exact host, wildcard
// host, or IP/CIDR network. Deny is always the negation of Allow.
type PolicyCheck interface {
	Allow(identifier string) bool
	Deny(identifier string) bool
}

// newPolicyCheck builds the PolicyCheck that handles description, trying
// classifiers in a fixed order: IP/CIDR first, then exact host, then
// wildcard host. Because the IP classifier runs first, an IP or CIDR
// description is never handed to the hostname checks.
func newPolicyCheck(description string) (PolicyCheck, error) {
	if check, ok := newIPPolicyCheck(description); ok {
		return check, nil
	}
	if check, ok := newHostPolicyCheck(description); ok {
		return check, nil
	}
	if check, ok := newWildcardHostPolicyCheck(description); ok {
		return check, nil
	}
	return nil, &PolicyBuildError{Description: description}
}

const (
	alphaNumeric       = `[a-zA-Z0-9]`
	alphaNumericHyphen = `[-a-zA-Z0-9]`
)

// domainLabelPattern matches a single DNS label: either one alnum character,
// or an alnum followed by alnum-or-hyphens and closed by an alnum (no
// leading or trailing hyphen).
var domainLabelPattern = alphaNumeric + `(?:` + alphaNumericHyphen + `*` + alphaNumeric + `)?`

// topLevelDomainPattern matches a TLD label the same way, but its first
// character must be alphabetic.
var topLevelDomainPattern = `[a-zA-Z](?:` + alphaNumericHyphen + `*` + alphaNumeric + `)?`

var hostRegexp = regexp.MustCompile(`^(?:(?:` + domainLabelPattern + `)\.)+(?:` + topLevelDomainPattern + `)$`)

var domainLabelRegexp = regexp.MustCompile(`^(?:` + domainLabelPattern + `)$`)

// hostPolicyCheck matches one exact, case-insensitive hostname.
type hostPolicyCheck struct {
	hostname string
}

func hostCheckHandles(description string) bool {
	return hostRegexp.MatchString(description)
}

func newHostPolicyCheck(description string) (*hostPolicyCheck, bool) {
	if !hostCheckHandles(description) {
		return nil, false
	}
	return &hostPolicyCheck{hostname: strings.ToLower(description)}, true
}

func (p *hostPolicyCheck) Allow(identifier string) bool {
	return strings.EqualFold(normalizeHostname(identifier), p.hostname)
}

func (p *hostPolicyCheck) Deny(identifier string) bool { return !p.Allow(identifier) }

// wildcardHostPolicyCheck matches "*.suffix", where suffix alone would
// satisfy the host grammar. It allows any identifier whose first label is
// either a literal "*" or a valid DNS label and whose remaining labels
// case-foldingly equal suffix.
type wildcardHostPolicyCheck struct {
	suffix string
}

func newWildcardHostPolicyCheck(description string) (*wildcardHostPolicyCheck, bool) {
	parts := strings.SplitN(description, ".", 2)
	if len(parts) != 2 || parts[0] != "*" {
		return nil, false
	}
	if !hostCheckHandles(parts[1]) {
		return nil, false
	}
	return &wildcardHostPolicyCheck{suffix: strings.ToLower(parts[1])}, true
}

func (p *wildcardHostPolicyCheck) Allow(identifier string) bool {
	parts := strings.SplitN(identifier, ".", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, rest := parts[0], parts[1]
	if prefix != "*" && !domainLabelRegexp.MatchString(prefix) {
		return false
	}
	return strings.EqualFold(rest, p.suffix)
}

func (p *wildcardHostPolicyCheck) Deny(identifier string) bool { return !p.Allow(identifier) }

// ipPolicyCheck matches an IP address or CIDR network; a bare address is
// treated as a single-host /32 or /128 network for overlap purposes.
type ipPolicyCheck struct {
	network *net.IPNet
}

func newIPPolicyCheck(description string) (*ipPolicyCheck, bool) {
	network, ok := parseIPNetwork(description)
	if !ok {
		return nil, false
	}
	return &ipPolicyCheck{network: network}, true
}

func (p *ipPolicyCheck) Allow(identifier string) bool {
	network, ok := parseIPNetwork(identifier)
	if !ok {
		return false
	}
	return networksOverlap(p.network, network)
}

func (p *ipPolicyCheck) Deny(identifier string) bool { return !p.Allow(identifier) }

// parseIPNetwork parses description as a bare IP address or a CIDR network,
// normalizing a bare address to a single-host network.
func parseIPNetwork(description string) (*net.IPNet, bool) {
	if _, network, err := net.ParseCIDR(description); err == nil {
		return network, true
	}
	ip := net.ParseIP(description)
	if ip == nil {
		return nil, false
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, true
}

// networksOverlap reports whether a and b share any address.
func networksOverlap(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}

// normalizeHostname converts non-ASCII server names to their Punycode form
// before matching, so identifiers presented in Unicode compare equal to
// their ASCII policy descriptions. Invalid IDNA input is returned as-is;
// the subsequent Allow comparison then simply fails to match, which is the
// correct "deny" outcome.
func normalizeHostname(identifier string) string {
	ascii, err := idna.Lookup.ToASCII(identifier)
	if err != nil {
		return identifier
	}
	return ascii
}
