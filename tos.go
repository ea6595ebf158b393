package autocert

import "regexp"

// Acceptor decides whether a terms-of-service URL advertised by an ACME
// directory is acceptable.
type Acceptor interface {
	Accept(tosURL string) bool
}

// AnyAcceptor accepts every terms-of-service URL, including an absent one.
type AnyAcceptor struct{}

// Accept always returns true.
func (AnyAcceptor) Accept(string) bool { return true }

// RegexAcceptor accepts a terms-of-service URL iff it matches a pre-compiled
// anchored pattern.
type RegexAcceptor struct {
	pattern *regexp.Regexp
}

// NewRegexAcceptor compiles pattern and anchors it to the full URL.
func NewRegexAcceptor(pattern string) (*RegexAcceptor, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, err
	}
	return &RegexAcceptor{pattern: re}, nil
}

// Accept reports whether tosURL matches the configured pattern.
func (a *RegexAcceptor) Accept(tosURL string) bool {
	return a.pattern.MatchString(tosURL)
}

// ExplicitAcceptor accepts a terms-of-service URL iff it equals a stored
// expected URL, or if Agreed is true (the operator has already agreed out
// of band).
type ExplicitAcceptor struct {
	ExpectedURL string
	Agreed      bool
}

// Accept reports whether tosURL equals a.ExpectedURL, or a.Agreed is true.
func (a *ExplicitAcceptor) Accept(tosURL string) bool {
	return a.Agreed || tosURL == a.ExpectedURL
}

// tosAgreed reports whether at least one of acceptors accepts tosURL. An
// empty tosURL (the directory advertised none) is always agreed.
func tosAgreed(acceptors []Acceptor, tosURL string) bool {
	if tosURL == "" {
		return true
	}
	for _, acceptor := range acceptors {
		if acceptor.Accept(tosURL) {
			return true
		}
	}
	return false
}
