package autocert

import "errors"

// ConfigurationError reports a misconfigured Configuration field. It is
// always fatal at construction time.
type ConfigurationError struct {
	Name  string
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return "autocert: " + e.Name + " configuration has a misconfigured `" + e.Field + "` value: " + e.Msg
}

func configErr(name, field, msg string) *ConfigurationError {
	return &ConfigurationError{Name: name, Field: field, Msg: msg}
}

// PolicyBuildError reports that a policy description was not handled by any
// PolicyCheck. It is a separate type from ConfigurationError but, like it,
// arises only at construction: policies are built once, at Manager
// construction time, and never at request time.
type PolicyBuildError struct {
	Description string
}

func (e *PolicyBuildError) Error() string {
	return "autocert: no policy check handles identifier policy description: " + e.Description
}

// errIdentifierNotAllowed is an internal-only signal: it is never returned
// across the OnSNI boundary. Observing it triggers fallback-identifier
// substitution inside Manager.CertificateFor.
var errIdentifierNotAllowed = errors.New("autocert: identifier not allowed by policy")
