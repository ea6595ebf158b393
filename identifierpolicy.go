package autocert

// IdentifierPolicy is the aggregate policy built from a configuration's
// AllowIdentifiers: it denies an identifier only if every one of its
// underlying PolicyChecks denies it, i.e. it allows if any one allows.
type IdentifierPolicy struct {
	checks []PolicyCheck
}

// buildIdentifierPolicy builds one PolicyCheck per description and
// aggregates them. It fails if any description is handled by no check.
func buildIdentifierPolicy(descriptions []string) (*IdentifierPolicy, error) {
	checks := make([]PolicyCheck, len(descriptions))
	for i, description := range descriptions {
		check, err := newPolicyCheck(description)
		if err != nil {
			return nil, err
		}
		checks[i] = check
	}
	return &IdentifierPolicy{checks: checks}, nil
}

// Allow reports whether any underlying PolicyCheck allows identifier.
func (p *IdentifierPolicy) Allow(identifier string) bool {
	for _, check := range p.checks {
		if check.Allow(identifier) {
			return true
		}
	}
	return false
}

// Deny reports whether every underlying PolicyCheck denies identifier.
func (p *IdentifierPolicy) Deny(identifier string) bool { return !p.Allow(identifier) }

// DeniedIdentifiers returns the subset of identifiers denied by the policy.
func (p *IdentifierPolicy) DeniedIdentifiers(identifiers []string) []string {
	var denied []string
	for _, ident := range identifiers {
		if p.Deny(ident) {
			denied = append(denied, ident)
		}
	}
	return denied
}
