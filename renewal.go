package autocert

import (
	"math"
	"time"
)

// NeedsRenewal reports whether cert must be renewed as of now, given
// renewBeforeSeconds and renewBeforeFraction. It computes a renewAfter
// timestamp as the earliest of: the seconds rule, the fraction rule, a
// one-day safety fallback, and cert.NotAfter itself (the ultimate ceiling),
// and returns now.After(renewAfter). Taking the earliest candidate makes
// renewal eager: whichever rule fires first wins.
func NeedsRenewal(cert *ManagedCertificate, renewBeforeSeconds int, renewBeforeFraction float64, now time.Time) bool {
	renewAfter := cert.NotAfter

	if candidate, ok := renewAfterFromSeconds(cert, renewBeforeSeconds); ok && candidate.Before(renewAfter) {
		renewAfter = candidate
	}
	if candidate, ok := renewAfterFromFraction(cert, renewBeforeFraction); ok && candidate.Before(renewAfter) {
		renewAfter = candidate
	}
	if candidate, ok := renewAfterFromSeconds(cert, fallbackRenewBeforeSeconds); ok && candidate.Before(renewAfter) {
		renewAfter = candidate
	}

	return now.After(renewAfter)
}

// renewAfterFromSeconds returns cert.NotAfter - beforeSeconds, accepted only
// if it falls within [cert.NotBefore, cert.NotAfter].
func renewAfterFromSeconds(cert *ManagedCertificate, beforeSeconds int) (time.Time, bool) {
	candidate := cert.NotAfter.Add(-time.Duration(beforeSeconds) * time.Second)
	if candidate.Before(cert.NotBefore) || candidate.After(cert.NotAfter) {
		return time.Time{}, false
	}
	return candidate, true
}

// renewAfterFromFraction returns the seconds-rule candidate for
// floor(span * beforeFraction), where span is the certificate's validity
// window in seconds. It is rejected if beforeFraction is outside [0,1].
func renewAfterFromFraction(cert *ManagedCertificate, beforeFraction float64) (time.Time, bool) {
	if beforeFraction < 0 || beforeFraction > 1 {
		return time.Time{}, false
	}
	span := cert.NotAfter.Sub(cert.NotBefore).Seconds()
	beforeSeconds := int(math.Floor(span * beforeFraction))
	return renewAfterFromSeconds(cert, beforeSeconds)
}
