package autocert

import (
	"testing"
	"time"
)

func TestNeedsRenewalLiteralScenario(t *testing.T) {
	t.Parallel()

	notBefore, err := time.Parse(time.RFC3339, "2023-09-06T22:59:03Z")
	if err != nil {
		t.Fatalf("could not parse notBefore: %v", err)
	}
	notAfter, err := time.Parse(time.RFC3339, "2023-10-04T22:59:02Z")
	if err != nil {
		t.Fatalf("could not parse notAfter: %v", err)
	}
	cert := &ManagedCertificate{NotBefore: notBefore, NotAfter: notAfter}

	const renewBeforeSeconds = 14 * 24 * 60 * 60

	if got := NeedsRenewal(cert, renewBeforeSeconds, DefaultRenewBeforeFraction, notAfter.Add(-10*24*time.Hour)); !got {
		t.Errorf("expected renewal to be needed 10 days before expiry")
	}
	if got := NeedsRenewal(cert, renewBeforeSeconds, DefaultRenewBeforeFraction, notBefore.Add(2*24*time.Hour)); got {
		t.Errorf("expected renewal not to be needed 2 days after issuance")
	}
}

func TestNeedsRenewalAlwaysTrueAfterExpiry(t *testing.T) {
	t.Parallel()

	notBefore := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := notBefore.Add(90 * 24 * time.Hour)
	cert := &ManagedCertificate{NotBefore: notBefore, NotAfter: notAfter}

	if !NeedsRenewal(cert, DefaultRenewBeforeSeconds, DefaultRenewBeforeFraction, notAfter.Add(time.Second)) {
		t.Errorf("expected renewal to always be needed an instant past expiry")
	}
}

func TestNeedsRenewalFalseAtIssuance(t *testing.T) {
	t.Parallel()

	notBefore := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := notBefore.Add(90 * 24 * time.Hour)
	cert := &ManagedCertificate{NotBefore: notBefore, NotAfter: notAfter}

	// renew_before_seconds (10 days) and renew_before_fraction (18 days) are
	// both well under the 90-day span, so every renewAfter candidate, the
	// one-day fallback included, lies well after issuance.
	if NeedsRenewal(cert, 10*24*60*60, 0.2, notBefore) {
		t.Errorf("expected renewal not to be needed at issuance")
	}
}
