package autocert

import "testing"

func TestNewPolicyCheckDispatchOrder(t *testing.T) {
	t.Parallel()

	check, err := newPolicyCheck("192.168.1.1")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if _, ok := check.(*ipPolicyCheck); !ok {
		t.Fatalf("expected an ipPolicyCheck for a bare IP, got %T", check)
	}
}

func TestNewPolicyCheckUnhandledDescription(t *testing.T) {
	t.Parallel()

	_, err := newPolicyCheck("not a valid description!!")
	var pbe *PolicyBuildError
	if err == nil {
		t.Fatalf("expected an error")
	}
	if e, ok := err.(*PolicyBuildError); !ok {
		t.Fatalf("expected *PolicyBuildError, got %T", err)
	} else {
		pbe = e
	}
	if pbe.Description != "not a valid description!!" {
		t.Errorf("unexpected Description: %s", pbe.Description)
	}
}

func TestHostPolicyCheck(t *testing.T) {
	t.Parallel()

	check, err := newPolicyCheck("test.example.com")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if !check.Allow("test.example.com") {
		t.Errorf("expected exact host match to be allowed")
	}
	if !check.Allow("TEST.EXAMPLE.COM") {
		t.Errorf("expected case-insensitive match to be allowed")
	}
	if check.Allow("other.example.com") {
		t.Errorf("expected unrelated host to be denied")
	}
	if !check.Deny("other.example.com") {
		t.Errorf("expected Deny to be the negation of Allow")
	}
}

func TestWildcardPolicyCheck(t *testing.T) {
	t.Parallel()

	check, err := newPolicyCheck("*.a.b.c")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if check.Allow("x.a.b.d") {
		t.Errorf("expected x.a.b.d to be denied")
	}
	if !check.Allow("x.a.b.c") {
		t.Errorf("expected x.a.b.c to be allowed")
	}
	if !check.Allow("*.a.b.c") {
		t.Errorf("expected a literal wildcard identifier to be allowed")
	}
}

func TestIPPolicyCheck(t *testing.T) {
	t.Parallel()

	check, err := newPolicyCheck("192.168.1.0/24")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if !check.Allow("192.168.1.42") {
		t.Errorf("expected 192.168.1.42 to be allowed")
	}
	if check.Allow("192.168.2.42") {
		t.Errorf("expected 192.168.2.42 to be denied")
	}
	if check.Allow("192.168.1.256") {
		t.Errorf("expected an unparseable address to be denied")
	}
}
