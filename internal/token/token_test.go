package token

import (
	"testing"
	"time"
)

func testSigner() Signer {
	return Signer{
		Secret:   "test-secret",
		Issuer:   "sessiongate",
		Audience: "sessiongate-api",
		TTL:      time.Hour,
	}
}

func TestMintVerifyRoundTrip(t *testing.T) {
	s := testSigner()
	raw, err := s.Mint(Principal{Subject: "runner-1", Role: "runner", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	p, err := s.Verify(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Subject != "runner-1" || p.Role != "runner" || p.SessionID != "sess-1" {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := testSigner()
	s.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	raw, err := s.Mint(Principal{Subject: "u", Role: "user"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	s.Now = func() time.Time { return time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC) }
	if _, err := s.Verify(raw); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	s := testSigner()
	raw, err := s.Mint(Principal{Subject: "u", Role: "user"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	other := testSigner()
	other.Secret = "different"
	if _, err := other.Verify(raw); err == nil {
		t.Fatalf("expected signature error")
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	s := testSigner()
	raw, err := s.Mint(Principal{Subject: "u", Role: "user"})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	other := testSigner()
	other.Audience = "someone-else"
	if _, err := other.Verify(raw); err == nil {
		t.Fatalf("expected audience error")
	}
}

func TestMintRequiresRole(t *testing.T) {
	s := testSigner()
	if _, err := s.Mint(Principal{Subject: "u"}); err == nil {
		t.Fatalf("expected role error")
	}
}
