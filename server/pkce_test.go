package server

import (
	"errors"
	"testing"
)

func TestDeriveChallengeKnownVector(t *testing.T) {
	// Appendix B of RFC 7636.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	if got := DeriveChallenge(verifier); got != want {
		t.Fatalf("DeriveChallenge = %q, want %q", got, want)
	}
}

func TestVerifyPKCE(t *testing.T) {
	verifier := "correct-horse-battery-staple-0123456789abcdef"
	challenge := DeriveChallenge(verifier)

	tests := []struct {
		name      string
		challenge string
		verifier  string
		wantErr   bool
	}{
		{"matching pair", challenge, verifier, false},
		{"wrong verifier", challenge, "some-other-verifier-value-0123456789abcd", true},
		{"empty verifier", challenge, "", true},
		{"verifier submitted as challenge", verifier, verifier, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyPKCE(tt.challenge, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Fatalf("VerifyPKCE error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var oe *OAuthError
				if !errors.As(err, &oe) || oe.Code != ErrCodeInvalidGrant {
					t.Fatalf("expected invalid_grant, got %v", err)
				}
			}
		})
	}
}

func TestChallengesMatchConstantLengthMismatch(t *testing.T) {
	if ChallengesMatch("short", "a-much-longer-derived-challenge-string") {
		t.Fatal("challenges of different length must not match")
	}
}
