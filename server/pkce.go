package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// CodeChallengeMethodS256 is the only PKCE method the gateway accepts.
// OAuth 2.1 prohibits the plain method for public clients.
const CodeChallengeMethodS256 = "S256"

// DeriveChallenge computes the S256 code challenge for a verifier:
// BASE64URL(SHA256(verifier)) without padding.
func DeriveChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ChallengesMatch reports whether the stored challenge equals the challenge
// derived from the presented verifier.
func ChallengesMatch(challenge, derived string) bool {
	return subtle.ConstantTimeCompare([]byte(challenge), []byte(derived)) == 1
}

// VerifyPKCE checks a presented verifier against the challenge bound to an
// authorization code at issue time.
func VerifyPKCE(challenge, verifier string) error {
	if verifier == "" {
		return errInvalidGrant("code_verifier required")
	}
	if !ChallengesMatch(challenge, DeriveChallenge(verifier)) {
		return errInvalidGrant("pkce verification failed")
	}
	return nil
}
