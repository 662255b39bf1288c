// Package pkce implements the Proof Key for Code Exchange checks (RFC 7636) used to
// bind a locally issued authorization code to the client that requested it.
//
// Every function is pure. Malformed input never panics; it simply fails validation,
// so callers cannot learn which part of a verifier or challenge was wrong.
package pkce

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// MethodS256 is the SHA-256 challenge method. It is the default and the only
	// method accepted unless plain is explicitly enabled.
	MethodS256 = "S256"

	// MethodPlain sends the verifier itself as the challenge.
	MethodPlain = "plain"

	// MinVerifierLength and MaxVerifierLength bound a code_verifier (RFC 7636 4.1).
	MinVerifierLength = 43
	MaxVerifierLength = 128

	// S256ChallengeLength is the length of an unpadded base64url SHA-256 digest.
	S256ChallengeLength = 43
)

// ComputeChallenge derives the code_challenge for verifier under method.
// An empty method is treated as S256.
func ComputeChallenge(verifier, method string) (string, error) {
	switch normalizeMethod(method) {
	case MethodS256:
		return oauth2.S256ChallengeFromVerifier(verifier), nil
	case MethodPlain:
		return verifier, nil
	default:
		return "", fmt.Errorf("unsupported code_challenge_method %q", method)
	}
}

// IsValidChallengeFormat reports whether challenge is well formed for method.
func IsValidChallengeFormat(challenge, method string) bool {
	switch normalizeMethod(method) {
	case MethodS256:
		if len(challenge) != S256ChallengeLength {
			return false
		}
		for i := 0; i < len(challenge); i++ {
			if !isBase64URLChar(challenge[i]) {
				return false
			}
		}
		return true
	case MethodPlain:
		return IsValidVerifier(challenge)
	default:
		return false
	}
}

// IsValidVerifier checks the length and character class of a code_verifier:
// 43 to 128 characters from [A-Za-z0-9-._~].
func IsValidVerifier(verifier string) bool {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return false
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreservedChar(verifier[i]) {
			return false
		}
	}
	return true
}

// Verify recomputes the challenge from verifier and compares it with the stored
// challenge in constant time.
func Verify(verifier, challenge, method string) bool {
	if !IsValidVerifier(verifier) || !IsValidChallengeFormat(challenge, method) {
		return false
	}
	computed, err := ComputeChallenge(verifier, method)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// GenerateVerifier returns a fresh 43 character verifier with 256 bits of entropy.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// IsSupportedMethod reports whether method names a known challenge method.
// An empty method counts as S256.
func IsSupportedMethod(method string) bool {
	m := normalizeMethod(method)
	return m == MethodS256 || m == MethodPlain
}

func normalizeMethod(method string) string {
	if method == "" {
		return MethodS256
	}
	return method
}

func isBase64URLChar(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '_'
}

func isUnreservedChar(c byte) bool {
	return isBase64URLChar(c) || c == '.' || c == '~'
}
