package federatedrp

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// statePrefix marks the state format. Only one format exists.
const statePrefix = "1-"

// PKCEChallengeMethod is the only supported PKCE method.
const PKCEChallengeMethod = "S256"

// PKCE is an RFC 7636 verifier and its derived challenge.
type PKCE struct {
	Verifier  string
	Challenge string
}

// AuthorizationMaterial is generated together at flow start and bound to one authorization attempt.
type AuthorizationMaterial struct {
	PKCE
	State string
	Nonce string
}

// NewPKCE returns a verifier of 32 random bytes, raw base64url encoded, and its S256 challenge.
func NewPKCE() PKCE {
	verifier := oauth2.GenerateVerifier()

	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
	}
}

// NewAuthorizationMaterial generates a PKCE pair plus an independent state and nonce.
func NewAuthorizationMaterial() (AuthorizationMaterial, error) {
	state, err := randomString(32)
	if err != nil {
		return AuthorizationMaterial{}, fmt.Errorf("failed to generate state: %w", err)
	}

	nonce, err := randomString(32)
	if err != nil {
		return AuthorizationMaterial{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return AuthorizationMaterial{
		PKCE:  NewPKCE(),
		State: statePrefix + state,
		Nonce: nonce,
	}, nil
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
