package federatedrp

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// DefaultSigningAlgs are the ID token signature algorithms accepted unless configured otherwise.
var DefaultSigningAlgs = []string{
	string(jose.RS256), string(jose.RS384), string(jose.RS512),
	string(jose.ES256), string(jose.ES384), string(jose.ES512),
	string(jose.PS256), string(jose.PS384), string(jose.PS512),
}

// ParseJWKS parses a JSON Web Key Set. When thumbprints is not empty, keys whose RFC 7638 SHA-256
// thumbprint is not listed are dropped, and a set left without keys is an error.
//
// Parameters:
//   - data: The JWKS document.
//   - thumbprints: Optional base64url encoded thumbprints of the keys to keep.
//
// Returns:
//   - The parsed (and filtered) key set.
//   - An error if the document is malformed or no pinned key is present.
func ParseJWKS(data []byte, thumbprints []string) (*jose.JSONWebKeySet, error) {
	var jwks jose.JSONWebKeySet
	if err := json.Unmarshal(data, &jwks); err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}

	if len(thumbprints) == 0 {
		return &jwks, nil
	}

	filtered := make([]jose.JSONWebKey, 0, len(jwks.Keys))

	for _, key := range jwks.Keys {
		thumbprint, err := Thumbprint(key)
		if err != nil {
			return nil, fmt.Errorf("failed to calculate thumbprint of key %q: %w", key.KeyID, err)
		}

		if slices.Contains(thumbprints, thumbprint) {
			filtered = append(filtered, key)
		}
	}

	if len(filtered) == 0 {
		return nil, fmt.Errorf("no keys in JWKS match the expected thumbprints")
	}

	return &jose.JSONWebKeySet{Keys: filtered}, nil
}

// Thumbprint returns the base64url encoded RFC 7638 SHA-256 thumbprint of the public part of key.
func Thumbprint(key jose.JSONWebKey) (string, error) {
	pub := key.Public()

	tp, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// validateThumbprints checks that every pin is a base64url encoded SHA-256 digest.
func validateThumbprints(thumbprints []string) error {
	for _, tp := range thumbprints {
		b, err := base64.RawURLEncoding.DecodeString(tp)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("invalid thumbprint format: %s", tp)
		}
	}

	return nil
}

// discoveryKeySet implements oidc.KeySet on top of the DiscoveryCache. An unknown key ID forces one
// refresh of the cache, rate limited by minRefresh, to pick up rotated keys.
type discoveryKeySet struct {
	discovery  *DiscoveryCache
	algs       []jose.SignatureAlgorithm
	minRefresh time.Duration
}

func newDiscoveryKeySet(discovery *DiscoveryCache, algs []string, minRefresh time.Duration) *discoveryKeySet {
	sigAlgs := make([]jose.SignatureAlgorithm, 0, len(algs))
	for _, alg := range algs {
		sigAlgs = append(sigAlgs, jose.SignatureAlgorithm(alg))
	}

	return &discoveryKeySet{
		discovery:  discovery,
		algs:       sigAlgs,
		minRefresh: minRefresh,
	}
}

// VerifySignature verifies the JWS signature of jwt and returns its payload.
func (k *discoveryKeySet) VerifySignature(ctx context.Context, jwt string) ([]byte, error) {
	jws, err := jose.ParseSigned(jwt, k.algs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWS: %w", err)
	}

	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("expected exactly one signature, got %d", len(jws.Signatures))
	}

	keyID := jws.Signatures[0].Header.KeyID

	doc, err := k.discovery.Get(ctx)
	if err != nil {
		return nil, recordUpstreamError(ctx, err)
	}

	if payload, ok := verifyWithKeys(jws, doc.JWKS, keyID); ok {
		return payload, nil
	}

	if keyID == "" || len(doc.JWKS.Key(keyID)) > 0 {
		return nil, fmt.Errorf("failed to verify signature")
	}

	// Unknown key ID: the provider may have rotated its keys.
	doc, err = k.discovery.refreshOlderThan(ctx, k.minRefresh)
	if err != nil {
		return nil, recordUpstreamError(ctx, err)
	}

	if payload, ok := verifyWithKeys(jws, doc.JWKS, keyID); ok {
		return payload, nil
	}

	return nil, fmt.Errorf("no key found for key id %q", keyID)
}

type upstreamErrorSinkKey struct{}

// upstreamErrorSink keeps the first transient key set failure of one verification. go-oidc
// flattens KeySet errors into text, so the sink is how the caller gets the error back.
type upstreamErrorSink struct {
	err error
}

func withUpstreamErrorSink(ctx context.Context) (context.Context, *upstreamErrorSink) {
	sink := &upstreamErrorSink{}
	return context.WithValue(ctx, upstreamErrorSinkKey{}, sink), sink
}

func recordUpstreamError(ctx context.Context, err error) error {
	if !errors.Is(err, ErrUpstreamUnavailable) {
		return err
	}

	if sink, ok := ctx.Value(upstreamErrorSinkKey{}).(*upstreamErrorSink); ok && sink.err == nil {
		sink.err = err
	}

	return err
}

func verifyWithKeys(jws *jose.JSONWebSignature, jwks *jose.JSONWebKeySet, keyID string) ([]byte, bool) {
	if jwks == nil {
		return nil, false
	}

	keys := jwks.Keys
	if keyID != "" {
		keys = jwks.Key(keyID)
	}

	for _, key := range keys {
		if key.Use != "" && key.Use != "sig" {
			continue
		}

		if payload, err := jws.Verify(key.Key); err == nil {
			return payload, true
		}
	}

	return nil, false
}
