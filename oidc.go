package federatedrp

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// maxSessionNameLength is the STS limit for RoleSessionName.
const maxSessionNameLength = 64

// DefaultMinKeyRefreshInterval rate limits key set refreshes caused by unknown key IDs.
const DefaultMinKeyRefreshInterval = time.Minute

// Verifier verifies a raw ID token.
type Verifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// IDTokenVerifierOptions defines the available configuration options for the IDTokenVerifier.
type IDTokenVerifierOptions struct {
	// SupportedSigningAlgs is a list of signing algorithms supported for verifying ID tokens.
	SupportedSigningAlgs []string

	// MinKeyRefreshInterval rate limits refreshes triggered by unknown key IDs.
	MinKeyRefreshInterval time.Duration

	// Now is a function that returns the current time, which can be used for expiry and validity checks.
	// If not provided, the default time function (time.Now) is used.
	Now func() time.Time
}

// IDTokenVerifier verifies ID tokens issued to this relying party: signature against the cached
// key set, issuer, audience and expiry.
type IDTokenVerifier struct {
	issuer   string
	clientID string
	strict   *oidc.IDTokenVerifier
	lenient  *oidc.IDTokenVerifier
}

// NewIDTokenVerifier creates a new IDTokenVerifier whose keys come from discovery.
//
// Parameters:
//   - discovery: The cache providing the provider's key set.
//   - clientID: The expected audience.
//   - optFns: A variadic list of functions to customize the IDTokenVerifierOptions.
//
// Returns:
//   - A new IDTokenVerifier instance.
func NewIDTokenVerifier(discovery *DiscoveryCache, clientID string, optFns ...func(o *IDTokenVerifierOptions)) (*IDTokenVerifier, error) {
	if discovery == nil {
		return nil, fmt.Errorf("discovery cache cannot be nil")
	}

	if clientID == "" {
		return nil, fmt.Errorf("client ID cannot be empty")
	}

	opts := IDTokenVerifierOptions{
		SupportedSigningAlgs:  DefaultSigningAlgs,
		MinKeyRefreshInterval: DefaultMinKeyRefreshInterval,
		Now:                   time.Now,
	}

	// Apply custom options provided through optFns
	for _, fn := range optFns {
		fn(&opts)
	}

	keySet := newDiscoveryKeySet(discovery, opts.SupportedSigningAlgs, opts.MinKeyRefreshInterval)

	config := oidc.Config{
		ClientID:             clientID,
		SupportedSigningAlgs: opts.SupportedSigningAlgs,
		Now:                  opts.Now,
	}

	lenientConfig := config
	lenientConfig.SkipExpiryCheck = true

	return &IDTokenVerifier{
		issuer:   discovery.Issuer(),
		clientID: clientID,
		strict:   oidc.NewVerifier(discovery.Issuer(), keySet, &config),
		lenient:  oidc.NewVerifier(discovery.Issuer(), keySet, &lenientConfig),
	}, nil
}

// Verify verifies the provided raw ID token, including its expiry.
func (v *IDTokenVerifier) Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
	return verifyToken(ctx, v.strict, rawIDToken)
}

// Identity verifies the signature, issuer and audience of a token carried in the session and
// returns its identity claims. Expiry is not checked here.
func (v *IDTokenVerifier) Identity(ctx context.Context, rawIDToken string) (*Identity, error) {
	idToken, err := verifyToken(ctx, v.lenient, rawIDToken)
	if err != nil {
		return nil, err
	}

	return identityFromToken(idToken)
}

// verifyToken runs verifier and hands back an unreachable key set as ErrUpstreamUnavailable
// instead of a verification failure.
func verifyToken(ctx context.Context, verifier *oidc.IDTokenVerifier, rawIDToken string) (*oidc.IDToken, error) {
	ctx, sink := withUpstreamErrorSink(ctx)

	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		if sink.err != nil {
			return nil, fmt.Errorf("failed to verify ID token: %w", sink.err)
		}

		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	return idToken, nil
}

// Identity holds the claims of an authenticated user.
type Identity struct {
	Issuer  string
	Subject string
	Email   string
	Claims  map[string]any
}

func identityFromToken(idToken *oidc.IDToken) (*Identity, error) {
	claims := make(map[string]any)
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}

	email, _ := claims["email"].(string)

	return &Identity{
		Issuer:  idToken.Issuer,
		Subject: idToken.Subject,
		Email:   email,
		Claims:  claims,
	}, nil
}

var invalidSessionNameChars = regexp.MustCompile(`[^\w+=,.@-]`)

// SessionName returns the STS role session name for the identity: the email address when present,
// otherwise the part of the subject after its last "|". Characters STS does not accept are
// replaced and the result is truncated to 64 characters.
func (i *Identity) SessionName() string {
	name := i.Email
	if name == "" {
		name = i.Subject[strings.LastIndex(i.Subject, "|")+1:]
	}

	name = invalidSessionNameChars.ReplaceAllString(name, "-")
	if len(name) > maxSessionNameLength {
		name = name[:maxSessionNameLength]
	}

	if len(name) < 2 {
		name = "federated-user"
	}

	return name
}

// claimValueToStrings flattens a claim value into strings for matching.
func claimValueToStrings(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}

		return out
	case []string:
		return v
	case nil:
		return nil
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}
