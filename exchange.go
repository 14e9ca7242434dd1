package federatedrp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"
)

// CallbackParams are the parameters the identity provider returns to the redirect URI.
type CallbackParams struct {
	State            string `json:"state"`
	Code             string `json:"code"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenExchangerOptions defines the configuration options for the TokenExchanger.
type TokenExchangerOptions struct {
	// ClientSecret is sent to the token endpoint when set. PKCE alone is used otherwise.
	ClientSecret string

	// Scopes requested at the authorization endpoint.
	Scopes []string

	// HTTPClient is used for the token endpoint. Defaults to a pooled cleanhttp client.
	HTTPClient *http.Client

	// Timeout bounds the token request.
	Timeout time.Duration
}

// TokenExchanger drives the Authorization Code flow with PKCE against the identity provider.
type TokenExchanger struct {
	discovery   *DiscoveryCache
	verifier    Verifier
	clientID    string
	redirectURL string
	opts        TokenExchangerOptions
}

// NewTokenExchanger creates a new TokenExchanger.
//
// Parameters:
//   - discovery: The cache providing the provider endpoints.
//   - verifier: The verifier applied to returned ID tokens.
//   - clientID: The client ID registered with the identity provider.
//   - redirectURL: The redirect URI registered with the identity provider.
//   - optFns: A variadic list of functions to customize the TokenExchangerOptions.
//
// Returns:
//   - A new TokenExchanger instance.
func NewTokenExchanger(discovery *DiscoveryCache, verifier Verifier, clientID, redirectURL string, optFns ...func(o *TokenExchangerOptions)) (*TokenExchanger, error) {
	if discovery == nil || verifier == nil {
		return nil, fmt.Errorf("discovery cache and verifier are required")
	}

	if clientID == "" {
		return nil, fmt.Errorf("client ID cannot be empty")
	}

	if redirectURL == "" {
		return nil, fmt.Errorf("redirect URL cannot be empty")
	}

	opts := TokenExchangerOptions{
		Scopes:  []string{oidc.ScopeOpenID, "email"},
		Timeout: DefaultUpstreamTimeout,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = cleanhttp.DefaultPooledClient()
		opts.HTTPClient.Timeout = opts.Timeout
	}

	return &TokenExchanger{
		discovery:   discovery,
		verifier:    verifier,
		clientID:    clientID,
		redirectURL: redirectURL,
		opts:        opts,
	}, nil
}

func (e *TokenExchanger) config(doc *DiscoveryDocument) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     e.clientID,
		ClientSecret: e.opts.ClientSecret,
		RedirectURL:  e.redirectURL,
		Scopes:       e.opts.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   doc.AuthorizationEndpoint,
			TokenURL:  doc.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthCodeURL returns the authorization endpoint URL carrying the state, nonce and S256 challenge
// of m.
func (e *TokenExchanger) AuthCodeURL(ctx context.Context, m AuthorizationMaterial) (string, error) {
	doc, err := e.discovery.Get(ctx)
	if err != nil {
		return "", err
	}

	return e.config(doc).AuthCodeURL(m.State,
		oauth2.S256ChallengeOption(m.Verifier),
		oidc.Nonce(m.Nonce),
	), nil
}

// Exchange validates the callback against the session, redeems the code at the token endpoint
// and verifies the returned ID token. Once the state check passes the session's authorization
// material is cleared, so a callback can be redeemed at most once.
//
// Parameters:
//   - ctx: The context for the outbound requests.
//   - p: The callback parameters.
//   - s: The session that started the flow. It may be an empty session.
//
// Returns:
//   - The raw ID token.
//   - An error wrapping ErrAccessDenied or ErrUpstreamUnavailable.
func (e *TokenExchanger) Exchange(ctx context.Context, p CallbackParams, s *Session) (string, error) {
	if p.Error != "" {
		return "", accessDenied("identity provider returned error %q: %s", p.Error, p.ErrorDescription)
	}

	if p.State == "" {
		return "", accessDenied("state parameter is missing")
	}

	if p.Code == "" {
		return "", accessDenied("code parameter is missing")
	}

	if s.OIDCState == "" || subtle.ConstantTimeCompare([]byte(p.State), []byte(s.OIDCState)) != 1 {
		return "", accessDenied("invalid state parameter")
	}

	verifier, nonce := s.CodeVerifier, s.Nonce
	s.clearAuthorization()

	if verifier == "" {
		return "", accessDenied("code verifier not found in session")
	}

	doc, err := e.discovery.Get(ctx)
	if err != nil {
		return "", err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.opts.HTTPClient)
	ctx = oidc.ClientContext(ctx, e.opts.HTTPClient)

	token, err := e.config(doc).Exchange(ctx, p.Code, oauth2.VerifierOption(verifier))
	if err != nil {
		return "", classifyExchangeError(err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", accessDenied("token response carries no id_token")
	}

	idToken, err := e.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) {
			return "", err
		}

		return "", accessDenied("%v", err)
	}

	if nonce != "" && subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return "", accessDenied("invalid nonce")
	}

	return rawIDToken, nil
}

func classifyExchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError {
			return unavailable(upstreamIdP, err)
		}

		return accessDenied("token endpoint rejected the code: %v", err)
	}

	if isTransportError(err) {
		return unavailable(upstreamIdP, err)
	}

	return accessDenied("failed to exchange code: %v", err)
}
