package federatedrp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultDiscoveryTTL is the freshness window of a fetched discovery document.
	DefaultDiscoveryTTL = time.Hour

	// DefaultUpstreamTimeout bounds every call to an upstream.
	DefaultUpstreamTimeout = 10 * time.Second

	wellKnownPath = "/.well-known/openid-configuration"

	maxDocumentSize = 1 << 20
)

// DiscoveryDocument is an immutable snapshot of the provider metadata and its key set.
type DiscoveryDocument struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	SigningAlgs           []string `json:"id_token_signing_alg_values_supported"`

	// JWKS is the key set fetched from JWKSURI, filtered by the configured thumbprints.
	JWKS *jose.JSONWebKeySet `json:"-"`

	// RawJWKS is JWKS encoded as JSON, as forwarded to the role map API.
	RawJWKS json.RawMessage `json:"-"`

	FetchedAt time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

// DiscoveryCacheOptions configures a DiscoveryCache.
type DiscoveryCacheOptions struct {
	// DiscoveryURL overrides the well-known URL derived from the issuer.
	DiscoveryURL string

	// HTTPClient is used for all fetches. Defaults to a pooled cleanhttp client.
	HTTPClient *http.Client

	// TTL is the freshness window of a document.
	TTL time.Duration

	// StaleGrace allows serving the previous document for this long past its window when a
	// refresh fails. Zero disables stale serving.
	StaleGrace time.Duration

	// FetchTimeout bounds one refresh (discovery document plus key set).
	FetchTimeout time.Duration

	// Thumbprints pins the accepted signing keys. See ParseJWKS.
	Thumbprints []string

	// Metrics records refresh results.
	Metrics *Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DiscoveryCache fetches and memoizes the provider's discovery document and key set. Reads are
// lock free; at most one refresh is in flight at a time.
type DiscoveryCache struct {
	issuer  string
	url     string
	opts    DiscoveryCacheOptions
	current atomic.Pointer[DiscoveryDocument]
	group   singleflight.Group
}

// NewDiscoveryCache creates a DiscoveryCache for issuer. Nothing is fetched until the first Get.
//
// Parameters:
//   - issuer: The expected issuer. The fetched document must carry exactly this value.
//   - optFns: A variadic list of functions to customize the DiscoveryCacheOptions.
//
// Returns:
//   - A new DiscoveryCache instance.
//   - An error if the issuer or a thumbprint is invalid.
func NewDiscoveryCache(issuer string, optFns ...func(o *DiscoveryCacheOptions)) (*DiscoveryCache, error) {
	if issuer == "" {
		return nil, fmt.Errorf("issuer cannot be empty")
	}

	opts := DiscoveryCacheOptions{
		TTL:          DefaultDiscoveryTTL,
		FetchTimeout: DefaultUpstreamTimeout,
		Now:          time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = cleanhttp.DefaultPooledClient()
		opts.HTTPClient.Timeout = opts.FetchTimeout
	}

	if opts.DiscoveryURL == "" {
		opts.DiscoveryURL = strings.TrimSuffix(issuer, "/") + wellKnownPath
	}

	if opts.TTL <= 0 {
		return nil, fmt.Errorf("discovery TTL must be positive")
	}

	if err := validateThumbprints(opts.Thumbprints); err != nil {
		return nil, err
	}

	return &DiscoveryCache{
		issuer: issuer,
		url:    opts.DiscoveryURL,
		opts:   opts,
	}, nil
}

// Issuer returns the expected issuer.
func (c *DiscoveryCache) Issuer() string {
	return c.issuer
}

// Get returns the cached document while it is fresh, otherwise refreshes it. A failed refresh
// returns an error wrapping ErrUpstreamUnavailable, unless stale serving is enabled and the
// previous document is still within its grace period.
func (c *DiscoveryCache) Get(ctx context.Context) (*DiscoveryDocument, error) {
	doc := c.current.Load()
	if doc != nil && c.opts.Now().Before(doc.ExpiresAt) {
		return doc, nil
	}

	fresh, err := c.refresh(ctx)
	if err == nil {
		return fresh, nil
	}

	if doc != nil && c.opts.StaleGrace > 0 && c.opts.Now().Before(doc.ExpiresAt.Add(c.opts.StaleGrace)) {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Time("expired_at", doc.ExpiresAt).
			Msg("serving stale discovery document")

		c.opts.Metrics.observeDiscoveryRefresh("stale")

		return doc, nil
	}

	return nil, err
}

// Invalidate drops the cached document so the next Get refreshes it.
func (c *DiscoveryCache) Invalidate() {
	c.current.Store(nil)
}

// Refresh fetches a new document regardless of the freshness window.
func (c *DiscoveryCache) Refresh(ctx context.Context) (*DiscoveryDocument, error) {
	return c.refresh(ctx)
}

// refreshOlderThan refreshes unless the current document was fetched less than minAge ago.
func (c *DiscoveryCache) refreshOlderThan(ctx context.Context, minAge time.Duration) (*DiscoveryDocument, error) {
	if doc := c.current.Load(); doc != nil && c.opts.Now().Sub(doc.FetchedAt) < minAge {
		return doc, nil
	}

	return c.refresh(ctx)
}

func (c *DiscoveryCache) refresh(ctx context.Context) (*DiscoveryDocument, error) {
	ch := c.group.DoChan("discovery", func() (any, error) {
		// The fetch is shared, so it must not be cancelled by the first caller going away.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FetchTimeout)
		defer cancel()

		doc, err := c.fetch(fetchCtx)
		if err != nil {
			c.opts.Metrics.observeDiscoveryRefresh("failure")

			return nil, err
		}

		c.current.Store(doc)
		c.opts.Metrics.observeDiscoveryRefresh("success")

		zerolog.Ctx(ctx).Debug().
			Str("issuer", doc.Issuer).
			Int("keys", len(doc.JWKS.Keys)).
			Msg("refreshed discovery document")

		return doc, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		return res.Val.(*DiscoveryDocument), nil //nolint:forcetypeassert
	case <-ctx.Done():
		return nil, unavailable(upstreamDiscovery, ctx.Err())
	}
}

func (c *DiscoveryCache) fetch(ctx context.Context) (*DiscoveryDocument, error) {
	ctx, span := tracer.Start(ctx, "discovery.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("discovery_url", c.url)),
	)
	defer span.End()

	body, err := c.get(ctx, c.url)
	if err != nil {
		return nil, unavailable(upstreamDiscovery, fmt.Errorf("failed to fetch discovery document: %w", err))
	}

	var doc DiscoveryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, unavailable(upstreamDiscovery, fmt.Errorf("failed to decode discovery document: %w", err))
	}

	if doc.Issuer != c.issuer {
		return nil, unavailable(upstreamDiscovery, fmt.Errorf("issuer did not match the issuer returned by provider, expected %q got %q", c.issuer, doc.Issuer))
	}

	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" || doc.JWKSURI == "" {
		return nil, unavailable(upstreamDiscovery, fmt.Errorf("discovery document is missing required endpoints"))
	}

	rawKeys, err := c.get(ctx, doc.JWKSURI)
	if err != nil {
		return nil, unavailable(upstreamDiscovery, fmt.Errorf("failed to fetch JWKS: %w", err))
	}

	jwks, err := ParseJWKS(rawKeys, c.opts.Thumbprints)
	if err != nil {
		return nil, unavailable(upstreamDiscovery, err)
	}

	rawJWKS, err := json.Marshal(jwks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode JWKS: %w", err)
	}

	now := c.opts.Now()
	doc.JWKS = jwks
	doc.RawJWKS = rawJWKS
	doc.FetchedAt = now
	doc.ExpiresAt = now.Add(c.opts.TTL)

	return &doc, nil
}

func (c *DiscoveryCache) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	return body, nil
}
