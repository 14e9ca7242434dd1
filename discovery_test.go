package federatedrp

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryCache(t *testing.T) {
	t.Run("CachesWithinTTL", func(t *testing.T) {
		idp := newTestIdP(t)
		clock := newFakeClock()
		discovery := newTestDiscovery(t, idp, func(o *DiscoveryCacheOptions) {
			o.TTL = time.Minute
			o.Now = clock.Now
		})

		doc, err := discovery.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, idp.server.URL, doc.Issuer)
		assert.Equal(t, idp.server.URL+"/token", doc.TokenEndpoint)
		assert.Len(t, doc.JWKS.Keys, 1)
		assert.NotEmpty(t, doc.RawJWKS)
		assert.Equal(t, clock.Now().Add(time.Minute), doc.ExpiresAt)

		clock.Advance(30 * time.Second)

		again, err := discovery.Get(context.Background())
		require.NoError(t, err)
		assert.Same(t, doc, again)
		assert.Equal(t, int32(1), idp.discoveryHits.Load())
		assert.Equal(t, int32(1), idp.jwksHits.Load())
	})

	t.Run("RefreshesAfterTTL", func(t *testing.T) {
		idp := newTestIdP(t)
		clock := newFakeClock()
		discovery := newTestDiscovery(t, idp, func(o *DiscoveryCacheOptions) {
			o.TTL = time.Minute
			o.Now = clock.Now
		})

		_, err := discovery.Get(context.Background())
		require.NoError(t, err)

		clock.Advance(time.Minute)

		_, err = discovery.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(2), idp.discoveryHits.Load())
	})

	t.Run("InvalidateForcesRefresh", func(t *testing.T) {
		idp := newTestIdP(t)
		discovery := newTestDiscovery(t, idp)

		_, err := discovery.Get(context.Background())
		require.NoError(t, err)

		discovery.Invalidate()

		_, err = discovery.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(2), idp.discoveryHits.Load())
	})

	t.Run("ConcurrentCallersShareOneFetch", func(t *testing.T) {
		idp := newTestIdP(t)
		idp.discoveryDelay.Store(int64(100 * time.Millisecond))
		discovery := newTestDiscovery(t, idp)

		var wg sync.WaitGroup

		errs := make(chan error, 10)

		for range 10 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, err := discovery.Get(context.Background())
				errs <- err
			}()
		}

		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}

		assert.Equal(t, int32(1), idp.discoveryHits.Load())
	})

	t.Run("CancelledCallerDoesNotAbortSharedFetch", func(t *testing.T) {
		idp := newTestIdP(t)
		idp.discoveryDelay.Store(int64(200 * time.Millisecond))
		discovery := newTestDiscovery(t, idp)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := discovery.Get(ctx)
		require.ErrorIs(t, err, ErrUpstreamUnavailable)

		doc, err := discovery.Get(context.Background())
		require.NoError(t, err)
		assert.NotNil(t, doc)
		assert.Equal(t, int32(1), idp.discoveryHits.Load())
	})

	t.Run("IssuerMismatch", func(t *testing.T) {
		idp := newTestIdP(t)
		idp.setIssuer("https://evil.example.com")
		discovery := newTestDiscovery(t, idp)

		_, err := discovery.Get(context.Background())
		require.ErrorIs(t, err, ErrUpstreamUnavailable)
		assert.Contains(t, err.Error(), "issuer did not match")
	})

	t.Run("ProviderError", func(t *testing.T) {
		idp := newTestIdP(t)
		idp.discoveryStatus.Store(http.StatusBadGateway)
		discovery := newTestDiscovery(t, idp)

		_, err := discovery.Get(context.Background())
		require.ErrorIs(t, err, ErrUpstreamUnavailable)
	})

	t.Run("ServesStaleWithinGrace", func(t *testing.T) {
		idp := newTestIdP(t)
		clock := newFakeClock()
		reg := prometheus.NewRegistry()
		metrics := NewMetrics(reg)
		discovery := newTestDiscovery(t, idp, func(o *DiscoveryCacheOptions) {
			o.TTL = time.Minute
			o.StaleGrace = time.Minute
			o.Now = clock.Now
			o.Metrics = metrics
		})

		doc, err := discovery.Get(context.Background())
		require.NoError(t, err)

		idp.discoveryStatus.Store(http.StatusServiceUnavailable)
		clock.Advance(90 * time.Second)

		stale, err := discovery.Get(context.Background())
		require.NoError(t, err)
		assert.Same(t, doc, stale)
		assert.InDelta(t, 1, testutil.ToFloat64(metrics.discoveryRefreshes.WithLabelValues("stale")), 0)

		clock.Advance(time.Minute)

		_, err = discovery.Get(context.Background())
		require.ErrorIs(t, err, ErrUpstreamUnavailable)
		assert.InDelta(t, 2, testutil.ToFloat64(metrics.discoveryRefreshes.WithLabelValues("failure")), 0)
		assert.Equal(t, upstreamDiscovery, failedUpstream(err))
		assert.InDelta(t, 0, testutil.ToFloat64(metrics.upstreamFailures.WithLabelValues(upstreamDiscovery)), 0)
	})

	t.Run("NoStaleWithoutGrace", func(t *testing.T) {
		idp := newTestIdP(t)
		clock := newFakeClock()
		discovery := newTestDiscovery(t, idp, func(o *DiscoveryCacheOptions) {
			o.TTL = time.Minute
			o.Now = clock.Now
		})

		_, err := discovery.Get(context.Background())
		require.NoError(t, err)

		idp.discoveryStatus.Store(http.StatusServiceUnavailable)
		clock.Advance(2 * time.Minute)

		_, err = discovery.Get(context.Background())
		require.ErrorIs(t, err, ErrUpstreamUnavailable)
	})

	t.Run("PinnedThumbprint", func(t *testing.T) {
		idp := newTestIdP(t)

		thumbprint, err := Thumbprint(idp.publicKey())
		require.NoError(t, err)

		discovery := newTestDiscovery(t, idp, func(o *DiscoveryCacheOptions) {
			o.Thumbprints = []string{thumbprint}
		})

		doc, err := discovery.Get(context.Background())
		require.NoError(t, err)
		assert.Len(t, doc.JWKS.Keys, 1)
	})

	t.Run("UnknownThumbprint", func(t *testing.T) {
		idp := newTestIdP(t)
		discovery := newTestDiscovery(t, idp, func(o *DiscoveryCacheOptions) {
			o.Thumbprints = []string{base64.RawURLEncoding.EncodeToString(make([]byte, 32))}
		})

		_, err := discovery.Get(context.Background())
		require.ErrorIs(t, err, ErrUpstreamUnavailable)
		assert.Contains(t, err.Error(), "no keys in JWKS match")
	})
}

func TestNewDiscoveryCache(t *testing.T) {
	t.Run("EmptyIssuer", func(t *testing.T) {
		_, err := NewDiscoveryCache("")
		assert.Error(t, err)
	})

	t.Run("InvalidThumbprint", func(t *testing.T) {
		_, err := NewDiscoveryCache("https://idp.example.com", func(o *DiscoveryCacheOptions) {
			o.Thumbprints = []string{"not-a-thumbprint"}
		})
		assert.ErrorContains(t, err, "invalid thumbprint format")
	})

	t.Run("DerivesWellKnownURL", func(t *testing.T) {
		discovery, err := NewDiscoveryCache("https://idp.example.com/")
		require.NoError(t, err)
		assert.Equal(t, "https://idp.example.com/.well-known/openid-configuration", discovery.url)
		assert.Equal(t, "https://idp.example.com/", discovery.Issuer())
	})
}
