package federatedrp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoleMapAPI(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return server
}

func TestRoleMapClient(t *testing.T) {
	idp := newTestIdP(t)
	discovery := newTestDiscovery(t, idp)

	t.Run("RoleMap", func(t *testing.T) {
		var got map[string]json.RawMessage

		api := newRoleMapAPI(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/roles", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			body, _ := io.ReadAll(r.Body)
			assert.NoError(t, json.Unmarshal(body, &got))

			_, _ = w.Write([]byte(`{"roles":["arn:aws:iam::111122223333:role/Admin"],"aliases":{"111122223333":["prod"]}}`))
		})

		client, err := NewRoleMapClient(api.URL+"/v1", discovery)
		require.NoError(t, err)

		rm, err := client.RoleMap(context.Background(), "raw-token", nil, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"arn:aws:iam::111122223333:role/Admin"}, rm.Roles)
		assert.Equal(t, map[string][]string{"111122223333": {"prod"}}, rm.Aliases)

		assert.JSONEq(t, `"raw-token"`, string(got["token"]))
		assert.JSONEq(t, `false`, string(got["cache"]))
		assert.Contains(t, string(got["key"]), `"kid":"test-key"`)
	})

	t.Run("ErrorResponse", func(t *testing.T) {
		api := newRoleMapAPI(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"error":"token expired"}`))
		})

		client, err := NewRoleMapClient(api.URL, discovery)
		require.NoError(t, err)

		_, err = client.RoleMap(context.Background(), "raw-token", nil, true)
		assert.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("MissingRoles", func(t *testing.T) {
		api := newRoleMapAPI(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"aliases":{}}`))
		})

		client, err := NewRoleMapClient(api.URL, discovery)
		require.NoError(t, err)

		_, err = client.RoleMap(context.Background(), "raw-token", nil, true)
		assert.ErrorContains(t, err, "carries no roles")
	})

	t.Run("StatusClassification", func(t *testing.T) {
		tests := []struct {
			status int
			want   error
		}{
			{http.StatusForbidden, ErrAccessDenied},
			{http.StatusBadRequest, ErrAccessDenied},
			{http.StatusBadGateway, ErrUpstreamUnavailable},
			{http.StatusServiceUnavailable, ErrUpstreamUnavailable},
		}

		for _, tt := range tests {
			t.Run(http.StatusText(tt.status), func(t *testing.T) {
				api := newRoleMapAPI(t, func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(tt.status)
				})

				client, err := NewRoleMapClient(api.URL, discovery)
				require.NoError(t, err)

				_, err = client.RoleMap(context.Background(), "raw-token", nil, true)
				assert.ErrorIs(t, err, tt.want)
			})
		}
	})

	t.Run("Unreachable", func(t *testing.T) {
		api := newRoleMapAPI(t, func(http.ResponseWriter, *http.Request) {})
		api.Close()

		client, err := NewRoleMapClient(api.URL, discovery)
		require.NoError(t, err)

		_, err = client.RoleMap(context.Background(), "raw-token", nil, true)
		assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	})

	t.Run("Rebuild", func(t *testing.T) {
		var got map[string]json.RawMessage

		api := newRoleMapAPI(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/rebuild-group-role-map", r.URL.Path)

			body, _ := io.ReadAll(r.Body)
			assert.NoError(t, json.Unmarshal(body, &got))

			_, _ = w.Write([]byte(`{"result":"started"}`))
		})

		client, err := NewRoleMapClient(api.URL, discovery)
		require.NoError(t, err)

		require.NoError(t, client.RebuildGroupRoleMap(context.Background(), "raw-token"))
		assert.NotContains(t, got, "cache")
	})

	t.Run("RebuildRejected", func(t *testing.T) {
		api := newRoleMapAPI(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"error":"not an admin"}`))
		})

		client, err := NewRoleMapClient(api.URL, discovery)
		require.NoError(t, err)

		assert.ErrorIs(t, client.RebuildGroupRoleMap(context.Background(), "raw-token"), ErrAccessDenied)
	})
}

func TestClaimRoleMap(t *testing.T) {
	m := NewClaimRoleMap()
	require.NoError(t, m.AddRoute(map[string]string{"groups": "^admins$"}, "arn:aws:iam::111122223333:role/Admin"))
	require.NoError(t, m.AddRoute(map[string]string{"groups": "^devs$", "email": "@example\\.com$"},
		"arn:aws:iam::111122223333:role/Dev", "arn:aws:iam::444455556666:role/Dev"))
	require.NoError(t, m.AddRoute(map[string]string{"groups": "^(admins|devs)$"}, "arn:aws:iam::111122223333:role/Admin"))
	m.AddAlias("111122223333", "prod")

	t.Run("UnionOfMatchingRoutes", func(t *testing.T) {
		identity := &Identity{Claims: map[string]any{
			"groups": []any{"admins", "devs"},
			"email":  "alice@example.com",
		}}

		rm, err := m.RoleMap(context.Background(), "", identity, true)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"arn:aws:iam::111122223333:role/Admin",
			"arn:aws:iam::111122223333:role/Dev",
			"arn:aws:iam::444455556666:role/Dev",
		}, rm.Roles)
		assert.Equal(t, []string{"prod"}, rm.Aliases["111122223333"])
	})

	t.Run("AllPatternsMustMatch", func(t *testing.T) {
		identity := &Identity{Claims: map[string]any{
			"groups": []any{"devs"},
			"email":  "mallory@evil.com",
		}}

		rm, err := m.RoleMap(context.Background(), "", identity, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"arn:aws:iam::111122223333:role/Admin"}, rm.Roles)
	})

	t.Run("MissingClaim", func(t *testing.T) {
		rm, err := m.RoleMap(context.Background(), "", &Identity{Claims: map[string]any{}}, true)
		require.NoError(t, err)
		assert.Empty(t, rm.Roles)
	})

	t.Run("NoIdentity", func(t *testing.T) {
		_, err := m.RoleMap(context.Background(), "", nil, true)
		assert.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("InvalidRoute", func(t *testing.T) {
		assert.Error(t, NewClaimRoleMap().AddRoute(map[string]string{"groups": "("}, "arn:aws:iam::111122223333:role/Admin"))
		assert.Error(t, NewClaimRoleMap().AddRoute(map[string]string{"groups": ".*"}))
	})
}

func TestParseClaimRoleMap(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		m, err := ParseClaimRoleMap([]byte(`{
			"routes": [{"claims": {"groups": "^admins$"}, "roles": ["arn:aws:iam::111122223333:role/Admin"]}],
			"aliases": {"111122223333": ["prod"]}
		}`))
		require.NoError(t, err)

		rm, err := m.RoleMap(context.Background(), "", &Identity{Claims: map[string]any{"groups": []any{"admins"}}}, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"arn:aws:iam::111122223333:role/Admin"}, rm.Roles)
		assert.Equal(t, []string{"prod"}, rm.Aliases["111122223333"])
	})

	t.Run("UnknownField", func(t *testing.T) {
		_, err := ParseClaimRoleMap([]byte(`{"routes": [], "extra": true}`))
		assert.ErrorContains(t, err, "failed to parse claim role map")
	})

	t.Run("InvalidPattern", func(t *testing.T) {
		_, err := ParseClaimRoleMap([]byte(`{"routes": [{"claims": {"groups": "["}, "roles": ["arn:aws:iam::111122223333:role/Admin"]}]}`))
		assert.ErrorContains(t, err, "route 0")
	})
}
