package federatedrp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// RoleMap is the set of roles an identity is entitled to, plus the known aliases per account ID.
type RoleMap struct {
	Roles   []string            `json:"roles"`
	Aliases map[string][]string `json:"aliases"`
}

// RoleMapSource produces the RoleMap of an authenticated identity.
type RoleMapSource interface {
	RoleMap(ctx context.Context, rawIDToken string, identity *Identity, useCache bool) (*RoleMap, error)
}

// GroupRoleMapRebuilder triggers a rebuild of the group to role map.
type GroupRoleMapRebuilder interface {
	RebuildGroupRoleMap(ctx context.Context, rawIDToken string) error
}

// RoleMapClientOptions configures a RoleMapClient.
type RoleMapClientOptions struct {
	// HTTPClient is used for all calls. Defaults to a pooled cleanhttp client.
	HTTPClient *http.Client

	// Timeout bounds one call.
	Timeout time.Duration
}

// RoleMapClient talks to the id-token-for-roles API. The API derives the entitled roles from the
// group claims of the ID token, which it verifies with the key set sent alongside.
type RoleMapClient struct {
	baseURL   string
	discovery *DiscoveryCache
	opts      RoleMapClientOptions
}

// NewRoleMapClient creates a RoleMapClient for the API rooted at baseURL.
func NewRoleMapClient(baseURL string, discovery *DiscoveryCache, optFns ...func(o *RoleMapClientOptions)) (*RoleMapClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("role map API URL cannot be empty")
	}

	if discovery == nil {
		return nil, fmt.Errorf("discovery cache cannot be nil")
	}

	opts := RoleMapClientOptions{
		Timeout: DefaultUpstreamTimeout,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = cleanhttp.DefaultPooledClient()
		opts.HTTPClient.Timeout = opts.Timeout
	}

	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	return &RoleMapClient{
		baseURL:   baseURL,
		discovery: discovery,
		opts:      opts,
	}, nil
}

type roleMapRequest struct {
	Token string          `json:"token"`
	Key   json.RawMessage `json:"key"`
	Cache *bool           `json:"cache,omitempty"`
}

// RoleMap fetches the roles of the token's identity. useCache is forwarded to the API.
func (c *RoleMapClient) RoleMap(ctx context.Context, rawIDToken string, _ *Identity, useCache bool) (*RoleMap, error) {
	body, err := c.post(ctx, "roles", rawIDToken, &useCache)
	if err != nil {
		return nil, err
	}

	var result struct {
		RoleMap
		Error any `json:"error"`
	}

	if err := json.Unmarshal(body, &result); err != nil {
		return nil, accessDenied("failed to decode role map: %v", err)
	}

	if result.Error != nil {
		return nil, accessDenied("role map API returned error: %v", result.Error)
	}

	if result.Roles == nil {
		return nil, accessDenied("role map API response carries no roles")
	}

	return &result.RoleMap, nil
}

// RebuildGroupRoleMap asks the API to rescan the accounts and rebuild the group to role map.
func (c *RoleMapClient) RebuildGroupRoleMap(ctx context.Context, rawIDToken string) error {
	body, err := c.post(ctx, "rebuild-group-role-map", rawIDToken, nil)
	if err != nil {
		return err
	}

	var result map[string]any
	if err := json.Unmarshal(body, &result); err != nil {
		return accessDenied("failed to decode rebuild response: %v", err)
	}

	if e, ok := result["error"]; ok {
		return accessDenied("rebuild rejected: %v", e)
	}

	return nil
}

func (c *RoleMapClient) post(ctx context.Context, path, rawIDToken string, useCache *bool) ([]byte, error) {
	doc, err := c.discovery.Get(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(roleMapRequest{
		Token: rawIDToken,
		Key:   doc.RawJWKS,
		Cache: useCache,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode role map request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create role map request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, unavailable(upstreamRoleMap, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, unavailable(upstreamRoleMap, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(upstreamRoleMap, resp.StatusCode)
	}

	return body, nil
}

type claimRoute struct {
	claims map[string]*regexp.Regexp // Claim name to pattern
	roles  []string
}

// ClaimRoleMap derives roles from ID token claims with regular expression routes. Every route
// whose patterns all match contributes its roles. Array claims such as groups match when any
// element matches.
type ClaimRoleMap struct {
	routes  []claimRoute
	aliases map[string][]string
}

// NewClaimRoleMap returns an empty ClaimRoleMap.
func NewClaimRoleMap() *ClaimRoleMap {
	return &ClaimRoleMap{
		routes:  make([]claimRoute, 0),
		aliases: make(map[string][]string),
	}
}

// AddRoute grants roleARNs to identities whose claims match all patterns.
func (m *ClaimRoleMap) AddRoute(claims map[string]string, roleARNs ...string) error {
	if len(roleARNs) == 0 {
		return fmt.Errorf("route must grant at least one role")
	}

	compiled := make(map[string]*regexp.Regexp, len(claims))

	for key, pattern := range claims {
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid regex pattern for claim '%s': %w", key, err)
		}

		compiled[key] = regex
	}

	m.routes = append(m.routes, claimRoute{claims: compiled, roles: roleARNs})

	return nil
}

// AddAlias registers human readable aliases for an account ID.
func (m *ClaimRoleMap) AddAlias(accountID string, aliases ...string) {
	m.aliases[accountID] = append(m.aliases[accountID], aliases...)
}

// RoleMap returns the union of the roles of all matching routes.
func (m *ClaimRoleMap) RoleMap(_ context.Context, _ string, identity *Identity, _ bool) (*RoleMap, error) {
	if identity == nil {
		return nil, accessDenied("no identity")
	}

	seen := make(map[string]struct{})
	roles := make([]string, 0)

	for _, r := range m.routes {
		if !routeMatches(r, identity.Claims) {
			continue
		}

		for _, role := range r.roles {
			if _, ok := seen[role]; !ok {
				seen[role] = struct{}{}
				roles = append(roles, role)
			}
		}
	}

	return &RoleMap{Roles: roles, Aliases: m.aliases}, nil
}

func routeMatches(r claimRoute, claims map[string]any) bool {
	for key, regex := range r.claims {
		value, exists := claims[key]
		if !exists {
			return false
		}

		matched := false

		for _, s := range claimValueToStrings(value) {
			if regex.MatchString(s) {
				matched = true
				break
			}
		}

		if !matched {
			return false
		}
	}

	return true
}

// claimRoleMapFile is the on-disk form of a ClaimRoleMap.
type claimRoleMapFile struct {
	Routes []struct {
		Claims map[string]string `json:"claims"`
		Roles  []string          `json:"roles"`
	} `json:"routes"`
	Aliases map[string][]string `json:"aliases"`
}

// ParseClaimRoleMap reads a ClaimRoleMap from JSON of the form
//
//	{"routes": [{"claims": {"groups": "^admins$"}, "roles": ["arn:aws:iam::111122223333:role/Admin"]}],
//	 "aliases": {"111122223333": ["prod"]}}
func ParseClaimRoleMap(data []byte) (*ClaimRoleMap, error) {
	var file claimRoleMapFile

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse claim role map: %w", err)
	}

	m := NewClaimRoleMap()

	for i, r := range file.Routes {
		if err := m.AddRoute(r.Claims, r.Roles...); err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
	}

	for accountID, aliases := range file.Aliases {
		m.AddAlias(accountID, aliases...)
	}

	return m, nil
}
