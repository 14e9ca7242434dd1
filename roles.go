package federatedrp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/hupe1980/federatedrp/cache"
	"github.com/rs/zerolog"
)

const (
	// DefaultRoleMapTTL bounds how long a fetched role map is reused.
	DefaultRoleMapTTL = 5 * time.Minute

	// DefaultAliasTTL bounds how long an alias to account ID mapping is reused.
	DefaultAliasTTL = time.Hour

	roleResourcePrefix = "role/"
)

// RoleReference selects a role, either by ARN or by name plus account alias. The account part of
// the ARN may itself be an alias.
type RoleReference struct {
	ARN   string `json:"arn"`
	Name  string `json:"role"`
	Alias string `json:"alias"`
}

// IsZero reports whether no usable reference is present.
func (r RoleReference) IsZero() bool {
	return r.ARN == "" && (r.Name == "" || r.Alias == "")
}

// ResolvedRole is a concrete IAM role.
type ResolvedRole struct {
	ARN          string `json:"arn"`
	AccountID    string `json:"id"`
	AccountAlias string `json:"alias"`
	Name         string `json:"role"`
}

// Principal is the authenticated identity roles are resolved for.
type Principal struct {
	IDToken    string
	Identity   *Identity
	AllowCache bool
}

// RoleResolverOptions configures a RoleResolver.
type RoleResolverOptions struct {
	// Cache stores role maps and alias lookups. Defaults to a no-op cache.
	Cache cache.Cache

	// RoleMapTTL is the lifetime of a cached role map.
	RoleMapTTL time.Duration

	// AliasTTL is the lifetime of a cached alias to account ID mapping.
	AliasTTL time.Duration

	// Partition of the built ARNs.
	Partition string
}

// RoleResolver turns role references into concrete role ARNs and lists the roles of an identity.
type RoleResolver struct {
	source RoleMapSource
	opts   RoleResolverOptions
}

// NewRoleResolver creates a RoleResolver backed by source.
func NewRoleResolver(source RoleMapSource, optFns ...func(o *RoleResolverOptions)) (*RoleResolver, error) {
	if source == nil {
		return nil, fmt.Errorf("role map source cannot be nil")
	}

	opts := RoleResolverOptions{
		Cache:      cache.NewNoopCache(),
		RoleMapTTL: DefaultRoleMapTTL,
		AliasTTL:   DefaultAliasTTL,
		Partition:  "aws",
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &RoleResolver{source: source, opts: opts}, nil
}

// Resolve turns ref into a concrete role. An ARN with a numeric account ID is used as is. An alias,
// in the ARN or given separately, is converted to its account ID through the role map.
//
// Parameters:
//   - ctx: The context for the lookups.
//   - ref: The role reference.
//   - p: The principal whose role map is consulted for alias conversion.
//
// Returns:
//   - The resolved role.
//   - An error wrapping ErrInvalidRequest for a malformed reference, ErrAccessDenied for an
//     unknown alias, or ErrUpstreamUnavailable.
func (r *RoleResolver) Resolve(ctx context.Context, ref RoleReference, p Principal) (*ResolvedRole, error) {
	var account, name, resource string

	switch {
	case ref.ARN != "":
		parsed, err := arn.Parse(ref.ARN)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid role ARN %q: %w", ErrInvalidRequest, ref.ARN, err)
		}

		if parsed.Service != "iam" || !strings.HasPrefix(parsed.Resource, roleResourcePrefix) {
			return nil, fmt.Errorf("%w: %q is not an IAM role ARN", ErrInvalidRequest, ref.ARN)
		}

		account, resource = parsed.AccountID, parsed.Resource
		name = roleNameFromResource(resource)

		if isAccountID(account) {
			alias := ref.Alias
			if alias == "" {
				alias = account
			}

			return &ResolvedRole{ARN: ref.ARN, AccountID: account, AccountAlias: alias, Name: name}, nil
		}
	case ref.Name != "" && ref.Alias != "":
		account, name = ref.Alias, ref.Name
		resource = roleResourcePrefix + name
	default:
		return nil, fmt.Errorf("%w: role reference requires an ARN or a role name and account alias", ErrInvalidRequest)
	}

	alias := account
	accountID := account

	if !isAccountID(account) {
		id, err := r.accountIDForAlias(ctx, alias, p)
		if err != nil {
			return nil, err
		}

		accountID = id
	}

	return &ResolvedRole{
		ARN: arn.ARN{
			Partition: r.opts.Partition,
			Service:   "iam",
			AccountID: accountID,
			Resource:  resource,
		}.String(),
		AccountID:    accountID,
		AccountAlias: alias,
		Name:         name,
	}, nil
}

// ListRoles returns the roles p is entitled to, ordered by account alias and then role name. The
// alias falls back to the account ID when none is known.
func (r *RoleResolver) ListRoles(ctx context.Context, p Principal) ([]ResolvedRole, error) {
	rm, err := r.roleMap(ctx, p)
	if err != nil {
		return nil, err
	}

	roles := make([]ResolvedRole, 0, len(rm.Roles))

	for _, roleARN := range rm.Roles {
		parsed, err := arn.Parse(roleARN)
		if err != nil || !strings.HasPrefix(parsed.Resource, roleResourcePrefix) {
			zerolog.Ctx(ctx).Warn().Str("role_arn", roleARN).Msg("ignoring malformed role ARN in role map")
			continue
		}

		alias := parsed.AccountID
		if aliases := rm.Aliases[parsed.AccountID]; len(aliases) > 0 {
			alias = aliases[0]
		}

		roles = append(roles, ResolvedRole{
			ARN:          roleARN,
			AccountID:    parsed.AccountID,
			AccountAlias: alias,
			Name:         roleNameFromResource(parsed.Resource),
		})
	}

	if len(roles) == 0 {
		return nil, accessDenied("identity is not entitled to any role")
	}

	sort.SliceStable(roles, func(i, j int) bool {
		if roles[i].AccountAlias != roles[j].AccountAlias {
			return roles[i].AccountAlias < roles[j].AccountAlias
		}

		return roles[i].Name < roles[j].Name
	})

	return roles, nil
}

func (r *RoleResolver) accountIDForAlias(ctx context.Context, alias string, p Principal) (string, error) {
	key := aliasCacheKey(alias)

	if p.AllowCache {
		if id, ok := r.opts.Cache.Get(ctx, key); ok {
			return string(id), nil
		}
	}

	rm, err := r.roleMap(ctx, p)
	if err != nil {
		return "", err
	}

	for accountID, aliases := range rm.Aliases {
		for _, a := range aliases {
			if a == alias {
				return accountID, nil
			}
		}
	}

	return "", accessDenied("no AWS account found for alias %q", alias)
}

func (r *RoleResolver) roleMap(ctx context.Context, p Principal) (*RoleMap, error) {
	key := ""
	if p.Identity != nil {
		key = roleMapCacheKey(p.Identity)
	}

	if p.AllowCache && key != "" {
		if data, ok := r.opts.Cache.Get(ctx, key); ok {
			var rm RoleMap
			if err := json.Unmarshal(data, &rm); err == nil {
				return &rm, nil
			}

			r.opts.Cache.Delete(ctx, key)
		}
	}

	rm, err := r.source.RoleMap(ctx, p.IDToken, p.Identity, p.AllowCache)
	if err != nil {
		if !errors.Is(err, ErrUpstreamUnavailable) && !errors.Is(err, ErrAccessDenied) {
			err = accessDenied("%v", err)
		}

		return nil, err
	}

	if key != "" {
		if data, err := json.Marshal(rm); err == nil {
			r.opts.Cache.Set(ctx, key, data, r.opts.RoleMapTTL)
		}
	}

	for accountID, aliases := range rm.Aliases {
		for _, alias := range aliases {
			r.opts.Cache.Set(ctx, aliasCacheKey(alias), []byte(accountID), r.opts.AliasTTL)
		}
	}

	return rm, nil
}

func roleMapCacheKey(identity *Identity) string {
	return "rolemap:" + identity.Issuer + "|" + identity.Subject
}

func aliasCacheKey(alias string) string {
	return "alias:" + alias
}

func roleNameFromResource(resource string) string {
	return resource[strings.LastIndex(resource, "/")+1:]
}

func isAccountID(s string) bool {
	if len(s) != 12 {
		return false
	}

	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}

	return true
}
