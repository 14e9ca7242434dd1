package main

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/hupe1980/federatedrp"
)

const envPrefix = "FEDERATED_RP_"

// Config holds every setting of the relying party. Each flag defaults from the environment
// variable FEDERATED_RP_<FLAG NAME>, upper cased with dashes replaced by underscores.
type Config struct {
	ListenAddr string

	Issuer       string
	DiscoveryURL string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	Thumbprints  []string

	DomainName             string
	DefaultDestinationURL  string
	DefaultSessionDuration int

	RoleMapURL       string
	ClaimRoleMapFile string
	RedisAddr        string

	CookieName            string
	CookieMaxAge          time.Duration
	CookieSecret          string
	CookieSecretKMS       string
	CookieKMSKeyID        string
	PreviousCookieSecrets []string
	InsecureCookies       bool

	AWSRegion string

	StaticDir       string
	DiscoveryTTL    time.Duration
	StaleGrace      time.Duration
	UpstreamTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	required := map[string]string{
		"issuer":       c.Issuer,
		"client-id":    c.ClientID,
		"redirect-uri": c.RedirectURI,
		"domain-name":  c.DomainName,
	}

	for _, name := range []string{"issuer", "client-id", "redirect-uri", "domain-name"} {
		if required[name] == "" {
			result = multierror.Append(result, fmt.Errorf("--%s is required", name))
		}
	}

	for name, raw := range map[string]string{"issuer": c.Issuer, "redirect-uri": c.RedirectURI, "role-map-url": c.RoleMapURL} {
		if raw == "" {
			continue
		}

		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			result = multierror.Append(result, fmt.Errorf("--%s must be an absolute URL", name))
		}
	}

	if (c.RoleMapURL == "") == (c.ClaimRoleMapFile == "") {
		result = multierror.Append(result, fmt.Errorf("exactly one of --role-map-url and --claim-role-map-file is required"))
	}

	if (c.CookieSecret == "") == (c.CookieSecretKMS == "") {
		result = multierror.Append(result, fmt.Errorf("exactly one of --cookie-secret and --cookie-secret-kms is required"))
	}

	if c.CookieSecret != "" {
		if secret, err := base64.StdEncoding.DecodeString(c.CookieSecret); err != nil {
			result = multierror.Append(result, fmt.Errorf("--cookie-secret must be base64 encoded: %w", err))
		} else if len(secret) < federatedrp.MinSecretLength {
			result = multierror.Append(result, fmt.Errorf("--cookie-secret must be at least %d bytes", federatedrp.MinSecretLength))
		}
	}

	if c.CookieSecretKMS != "" {
		if _, err := base64.StdEncoding.DecodeString(c.CookieSecretKMS); err != nil {
			result = multierror.Append(result, fmt.Errorf("--cookie-secret-kms must be base64 encoded: %w", err))
		}
	}

	for i, prev := range c.PreviousCookieSecrets {
		if secret, err := base64.StdEncoding.DecodeString(prev); err != nil || len(secret) < federatedrp.MinSecretLength {
			result = multierror.Append(result, fmt.Errorf("--previous-cookie-secrets[%d] must be at least %d base64 encoded bytes", i, federatedrp.MinSecretLength))
		}
	}

	if c.DefaultSessionDuration < int(federatedrp.MinSessionDuration) || c.DefaultSessionDuration > int(federatedrp.MaxSessionDuration) {
		result = multierror.Append(result, fmt.Errorf("--default-session-duration must be between %d and %d", federatedrp.MinSessionDuration, federatedrp.MaxSessionDuration))
	}

	if c.CookieMaxAge < time.Minute {
		result = multierror.Append(result, fmt.Errorf("--cookie-max-age must be at least one minute"))
	}

	if c.DiscoveryTTL <= 0 {
		result = multierror.Append(result, fmt.Errorf("--discovery-ttl must be positive"))
	}

	if c.UpstreamTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("--upstream-timeout must be positive"))
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, fmt.Errorf("--log-level: %w", err))
	}

	if c.LogFormat != "json" && c.LogFormat != "console" {
		result = multierror.Append(result, fmt.Errorf("--log-format must be json or console"))
	}

	return result.ErrorOrNil()
}

// envKey returns the environment variable backing a flag.
func envKey(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

func envString(flag, def string) string {
	if v, ok := os.LookupEnv(envKey(flag)); ok {
		return v
	}

	return def
}

func envStrings(flag string, def []string) []string {
	v, ok := os.LookupEnv(envKey(flag))
	if !ok {
		return def
	}

	if v == "" {
		return nil
	}

	return strings.Split(v, ",")
}

func envInt(flag string, def int) int {
	if v, ok := os.LookupEnv(envKey(flag)); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}

	return def
}

func envBool(flag string, def bool) bool {
	if v, ok := os.LookupEnv(envKey(flag)); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}

	return def
}

func envDuration(flag string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(envKey(flag)); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}

	return def
}
