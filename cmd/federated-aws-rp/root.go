package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/federatedrp"
	"github.com/hupe1980/federatedrp/cache"
	"github.com/hupe1980/federatedrp/server"
)

// Version is set with ldflags at build time.
var Version = "dev"

const shutdownTimeout = 15 * time.Second

func newRootCommand() *cobra.Command {
	cfg := &Config{}

	cmd := &cobra.Command{
		Use:     "federated-aws-rp",
		Short:   "OpenID Connect relying party for AWS console federation",
		Long:    "federated-aws-rp signs users in with an OpenID Connect provider, lets them pick an IAM role and sends them to the AWS console.",
		Version: Version,
		Args:    cobra.NoArgs,
		PreRunE: func(_ *cobra.Command, _ []string) error {
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ListenAddr, "listen-addr", envString("listen-addr", ":8080"), "address to listen on")
	flags.StringVar(&cfg.Issuer, "issuer", envString("issuer", ""), "OpenID Connect issuer URL")
	flags.StringVar(&cfg.DiscoveryURL, "discovery-url", envString("discovery-url", ""), "override for the discovery document URL")
	flags.StringVar(&cfg.ClientID, "client-id", envString("client-id", ""), "OAuth 2.0 client ID")
	flags.StringVar(&cfg.ClientSecret, "client-secret", envString("client-secret", ""), "OAuth 2.0 client secret, empty for public clients")
	flags.StringVar(&cfg.RedirectURI, "redirect-uri", envString("redirect-uri", ""), "registered redirect URI")
	flags.StringSliceVar(&cfg.Scopes, "scopes", envStrings("scopes", []string{"openid", "email"}), "requested scopes")
	flags.StringSliceVar(&cfg.Thumbprints, "thumbprints", envStrings("thumbprints", nil), "RFC 7638 SHA-256 thumbprints of the accepted signing keys")
	flags.StringVar(&cfg.DomainName, "domain-name", envString("domain-name", ""), "public domain name of this service")
	flags.StringVar(&cfg.DefaultDestinationURL, "default-destination-url", envString("default-destination-url", federatedrp.DefaultDestinationURL), "console URL used when no destination is known")
	flags.IntVar(&cfg.DefaultSessionDuration, "default-session-duration", envInt("default-session-duration", int(federatedrp.DefaultSessionDuration)), "console session duration in seconds")
	flags.StringVar(&cfg.RoleMapURL, "role-map-url", envString("role-map-url", ""), "base URL of the ID token for roles API")
	flags.StringVar(&cfg.ClaimRoleMapFile, "claim-role-map-file", envString("claim-role-map-file", ""), "JSON file mapping ID token claims to roles")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", envString("redis-addr", ""), "redis address for the role cache, in-memory when empty")
	flags.StringVar(&cfg.CookieName, "cookie-name", envString("cookie-name", federatedrp.DefaultCookieName), "session cookie name")
	flags.DurationVar(&cfg.CookieMaxAge, "cookie-max-age", envDuration("cookie-max-age", federatedrp.DefaultCookieMaxAge), "session cookie lifetime")
	flags.StringVar(&cfg.CookieSecret, "cookie-secret", envString("cookie-secret", ""), "base64 encoded cookie master secret")
	flags.StringVar(&cfg.CookieSecretKMS, "cookie-secret-kms", envString("cookie-secret-kms", ""), "base64 encoded KMS ciphertext of the cookie master secret")
	flags.StringVar(&cfg.CookieKMSKeyID, "cookie-kms-key-id", envString("cookie-kms-key-id", ""), "KMS key that must have encrypted the cookie secret")
	flags.StringSliceVar(&cfg.PreviousCookieSecrets, "previous-cookie-secrets", envStrings("previous-cookie-secrets", nil), "base64 encoded secrets still accepted for decoding")
	flags.BoolVar(&cfg.InsecureCookies, "insecure-cookies", envBool("insecure-cookies", false), "drop the Secure cookie attribute")
	flags.StringVar(&cfg.AWSRegion, "aws-region", envString("aws-region", ""), "AWS region for STS and KMS")
	flags.StringVar(&cfg.StaticDir, "static-dir", envString("static-dir", ""), "directory holding the single page application")
	flags.DurationVar(&cfg.DiscoveryTTL, "discovery-ttl", envDuration("discovery-ttl", federatedrp.DefaultDiscoveryTTL), "freshness window of the discovery document")
	flags.DurationVar(&cfg.StaleGrace, "stale-grace", envDuration("stale-grace", 0), "how long a stale discovery document may be served on refresh failure")
	flags.DurationVar(&cfg.UpstreamTimeout, "upstream-timeout", envDuration("upstream-timeout", federatedrp.DefaultUpstreamTimeout), "timeout of every upstream call")
	flags.StringVar(&cfg.LogLevel, "log-level", envString("log-level", "info"), "log level")
	flags.StringVar(&cfg.LogFormat, "log-format", envString("log-format", "json"), "log format, json or console")

	return cmd
}

func newLogger(cfg *Config, w io.Writer) zerolog.Logger {
	lvl, _ := zerolog.ParseLevel(cfg.LogLevel)

	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg *Config, logOutput io.Writer) error {
	logger := newLogger(cfg, logOutput)
	ctx = logger.WithContext(ctx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsOpts := make([]func(*config.LoadOptions) error, 0, 1)
	if cfg.AWSRegion != "" {
		awsOpts = append(awsOpts, config.WithRegion(cfg.AWSRegion))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return fmt.Errorf("error loading the AWS configuration: %w", err)
	}

	codec, err := newSessionCodec(ctx, cfg, kms.NewFromConfig(awsCfg))
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics := federatedrp.NewMetrics(registry)

	discovery, err := federatedrp.NewDiscoveryCache(cfg.Issuer, func(o *federatedrp.DiscoveryCacheOptions) {
		o.DiscoveryURL = cfg.DiscoveryURL
		o.TTL = cfg.DiscoveryTTL
		o.StaleGrace = cfg.StaleGrace
		o.FetchTimeout = cfg.UpstreamTimeout
		o.Thumbprints = cfg.Thumbprints
		o.Metrics = metrics
	})
	if err != nil {
		return fmt.Errorf("error creating the discovery cache: %w", err)
	}

	verifier, err := federatedrp.NewIDTokenVerifier(discovery, cfg.ClientID)
	if err != nil {
		return fmt.Errorf("error creating the ID token verifier: %w", err)
	}

	exchanger, err := federatedrp.NewTokenExchanger(discovery, verifier, cfg.ClientID, cfg.RedirectURI, func(o *federatedrp.TokenExchangerOptions) {
		o.ClientSecret = cfg.ClientSecret
		o.Scopes = cfg.Scopes
		o.Timeout = cfg.UpstreamTimeout
	})
	if err != nil {
		return fmt.Errorf("error creating the token exchanger: %w", err)
	}

	source, rebuilder, err := newRoleMapSource(cfg, discovery)
	if err != nil {
		return err
	}

	roleCache, closeCache := newRoleCache(cfg)
	defer closeCache()

	resolver, err := federatedrp.NewRoleResolver(source, func(o *federatedrp.RoleResolverOptions) {
		o.Cache = roleCache
	})
	if err != nil {
		return fmt.Errorf("error creating the role resolver: %w", err)
	}

	// AssumeRoleWithWebIdentity is authorized by the ID token alone.
	stsClient := sts.NewFromConfig(awsCfg, func(o *sts.Options) {
		o.Credentials = aws.AnonymousCredentials{}
	})

	federation, err := federatedrp.NewFederationIssuer(stsClient, cfg.DomainName, func(o *federatedrp.FederationIssuerOptions) {
		o.DefaultDestinationURL = cfg.DefaultDestinationURL
		o.Timeout = cfg.UpstreamTimeout
	})
	if err != nil {
		return fmt.Errorf("error creating the federation issuer: %w", err)
	}

	workflow, err := federatedrp.NewWorkflow(exchanger, verifier, resolver, federation, func(o *federatedrp.WorkflowOptions) {
		o.Rebuilder = rebuilder
		o.DefaultSessionDuration = int32(cfg.DefaultSessionDuration) //nolint:gosec // bounded by Validate
		o.DefaultDestinationURL = cfg.DefaultDestinationURL
		o.Metrics = metrics
	})
	if err != nil {
		return fmt.Errorf("error creating the workflow: %w", err)
	}

	srv := server.New(workflow, codec, func(o *server.Options) {
		o.Gatherer = registry
		o.InsecureCookies = cfg.InsecureCookies

		if cfg.StaticDir != "" {
			o.Static = os.DirFS(cfg.StaticDir)
		}
	})

	httpServer := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              cfg.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("listen-addr", cfg.ListenAddr).
			Str("issuer", cfg.Issuer).
			Msg("Server started")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		logger.Info().Msg("Server shutting down")

		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newSessionCodec(ctx context.Context, cfg *Config, client federatedrp.KMSClient) (*federatedrp.SessionCodec, error) {
	var (
		secret []byte
		err    error
	)

	if cfg.CookieSecretKMS != "" {
		ciphertext, decodeErr := base64.StdEncoding.DecodeString(cfg.CookieSecretKMS)
		if decodeErr != nil {
			return nil, fmt.Errorf("error decoding the cookie secret ciphertext: %w", decodeErr)
		}

		secret, err = federatedrp.DecryptCookieSecret(ctx, client, ciphertext, func(o *federatedrp.KMSSecretOptions) {
			o.KeyID = cfg.CookieKMSKeyID
		})
	} else {
		secret, err = base64.StdEncoding.DecodeString(cfg.CookieSecret)
	}

	if err != nil {
		return nil, fmt.Errorf("error loading the cookie secret: %w", err)
	}

	previous := make([][]byte, 0, len(cfg.PreviousCookieSecrets))

	for _, p := range cfg.PreviousCookieSecrets {
		prev, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("error decoding a previous cookie secret: %w", err)
		}

		previous = append(previous, prev)
	}

	codec, err := federatedrp.NewSessionCodec(secret, func(o *federatedrp.SessionCodecOptions) {
		o.CookieName = cfg.CookieName
		o.MaxAge = cfg.CookieMaxAge
		o.PreviousSecrets = previous
	})
	if err != nil {
		return nil, fmt.Errorf("error creating the session codec: %w", err)
	}

	return codec, nil
}

func newRoleMapSource(cfg *Config, discovery *federatedrp.DiscoveryCache) (federatedrp.RoleMapSource, federatedrp.GroupRoleMapRebuilder, error) {
	if cfg.RoleMapURL != "" {
		client, err := federatedrp.NewRoleMapClient(cfg.RoleMapURL, discovery, func(o *federatedrp.RoleMapClientOptions) {
			o.Timeout = cfg.UpstreamTimeout
		})
		if err != nil {
			return nil, nil, fmt.Errorf("error creating the role map client: %w", err)
		}

		return client, client, nil
	}

	data, err := os.ReadFile(cfg.ClaimRoleMapFile)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading the claim role map: %w", err)
	}

	roleMap, err := federatedrp.ParseClaimRoleMap(data)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing the claim role map: %w", err)
	}

	// A static map has nothing to rebuild.
	return roleMap, nil, nil
}

func newRoleCache(cfg *Config) (cache.Cache, func()) {
	if cfg.RedisAddr == "" {
		return cache.NewMemoryCache(), func() {}
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{cfg.RedisAddr},
	})

	return cache.NewRedisCache(client, "federatedrp:"), func() { _ = client.Close() }
}
