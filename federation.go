package federatedrp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/hashicorp/go-cleanhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultFederationEndpoint is the AWS sign-in federation endpoint.
	DefaultFederationEndpoint = "https://signin.aws.amazon.com/federation"

	// DefaultDestinationURL is where the console sends the user after sign-in.
	DefaultDestinationURL = "https://console.aws.amazon.com/"

	// DefaultSessionDuration is the federation session lifetime in seconds.
	DefaultSessionDuration int32 = 3600

	// MinSessionDuration and MaxSessionDuration bound AssumeRoleWithWebIdentity's DurationSeconds.
	MinSessionDuration int32 = 900
	MaxSessionDuration int32 = 43200
)

// STSClient defines the methods that are needed from the AWS STS client.
type STSClient interface {
	AssumeRoleWithWebIdentity(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error)
}

// FederationIssuerOptions defines the configuration options for the FederationIssuer.
type FederationIssuerOptions struct {
	// FederationEndpoint is the sign-in federation endpoint.
	FederationEndpoint string

	// DefaultDestinationURL is used when a request carries no destination.
	DefaultDestinationURL string

	// HTTPClient is used for the federation endpoint. Defaults to a pooled cleanhttp client.
	HTTPClient *http.Client

	// Timeout bounds the sign-in token request.
	Timeout time.Duration
}

// FederationRequest describes one console sign-in.
type FederationRequest struct {
	Role            ResolvedRole
	IDToken         string
	SessionName     string
	SessionDuration int32
	DestinationURL  string
}

// FederationIssuer assumes a role with the user's ID token and turns the temporary credentials
// into a one-time AWS console sign-in URL.
type FederationIssuer struct {
	sts        STSClient
	domainName string
	opts       FederationIssuerOptions
}

// NewFederationIssuer creates a new FederationIssuer.
//
// Parameters:
//   - client: The STS client. AssumeRoleWithWebIdentity needs no AWS credentials.
//   - domainName: The public domain name of this relying party, used for the issuer URL the
//     console links back to when the session expires.
//   - optFns: A variadic list of functions to customize the FederationIssuerOptions.
//
// Returns:
//   - A new FederationIssuer instance.
func NewFederationIssuer(client STSClient, domainName string, optFns ...func(o *FederationIssuerOptions)) (*FederationIssuer, error) {
	if client == nil {
		return nil, fmt.Errorf("STS client cannot be nil")
	}

	if domainName == "" {
		return nil, fmt.Errorf("domain name cannot be empty")
	}

	opts := FederationIssuerOptions{
		FederationEndpoint:    DefaultFederationEndpoint,
		DefaultDestinationURL: DefaultDestinationURL,
		Timeout:               DefaultUpstreamTimeout,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = cleanhttp.DefaultPooledClient()
		opts.HTTPClient.Timeout = opts.Timeout
	}

	return &FederationIssuer{
		sts:        client,
		domainName: domainName,
		opts:       opts,
	}, nil
}

// Issue assumes req.Role and returns a console sign-in URL.
//
// Returns:
//   - The federation URL.
//   - An error wrapping ErrAccessDenied if the role assumption or sign-in is rejected, or
//     ErrUpstreamUnavailable if STS or the federation endpoint cannot be reached.
func (f *FederationIssuer) Issue(ctx context.Context, req FederationRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "federation.issue",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("role_arn", req.Role.ARN)),
	)
	defer span.End()

	duration := req.SessionDuration
	if duration == 0 {
		duration = DefaultSessionDuration
	}

	out, err := f.sts.AssumeRoleWithWebIdentity(ctx, &sts.AssumeRoleWithWebIdentityInput{
		RoleArn:          aws.String(req.Role.ARN),
		RoleSessionName:  aws.String(req.SessionName),
		WebIdentityToken: aws.String(req.IDToken),
		DurationSeconds:  aws.Int32(duration),
	})
	if err != nil {
		return "", classifySTSError(err)
	}

	if out.Credentials == nil {
		return "", accessDenied("STS returned no credentials")
	}

	token, err := f.signinToken(ctx, out.Credentials.AccessKeyId, out.Credentials.SecretAccessKey, out.Credentials.SessionToken)
	if err != nil {
		return "", err
	}

	destination := req.DestinationURL
	if destination == "" {
		destination = f.opts.DefaultDestinationURL
	}

	query := url.Values{
		"Action":      {"login"},
		"Destination": {destination},
		"SigninToken": {token},
		"Issuer":      {f.IssuerURL(req.Role)},
	}

	return f.opts.FederationEndpoint + "?" + query.Encode(), nil
}

// IssuerURL returns the URL the console links back to when the session expires. It restarts the
// flow for the same role.
func (f *FederationIssuer) IssuerURL(role ResolvedRole) string {
	u := url.URL{
		Scheme: "https",
		Host:   f.domainName,
		Path:   "/",
		RawQuery: url.Values{
			"account": {role.AccountAlias},
			"role":    {role.Name},
		}.Encode(),
	}

	return u.String()
}

func (f *FederationIssuer) signinToken(ctx context.Context, accessKeyID, secretAccessKey, sessionToken *string) (string, error) {
	session, err := json.Marshal(map[string]string{
		"sessionId":    aws.ToString(accessKeyID),
		"sessionKey":   aws.ToString(secretAccessKey),
		"sessionToken": aws.ToString(sessionToken),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode federation session: %w", err)
	}

	query := url.Values{
		"Action":  {"getSigninToken"},
		"Session": {string(session)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.opts.FederationEndpoint+"?"+query.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create sign-in token request: %w", err)
	}

	resp, err := f.opts.HTTPClient.Do(req)
	if err != nil {
		return "", unavailable(upstreamSignin, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(upstreamSignin, resp.StatusCode)
	}

	var result struct {
		SigninToken string `json:"SigninToken"`
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&result); err != nil {
		return "", accessDenied("failed to decode sign-in token response: %v", err)
	}

	if result.SigninToken == "" {
		return "", accessDenied("federation endpoint returned no sign-in token")
	}

	return result.SigninToken, nil
}

// transientSTSCodes are STS error codes worth retrying with fresh material.
var transientSTSCodes = map[string]bool{
	"IDPCommunicationError": true,
	"Throttling":            true,
	"ServiceUnavailable":    true,
	"InternalFailure":       true,
}

func classifySTSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientSTSCodes[apiErr.ErrorCode()] {
			return unavailable(upstreamSTS, err)
		}

		return accessDenied("unable to fetch STS credentials: %v", err)
	}

	// Anything that is not an API error never got an answer from STS.
	return unavailable(upstreamSTS, err)
}

// DestinationFromReferer extracts the post sign-in destination from an AWS sign-in referer. When
// the referer is https://<region>.signin.aws.amazon.com/oauth?redirect_uri=..., the redirect_uri
// is returned without its state and isauthcode parameters. Otherwise defaultURL is returned.
func DestinationFromReferer(referer, defaultURL string) string {
	ref, err := url.Parse(referer)
	if err != nil || !strings.HasSuffix(ref.Hostname(), ".signin.aws.amazon.com") || ref.Path != "/oauth" {
		return defaultURL
	}

	redirectURI := ref.Query().Get("redirect_uri")
	if redirectURI == "" {
		return defaultURL
	}

	dest, err := url.Parse(redirectURI)
	if err != nil {
		return defaultURL
	}

	query := dest.Query()
	for key := range query {
		if k := strings.ToLower(key); k == "state" || k == "isauthcode" {
			query.Del(key)
		}
	}

	dest.RawQuery = query.Encode()

	return dest.String()
}
