// Package federatedrp implements the relying party side of an OpenID Connect to AWS console
// federation bridge. A user authenticates with the Authorization Code flow and PKCE, all session
// state travels in one encrypted cookie, the identity is resolved to an IAM role, and the role is
// exchanged for a one-time AWS console sign-in URL.
//
// The Workflow is the entry point: it consumes an intent plus the decoded session and returns an
// outcome plus the session to write back. Mapping HTTP to intents lives in the server package.
package federatedrp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Intent is what a request asks the Workflow to do.
type Intent int

const (
	IntentStart Intent = iota + 1
	IntentLanding
	IntentCallback
	IntentListRoles
	IntentPickRole
	IntentQueryState
	IntentHeartbeat
	IntentFinish
)

func (i Intent) String() string {
	switch i {
	case IntentStart:
		return "start"
	case IntentLanding:
		return "landing"
	case IntentCallback:
		return "callback"
	case IntentListRoles:
		return "list_roles"
	case IntentPickRole:
		return "pick_role"
	case IntentQueryState:
		return "query_state"
	case IntentHeartbeat:
		return "heartbeat"
	case IntentFinish:
		return "finish"
	default:
		return fmt.Sprintf("intent(%d)", int(i))
	}
}

// Request carries the intent and its inputs.
type Request struct {
	Intent Intent

	// Action, Role, SessionDuration, BypassCache and Referer are read by IntentStart.
	// SessionDuration zero selects the default. BypassCache skips cached role maps and aliases
	// for the whole flow.
	Action          Action
	Role            RoleReference
	SessionDuration int32
	BypassCache     bool
	Referer         string

	// Callback is read by IntentCallback.
	Callback CallbackParams

	// SourceIP is logged with role assumptions.
	SourceIP string
}

// OutcomeKind tells the adapter how to render an Outcome.
type OutcomeKind int

const (
	// OutcomeRedirect redirects to Location.
	OutcomeRedirect OutcomeKind = iota + 1

	// OutcomePage serves the single page application.
	OutcomePage

	// OutcomeJSON renders Body as JSON.
	OutcomeJSON

	// OutcomeRejected renders a fixed Status and Message.
	OutcomeRejected
)

// Outcome is the result of handling one Request.
type Outcome struct {
	Kind     OutcomeKind
	Location string
	Body     any
	Status   int
	Message  string

	// SetCookie reports that the returned session must be written back with SameSite.
	SetCookie bool
	SameSite  http.SameSite
}

// Fixed rejection messages.
const (
	MessageInvalidPostData = "Invalid POST data"
	MessageError           = "Error"
)

// Exchanger starts and completes the authorization code flow.
type Exchanger interface {
	AuthCodeURL(ctx context.Context, m AuthorizationMaterial) (string, error)
	Exchange(ctx context.Context, p CallbackParams, s *Session) (string, error)
}

// IdentityVerifier reads the verified identity out of a stored ID token.
type IdentityVerifier interface {
	Identity(ctx context.Context, rawIDToken string) (*Identity, error)
}

// Resolver resolves and lists roles.
type Resolver interface {
	Resolve(ctx context.Context, ref RoleReference, p Principal) (*ResolvedRole, error)
	ListRoles(ctx context.Context, p Principal) ([]ResolvedRole, error)
}

// Federator issues console sign-in URLs.
type Federator interface {
	Issue(ctx context.Context, req FederationRequest) (string, error)
}

// WorkflowOptions defines the configuration options for the Workflow.
type WorkflowOptions struct {
	// Rebuilder handles the rebuild-group-role-map action. Without it the action is denied.
	Rebuilder GroupRoleMapRebuilder

	// DefaultSessionDuration is used when a start request names none.
	DefaultSessionDuration int32

	// DefaultDestinationURL is used when the referer names no destination.
	DefaultDestinationURL string

	// Metrics records transitions and upstream failures.
	Metrics *Metrics

	// OnTransition is called after every state change with a copy of the session.
	OnTransition func(ctx context.Context, from WorkflowState, s *Session)
}

// Workflow is the authentication state machine.
type Workflow struct {
	exchanger Exchanger
	identity  IdentityVerifier
	resolver  Resolver
	federator Federator
	opts      WorkflowOptions
}

// NewWorkflow creates a new Workflow.
//
// Parameters:
//   - exchanger: Builds authorization URLs and redeems codes.
//   - identity: Reads identities from stored ID tokens.
//   - resolver: Resolves and lists roles.
//   - federator: Issues console sign-in URLs.
//   - optFns: A variadic list of functions to customize the WorkflowOptions.
//
// Returns:
//   - A new Workflow instance.
func NewWorkflow(exchanger Exchanger, identity IdentityVerifier, resolver Resolver, federator Federator, optFns ...func(o *WorkflowOptions)) (*Workflow, error) {
	if exchanger == nil || identity == nil || resolver == nil || federator == nil {
		return nil, fmt.Errorf("exchanger, identity verifier, resolver and federator are required")
	}

	opts := WorkflowOptions{
		DefaultSessionDuration: DefaultSessionDuration,
		DefaultDestinationURL:  DefaultDestinationURL,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Workflow{
		exchanger: exchanger,
		identity:  identity,
		resolver:  resolver,
		federator: federator,
		opts:      opts,
	}, nil
}

// Handle runs one intent against s, which is nil when the request carried no valid session. The
// input session is never modified. Every error is collapsed either into the error state of the
// returned session or into a rejected outcome.
//
// Parameters:
//   - ctx: The request context. Its zerolog logger is used.
//   - req: The intent and its inputs.
//   - s: The decoded session or nil.
//
// Returns:
//   - The outcome to render.
//   - The session to write back when the outcome sets a cookie, otherwise s.
func (w *Workflow) Handle(ctx context.Context, req Request, s *Session) (Outcome, *Session) {
	ctx, span := tracer.Start(ctx, "workflow."+req.Intent.String(),
		trace.WithAttributes(attribute.String("intent", req.Intent.String())),
	)
	defer span.End()

	if s != nil {
		s = s.Clone()

		log := zerolog.Ctx(ctx).With().Str("session_id", s.ID).Logger()
		ctx = log.WithContext(ctx)
	}

	var (
		out  Outcome
		next *Session
	)

	switch req.Intent {
	case IntentStart:
		out, next = w.start(ctx, req)
	case IntentLanding:
		out, next = w.landing(ctx, s)
	case IntentCallback:
		out, next = w.callback(ctx, req, s)
	case IntentListRoles:
		out, next = w.listRoles(ctx, s)
	case IntentPickRole:
		out, next = w.pickRole(ctx, req, s)
	case IntentQueryState:
		out, next = jsonOutcome(s.View(), false), s
	case IntentHeartbeat:
		out, next = jsonOutcome(map[string]string{"result": "running"}, s != nil), s
	case IntentFinish:
		out, next = w.finish(ctx, s)
	default:
		out, next = rejected(http.StatusBadRequest, MessageInvalidRequest), s
	}

	if next != nil && next.WorkflowState == StateError {
		span.SetStatus(codes.Error, next.WorkflowValue.Message)
	}

	return out, next
}

func (w *Workflow) start(ctx context.Context, req Request) (Outcome, *Session) {
	log := zerolog.Ctx(ctx)

	duration := req.SessionDuration
	if duration == 0 {
		duration = w.opts.DefaultSessionDuration
	}

	if duration < MinSessionDuration || duration > MaxSessionDuration {
		log.Error().Int32("session_duration", duration).Msg("session duration out of range")
		return rejected(http.StatusBadRequest, MessageInvalidRequest), nil
	}

	action := req.Action
	if action == "" {
		action = ActionAWSWebConsole
	}

	m, err := NewAuthorizationMaterial()
	if err != nil {
		log.Error().Err(err).Msg("error generating authorization material")
		return rejected(http.StatusInternalServerError, MessageError), nil
	}

	authURL, err := w.exchanger.AuthCodeURL(ctx, m)
	if err != nil {
		w.observeFailure(err)
		log.Error().Err(err).Msg("error building the authorization URL")

		return rejected(http.StatusInternalServerError, MessageError), nil
	}

	s := NewSession(action)
	s.OIDCState = m.State
	s.CodeVerifier = m.Verifier
	s.Nonce = m.Nonce
	s.RoleARN = req.Role.ARN
	s.RoleName = req.Role.Name
	s.RoleAccountAlias = req.Role.Alias
	s.DestinationURL = DestinationFromReferer(req.Referer, w.opts.DefaultDestinationURL)
	s.SessionDuration = duration
	s.CacheRoles = !req.BypassCache

	w.transition(ctx, s, StateRedirecting, nil)

	return Outcome{
		Kind:      OutcomeRedirect,
		Location:  authURL,
		SetCookie: true,
		SameSite:  http.SameSiteLaxMode,
	}, s
}

func (w *Workflow) landing(ctx context.Context, s *Session) (Outcome, *Session) {
	if s == nil {
		return Outcome{Kind: OutcomePage}, nil
	}

	w.transition(ctx, s, StateRedirecting, nil)

	return Outcome{Kind: OutcomePage, SetCookie: true, SameSite: http.SameSiteStrictMode}, s
}

func (w *Workflow) callback(ctx context.Context, req Request, s *Session) (Outcome, *Session) {
	if s == nil {
		s = NewSession("")
	}

	rawIDToken, err := w.exchanger.Exchange(ctx, req.Callback, s)
	if err != nil {
		w.fail(ctx, s, err)
		return jsonOutcome(s.View(), true), s
	}

	s.IDToken = rawIDToken

	switch s.Action {
	case ActionAWSWebConsole:
		if s.HasRoleReference() {
			w.federate(ctx, s, req.SourceIP)
		} else {
			w.transition(ctx, s, StateRolePicker, nil)
		}
	case ActionRebuildGroupRoleMap:
		w.rebuild(ctx, s, req.SourceIP)
	default:
		zerolog.Ctx(ctx).Error().Str("action", string(s.Action)).Msg("invalid action argument")
		w.transition(ctx, s, StateError, &WorkflowValue{Message: MessageInvalidAction})
	}

	return jsonOutcome(s.View(), true), s
}

func (w *Workflow) rebuild(ctx context.Context, s *Session, sourceIP string) {
	w.transition(ctx, s, StateInfo, &WorkflowValue{Message: MessageRebuildProcessing})

	if w.opts.Rebuilder == nil {
		w.fail(ctx, s, accessDenied("group role map rebuild is not configured"))
		return
	}

	if err := w.opts.Rebuilder.RebuildGroupRoleMap(ctx, s.IDToken); err != nil {
		w.fail(ctx, s, err)
		return
	}

	log := zerolog.Ctx(ctx).Info().Str("source_ip", sourceIP)
	if identity, err := w.identity.Identity(ctx, s.IDToken); err == nil {
		log = log.Str("user", identity.SessionName())
	}

	log.Msg("group role map rebuild initiated")

	w.transition(ctx, s, StateInfo, &WorkflowValue{Message: MessageRebuildInitiated})
}

func (w *Workflow) listRoles(ctx context.Context, s *Session) (Outcome, *Session) {
	if s == nil {
		return rejected(http.StatusBadRequest, MessageInvalidRequest), nil
	}

	empty := []ResolvedRole{}

	p, err := w.principal(ctx, s)
	if err != nil {
		w.fail(ctx, s, err)
		return jsonOutcome(empty, true), s
	}

	roles, err := w.resolver.ListRoles(ctx, p)
	if err != nil {
		w.fail(ctx, s, err)
		return jsonOutcome(empty, true), s
	}

	w.transition(ctx, s, StateAwaitingRole, nil)

	return jsonOutcome(roles, true), s
}

func (w *Workflow) pickRole(ctx context.Context, req Request, s *Session) (Outcome, *Session) {
	if req.Role.IsZero() {
		zerolog.Ctx(ctx).Error().Msg("invalid role pick request")
		return rejected(http.StatusForbidden, MessageInvalidPostData), s
	}

	if s == nil {
		return rejected(http.StatusBadRequest, MessageInvalidRequest), nil
	}

	s.RoleARN = req.Role.ARN
	s.RoleName = req.Role.Name
	s.RoleAccountAlias = req.Role.Alias

	w.federate(ctx, s, req.SourceIP)

	return jsonOutcome(s.View(), true), s
}

func (w *Workflow) finish(ctx context.Context, s *Session) (Outcome, *Session) {
	if s == nil {
		s = NewSession("")
	}

	w.transition(ctx, s, StateFinished, nil)

	return jsonOutcome(s.View(), true), s
}

// federate resolves the session's role and moves s to aws_federate or error.
func (w *Workflow) federate(ctx context.Context, s *Session, sourceIP string) {
	p, err := w.principal(ctx, s)
	if err != nil {
		w.fail(ctx, s, err)
		return
	}

	role, err := w.resolver.Resolve(ctx, RoleReference{
		ARN:   s.RoleARN,
		Name:  s.RoleName,
		Alias: s.RoleAccountAlias,
	}, p)
	if err != nil {
		w.fail(ctx, s, err)
		return
	}

	s.RoleARN = role.ARN
	if s.RoleName == "" {
		s.RoleName = role.Name
	}

	if s.RoleAccountAlias == "" {
		s.RoleAccountAlias = role.AccountAlias
	}

	federationURL, err := w.federator.Issue(ctx, FederationRequest{
		Role:            *role,
		IDToken:         s.IDToken,
		SessionName:     p.Identity.SessionName(),
		SessionDuration: s.SessionDuration,
		DestinationURL:  s.DestinationURL,
	})
	if err != nil {
		w.fail(ctx, s, err)
		return
	}

	zerolog.Ctx(ctx).Info().
		Str("role_arn", role.ARN).
		Str("user", p.Identity.SessionName()).
		Str("source_ip", sourceIP).
		Msg("role assumed")

	w.transition(ctx, s, StateAWSFederate, &WorkflowValue{AWSFederationURL: federationURL})
}

func (w *Workflow) principal(ctx context.Context, s *Session) (Principal, error) {
	if s.IDToken == "" {
		return Principal{}, fmt.Errorf("%w: session carries no ID token", ErrInvalidRequest)
	}

	identity, err := w.identity.Identity(ctx, s.IDToken)
	if err != nil {
		if !errors.Is(err, ErrUpstreamUnavailable) {
			err = accessDenied("%v", err)
		}

		return Principal{}, err
	}

	return Principal{IDToken: s.IDToken, Identity: identity, AllowCache: s.CacheRoles}, nil
}

func (w *Workflow) fail(ctx context.Context, s *Session, err error) {
	w.observeFailure(err)

	zerolog.Ctx(ctx).Error().Err(err).Str("message", messageFor(err)).Msg("workflow step failed")

	w.transition(ctx, s, StateError, &WorkflowValue{Message: messageFor(err)})
}

// observeFailure counts a transient failure once, under the upstream it was attributed to.
func (w *Workflow) observeFailure(err error) {
	if upstream := failedUpstream(err); upstream != "" {
		w.opts.Metrics.observeUpstreamFailure(upstream)
	}
}

func (w *Workflow) transition(ctx context.Context, s *Session, state WorkflowState, value *WorkflowValue) {
	from := s.WorkflowState
	s.transition(state, value)

	w.opts.Metrics.observeTransition(state)

	zerolog.Ctx(ctx).Debug().
		Str("from", string(from)).
		Str("to", string(state)).
		Msg("workflow transition")

	if w.opts.OnTransition != nil {
		w.opts.OnTransition(ctx, from, s.Clone())
	}
}

func jsonOutcome(body any, setCookie bool) Outcome {
	out := Outcome{Kind: OutcomeJSON, Body: body, Status: http.StatusOK}
	if setCookie {
		out.SetCookie = true
		out.SameSite = http.SameSiteStrictMode
	}

	return out
}

func rejected(status int, message string) Outcome {
	return Outcome{Kind: OutcomeRejected, Status: status, Message: message}
}
