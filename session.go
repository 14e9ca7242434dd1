package federatedrp

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SessionVersion is the schema version written into every encoded session. Sessions carrying any
// other version are treated as absent.
const SessionVersion = 1

// Action is the intent chosen when the flow starts.
type Action string

const (
	// ActionAWSWebConsole signs the user into the AWS web console.
	ActionAWSWebConsole Action = "aws-web-console"

	// ActionRebuildGroupRoleMap triggers a rebuild of the group to role map.
	ActionRebuildGroupRoleMap Action = "rebuild-group-role-map"
)

// WorkflowState drives the client visible state machine. The zero value means no workflow yet and
// is rendered as JSON null.
type WorkflowState string

const (
	StateNone         WorkflowState = ""
	StateRedirecting  WorkflowState = "redirecting"
	StateAwaitingRole WorkflowState = "awaiting_role"
	StateRolePicker   WorkflowState = "role_picker"
	StateAWSFederate  WorkflowState = "aws_federate"
	StateInfo         WorkflowState = "info"
	StateError        WorkflowState = "error"
	StateFinished     WorkflowState = "finished"
)

// MarshalJSON renders StateNone as null.
func (s WorkflowState) MarshalJSON() ([]byte, error) {
	if s == StateNone {
		return []byte("null"), nil
	}

	return json.Marshal(string(s))
}

// UnmarshalJSON accepts null and the known state names only.
func (s *WorkflowState) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = StateNone
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch state := WorkflowState(raw); state {
	case StateNone, StateRedirecting, StateAwaitingRole, StateRolePicker,
		StateAWSFederate, StateInfo, StateError, StateFinished:
		*s = state
		return nil
	default:
		return fmt.Errorf("unknown workflow state %q", raw)
	}
}

// WorkflowValue is the payload paired with the current WorkflowState.
type WorkflowValue struct {
	// Message is set for the info and error states.
	Message string `json:"message,omitempty"`

	// AWSFederationURL is set for the aws_federate state.
	AWSFederationURL string `json:"awsFederationUrl,omitempty"`
}

// Session is the only persisted entity. It travels entirely in the session cookie.
type Session struct {
	Version          int            `json:"v"`
	ID               string         `json:"sid"`
	Action           Action         `json:"action"`
	OIDCState        string         `json:"oidcState,omitempty"`
	CodeVerifier     string         `json:"codeVerifier,omitempty"`
	Nonce            string         `json:"nonce,omitempty"`
	IDToken          string         `json:"idToken,omitempty"`
	RoleARN          string         `json:"roleArn,omitempty"`
	RoleName         string         `json:"roleName,omitempty"`
	RoleAccountAlias string         `json:"roleAccountAlias,omitempty"`
	DestinationURL   string         `json:"destinationUrl,omitempty"`
	SessionDuration  int32          `json:"sessionDuration,omitempty"`
	CacheRoles       bool           `json:"cacheRoles"`
	WorkflowState    WorkflowState  `json:"workflowState"`
	WorkflowValue    *WorkflowValue `json:"workflowValue,omitempty"`
}

// NewSession returns an empty session for the given action with a fresh correlation ID.
func NewSession(action Action) *Session {
	return &Session{
		Version:    SessionVersion,
		ID:         uuid.NewString(),
		Action:     action,
		CacheRoles: true,
	}
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}

	c := *s
	if s.WorkflowValue != nil {
		v := *s.WorkflowValue
		c.WorkflowValue = &v
	}

	return &c
}

// HasRoleReference reports whether a role was selected, either as an ARN or as name plus alias.
func (s *Session) HasRoleReference() bool {
	return s.RoleARN != "" || (s.RoleName != "" && s.RoleAccountAlias != "")
}

// Validate checks the structural invariants of a session: the schema version, the pairing of
// authorization material and the pairing of workflow state and value.
func (s *Session) Validate() error {
	if s.Version != SessionVersion {
		return fmt.Errorf("unsupported session version %d", s.Version)
	}

	if (s.OIDCState == "") != (s.CodeVerifier == "") {
		return fmt.Errorf("oidc state and code verifier must be set together")
	}

	if s.Nonce != "" && s.OIDCState == "" {
		return fmt.Errorf("nonce without oidc state")
	}

	if s.SessionDuration < 0 {
		return fmt.Errorf("negative session duration")
	}

	v := s.WorkflowValue

	switch s.WorkflowState {
	case StateInfo, StateError:
		if v == nil || v.Message == "" || v.AWSFederationURL != "" {
			return fmt.Errorf("state %s requires a message", s.WorkflowState)
		}
	case StateAWSFederate:
		if v == nil || v.AWSFederationURL == "" || v.Message != "" {
			return fmt.Errorf("state %s requires a federation url", s.WorkflowState)
		}
	default:
		if v != nil {
			return fmt.Errorf("state %q carries no value", s.WorkflowState)
		}
	}

	return nil
}

func (s *Session) transition(state WorkflowState, value *WorkflowValue) {
	s.WorkflowState = state
	s.WorkflowValue = value
}

// clearAuthorization drops the single-use authorization material once an exchange was attempted.
func (s *Session) clearAuthorization() {
	s.OIDCState = ""
	s.CodeVerifier = ""
	s.Nonce = ""
}

// StateView is the read-only projection returned by the state query.
type StateView struct {
	State WorkflowState  `json:"state"`
	Value *WorkflowValue `json:"value"`
}

// View returns the current state and value.
func (s *Session) View() StateView {
	if s == nil {
		return StateView{}
	}

	c := s.Clone()

	return StateView{State: c.WorkflowState, Value: c.WorkflowValue}
}
