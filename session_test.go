package federatedrp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSession(t *testing.T) {
	a := NewSession(ActionAWSWebConsole)
	b := NewSession(ActionAWSWebConsole)

	assert.Equal(t, SessionVersion, a.Version)
	assert.True(t, a.CacheRoles)
	assert.Equal(t, StateNone, a.WorkflowState)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NoError(t, a.Validate())
}

func TestSessionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Session)
		wantErr string
	}{
		{"Valid", func(*Session) {}, ""},
		{"Version", func(s *Session) { s.Version = 2 }, "unsupported session version"},
		{"StateWithoutVerifier", func(s *Session) { s.OIDCState = "1-x" }, "must be set together"},
		{"VerifierWithoutState", func(s *Session) { s.CodeVerifier = "v" }, "must be set together"},
		{"NonceWithoutState", func(s *Session) { s.Nonce = "n" }, "nonce without oidc state"},
		{"NegativeDuration", func(s *Session) { s.SessionDuration = -1 }, "negative session duration"},
		{"ErrorWithoutMessage", func(s *Session) { s.transition(StateError, nil) }, "requires a message"},
		{"InfoWithURL", func(s *Session) {
			s.transition(StateInfo, &WorkflowValue{Message: "m", AWSFederationURL: "u"})
		}, "requires a message"},
		{"FederateWithoutURL", func(s *Session) {
			s.transition(StateAWSFederate, &WorkflowValue{Message: "m"})
		}, "requires a federation url"},
		{"RedirectingWithValue", func(s *Session) {
			s.transition(StateRedirecting, &WorkflowValue{Message: "m"})
		}, "carries no value"},
		{"ErrorWithMessage", func(s *Session) {
			s.transition(StateError, &WorkflowValue{Message: MessageAccessDenied})
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession(ActionAWSWebConsole)
			tt.mutate(s)

			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestSessionClone(t *testing.T) {
	s := NewSession(ActionAWSWebConsole)
	s.transition(StateInfo, &WorkflowValue{Message: "before"})

	c := s.Clone()
	c.WorkflowValue.Message = "after"
	c.RoleARN = "changed"

	assert.Equal(t, "before", s.WorkflowValue.Message)
	assert.Empty(t, s.RoleARN)
	assert.Nil(t, (*Session)(nil).Clone())
}

func TestHasRoleReference(t *testing.T) {
	s := NewSession(ActionAWSWebConsole)
	assert.False(t, s.HasRoleReference())

	s.RoleName = "Admin"
	assert.False(t, s.HasRoleReference())

	s.RoleAccountAlias = "prod"
	assert.True(t, s.HasRoleReference())

	s = NewSession(ActionAWSWebConsole)
	s.RoleARN = "arn:aws:iam::123456789012:role/Admin"
	assert.True(t, s.HasRoleReference())
}

func TestStateView(t *testing.T) {
	t.Run("NoSession", func(t *testing.T) {
		data, err := json.Marshal((*Session)(nil).View())
		require.NoError(t, err)
		assert.JSONEq(t, `{"state":null,"value":null}`, string(data))
	})

	t.Run("Federate", func(t *testing.T) {
		s := NewSession(ActionAWSWebConsole)
		s.transition(StateAWSFederate, &WorkflowValue{AWSFederationURL: "https://signin.aws.amazon.com/federation"})

		data, err := json.Marshal(s.View())
		require.NoError(t, err)
		assert.JSONEq(t, `{"state":"aws_federate","value":{"awsFederationUrl":"https://signin.aws.amazon.com/federation"}}`, string(data))
	})

	t.Run("ViewIsACopy", func(t *testing.T) {
		s := NewSession(ActionAWSWebConsole)
		s.transition(StateError, &WorkflowValue{Message: MessageAccessDenied})

		v := s.View()
		v.Value.Message = "changed"

		assert.Equal(t, MessageAccessDenied, s.WorkflowValue.Message)
	})
}

func TestWorkflowStateJSON(t *testing.T) {
	var s WorkflowState

	require.NoError(t, json.Unmarshal([]byte(`"role_picker"`), &s))
	assert.Equal(t, StateRolePicker, s)

	require.NoError(t, json.Unmarshal([]byte(`null`), &s))
	assert.Equal(t, StateNone, s)

	assert.Error(t, json.Unmarshal([]byte(`"unknown"`), &s))
	assert.Error(t, json.Unmarshal([]byte(`42`), &s))
}
