package federatedrp

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var unreserved = regexp.MustCompile(`^[A-Za-z0-9\-._~]+$`)

func TestNewPKCE(t *testing.T) {
	p := NewPKCE()

	assert.Len(t, p.Verifier, 43)
	assert.Regexp(t, unreserved, p.Verifier)

	sum := sha256.Sum256([]byte(p.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), p.Challenge)
	assert.NotEqual(t, p.Verifier, NewPKCE().Verifier)
}

func TestNewAuthorizationMaterial(t *testing.T) {
	m, err := NewAuthorizationMaterial()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(m.State, "1-"))
	assert.Len(t, m.State, 2+43)
	assert.Len(t, m.Nonce, 43)
	assert.Regexp(t, unreserved, m.Nonce)

	other, err := NewAuthorizationMaterial()
	require.NoError(t, err)

	assert.NotEqual(t, m.State, other.State)
	assert.NotEqual(t, m.Nonce, other.Nonce)
	assert.NotEqual(t, m.Verifier, other.Verifier)
	assert.NotEqual(t, m.State[2:], m.Nonce)
}
