package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService("secret", "conversation-engine", time.Hour)

	token, err := svc.GenerateToken("ops-1", RoleOperator)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-1", claims.Operator())
	assert.Equal(t, RoleOperator, claims.Role)
	assert.True(t, claims.HasPermission(PermForceTransition))
	assert.False(t, claims.HasPermission(PermEnrichMessages))
}

func TestAdminHoldsEveryPermission(t *testing.T) {
	claims := &JWTClaims{Role: RoleAdmin}
	for _, p := range []Permission{PermReadConversations, PermTransition, PermForceTransition, PermEnrichMessages} {
		assert.True(t, claims.HasPermission(p), p)
	}
}

func TestViewerCannotTransition(t *testing.T) {
	claims := &JWTClaims{Role: RoleViewer}
	assert.True(t, claims.HasPermission(PermReadConversations))
	assert.False(t, claims.HasPermission(PermTransition))
}

func TestRejectsForeignTokens(t *testing.T) {
	svc := NewService("secret", "conversation-engine", time.Hour)

	other := NewService("other-secret", "conversation-engine", time.Hour)
	token, err := other.GenerateToken("ops-1", RoleOperator)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer := NewService("secret", "someone-else", time.Hour)
	token, err = wrongIssuer.GenerateToken("ops-1", RoleOperator)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unknownRole, err := svc.GenerateToken("ops-1", Role("root"))
	require.NoError(t, err)
	_, err = svc.ValidateToken(unknownRole)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	svc := NewService("secret", "", time.Minute)
	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }

	token, err := svc.GenerateToken("ops-1", RoleViewer)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
