package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT_RoundTrip(t *testing.T) {
	s := NewJWTService("secret", 1, "member-portal")

	tok, err := s.Generate(" Ops@Portal.test ", RoleStaff)
	require.NoError(t, err)

	claims, err := s.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "ops@portal.test", claims.Email)
	assert.Equal(t, RoleStaff, claims.Role)
	assert.True(t, claims.CanManageLedger())
}

func TestJWT_Rejections(t *testing.T) {
	s := NewJWTService("secret", 1, "member-portal")
	tok, err := s.Generate("a@acme.org", RoleMember)
	require.NoError(t, err)

	claims, err := s.Validate(tok)
	require.NoError(t, err)
	assert.False(t, claims.CanManageLedger())

	_, err = NewJWTService("other", 1, "member-portal").Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewJWTService("secret", 1, "someone-else").Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	later := NewJWTService("secret", 1, "member-portal")
	later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = later.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
