package services

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenService_CreateToken(t *testing.T) {
	svc := NewTokenService("secret", 0)

	token, err := svc.CreateToken("alice")
	require.NoError(t, err)

	claims, err := svc.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Nil(t, claims.ExpiresAt)
	assert.NotNil(t, claims.IssuedAt)
	assert.Empty(t, claims.CallCIDs)
	assert.Empty(t, claims.Role)
}

func TestTokenService_CreateCallToken(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)

	token, err := svc.CreateCallToken("bob", []string{"default:standup"}, "admin")
	require.NoError(t, err)

	claims, err := svc.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"default:standup"}, claims.CallCIDs)
	assert.Equal(t, "admin", claims.Role)
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
}

func TestTokenService_RequiresUser(t *testing.T) {
	_, err := NewTokenService("secret", 0).CreateToken("")
	assert.ErrorIs(t, err, ErrMissingUser)
}

func TestTokenService_ValidateToken(t *testing.T) {
	svc := NewTokenService("secret", time.Minute)
	token, err := svc.CreateToken("carol")
	require.NoError(t, err)

	userID, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "carol", userID)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewTokenService("other", time.Minute).ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		later := NewTokenService("secret", time.Minute)
		later.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		_, err := later.ValidateToken(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.ValidateToken("not-a-jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other signing method", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "mallory"}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = svc.ValidateToken(unsigned)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
