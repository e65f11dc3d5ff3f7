package jwt

import (
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-admin-api-32-chars-long"

func TestManager_GenerateAndValidate(t *testing.T) {
	m := NewManager(testSecret, "mailshop", time.Hour)

	token, err := m.GenerateToken(100)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.NotEmpty(t, token.AccessToken)

	claims, err := m.ValidateToken(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, int64(100), claims.AdminID)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "100", claims.Subject)
}

func TestManager_ValidateToken(t *testing.T) {
	m := NewManager(testSecret, "mailshop", time.Hour)
	token, err := m.GenerateToken(100)
	require.NoError(t, err)

	t.Run("令牌过期", func(t *testing.T) {
		expired := NewManager(testSecret, "mailshop", time.Hour)
		expired.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := expired.ValidateToken(token.AccessToken)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("密钥不同", func(t *testing.T) {
		other := NewManager("another-secret-key-for-admin-api-32-chars", "mailshop", time.Hour)
		_, err := other.ValidateToken(token.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("签发者不同", func(t *testing.T) {
		other := NewManager(testSecret, "someone-else", time.Hour)
		_, err := other.ValidateToken(token.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("非管理员角色", func(t *testing.T) {
		claims := Claims{
			AdminID: 1,
			Role:    "buyer",
			RegisteredClaims: gojwt.RegisteredClaims{
				Issuer:    "mailshop",
				ExpiresAt: gojwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = m.ValidateToken(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("格式错误", func(t *testing.T) {
		_, err := m.ValidateToken("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
