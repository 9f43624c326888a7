package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("unit-test-secret")

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestJWTValidator_ValidToken(t *testing.T) {
	v, err := NewJWTValidator(testSecret)
	require.NoError(t, err)

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":   "user-42",
		"email": "dev@example.com",
		"role":  "admin",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	user, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", user.UserID)
	assert.Equal(t, "dev@example.com", user.Email)
	assert.Equal(t, "admin", user.Role)
}

func TestJWTValidator_ExpiredToken(t *testing.T) {
	v, err := NewJWTValidator(testSecret)
	require.NoError(t, err)

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	_, err = v.Validate(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))
	assert.Contains(t, err.Error(), "expired")
}

func TestJWTValidator_WrongSecret(t *testing.T) {
	v, err := NewJWTValidator(testSecret)
	require.NoError(t, err)

	token := signToken(t, []byte("some-other-secret"), jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err = v.Validate(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))
}

func TestJWTValidator_MissingSubject(t *testing.T) {
	v, err := NewJWTValidator(testSecret)
	require.NoError(t, err)

	token := signToken(t, testSecret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err = v.Validate(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication))
}

func TestJWTValidator_MalformedToken(t *testing.T) {
	v, err := NewJWTValidator(testSecret)
	require.NoError(t, err)

	_, err = v.Validate("not-a-jwt")
	require.Error(t, err)

	var authErr *AuthError
	assert.True(t, errors.As(err, &authErr))
}

func TestNewJWTValidator_EmptySecret(t *testing.T) {
	_, err := NewJWTValidator(nil)
	require.Error(t, err)
}
