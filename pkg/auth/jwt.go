package auth

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// JWTValidator validates HS256 bearer tokens. Claims follow the usual
// shape of hosted-auth access tokens: `sub` is the user id, `email` and
// `role` are optional.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator with the given signing secret.
func NewJWTValidator(secret []byte) (*JWTValidator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt validator: secret must not be empty")
	}
	return &JWTValidator{secret: secret}, nil
}

// NewJWTValidatorFromEnv reads the signing secret from AUTH_JWT_SECRET.
func NewJWTValidatorFromEnv() (*JWTValidator, error) {
	secret := os.Getenv("AUTH_JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("jwt validator: AUTH_JWT_SECRET is not set")
	}
	return NewJWTValidator([]byte(secret))
}

type tokenClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Validate parses and verifies the token, returning the embedded user.
func (v *JWTValidator) Validate(token string) (*UserInfo, error) {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, &AuthError{Reason: "token expired"}
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, &AuthError{Reason: "invalid signature"}
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, &AuthError{Reason: "malformed token"}
		default:
			return nil, &AuthError{Reason: err.Error()}
		}
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || claims.Subject == "" {
		return nil, &AuthError{Reason: "token has no subject"}
	}

	return &UserInfo{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}
