// Package auth defines the authentication predicate the WebSocket
// handshake calls, and a JWT-backed implementation of it.
package auth

import (
	"errors"
	"fmt"
)

// UserInfo is the identity attached to an authenticated connection.
// UserID is the only field the core relies on.
type UserInfo struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// ErrAuthentication marks credential failures (missing subject, bad
// signature, expired token). Anything else from Validate is an internal
// validator error.
var ErrAuthentication = errors.New("authentication failed")

// AuthError wraps a credential failure with a reason safe to log.
// It matches ErrAuthentication under errors.Is.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthentication }

// TokenValidator is the authentication predicate. Implementations return
// an AuthError for invalid credentials; any other error is treated as a
// validator malfunction by the caller.
type TokenValidator interface {
	Validate(token string) (*UserInfo, error)
}
