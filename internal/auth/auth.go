// ABOUTME: Authenticator contract for verifying connection credentials
// ABOUTME: Token issuance mechanics live outside the conversation layer

package auth

import (
	"context"
	"errors"
)

// Authentication errors. AuthFailure is fatal to the connection.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Identity is a verified user identity.
type Identity struct {
	UserID      string
	DisplayName string
}

// Authenticator verifies a credential and returns the identity behind it.
// The conversation layer treats it as an opaque collaborator: how tokens are
// issued is not its concern. Implementations must respect ctx cancellation
// since callers enforce an authentication deadline.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}
