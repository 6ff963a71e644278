// Package auth resolves connection credentials to an authenticated identity.
// The engine treats identity as an external fact: any credential this package
// cannot resolve is an immediate rejection, never a retry.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthenticated is returned for any credential that does not resolve to
// a valid identity, regardless of the underlying cause.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Identity is the resolved principal behind a connection.
type Identity struct {
	UserID   string
	Username string
}

// Authenticator validates a bearer token and returns the identity it carries.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}
