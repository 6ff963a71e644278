package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims extends jwt.RegisteredClaims with the application claims the
// account service puts in its access tokens.
type tokenClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// HS256 validates symmetric-key access tokens issued by the account service.
type HS256 struct {
	secret []byte
}

func NewHS256(secret []byte) *HS256 {
	return &HS256{secret: secret}
}

func (a *HS256) Authenticate(ctx context.Context, token string) (Identity, error) {
	claims := &tokenClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrUnauthenticated
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: token carries no user id", ErrUnauthenticated)
	}
	return Identity{UserID: userID, Username: claims.Username}, nil
}
