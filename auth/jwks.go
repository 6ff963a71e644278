package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// idpClaims are the claims read from IdP-issued access tokens.
type idpClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
}

// JWKS validates asymmetric tokens from an external identity provider,
// fetching and caching the provider's key set.
type JWKS struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKS fetches the key set with retries, since the IdP may still be
// starting when the gateway comes up.
func NewJWKS(jwksURL, issuer string) (*JWKS, error) {
	slog.Info("Initializing JWKS validator", "jwks_url", jwksURL)

	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:                 context.Background(),
			RefreshInterval:     5 * time.Minute,
			RefreshRateLimit:    1 * time.Minute,
			RefreshUnknownKID:   true,
			RefreshErrorHandler: func(err error) { slog.Error("JWKS refresh error", "error", err) },
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS endpoint", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS after retries: %w", err)
	}

	return &JWKS{jwks: jwks, issuer: issuer}, nil
}

func (a *JWKS) Authenticate(ctx context.Context, token string) (Identity, error) {
	claims := &idpClaims{}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, a.jwks.Keyfunc, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{UserID: claims.Subject, Username: claims.PreferredUsername}, nil
}

// Close stops the JWKS background refresh goroutine.
func (a *JWKS) Close() {
	a.jwks.EndBackground()
}
