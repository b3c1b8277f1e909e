// Package auth verifies caller bearer tokens issued by the identity provider.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"billingsync/internal/config"
	"billingsync/internal/types"
)

// clockLeeway absorbs small skew between the issuer and this service.
const clockLeeway = 30 * time.Second

// Claims are the token claims read by this service. The subject is the
// internal user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 bearer tokens and maps them to an Actor.
type TokenVerifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewTokenVerifier creates a TokenVerifier from the auth configuration.
func NewTokenVerifier(cfg config.AuthConfig) *TokenVerifier {
	return &TokenVerifier{
		secret:   []byte(cfg.JWTSecret.Unmask()),
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
		now:      time.Now,
	}
}

// ResolveToken validates token and returns the caller it identifies.
// Expired tokens yield ErrCodeAuthTokenExpired; every other failure yields
// ErrCodeAuthTokenInvalid.
func (v *TokenVerifier) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	if token == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "bearer token is required", nil)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockLeeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "authentication token has expired", err)
		}
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid authentication token", err)
	}

	if claims.Subject == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token has no subject", nil)
	}
	return &types.Actor{
		UserID: claims.Subject,
		Email:  strings.TrimSpace(claims.Email),
	}, nil
}
