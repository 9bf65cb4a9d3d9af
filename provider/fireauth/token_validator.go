package fireauth

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/vallegrande/go-session"
)

// Claims carries the validated token attributes the session layer cares
// about.
type Claims struct {
	UserID string
	Email  string
	Expiry time.Time
}

// TokenValidator validates ID tokens against the secure token service JWKS.
type TokenValidator struct {
	cfg  Config
	jwks *keyfunc.JWKS
}

// NewTokenValidator fetches the JWKS and keeps it refreshed in the
// background until Close is called.
func NewTokenValidator(ctx context.Context, cfg Config) (*TokenValidator, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("fireauth: project ID is required")
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = time.Hour
	}

	jwks, err := keyfunc.Get(cfg.jwksURL(), keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   cacheTTL,
		RefreshRateLimit:  5 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("fireauth: failed to fetch JWKS: %w", err)
	}

	return &TokenValidator{cfg: cfg, jwks: jwks}, nil
}

// Validate parses and verifies tokenString, returning its claims.
func (v *TokenValidator) Validate(tokenString string) (*Claims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.cfg.issuer()),
		jwt.WithAudience(v.cfg.ProjectID),
	)
	if err != nil {
		return nil, normalizeValidationError(err)
	}
	if !token.Valid {
		return nil, session.ErrTokenExpired
	}

	out := &Claims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.UserID = sub
	}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.Expiry = exp.Time
	}

	return out, nil
}

// Close stops the background JWKS refresh.
func (v *TokenValidator) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

func normalizeValidationError(err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, jwt.ErrTokenExpired) {
		return session.ErrTokenExpired.WithMetadata(map[string]any{
			"provider": "fireauth",
			"cause":    err.Error(),
		})
	}

	return fmt.Errorf("fireauth: token validation failed: %w", err)
}
