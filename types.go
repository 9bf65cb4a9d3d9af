package session

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-errors"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Identity holds the attributes the identity provider reports for a user.
type Identity interface {
	ID() string
	Email() string
	DisplayName() string
}

// PresenceEvent is emitted by the identity provider whenever user presence
// changes. A nil Identity means the provider reports no signed-in user.
type PresenceEvent struct {
	Identity Identity
}

// IdentityProvider is the external system that issues bearer tokens and
// manages credentials. Implementations classify their failures with a stable
// string code (see ProviderError).
type IdentityProvider interface {
	SignIn(ctx context.Context, identifier, secret string) (Identity, error)
	SignUp(ctx context.Context, identifier, displayName, secret string) (Identity, error)
	SignOut(ctx context.Context) error
	// FreshToken returns a bearer token for the current provider user,
	// forcing a refresh when asked. It returns an empty token when the
	// provider has no signed-in user.
	FreshToken(ctx context.Context, force bool) (string, error)
	// Watch registers a presence listener. Events are delivered at most once
	// per state change; the returned func detaches the listener.
	Watch(ctx context.Context) (<-chan PresenceEvent, func())
}

// FirstPresence takes exactly one presence event from the provider, bounded
// by ctx. The watch is detached before returning.
func FirstPresence(ctx context.Context, provider IdentityProvider) (PresenceEvent, error) {
	events, cancel := provider.Watch(ctx)
	defer cancel()

	select {
	case evt, ok := <-events:
		if !ok {
			return PresenceEvent{}, errors.New("presence stream closed", errors.CategoryOperation)
		}
		return evt, nil
	case <-ctx.Done():
		return PresenceEvent{}, errors.Wrap(ctx.Err(), errors.CategoryOperation, "presence unresolved")
	}
}

// ProviderError exposes the identity provider's stable error code so callers
// can classify failures without depending on provider internals.
type ProviderError interface {
	error
	Code() string
}

// Config holds session options
type Config interface {
	GetAPIBaseURL() string
	GetAuthPaths() []string
	GetTokenValidity() time.Duration
	GetNearExpiryWindow() time.Duration
	GetHealthCheckTimeout() time.Duration
	GetRedirectTTL() time.Duration
	GetGuardTimeout() time.Duration
	GetLoginRoute() string
	GetDashboardRoute() string
	GetRejectedRouteKey() string
}

// DefaultConfig returns a Config carrying the stock policy values: one hour
// token validity, ten minute near-expiry window, five second health probe.
func DefaultConfig(apiBaseURL string) Config {
	return &defaultConfig{apiBaseURL: apiBaseURL}
}

type defaultConfig struct {
	apiBaseURL string
}

func (c *defaultConfig) GetAPIBaseURL() string { return c.apiBaseURL }

func (c *defaultConfig) GetAuthPaths() []string {
	return []string{"/auth/login", "/auth/register", "/auth/verify"}
}

func (c *defaultConfig) GetTokenValidity() time.Duration      { return time.Hour }
func (c *defaultConfig) GetNearExpiryWindow() time.Duration   { return 10 * time.Minute }
func (c *defaultConfig) GetHealthCheckTimeout() time.Duration { return 5 * time.Second }
func (c *defaultConfig) GetRedirectTTL() time.Duration        { return 5 * time.Minute }
func (c *defaultConfig) GetGuardTimeout() time.Duration       { return 5 * time.Second }
func (c *defaultConfig) GetLoginRoute() string                { return "/login" }
func (c *defaultConfig) GetDashboardRoute() string            { return "/dashboard" }
func (c *defaultConfig) GetRejectedRouteKey() string          { return "rejected_route" }

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] SESSION "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] SESSION "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] SESSION "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] SESSION "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}
