package session

import (
	"context"
	"net/http"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
)

// RouteGuard gates routes on the coordinator's session state. Protected
// routes fail deny: any doubt about the session resolves to a redirect to the
// anonymous entry point. Anonymous-only routes fail open.
type RouteGuard struct {
	coordinator      *Coordinator
	cfg              Config
	Logger           Logger
	AuthErrorHandler func(c router.Context, err error) error
}

func NewRouteGuard(coordinator *Coordinator, cfg Config) *RouteGuard {
	g := &RouteGuard{
		coordinator: coordinator,
		cfg:         cfg,
		Logger:      defLogger{},
	}
	g.AuthErrorHandler = g.defaultAuthErrHandler
	return g
}

// RequireAuthenticated resolves whether a live session backs the request. It
// bounds its own wait on session state and never hangs; any doubt resolves to
// a denial. Returns nil when the session is live.
func (g *RouteGuard) RequireAuthenticated(ctx context.Context) error {
	// The local token gates first: a request with no token or a dead one is
	// denied without waiting on the presence stream.
	token, _, err := g.coordinator.store.Session(ctx)
	if err != nil || token == "" {
		return ErrTokenMissing
	}

	if _, ok := g.coordinator.ValidToken(ctx); !ok {
		// An expired token is scrubbed before denial so the next attempt
		// starts clean.
		g.coordinator.ForceLogout(ctx)
		return ErrTokenExpired
	}

	wait, cancel := context.WithTimeout(ctx, g.cfg.GetGuardTimeout())
	defer cancel()

	if _, ok := g.coordinator.AwaitPresence(wait); !ok {
		return ErrTokenMissing
	}

	if !g.coordinator.IsAuthenticated() {
		return ErrTokenMissing
	}

	return nil
}

// RequireAnonymous reports whether the caller holds no live session. It fails
// open: unresolved session state admits, and an expired leftover token is
// scrubbed on the way through.
func (g *RouteGuard) RequireAnonymous(ctx context.Context) bool {
	wait, cancel := context.WithTimeout(ctx, g.cfg.GetGuardTimeout())
	defer cancel()
	g.coordinator.AwaitPresence(wait)

	if g.coordinator.IsAuthenticated() {
		return false
	}

	if token, _, err := g.coordinator.store.Session(ctx); err == nil && token != "" {
		if _, ok := g.coordinator.ValidToken(ctx); !ok {
			if err := g.coordinator.store.ClearSession(ctx); err != nil {
				g.Logger.Warn("failed to clear expired session: %v", err)
			}
		}
	}

	return true
}

// Protected admits only live sessions. The guard takes a single bounded look
// at session state; it never subscribes past its own evaluation.
func (g *RouteGuard) Protected() router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if err := g.RequireAuthenticated(ctx.Context()); err != nil {
				g.Logger.Warn("denying %s: %v", ctx.OriginalURL(), err)
				return g.AuthErrorHandler(ctx, err)
			}

			if identity := g.coordinator.CurrentIdentity(); identity != nil {
				ctx.Locals(IdentityContextKey, identity)
			}

			return hf(ctx)
		}
	}
}

// AnonymousOnly bounces live sessions to the authenticated home route.
func (g *RouteGuard) AnonymousOnly() router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if !g.RequireAnonymous(ctx.Context()) {
				return ctx.Redirect(g.cfg.GetDashboardRoute(), http.StatusFound)
			}
			return hf(ctx)
		}
	}
}

// GetRedirect pops the rejected-route cookie, falling back to def.
func (g *RouteGuard) GetRedirect(ctx router.Context, def ...string) string {
	rejectedRoute := g.cfg.GetRejectedRouteKey()
	r := ctx.Cookies(rejectedRoute)
	if r == "" {
		return def[0]
	}
	g.cookieDel(ctx, rejectedRoute)
	return r
}

// GetRedirectOrDefault pops the rejected-route cookie, falling back to the
// referer and then the authenticated home route.
func (g *RouteGuard) GetRedirectOrDefault(ctx router.Context) string {
	rejectedRoute := g.cfg.GetRejectedRouteKey()
	refererHeader := string(ctx.Referer())

	r := ctx.Cookies(rejectedRoute, refererHeader)
	if r == "" {
		r = g.cfg.GetDashboardRoute()
	}
	g.cookieDel(ctx, rejectedRoute)
	return r
}

// SetRedirect records the denied route so a successful login can resume it.
func (g *RouteGuard) SetRedirect(ctx router.Context) {
	rejectedRoute := g.cfg.GetRejectedRouteKey()

	g.Logger.Info("setting redirect cookie key=%s path=%s", rejectedRoute, ctx.OriginalURL())

	ctx.Cookie(&router.Cookie{
		Name:     rejectedRoute,
		Value:    ctx.OriginalURL(),
		Expires:  time.Now().Add(time.Minute * 5),
		HTTPOnly: true,
		Secure:   true,
		SameSite: "Lax",
	})
}

func (g *RouteGuard) cookieDel(c router.Context, name string) {
	c.Cookie(&router.Cookie{
		Name:     name,
		Value:    "",
		Expires:  time.Now().Add(-time.Hour * (24 * 365)),
		HTTPOnly: true,
		Secure:   true,
		SameSite: "Lax",
	})
}

func (g *RouteGuard) defaultAuthErrHandler(c router.Context, err error) error {
	var richErr *errors.Error
	if !errors.As(err, &richErr) {
		richErr = errors.Wrap(err, errors.CategoryAuth, "An unexpected authentication error").
			WithCode(errors.CodeUnauthorized)
	}

	g.Logger.Info(
		"denying route, redirecting to login: error=%s text_code=%s path=%s",
		richErr.Message,
		richErr.TextCode,
		c.OriginalURL(),
	)

	g.SetRedirect(c)

	statusCode := http.StatusSeeOther
	if c.Method() == string(router.GET) {
		statusCode = http.StatusFound
	}
	return c.Redirect(g.cfg.GetLoginRoute(), statusCode)
}
