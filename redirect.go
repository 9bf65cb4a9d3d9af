package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RedirectGuard deduplicates navigation to the anonymous entry point when
// several in-flight requests fail at once. Arm is first-wins; the arm holds
// until the entry point disarms it or the TTL lapses, so an abandoned
// navigation cannot wedge future redirects.
type RedirectGuard struct {
	mu      sync.Mutex
	nonce   uuid.UUID
	armedAt time.Time
	ttl     time.Duration
	now     func() time.Time
}

type RedirectGuardOption func(*RedirectGuard)

// WithRedirectGuardClock injects a custom clock (useful for tests).
func WithRedirectGuardClock(clock func() time.Time) RedirectGuardOption {
	return func(g *RedirectGuard) {
		if clock != nil {
			g.now = clock
		}
	}
}

func NewRedirectGuard(ttl time.Duration, opts ...RedirectGuardOption) *RedirectGuard {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	g := &RedirectGuard{
		ttl: ttl,
		now: time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	return g
}

// Arm requests a redirect. It returns the redirect nonce and true for the
// first caller in a window; concurrent and repeat callers get false.
func (g *RedirectGuard) Arm() (uuid.UUID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.armed() {
		return g.nonce, false
	}

	g.nonce = uuid.New()
	g.armedAt = g.now()
	return g.nonce, true
}

// Disarm clears the arm. The anonymous entry point calls this when its own
// initialization runs, re-enabling future redirects.
func (g *RedirectGuard) Disarm() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nonce = uuid.Nil
	g.armedAt = time.Time{}
}

// Armed reports whether a redirect is pending and not yet expired.
func (g *RedirectGuard) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.armed()
}

func (g *RedirectGuard) armed() bool {
	if g.armedAt.IsZero() {
		return false
	}
	return g.now().Sub(g.armedAt) < g.ttl
}
