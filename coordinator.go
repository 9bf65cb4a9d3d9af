package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
)

// Coordinator owns derived authentication state: the current identity, the
// persisted token and expiry, and the observable "is authenticated" stream.
// All session mutation funnels through it; guards and the transport only read
// or ask it to clear.
type Coordinator struct {
	provider        IdentityProvider
	store           Store
	verifier        *BackendVerifier
	cfg             Config
	logger          Logger
	machine         *stateMachine
	redirect        *RedirectGuard
	redirectHandler func(nonce uuid.UUID)
	now             func() time.Time

	// authInProgress serializes login/register. It deliberately does not
	// cover logout or refresh, which must stay available to unwind a stuck
	// session.
	authInProgress atomic.Bool

	mu          sync.RWMutex
	state       State
	current     Identity
	backendUp   bool
	initialized bool

	watchOnce   sync.Once
	watchCancel func()
	initOnce    sync.Once
	initDone    chan struct{}

	subMu      sync.Mutex
	subs       map[int]chan bool
	nextSub    int
	lastAuthed *bool
}

// NewCoordinator returns a Coordinator. Call Start to attach the provider's
// presence listener; login/logout work without Start for one-shot use.
func NewCoordinator(provider IdentityProvider, store Store, cfg Config) *Coordinator {
	return &Coordinator{
		provider: provider,
		store:    store,
		cfg:      cfg,
		logger:   defLogger{},
		machine:  newStateMachine(),
		redirect: NewRedirectGuard(cfg.GetRedirectTTL()),
		now:      time.Now,
		state:    StateUninitialized,
		initDone: make(chan struct{}),
		subs:     map[int]chan bool{},
	}
}

func (c *Coordinator) WithLogger(logger Logger) *Coordinator {
	if logger != nil {
		c.logger = logger
		c.machine = newStateMachine(WithStateMachineLogger(logger))
	}
	return c
}

// WithVerifier wires the backend verifier. Without one, every verification
// degrades to trusting local provider state.
func (c *Coordinator) WithVerifier(v *BackendVerifier) *Coordinator {
	c.verifier = v
	return c
}

// WithClock injects a custom clock (useful for tests).
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	if clock != nil {
		c.now = clock
		c.redirect = NewRedirectGuard(c.cfg.GetRedirectTTL(), WithRedirectGuardClock(clock))
	}
	return c
}

// WithRedirectHandler registers the navigation hook invoked at most once per
// redirect window when a session is forcibly ended.
func (c *Coordinator) WithRedirectHandler(fn func(nonce uuid.UUID)) *Coordinator {
	c.redirectHandler = fn
	return c
}

// Redirect exposes the redirect-loop guard so the anonymous entry point can
// disarm it during its own initialization.
func (c *Coordinator) Redirect() *RedirectGuard {
	return c.redirect
}

// Start attaches the identity provider presence listener exactly once and,
// when a verifier is configured, probes backend liveness. Repeat calls are
// no-ops.
func (c *Coordinator) Start(ctx context.Context) {
	c.watchOnce.Do(func() {
		c.setState(StateInitializing)

		events, cancel := c.provider.Watch(ctx)
		c.watchCancel = cancel
		go c.watchLoop(ctx, events)

		if c.verifier != nil {
			go c.probeBackend(ctx)
		}
	})
}

// Stop detaches the presence listener. State is kept; a stopped coordinator
// still answers IsAuthenticated from local state.
func (c *Coordinator) Stop() {
	if c.watchCancel != nil {
		c.watchCancel()
	}
}

func (c *Coordinator) watchLoop(ctx context.Context, events <-chan PresenceEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handlePresence(ctx, ev)
		}
	}
}

func (c *Coordinator) handlePresence(ctx context.Context, ev PresenceEvent) {
	if ev.Identity == nil {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()

		// A token without a provider user is stale; scrub it.
		if token, _, err := c.store.Session(ctx); err == nil && token != "" {
			if err := c.store.ClearSession(ctx); err != nil {
				c.logger.Warn("failed to clear stale session: %v", err)
			}
		}

		c.setState(StateUnauthenticated)
		c.markInitialized()
		c.publish(false)
		return
	}

	c.mu.Lock()
	c.current = ev.Identity
	c.mu.Unlock()

	// A stored token that has not expired is good as is; the provider is
	// only asked for a fresh one when the local token is missing or stale.
	if _, ok := c.ValidToken(ctx); ok {
		c.setState(StateAuthenticated)
		c.markInitialized()
		c.publish(true)
		return
	}

	if token := c.RefreshTokenIfNeeded(ctx); token == "" {
		c.setState(StateUnauthenticated)
		c.markInitialized()
		c.publish(false)
		return
	}

	c.setState(StateAuthenticated)
	c.markInitialized()
	c.publish(true)
}

// Login signs the user in with the identity provider, persists the token and
// default expiry, then verifies with the backend best-effort. Provider
// rejections come back classified; backend failures never roll the local
// session back.
func (c *Coordinator) Login(ctx context.Context, identifier, secret string) (Identity, error) {
	if !c.authInProgress.CompareAndSwap(false, true) {
		return nil, ErrConcurrentOperation
	}
	defer c.authInProgress.Store(false)

	identity, err := c.provider.SignIn(ctx, identifier, secret)
	if err != nil {
		rich := ClassifyProviderError(err)
		c.logger.Error("login rejected by identity provider: %v", rich)
		c.setState(StateUnauthenticated)
		return nil, rich
	}

	token, err := c.establishSession(ctx, identity)
	if err != nil {
		return nil, err
	}

	if c.verifier != nil && c.BackendAvailable() {
		resp, err := c.verifier.Login(ctx, token, identifier)
		switch {
		case err != nil:
			c.logger.Warn("backend login verification failed: %v", err)
		case resp.ExpiresIn > 0:
			expiry := c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
			if err := c.store.SetSession(ctx, token, expiry); err != nil {
				c.logger.Warn("failed to extend session expiry: %v", err)
			}
		}
	}

	return identity, nil
}

// Register creates the provider account, establishes a session, and asks the
// backend to create the matching account record. Provider-side creation is
// the success signal; a backend failure degrades to a warning.
func (c *Coordinator) Register(ctx context.Context, identifier, displayName, secret string) (Identity, error) {
	if !c.authInProgress.CompareAndSwap(false, true) {
		return nil, ErrConcurrentOperation
	}
	defer c.authInProgress.Store(false)

	identity, err := c.provider.SignUp(ctx, identifier, displayName, secret)
	if err != nil {
		rich := ClassifyProviderError(err)
		c.logger.Error("registration rejected by identity provider: %v", rich)
		c.setState(StateUnauthenticated)
		return nil, rich
	}

	token, err := c.establishSession(ctx, identity)
	if err != nil {
		return nil, err
	}

	if c.verifier == nil || !c.BackendAvailable() {
		c.logger.Info("backend unavailable, account record creation deferred for %s", identifier)
		return identity, nil
	}

	payload := RegisterAccountPayload{
		Identifier:  identifier,
		DisplayName: displayName,
	}
	if id, err := hashid.NewUUID(identifier); err == nil {
		payload.AccountID = id
	}

	if _, err := c.verifier.Register(ctx, token, payload); err != nil {
		c.logger.Warn("backend account record creation failed: %v", err)
	}

	return identity, nil
}

func (c *Coordinator) establishSession(ctx context.Context, identity Identity) (string, error) {
	token, err := c.provider.FreshToken(ctx, true)
	if err != nil || token == "" {
		rich := ClassifyProviderError(err)
		if err == nil {
			rich = ErrRefreshFailed
		}
		c.logger.Error("could not obtain token after sign-in: %v", rich)
		c.setState(StateUnauthenticated)
		return "", rich
	}

	expiry := c.now().Add(c.cfg.GetTokenValidity())
	if err := c.store.SetSession(ctx, token, expiry); err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "failed to persist session")
	}

	c.mu.Lock()
	c.current = identity
	c.mu.Unlock()

	c.setState(StateAuthenticated)
	c.markInitialized()
	c.publish(true)

	return token, nil
}

// Logout clears the token and expiry unconditionally before the provider
// sign-out, so local state reads logged-out even if sign-out itself fails.
func (c *Coordinator) Logout(ctx context.Context) error {
	if err := c.store.ClearSession(ctx); err != nil {
		c.logger.Warn("failed to clear session on logout: %v", err)
	}

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()

	c.setState(StateUnauthenticated)
	c.publish(false)

	// Remembered credentials survive only when the user opted in.
	if creds, err := c.store.RememberedCredentials(ctx); err == nil && creds == nil {
		if err := c.store.ClearRememberedCredentials(ctx); err != nil {
			c.logger.Warn("failed to scrub remembered credentials: %v", err)
		}
	}

	if err := c.provider.SignOut(ctx); err != nil {
		c.logger.Error("provider sign-out failed: %v", err)
		return errors.Wrap(err, errors.CategoryOperation, "provider sign-out failed")
	}

	return nil
}

// IsAuthenticated is a pure function of current local state: identity
// present, token present, expiry in the future. While initialization is in
// flight it trusts the persisted token alone.
func (c *Coordinator) IsAuthenticated() bool {
	c.mu.RLock()
	initialized := c.initialized
	current := c.current
	c.mu.RUnlock()

	token, expiry, err := c.store.Session(context.Background())
	if err != nil {
		return false
	}

	valid := token != "" && expiry.After(c.now())
	if !initialized {
		return valid
	}

	return current != nil && valid
}

// ValidToken returns the stored token when it exists and has not expired.
func (c *Coordinator) ValidToken(ctx context.Context) (string, bool) {
	token, expiry, err := c.store.Session(ctx)
	if err != nil || token == "" {
		return "", false
	}
	if !expiry.After(c.now()) {
		return "", false
	}
	return token, true
}

// TokenNearExpiry reports whether the stored expiry falls inside the
// near-expiry window, warranting a proactive refresh.
func (c *Coordinator) TokenNearExpiry(ctx context.Context) bool {
	_, expiry, err := c.store.Session(ctx)
	if err != nil || expiry.IsZero() {
		return true
	}
	return expiry.Sub(c.now()) < c.cfg.GetNearExpiryWindow()
}

// RefreshTokenIfNeeded obtains a fresh token from the identity provider when
// a live session exists. It is idempotent, returns "" on no-session or
// provider failure, and never returns an error.
func (c *Coordinator) RefreshTokenIfNeeded(ctx context.Context) string {
	c.mu.RLock()
	current := c.current
	wasAuthed := c.state == StateAuthenticated
	c.mu.RUnlock()

	if current == nil {
		return ""
	}

	if wasAuthed {
		c.setState(StateRefreshing)
	}

	token, err := c.provider.FreshToken(ctx, true)
	if err != nil || token == "" {
		if err != nil {
			c.logger.Warn("token refresh failed: %v", err)
		}
		if c.State() == StateRefreshing {
			if clearErr := c.store.ClearSession(ctx); clearErr != nil {
				c.logger.Warn("failed to clear session after refresh failure: %v", clearErr)
			}
			c.setState(StateUnauthenticated)
			c.publish(false)
		}
		return ""
	}

	// A refresh that lands after logout must not resurrect the session.
	c.mu.RLock()
	stillLive := c.current != nil
	c.mu.RUnlock()
	if !stillLive {
		return ""
	}

	expiry := c.now().Add(c.cfg.GetTokenValidity())
	if err := c.store.SetSession(ctx, token, expiry); err != nil {
		c.logger.Error("failed to persist refreshed token: %v", err)
		return ""
	}

	if c.State() == StateRefreshing {
		c.setState(StateAuthenticated)
	}

	return token
}

// VerifyTokenWithBackend double-checks the session against the backend. On a
// 401 it attempts exactly one refresh before forcing logout. Any other
// failure, or an unavailable backend, degrades to local success.
func (c *Coordinator) VerifyTokenWithBackend(ctx context.Context) (*AuthResponse, error) {
	if c.verifier == nil || !c.BackendAvailable() {
		return &AuthResponse{Success: true, Message: "backend unavailable, trusting local session"}, nil
	}

	token, ok := c.ValidToken(ctx)
	if !ok {
		c.mu.RLock()
		hasUser := c.current != nil
		c.mu.RUnlock()

		if !hasUser {
			return nil, ErrTokenMissing
		}
		if token = c.RefreshTokenIfNeeded(ctx); token == "" {
			return nil, ErrRefreshFailed
		}
		return &AuthResponse{Success: true, Message: "token regenerated"}, nil
	}

	resp, err := c.verifier.VerifyToken(ctx, token)
	if err == nil {
		if resp.ExpiresIn > 0 {
			expiry := c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
			if err := c.store.SetSession(ctx, token, expiry); err != nil {
				c.logger.Warn("failed to extend session expiry: %v", err)
			}
		}
		return resp, nil
	}

	if IsTokenExpiredError(err) {
		if newToken := c.RefreshTokenIfNeeded(ctx); newToken != "" {
			return &AuthResponse{Success: true, Message: "token refreshed"}, nil
		}
		c.ForceLogout(ctx)
		return nil, ErrRefreshFailed
	}

	c.logger.Warn("token verification degraded to local trust: %v", err)
	return &AuthResponse{Success: true, Message: "backend verification failed, trusting local session"}, nil
}

// ForceLogout ends the session without consulting the provider and requests
// a single redirect to the anonymous entry point.
func (c *Coordinator) ForceLogout(ctx context.Context) {
	if err := c.store.ClearSession(ctx); err != nil {
		c.logger.Warn("failed to clear session on forced logout: %v", err)
	}

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()

	c.setState(StateUnauthenticated)
	c.publish(false)
	c.requestRedirect()
}

// CheckBackend probes backend liveness and records the result for this
// process lifetime. The flag is never persisted.
func (c *Coordinator) CheckBackend(ctx context.Context) bool {
	up := c.verifier != nil && c.verifier.HealthCheck(ctx)

	c.mu.Lock()
	c.backendUp = up
	c.mu.Unlock()

	return up
}

func (c *Coordinator) BackendAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backendUp
}

// CurrentIdentity returns the identity the provider last reported, if any.
func (c *Coordinator) CurrentIdentity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// AwaitPresence blocks until the first presence event has resolved, then
// returns the current identity. It is bounded by ctx: guards use it to take
// exactly one value without hanging on a silent provider.
func (c *Coordinator) AwaitPresence(ctx context.Context) (Identity, bool) {
	select {
	case <-c.initDone:
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.current, true
	case <-ctx.Done():
		return nil, false
	}
}

// Subscribe returns a stream of authentication snapshots with at-most-once
// delivery per state change, plus an unsubscribe func. Slow consumers miss
// intermediate values rather than blocking the coordinator.
func (c *Coordinator) Subscribe() (<-chan bool, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++

	ch := make(chan bool, 1)
	c.subs[id] = ch

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *Coordinator) publish(authed bool) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.lastAuthed != nil && *c.lastAuthed == authed {
		return
	}
	v := authed
	c.lastAuthed = &v

	for _, ch := range c.subs {
		select {
		case ch <- authed:
		default:
		}
	}
}

func (c *Coordinator) setState(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := c.machine.transition(c.state, to)
	if err != nil {
		c.logger.Warn("dropped session transition: %v", err)
		return
	}
	c.state = next
}

func (c *Coordinator) markInitialized() {
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.initOnce.Do(func() {
		close(c.initDone)
	})
}

func (c *Coordinator) probeBackend(ctx context.Context) {
	c.CheckBackend(ctx)
}

func (c *Coordinator) requestRedirect() {
	nonce, ok := c.redirect.Arm()
	if !ok {
		c.logger.Debug("redirect already pending, suppressing duplicate")
		return
	}

	c.logger.Info("redirecting to anonymous entry point, nonce=%s", nonce)
	if c.redirectHandler != nil {
		c.redirectHandler(nonce)
	}
}
