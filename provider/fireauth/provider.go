package fireauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/vallegrande/go-session"
)

// tokenSlack is subtracted from the cached expiry so callers never receive a
// token about to lapse mid-flight.
const tokenSlack = time.Minute

// Provider implements session.IdentityProvider against the Firebase Auth
// REST API. It tracks one signed-in account at a time and publishes presence
// changes to attached watchers.
type Provider struct {
	cfg    Config
	client *http.Client
	logger session.Logger
	now    func() time.Time

	mu      sync.Mutex
	current *account
	subs    map[int]chan session.PresenceEvent
	nextSub int
}

type account struct {
	id           string
	email        string
	displayName  string
	idToken      string
	refreshToken string
	tokenExp     time.Time
}

// New returns a Provider. The config's API key is required.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("fireauth: API key is required")
	}

	return &Provider{
		cfg:    cfg,
		client: cfg.client(),
		now:    time.Now,
		subs:   map[int]chan session.PresenceEvent{},
	}, nil
}

func (p *Provider) WithLogger(logger session.Logger) *Provider {
	if logger != nil {
		p.logger = logger
	}
	return p
}

type authPayload struct {
	Email             string `json:"email,omitempty"`
	Password          string `json:"password,omitempty"`
	DisplayName       string `json:"displayName,omitempty"`
	IDToken           string `json:"idToken,omitempty"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

type authResult struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

// SignIn implements session.IdentityProvider.
func (p *Provider) SignIn(ctx context.Context, identifier, secret string) (session.Identity, error) {
	res := &authResult{}
	payload := authPayload{Email: identifier, Password: secret, ReturnSecureToken: true}

	if err := p.post(ctx, p.endpoint("accounts:signInWithPassword"), payload, res); err != nil {
		return nil, err
	}

	return p.establish(res), nil
}

// SignUp implements session.IdentityProvider. The display name is written in
// a follow-up profile update, matching how the REST API splits account
// creation from profile data.
func (p *Provider) SignUp(ctx context.Context, identifier, displayName, secret string) (session.Identity, error) {
	res := &authResult{}
	payload := authPayload{Email: identifier, Password: secret, ReturnSecureToken: true}

	if err := p.post(ctx, p.endpoint("accounts:signUp"), payload, res); err != nil {
		return nil, err
	}

	if displayName != "" {
		update := &authResult{}
		err := p.post(ctx, p.endpoint("accounts:update"), authPayload{
			IDToken:     res.IDToken,
			DisplayName: displayName,
		}, update)
		if err != nil {
			p.warn("profile update failed for new account: %v", err)
		} else {
			res.DisplayName = update.DisplayName
		}
	}

	return p.establish(res), nil
}

// SignOut implements session.IdentityProvider. The REST API has no sign-out
// call, forgetting the refresh token locally ends the session.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()

	p.publish(session.PresenceEvent{})
	return nil
}

// FreshToken implements session.IdentityProvider. Without force it serves
// the cached token while its expiry holds.
func (p *Provider) FreshToken(ctx context.Context, force bool) (string, error) {
	p.mu.Lock()
	current := p.current
	if current == nil {
		p.mu.Unlock()
		return "", nil
	}

	if !force && current.tokenExp.After(p.now().Add(tokenSlack)) {
		token := current.idToken
		p.mu.Unlock()
		return token, nil
	}
	refreshToken := current.refreshToken
	p.mu.Unlock()

	res := &refreshResult{}
	payload := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}

	url := fmt.Sprintf("%s/v1/token?key=%s", p.cfg.tokenURL(), p.cfg.APIKey)
	if err := p.post(ctx, url, payload, res); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Sign-out may have raced the refresh call.
	if p.current == nil {
		return "", nil
	}

	p.current.idToken = res.IDToken
	if res.RefreshToken != "" {
		p.current.refreshToken = res.RefreshToken
	}
	p.current.tokenExp = p.tokenExpiry(res.IDToken, res.ExpiresIn)

	return res.IDToken, nil
}

type refreshResult struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
}

// Watch implements session.IdentityProvider. The channel receives the
// current presence immediately, then one event per change.
func (p *Provider) Watch(ctx context.Context) (<-chan session.PresenceEvent, func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++

	ch := make(chan session.PresenceEvent, 4)
	p.subs[id] = ch

	snapshot := session.PresenceEvent{}
	if p.current != nil {
		snapshot.Identity = p.current.identity()
	}
	p.mu.Unlock()

	ch <- snapshot

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if sub, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(sub)
			}
		})
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return ch, cancel
}

func (p *Provider) establish(res *authResult) session.Identity {
	acct := &account{
		id:           res.LocalID,
		email:        res.Email,
		displayName:  res.DisplayName,
		idToken:      res.IDToken,
		refreshToken: res.RefreshToken,
		tokenExp:     p.tokenExpiry(res.IDToken, res.ExpiresIn),
	}

	p.mu.Lock()
	p.current = acct
	p.mu.Unlock()

	identity := acct.identity()
	p.publish(session.PresenceEvent{Identity: identity})
	return identity
}

func (p *Provider) publish(ev session.PresenceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// tokenExpiry prefers the exp claim baked into the token itself, falling
// back to the expiresIn the API reported.
func (p *Provider) tokenExpiry(token, expiresIn string) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}

	if secs, err := strconv.Atoi(expiresIn); err == nil && secs > 0 {
		return p.now().Add(time.Duration(secs) * time.Second)
	}

	return p.now().Add(time.Hour)
}

func (p *Provider) endpoint(method string) string {
	return fmt.Sprintf("%s/v1/%s?key=%s", p.cfg.baseURL(), method, p.cfg.APIKey)
}

func (p *Provider) post(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fireauth: failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fireauth: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fireauth: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("fireauth: failed to decode response: %w", err)
	}

	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	apiErr := &APIError{Status: resp.StatusCode, Message: "UNKNOWN_ERROR"}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error.Message != "" {
		apiErr.Message = body.Error.Message
	}

	return apiErr
}

func (p *Provider) warn(format string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(format, args...)
	}
}

func (a *account) identity() session.Identity {
	return &userIdentity{id: a.id, email: a.email, displayName: a.displayName}
}

// userIdentity implements session.Identity for a Firebase account.
type userIdentity struct {
	id          string
	email       string
	displayName string
}

func (u *userIdentity) ID() string          { return u.id }
func (u *userIdentity) Email() string       { return u.email }
func (u *userIdentity) DisplayName() string { return u.displayName }
