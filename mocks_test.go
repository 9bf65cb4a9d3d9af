package session_test

import (
	"context"
	"io"
	"mime/multipart"
	"sync"
	"time"

	"github.com/goliatone/go-router"
	"github.com/stretchr/testify/mock"
	"github.com/vallegrande/go-session"
)

// testIdentity implements session.Identity
type testIdentity struct {
	id          string
	email       string
	displayName string
}

func (t *testIdentity) ID() string          { return t.id }
func (t *testIdentity) Email() string       { return t.email }
func (t *testIdentity) DisplayName() string { return t.displayName }

func newTestIdentity(email string) *testIdentity {
	return &testIdentity{id: "uid-" + email, email: email, displayName: "Test User"}
}

// providerError implements session.ProviderError
type providerError struct {
	code string
}

func (e *providerError) Error() string { return "provider rejected: " + e.code }
func (e *providerError) Code() string  { return e.code }

// fakeProvider is a controllable session.IdentityProvider. Tests drive it
// through its fields and the emit helper.
type fakeProvider struct {
	mu sync.Mutex

	identity session.Identity

	signInErr error
	signUpErr error

	token    string
	tokenErr error

	// signInHook and freshTokenHook, when set, run inside the matching call
	// before it returns. Tests use them to hold an operation mid-flight.
	signInHook     func()
	freshTokenHook func()

	signInCalls  int
	refreshCalls int
	signOutCalls int

	subs []chan session.PresenceEvent
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{token: "token-1"}
}

func (p *fakeProvider) SignIn(ctx context.Context, identifier, secret string) (session.Identity, error) {
	p.mu.Lock()
	p.signInCalls++
	err := p.signInErr
	hook := p.signInHook
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}

	identity := newTestIdentity(identifier)
	p.mu.Lock()
	p.identity = identity
	p.mu.Unlock()
	return identity, nil
}

func (p *fakeProvider) SignUp(ctx context.Context, identifier, displayName, secret string) (session.Identity, error) {
	p.mu.Lock()
	err := p.signUpErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	identity := &testIdentity{id: "uid-" + identifier, email: identifier, displayName: displayName}
	p.mu.Lock()
	p.identity = identity
	p.mu.Unlock()
	return identity, nil
}

func (p *fakeProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.signOutCalls++
	p.identity = nil
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) FreshToken(ctx context.Context, force bool) (string, error) {
	p.mu.Lock()
	p.refreshCalls++
	hook := p.freshTokenHook
	token := p.token
	err := p.tokenErr
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

func (p *fakeProvider) Watch(ctx context.Context) (<-chan session.PresenceEvent, func()) {
	ch := make(chan session.PresenceEvent, 8)

	p.mu.Lock()
	p.subs = append(p.subs, ch)
	ch <- session.PresenceEvent{Identity: p.identity}
	p.mu.Unlock()

	return ch, func() {}
}

func (p *fakeProvider) emit(identity session.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.identity = identity
	for _, ch := range p.subs {
		ch <- session.PresenceEvent{Identity: identity}
	}
}

func (p *fakeProvider) setToken(token string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
	p.tokenErr = err
}

func (p *fakeProvider) setSignInHook(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signInHook = fn
}

func (p *fakeProvider) setFreshTokenHook(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freshTokenHook = fn
}

func (p *fakeProvider) signInCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signInCalls
}

func (p *fakeProvider) signOutCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signOutCalls
}

func (p *fakeProvider) refreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}

// testConfig wraps a Config with per-field overrides.
type testConfig struct {
	session.Config
	guardTimeout  time.Duration
	redirectTTL   time.Duration
	healthTimeout time.Duration
	authPaths     []string
	apiBaseURL    string
}

func newTestConfig() *testConfig {
	return &testConfig{
		Config:       session.DefaultConfig(""),
		guardTimeout: 50 * time.Millisecond,
	}
}

func (c *testConfig) GetGuardTimeout() time.Duration {
	if c.guardTimeout > 0 {
		return c.guardTimeout
	}
	return c.Config.GetGuardTimeout()
}

func (c *testConfig) GetRedirectTTL() time.Duration {
	if c.redirectTTL > 0 {
		return c.redirectTTL
	}
	return c.Config.GetRedirectTTL()
}

func (c *testConfig) GetHealthCheckTimeout() time.Duration {
	if c.healthTimeout > 0 {
		return c.healthTimeout
	}
	return c.Config.GetHealthCheckTimeout()
}

func (c *testConfig) GetAuthPaths() []string {
	if len(c.authPaths) > 0 {
		return c.authPaths
	}
	return c.Config.GetAuthPaths()
}

func (c *testConfig) GetAPIBaseURL() string {
	if c.apiBaseURL != "" {
		return c.apiBaseURL
	}
	return c.Config.GetAPIBaseURL()
}

// discardLogger silences coordinator output in tests.
type discardLogger struct{}

func (discardLogger) Debug(format string, args ...any) {}
func (discardLogger) Info(format string, args ...any)  {}
func (discardLogger) Warn(format string, args ...any)  {}
func (discardLogger) Error(format string, args ...any) {}

// MockContext mocks router.Context
type MockContext struct {
	mock.Mock
	NextCalled bool
}

func (m *MockContext) Next() error {
	m.NextCalled = true
	return nil
}

func (m *MockContext) Context() context.Context {
	args := m.Called()
	c, ok := args.Get(0).(context.Context)
	if !ok {
		panic("arg needs to be context.Context")
	}
	return c
}

func (m *MockContext) SetContext(ctx context.Context) {
	m.Called(ctx)
}

func (m *MockContext) Path() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockContext) Method() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockContext) Body() []byte {
	args := m.Called()
	return args.Get(0).([]byte)
}

func (m *MockContext) Status(code int) router.Context {
	m.Called(code)
	return m
}

func (m *MockContext) SendString(s string) error {
	args := m.Called(s)
	return args.Error(0)
}

func (m *MockContext) Send(b []byte) error {
	args := m.Called(b)
	return args.Error(0)
}

func (m *MockContext) JSON(code int, val any) error {
	args := m.Called(code, val)
	return args.Error(0)
}

func (m *MockContext) NoContent(code int) error {
	args := m.Called(code)
	return args.Error(0)
}

func (m *MockContext) Render(name string, bind any, layout ...string) error {
	if len(layout) > 0 {
		args := m.Called(name, bind, layout[0])
		return args.Error(0)
	}
	args := m.Called(name, bind)
	return args.Error(0)
}

func (m *MockContext) Redirect(path string, status ...int) error {
	if len(status) > 0 {
		args := m.Called(path, status)
		return args.Error(0)
	}
	args := m.Called(path)
	return args.Error(0)
}

func (m *MockContext) RedirectToRoute(name string, data router.ViewContext, status ...int) error {
	if len(status) > 0 {
		args := m.Called(name, data, status[0])
		return args.Error(0)
	}
	args := m.Called(name, data)
	return args.Error(0)
}

func (m *MockContext) RedirectBack(fallback string, status ...int) error {
	if len(status) > 0 {
		args := m.Called(fallback, status)
		return args.Error(0)
	}
	args := m.Called(fallback)
	return args.Error(0)
}

func (m *MockContext) SetHeader(key, val string) router.Context {
	m.Called(key, val)
	return m
}

func (m *MockContext) Header(key string) string {
	args := m.Called(key)
	return args.String(0)
}

func (m *MockContext) Get(key string, defaultValue any) any {
	args := m.Called(key, defaultValue)
	return args.Get(0)
}

func (m *MockContext) GetBool(key string, defaultValue bool) bool {
	args := m.Called(key, defaultValue)
	return args.Bool(0)
}

func (m *MockContext) GetInt(key string, def int) int {
	args := m.Called(key, def)
	return args.Int(0)
}

func (m *MockContext) Set(key string, val any) {
	m.Called(key, val)
}

func (m *MockContext) Bind(i any) error {
	args := m.Called(i)
	return args.Error(0)
}

func (m *MockContext) BindJSON(i any) error {
	args := m.Called(i)
	return args.Error(0)
}

func (m *MockContext) BindXML(i any) error {
	args := m.Called(i)
	return args.Error(0)
}

func (m *MockContext) BindQuery(i any) error {
	args := m.Called(i)
	return args.Error(0)
}

func (m *MockContext) CookieParser(i any) error {
	args := m.Called(i)
	return args.Error(0)
}

func (m *MockContext) Cookie(cookie *router.Cookie) {
	m.Called(cookie)
}

func (m *MockContext) Cookies(key string, defaultValue ...string) string {
	if len(defaultValue) > 0 {
		args := m.Called(key, defaultValue[0])
		return args.String(0)
	}
	args := m.Called(key)
	return args.String(0)
}

func (m *MockContext) Param(key string, defaultValue ...string) string {
	if len(defaultValue) > 0 {
		args := m.Called(key, defaultValue[0])
		return args.String(0)
	}
	args := m.Called(key)
	return args.String(0)
}

func (m *MockContext) ParamsInt(key string, defaultValue int) int {
	args := m.Called(key, defaultValue)
	return args.Int(0)
}

func (m *MockContext) Query(key string, defaultValue ...string) string {
	if len(defaultValue) > 0 {
		args := m.Called(key, defaultValue[0])
		return args.String(0)
	}
	args := m.Called(key)
	return args.String(0)
}

func (m *MockContext) QueryValues(key string) []string {
	args := m.Called(key)
	vals, _ := args.Get(0).([]string)
	return vals
}

func (m *MockContext) QueryInt(key string, defaultValue int) int {
	args := m.Called(key, defaultValue)
	return args.Int(0)
}

func (m *MockContext) Queries() map[string]string {
	args := m.Called()
	return args.Get(0).(map[string]string)
}

func (m *MockContext) GetString(key string, defaultValue string) string {
	args := m.Called(key, defaultValue)
	return args.String(0)
}

func (m *MockContext) Locals(key any, value ...any) any {
	if len(value) > 0 {
		m.Called(key, value[0])
		return nil
	}
	args := m.Called(key)
	return args.Get(0)
}

func (m *MockContext) OriginalURL() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockContext) OnNext(callback func() error) {
	m.Called(callback)
}

func (m *MockContext) Referer() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockContext) FormFile(key string) (*multipart.FileHeader, error) {
	args := m.Called(key)
	fh, _ := args.Get(0).(*multipart.FileHeader)
	return fh, args.Error(1)
}

func (m *MockContext) FormValue(key string, defaultValue ...string) string {
	if len(defaultValue) > 0 {
		args := m.Called(key, defaultValue[0])
		return args.String(0)
	}
	args := m.Called(key)
	return args.String(0)
}

func (m *MockContext) IP() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockContext) LocalsMerge(key any, value map[string]any) map[string]any {
	args := m.Called(key, value)
	merged, _ := args.Get(0).(map[string]any)
	return merged
}

func (m *MockContext) RouteName() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockContext) RouteParams() map[string]string {
	args := m.Called()
	params, _ := args.Get(0).(map[string]string)
	return params
}

func (m *MockContext) SendStatus(code int) error {
	args := m.Called(code)
	return args.Error(0)
}

func (m *MockContext) SendStream(r io.Reader) error {
	args := m.Called(r)
	return args.Error(0)
}
