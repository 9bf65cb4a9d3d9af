package session

import (
	"io"
	"net/http"
	"strings"

	"github.com/goliatone/go-errors"
)

// Transport is an http.RoundTripper that attaches the session token to
// outgoing API requests and retries exactly once on a 401 after refreshing.
// Requests to the auth endpoints pass through untouched. A 403 is surfaced
// as-is; only a confirmed-dead token ends the session.
type Transport struct {
	coordinator *Coordinator
	cfg         Config
	base        http.RoundTripper
	logger      Logger
}

func NewTransport(coordinator *Coordinator, cfg Config) *Transport {
	return &Transport{
		coordinator: coordinator,
		cfg:         cfg,
		base:        http.DefaultTransport,
		logger:      defLogger{},
	}
}

func (t *Transport) WithBase(base http.RoundTripper) *Transport {
	if base != nil {
		t.base = base
	}
	return t
}

func (t *Transport) WithLogger(logger Logger) *Transport {
	if logger != nil {
		t.logger = logger
	}
	return t
}

// Client returns an http.Client wired through this transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.exempt(req.URL.Path) {
		return t.base.RoundTrip(req)
	}

	token, ok := t.coordinator.ValidToken(req.Context())
	if !ok {
		// No live token means the request cannot succeed. Fail it locally
		// and ask for a single redirect to the anonymous entry point rather
		// than spraying unauthenticated calls at the backend.
		t.logger.Warn("no valid token for %s %s, short-circuiting", req.Method, req.URL.Path)
		t.coordinator.requestRedirect()
		return nil, ErrTokenMissing
	}

	resp, err := t.base.RoundTrip(t.withBearer(req, token))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// One refresh, one retry. The response body is drained so the
	// underlying connection can be reused.
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	fresh := t.coordinator.RefreshTokenIfNeeded(req.Context())
	if fresh == "" {
		t.logger.Info("401 on %s and refresh failed, ending session", req.URL.Path)
		t.coordinator.ForceLogout(req.Context())
		return nil, ErrRefreshFailed
	}

	retry, err := t.rewind(req)
	if err != nil {
		return nil, err
	}

	retryResp, err := t.base.RoundTrip(t.withBearer(retry, fresh))
	if err != nil {
		return nil, err
	}

	if retryResp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, retryResp.Body)
		retryResp.Body.Close()

		t.logger.Info("401 persisted after refresh on %s, ending session", req.URL.Path)
		t.coordinator.ForceLogout(req.Context())
		return nil, ErrTokenExpired
	}

	return retryResp, nil
}

func (t *Transport) exempt(path string) bool {
	for _, p := range t.cfg.GetAuthPaths() {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// withBearer clones the request before mutating headers. RoundTrippers must
// not modify the caller's request.
func (t *Transport) withBearer(req *http.Request, token string) *http.Request {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return clone
}

// rewind produces a replayable copy of req for the retry. Requests with a
// consumed one-shot body cannot be retried.
func (t *Transport) rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed for retry", errors.CategoryInternal).
			WithCode(errors.CodeInternal)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}
