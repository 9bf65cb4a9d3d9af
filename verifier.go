package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// AuthResponse is the body the verification backend returns from its auth
// endpoints. ExpiresIn, when present, is the session validity in seconds.
type AuthResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	ExpiresIn int    `json:"expiresIn,omitempty"`
}

// RegisterAccountPayload is what we send the backend to create the account
// record matching a provider-side registration.
type RegisterAccountPayload struct {
	Identifier  string    `json:"identifier"`
	DisplayName string    `json:"displayName"`
	AccountID   uuid.UUID `json:"accountId,omitempty"`
}

// BackendVerifier double-checks provider tokens against the application
// backend. Every method degrades gracefully: the verifier reports failures,
// it never decides to end a session on its own.
type BackendVerifier struct {
	baseURL       string
	client        *http.Client
	healthTimeout time.Duration
	logger        Logger
}

func NewBackendVerifier(cfg Config) *BackendVerifier {
	timeout := cfg.GetHealthCheckTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &BackendVerifier{
		baseURL:       strings.TrimRight(cfg.GetAPIBaseURL(), "/"),
		client:        &http.Client{},
		healthTimeout: timeout,
		logger:        defLogger{},
	}
}

func (v *BackendVerifier) WithLogger(logger Logger) *BackendVerifier {
	if logger != nil {
		v.logger = logger
	}
	return v
}

func (v *BackendVerifier) WithHTTPClient(client *http.Client) *BackendVerifier {
	if client != nil {
		v.client = client
	}
	return v
}

// Login reports the sign-in to the backend so it can extend session metadata.
func (v *BackendVerifier) Login(ctx context.Context, token, identifier string) (*AuthResponse, error) {
	body := map[string]string{"identifier": identifier}
	return v.post(ctx, "/auth/login", token, body)
}

// Register asks the backend to create the account record for a fresh
// provider-side registration.
func (v *BackendVerifier) Register(ctx context.Context, token string, payload RegisterAccountPayload) (*AuthResponse, error) {
	return v.post(ctx, "/auth/register", token, payload)
}

// VerifyToken checks the bearer token against the backend. A 401 comes back
// as ErrTokenExpired so the coordinator can attempt exactly one refresh.
func (v *BackendVerifier) VerifyToken(ctx context.Context, token string) (*AuthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/verifyToken", nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to build verify request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	return v.do(req)
}

// HealthCheck probes backend liveness. It answers false on any failure; the
// caller downgrades verification to local trust in that case.
func (v *BackendVerifier) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, v.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/health-check", nil)
	if err != nil {
		return false
	}

	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Debug("backend health check failed: %v", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

func (v *BackendVerifier) post(ctx context.Context, path, token string, body any) (*AuthResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to encode payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return v.do(req)
}

func (v *BackendVerifier) do(req *http.Request) (*AuthResponse, error) {
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, ErrBackendUnavailable.WithMetadata(map[string]any{
			"path":  req.URL.Path,
			"cause": err.Error(),
		})
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrTokenExpired.WithMetadata(map[string]any{
			"path":   req.URL.Path,
			"status": resp.StatusCode,
		})
	case resp.StatusCode >= 400:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrBackendUnavailable.WithMetadata(map[string]any{
			"path":   req.URL.Path,
			"status": resp.StatusCode,
		})
	}

	out := &AuthResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, ErrBackendUnavailable.WithMetadata(map[string]any{
			"path":  req.URL.Path,
			"cause": err.Error(),
		})
	}

	return out, nil
}
