package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vallegrande/go-session"
)

func newVerifier(baseURL string) *session.BackendVerifier {
	cfg := newTestConfig()
	cfg.apiBaseURL = baseURL
	return session.NewBackendVerifier(cfg).WithLogger(discardLogger{})
}

func TestBackendVerifierLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/login", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ana@example.com", body["identifier"])

		json.NewEncoder(w).Encode(session.AuthResponse{Success: true, ExpiresIn: 7200})
	}))
	defer srv.Close()

	resp, err := newVerifier(srv.URL).Login(context.Background(), "tok-123", "ana@example.com")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 7200, resp.ExpiresIn)
}

func TestBackendVerifierRegisterSendsAccountPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/register", r.URL.Path)

		var payload session.RegisterAccountPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "ana@example.com", payload.Identifier)
		assert.Equal(t, "Ana", payload.DisplayName)

		json.NewEncoder(w).Encode(session.AuthResponse{Success: true})
	}))
	defer srv.Close()

	resp, err := newVerifier(srv.URL).Register(context.Background(), "tok-123", session.RegisterAccountPayload{
		Identifier:  "ana@example.com",
		DisplayName: "Ana",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestBackendVerifierVerifyTokenMaps401ToTokenExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/verifyToken", r.URL.Path)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newVerifier(srv.URL).VerifyToken(context.Background(), "stale-token")
	require.Error(t, err)
	assert.True(t, session.IsTokenExpiredError(err))
}

func TestBackendVerifierServerErrorsDegrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newVerifier(srv.URL).VerifyToken(context.Background(), "tok-123")
	require.Error(t, err)
	assert.True(t, session.IsBackendUnavailableError(err))
	assert.False(t, session.IsTokenExpiredError(err))
}

func TestBackendVerifierTransportErrorsDegrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newVerifier(srv.URL).Login(context.Background(), "tok-123", "ana@example.com")
	require.Error(t, err)
	assert.True(t, session.IsBackendUnavailableError(err))
}

func TestBackendVerifierHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health-check", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := newVerifier(srv.URL)
	assert.True(t, v.HealthCheck(context.Background()))

	srv.Close()
	assert.False(t, v.HealthCheck(context.Background()))
}

func TestBackendVerifierHealthCheckHonorsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	cfg := newTestConfig()
	cfg.apiBaseURL = srv.URL
	cfg.healthTimeout = 100 * time.Millisecond

	v := session.NewBackendVerifier(cfg).WithLogger(discardLogger{})

	start := time.Now()
	ok := v.HealthCheck(context.Background())
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
}
