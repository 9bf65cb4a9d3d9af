package session

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Storage keys. These match the layout the client app persisted under.
const (
	keyToken              = "token"
	keySessionExpiry      = "sessionExpiry"
	keyRememberedEmail    = "rememberedEmail"
	keyRememberedPassword = "rememberedPassword"
	keyRememberMe         = "rememberMe"
)

// RememberedCredentials are the opt-in convenience fields the login form can
// pre-populate from. They exist only when the user asked to be remembered.
type RememberedCredentials struct {
	Email  string
	Secret string
}

// Store wraps persistent client storage for the bearer token and its expiry.
// It is written only by the Coordinator; guards and the transport read it or
// request a clear through the coordinator. Token and expiry are always
// written together.
type Store interface {
	Session(ctx context.Context) (token string, expiry time.Time, err error)
	SetSession(ctx context.Context, token string, expiry time.Time) error
	ClearSession(ctx context.Context) error

	RememberedCredentials(ctx context.Context) (*RememberedCredentials, error)
	SetRememberedCredentials(ctx context.Context, creds *RememberedCredentials) error
	ClearRememberedCredentials(ctx context.Context) error
}

// MemoryStore is a process-local Store. It backs tests and short-lived
// programs that have no reason to survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]string{}}
}

func (s *MemoryStore) Session(_ context.Context) (string, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token := s.values[keyToken]
	expiry, err := parseExpiry(s.values[keySessionExpiry])
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiry, nil
}

func (s *MemoryStore) SetSession(_ context.Context, token string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[keyToken] = token
	s.values[keySessionExpiry] = formatExpiry(expiry)
	return nil
}

func (s *MemoryStore) ClearSession(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, keyToken)
	delete(s.values, keySessionExpiry)
	return nil
}

func (s *MemoryStore) RememberedCredentials(_ context.Context) (*RememberedCredentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.values[keyRememberMe] != "true" {
		return nil, nil
	}
	return &RememberedCredentials{
		Email:  s.values[keyRememberedEmail],
		Secret: s.values[keyRememberedPassword],
	}, nil
}

func (s *MemoryStore) SetRememberedCredentials(_ context.Context, creds *RememberedCredentials) error {
	if creds == nil {
		return s.ClearRememberedCredentials(context.Background())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[keyRememberedEmail] = creds.Email
	s.values[keyRememberedPassword] = creds.Secret
	s.values[keyRememberMe] = "true"
	return nil
}

func (s *MemoryStore) ClearRememberedCredentials(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, keyRememberedEmail)
	delete(s.values, keyRememberedPassword)
	delete(s.values, keyRememberMe)
	return nil
}

// parseExpiry reads the stringified epoch-ms layout the store keeps. An
// empty value maps to the zero time, which callers treat as expired.
func parseExpiry(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// A corrupt expiry is indistinguishable from an expired one.
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}
