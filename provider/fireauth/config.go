package fireauth

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL  = "https://identitytoolkit.googleapis.com"
	defaultTokenURL = "https://securetoken.googleapis.com"

	// defaultJWKSURL serves the public keys the secure token service signs
	// ID tokens with.
	defaultJWKSURL = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"
)

// Config holds Firebase Auth settings.
type Config struct {
	// APIKey is the web API key of the Firebase project.
	APIKey string

	// ProjectID is the Firebase project ID, used as token audience during
	// validation.
	ProjectID string

	// BaseURL overrides the Identity Toolkit endpoint (useful against the
	// emulator).
	BaseURL string

	// TokenURL overrides the secure token endpoint used for refreshes.
	TokenURL string

	// JWKSURL overrides where validation keys are fetched from.
	JWKSURL string

	// HTTPClient overrides the client used for API calls.
	HTTPClient *http.Client

	// CacheTTL is how often the JWKS cache refreshes in the background.
	// Default: 1 hour.
	CacheTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(apiKey, projectID string) Config {
	return Config{
		APIKey:    apiKey,
		ProjectID: projectID,
		CacheTTL:  time.Hour,
	}
}

func (c Config) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/")
	}
	return defaultBaseURL
}

func (c Config) tokenURL() string {
	if c.TokenURL != "" {
		return strings.TrimSuffix(c.TokenURL, "/")
	}
	return defaultTokenURL
}

func (c Config) jwksURL() string {
	if c.JWKSURL != "" {
		return c.JWKSURL
	}
	return defaultJWKSURL
}

func (c Config) issuer() string {
	return fmt.Sprintf("https://securetoken.google.com/%s", c.ProjectID)
}

func (c Config) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}
