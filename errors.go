package session

import (
	"github.com/goliatone/go-errors"
)

const (
	TextCodeInvalidCredentials  = "session_invalid_credentials"
	TextCodeTooManyAttempts     = "session_too_many_attempts"
	TextCodeUnknownAuth         = "session_unknown_auth_error"
	TextCodeConcurrentOperation = "session_operation_in_progress"
	TextCodeTokenExpired        = "session_token_expired"
	TextCodeTokenMissing        = "session_token_missing"
	TextCodeBackendUnavailable  = "session_backend_unavailable"
	TextCodeRefreshFailed       = "session_refresh_failed"
)

// Provider error codes we classify on. These match the stable string codes
// the identity provider attaches to its failures.
const (
	ProviderCodeInvalidCredential = "invalid-credential"
	ProviderCodeTooManyRequests   = "too-many-requests"
)

// ErrInvalidCredentials is returned when the identity provider rejects the
// supplied identifier/secret pair.
var ErrInvalidCredentials = errors.New("invalid credentials", errors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(errors.CodeUnauthorized)

// ErrTooManyAttempts is returned when the identity provider throttles the caller.
var ErrTooManyAttempts = errors.New("too many sign-in attempts", errors.CategoryRateLimit).
	WithTextCode(TextCodeTooManyAttempts).
	WithCode(errors.CodeUnauthorized)

// ErrUnknownAuth wraps provider failures we cannot classify.
var ErrUnknownAuth = errors.New("authentication failed", errors.CategoryAuth).
	WithTextCode(TextCodeUnknownAuth).
	WithCode(errors.CodeUnauthorized)

// ErrConcurrentOperation is returned when login or registration is invoked
// while another auth operation is still in flight.
var ErrConcurrentOperation = errors.New("an authentication operation is already in progress", errors.CategoryConflict).
	WithTextCode(TextCodeConcurrentOperation).
	WithCode(errors.CodeConflict)

// ErrTokenExpired marks a locally stored token whose expiry has passed.
var ErrTokenExpired = errors.New("session token expired", errors.CategoryAuth).
	WithTextCode(TextCodeTokenExpired).
	WithCode(errors.CodeUnauthorized)

// ErrTokenMissing marks a protected request made without a usable token.
var ErrTokenMissing = errors.New("no session token available", errors.CategoryAuth).
	WithTextCode(TextCodeTokenMissing).
	WithCode(errors.CodeUnauthorized)

// ErrBackendUnavailable marks verification backend failures. It is never
// fatal: callers degrade to trusting local provider state.
var ErrBackendUnavailable = errors.New("verification backend unavailable", errors.CategoryOperation).
	WithTextCode(TextCodeBackendUnavailable).
	WithCode(errors.CodeInternal)

// ErrRefreshFailed marks a refresh attempt that could not produce a token.
var ErrRefreshFailed = errors.New("could not refresh session token", errors.CategoryAuth).
	WithTextCode(TextCodeRefreshFailed).
	WithCode(errors.CodeUnauthorized)

// ClassifyProviderError maps an identity provider failure to the session
// error taxonomy. Unclassifiable errors come back wrapped as ErrUnknownAuth.
func ClassifyProviderError(err error) *errors.Error {
	if err == nil {
		return nil
	}

	var coded ProviderError
	if errors.As(err, &coded) {
		switch coded.Code() {
		case ProviderCodeInvalidCredential:
			return ErrInvalidCredentials.WithMetadata(map[string]any{
				"provider_code": coded.Code(),
			})
		case ProviderCodeTooManyRequests:
			return ErrTooManyAttempts.WithMetadata(map[string]any{
				"provider_code": coded.Code(),
			})
		}
	}

	return errors.Wrap(err, errors.CategoryAuth, ErrUnknownAuth.Message).
		WithTextCode(TextCodeUnknownAuth).
		WithCode(errors.CodeUnauthorized)
}

// IsTokenExpiredError reports whether err carries the expired-token text code.
func IsTokenExpiredError(err error) bool {
	return hasTextCode(err, TextCodeTokenExpired)
}

// IsTokenMissingError reports whether err carries the missing-token text code.
func IsTokenMissingError(err error) bool {
	return hasTextCode(err, TextCodeTokenMissing)
}

// IsBackendUnavailableError reports whether err marks a degraded backend.
func IsBackendUnavailableError(err error) bool {
	return hasTextCode(err, TextCodeBackendUnavailable)
}

// IsConcurrentOperationError reports whether err is the login/register
// mutual-exclusion rejection.
func IsConcurrentOperationError(err error) bool {
	return hasTextCode(err, TextCodeConcurrentOperation)
}

func hasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var rich *errors.Error
	if !errors.As(err, &rich) {
		return false
	}
	return rich.TextCode == code
}
