package fireauth

import (
	"fmt"
	"strings"
)

// Stable codes exposed through Code. The session layer classifies on these
// rather than on raw server messages.
const (
	CodeInvalidCredential = "invalid-credential"
	CodeTooManyRequests   = "too-many-requests"
	CodeEmailInUse        = "email-already-in-use"
	CodeWeakPassword      = "weak-password"
	CodeTokenExpired      = "user-token-expired"
	CodeUnknown           = "unknown"
)

// APIError is a failure reported by the Firebase Auth REST API.
type APIError struct {
	// Message is the raw server message, e.g. "INVALID_LOGIN_CREDENTIALS".
	Message string
	// Status is the HTTP status the API answered with.
	Status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fireauth: %s (status %d)", e.Message, e.Status)
}

// Code maps the server message to a stable error code. Server messages may
// carry trailing detail ("TOO_MANY_ATTEMPTS_TRY_LATER : ..."), only the
// leading token counts.
func (e *APIError) Code() string {
	msg := e.Message
	if idx := strings.IndexAny(msg, " :"); idx > 0 {
		msg = msg[:idx]
	}

	switch msg {
	case "INVALID_LOGIN_CREDENTIALS", "INVALID_PASSWORD", "EMAIL_NOT_FOUND", "INVALID_EMAIL", "USER_DISABLED":
		return CodeInvalidCredential
	case "TOO_MANY_ATTEMPTS_TRY_LATER":
		return CodeTooManyRequests
	case "EMAIL_EXISTS":
		return CodeEmailInUse
	case "WEAK_PASSWORD":
		return CodeWeakPassword
	case "TOKEN_EXPIRED", "INVALID_REFRESH_TOKEN", "USER_NOT_FOUND", "INVALID_ID_TOKEN":
		return CodeTokenExpired
	default:
		return CodeUnknown
	}
}
