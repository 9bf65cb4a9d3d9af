// Package fireauth implements session.IdentityProvider against the Firebase
// Authentication REST API, plus JWKS-backed validation of the ID tokens it
// issues.
package fireauth
