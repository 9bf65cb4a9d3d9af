// Package session coordinates authenticated sessions on top of a hosted
// identity provider and an application backend.
//
// Session lifecycle:
//   - The Coordinator owns derived auth state (current identity, persisted
//     token, expiry) and the Uninitialized, Initializing, Authenticated,
//     Refreshing, Unauthenticated transition graph. Login and registration
//     are mutually exclusive while in flight; refresh and logout are not.
//   - Token and expiry persist through the Store interface. MemoryStore
//     covers tests and single-process use, BunStore persists through a Bun
//     database with remembered credentials sealed at rest.
//
// Backend verification:
//   - BackendVerifier double-checks sessions against the application backend
//     when it is reachable. Backend failures degrade to trusting provider
//     state; only a confirmed 401 after one refresh attempt ends a session.
//
// Transport and routing:
//   - Transport is an http.RoundTripper that attaches bearer tokens, retries
//     exactly once on 401 after refreshing, and short-circuits requests that
//     have no token. RouteGuard gates go-router routes, failing deny on
//     protected routes and open on anonymous-only ones. Forced redirects to
//     the login route are suppressed to one per window by RedirectGuard.
package session
