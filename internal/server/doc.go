// Package server runs the broker's HTTP listener.
//
// # Endpoints
//
//   - /authorize, /oauth/callback, /token, /revoke, /register - OAuth flow (see internal/oauth)
//   - /health - liveness and store counters
//   - /metrics - Prometheus metrics
//
// The OAuth endpoints are optionally rate limited per client IP.
//
// # Provider-bound handlers
//
// Handlers that call the upstream API on a caller's behalf are wrapped with
// ProviderTokenMiddleware. It resolves the caller's RS bearer token through
// the refresh controller and places the provider access token in the request
// context, where ProviderTokenFromContext retrieves it:
//
//	┌──────────┐  Bearer <rs token>  ┌──────────────────────────┐
//	│  caller  │ ──────────────────► │ ProviderTokenMiddleware  │
//	└──────────┘                     │   refresh.Controller     │
//	                                 └────────────┬─────────────┘
//	                                              │ provider token in ctx
//	                                              ▼
//	                                 ┌──────────────────────────┐
//	                                 │     API handler          │ ──► provider API
//	                                 └──────────────────────────┘
//
// # Shutdown
//
// Run stops accepting requests when its context ends, waits for in-flight
// requests, then flushes and closes the token store so the file backend
// persists its last state.
package server
