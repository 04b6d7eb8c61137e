// Package oauth implements the broker's OAuth 2.1 flow engine.
//
// Callers never see the upstream identity provider's tokens. Instead the
// engine issues its own opaque RS token pairs and keeps the mapping to the
// provider tokens in a store.TokenStore.
//
// # Flow
//
// One authorization attempt moves through these states:
//
//	STARTED -> AWAITING_PROVIDER -> REDEEMABLE -> CONSUMED
//
// The operations that drive it:
//
//  1. Authorize validates the caller's redirect URI and PKCE S256 challenge,
//     saves a Transaction and redirects the browser to the provider with a
//     signed composite state.
//  2. ProviderCallback verifies the composite state, exchanges the provider's
//     code for provider tokens, attaches them to the Transaction and redirects
//     back to the caller with a fresh single-use code.
//  3. ExchangeToken redeems that code with the PKCE verifier and mints an RS
//     token pair. The code is consumed atomically by the first request
//     that presents it, even one that then fails verification, so it can
//     never be redeemed twice. The refresh_token grant renews the provider token when it is
//     close to expiry and returns a new RS access token with the same RS
//     refresh token.
//
// Without provider credentials, and only when dev mode is enabled, Authorize
// issues a code directly to the caller.
//
// # Composite state
//
// The provider callback may reach a different instance than the one that
// handled Authorize, so the state sent to the provider is a self-contained
// HS256-signed JWT carrying the transaction id, the caller's state, the
// caller's redirect URI and session id.
//
// # Security
//
//   - Token values and client secrets are never logged; identifiers are
//     truncated with logging.TruncateID.
//   - Provider error bodies are truncated before logging and never returned.
//   - PKCE verifiers are compared in constant time.
//   - Security audit events go through the mcp-oauth security.Auditor.
package oauth
