// Package oauth provides the OAuth 2.1 primitives shared by the broker's
// components.
//
// # Core Components
//
//   - Token: an upstream provider token pair with expiry checking
//   - PKCE: S256 challenge computation and verification (RFC 7636)
//   - Opaque tokens: random identifiers for RS tokens and authorization codes
//
// # Usage
//
//	verifier, challenge, err := oauth.GeneratePKCERaw()
//	ok := oauth.VerifyS256(verifier, challenge)
//
//	rsAccess, err := oauth.GenerateOpaqueToken()
package oauth
