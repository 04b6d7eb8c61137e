package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"tokenbroker/internal/refresh"
	"tokenbroker/pkg/logging"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// providerTokenKey is the context key for the caller's provider access token.
	//nolint:gosec // G101 false positive - this is a context key name, not a credential
	providerTokenKey contextKey = "provider_access_token"
)

// HeaderRotatedToken tells the caller its RS access token was replaced.
const HeaderRotatedToken = "X-Rs-Access-Token"

// ProviderTokenResolver maps an RS access token to a provider access token.
// *refresh.Controller satisfies it.
type ProviderTokenResolver interface {
	ProviderAccessToken(ctx context.Context, rsAccess string) (*refresh.Result, error)
}

// ContextWithProviderToken creates a context carrying the provider access
// token for downstream API calls.
func ContextWithProviderToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, providerTokenKey, token)
}

// ProviderTokenFromContext retrieves the provider access token from the
// context. Returns the token and true if present, or empty string and false
// if not available.
func ProviderTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(providerTokenKey).(string)
	return token, ok && token != ""
}

// ProviderTokenMiddleware requires a bearer RS access token, resolves it
// and injects the provider access token into the request context.
func ProviderTokenMiddleware(resolver ProviderTokenResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rsAccess, ok := bearerToken(r)
		if !ok {
			writeUnauthorized(w, "invalid_request", "bearer token required")
			return
		}

		res, err := resolver.ProviderAccessToken(r.Context(), rsAccess)
		if err != nil {
			if errors.Is(err, refresh.ErrUnknownToken) {
				writeUnauthorized(w, "invalid_token", "token is unknown or expired")
				return
			}
			logging.Error("Server", err, "Failed to resolve RS token %s", logging.TruncateID(rsAccess))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		if res.RsAccessToken != rsAccess {
			w.Header().Set(HeaderRotatedToken, res.RsAccessToken)
		}
		next.ServeHTTP(w, r.WithContext(ContextWithProviderToken(r.Context(), res.ProviderAccessToken)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(auth, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeUnauthorized(w http.ResponseWriter, code, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`", error_description="`+description+`"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + code + `","error_description":"` + description + `"}`))
}
