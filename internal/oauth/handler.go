package oauth

import (
	"encoding/json"
	"fmt"
	"html"
	"net"
	"net/http"
	"strings"

	"tokenbroker/internal/metrics"
	"tokenbroker/pkg/logging"
)

// Endpoint paths served by Handler.
const (
	PathAuthorize = "/authorize"
	PathCallback  = "/oauth/callback"
	PathToken     = "/token"
	PathRevoke    = "/revoke"
	PathRegister  = "/register"
)

// maxFormBytes caps token, revoke and register request bodies.
const maxFormBytes = 64 << 10

// Handler exposes the Engine over HTTP.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new OAuth HTTP handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// Register mounts the OAuth endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+PathAuthorize, h.HandleAuthorize)
	mux.HandleFunc("GET "+PathCallback, h.HandleCallback)
	mux.HandleFunc("POST "+PathToken, h.HandleToken)
	mux.HandleFunc("POST "+PathRevoke, h.HandleRevoke)
	mux.HandleFunc("POST "+PathRegister, h.HandleRegister)
}

// HandleAuthorize starts an authorization attempt.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := h.engine.Authorize(r.Context(), AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		SessionID:           sessionID(r),
		ClientIP:            clientIP(r),
	})
	if err != nil {
		countRequest("authorize", err)
		writeJSONError(w, err)
		return
	}

	countRequest("authorize", nil)
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleCallback handles the provider's redirect back to the broker.
// This is called by the browser after the user authenticates with the IdP.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := h.engine.ProviderCallback(r.Context(), ProviderCallbackRequest{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		ClientIP:         clientIP(r),
	})
	if err != nil {
		countRequest("callback", err)
		oe := AsError(err)
		if oe.Err != nil {
			logging.Error("OAuth", oe.Err, "Provider callback failed with %s", oe.Code)
		}
		renderErrorPage(w, oe.Status, callbackMessage(oe))
		return
	}

	countRequest("callback", nil)
	http.Redirect(w, r, target, http.StatusFound)
}

// callbackMessage maps a callback failure to text for the browser.
func callbackMessage(oe *Error) string {
	switch oe.Code {
	case ErrCodeUnknownTxn:
		return "Authentication session expired. Please try again."
	case ErrCodeProviderTokenError, ErrCodeProviderNoToken:
		return "Failed to complete authentication with the identity provider. Please try again."
	case ErrCodeInvalidRequest:
		return "Invalid callback: " + oe.Description
	default:
		return "Authentication failed. Please try again."
	}
}

// HandleToken serves both token grants.
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		countRequest("token", invalidRequest("malformed form body"))
		writeJSONError(w, invalidRequest("malformed form body"))
		return
	}

	clientID := r.PostForm.Get("client_id")
	if id, _, ok := r.BasicAuth(); ok && clientID == "" {
		clientID = id
	}

	resp, err := h.engine.ExchangeToken(r.Context(), TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		ClientID:     clientID,
		ClientIP:     clientIP(r),
	})
	if err != nil {
		countRequest("token", err)
		writeJSONError(w, err)
		return
	}

	countRequest("token", nil)
	writeJSON(w, http.StatusOK, resp)
}

// HandleRevoke acknowledges every well-formed revocation request, whether or
// not the token was known.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, invalidRequest("malformed form body"))
		return
	}

	err := h.engine.Revoke(r.Context(),
		r.PostForm.Get("token"),
		r.PostForm.Get("token_type_hint"),
		r.PostForm.Get("client_id"),
		clientIP(r))
	if err != nil {
		countRequest("revoke", err)
		writeJSONError(w, err)
		return
	}

	countRequest("revoke", nil)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// HandleRegister is the dynamic client registration stub.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)

	var req ClientRegistration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, invalidRequest("malformed registration body"))
		return
	}

	resp, err := h.engine.RegisterClient(r.Context(), req)
	if err != nil {
		countRequest("register", err)
		writeJSONError(w, err)
		return
	}

	countRequest("register", nil)
	writeJSON(w, http.StatusCreated, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("OAuth", "Failed to write response: %v", err)
	}
}

func countRequest(endpoint string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = AsError(err).Code
	}
	metrics.FlowRequests.WithLabelValues(endpoint, outcome).Inc()
}

// sessionID reads the caller's session correlation id, if any.
func sessionID(r *http.Request) string {
	if sid := r.Header.Get("Mcp-Session-Id"); sid != "" {
		return sid
	}
	return r.URL.Query().Get("session_id")
}

// clientIP returns the remote host for audit records. TLS termination and
// proxy headers are the surrounding layer's concern, so only RemoteAddr is
// trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// setSecurityHeaders sets recommended security headers for HTML responses.
// These headers help prevent XSS, clickjacking, and MIME sniffing attacks.
func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
}

// renderErrorPage renders an HTML page indicating an authentication error.
func renderErrorPage(w http.ResponseWriter, status int, message string) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	// Escape message to prevent XSS attacks
	safeMessage := html.EscapeString(message)

	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Authentication Failed</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #16213e;
            color: #e8e8e8;
            display: flex;
            align-items: center;
            justify-content: center;
            min-height: 100vh;
            margin: 0;
        }
        .container {
            text-align: center;
            padding: 3rem;
            border-radius: 16px;
            border: 1px solid rgba(255, 255, 255, 0.1);
            max-width: 500px;
        }
        .message { color: #ff6b6b; margin-top: 1rem; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Authentication Failed</h1>
        <p class="message">%s</p>
        <p>You can close this window and start the sign-in again.</p>
    </div>
</body>
</html>`, safeMessage)
}
