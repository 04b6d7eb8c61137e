package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/giantswarm/mcp-oauth/security"
	"github.com/google/uuid"

	"tokenbroker/internal/store"
	"tokenbroker/pkg/logging"
	pkgoauth "tokenbroker/pkg/oauth"
	pkgstrings "tokenbroker/pkg/strings"
)

// Bounds on provider error text relayed to the caller's redirect.
const (
	maxRelayedErrorLen       = 64
	maxRelayedDescriptionLen = 256
)

// Grant types accepted by ExchangeToken.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// DefaultTokenExpiresIn is reported to callers when the provider did not say
// how long its access token lives.
const DefaultTokenExpiresIn = time.Hour

// devTokenLifetime is the lifetime of synthetic provider tokens in dev mode.
const devTokenLifetime = time.Hour

// EngineConfig configures an Engine.
type EngineConfig struct {
	Store     store.TokenStore
	State     *StateCodec
	Redirects *RedirectPolicy

	// Provider is nil when no provider credentials are configured.
	Provider Provider

	// DevMode allows the self-issued code shortcut without a provider.
	DevMode bool

	// TokenExpiresIn is the fallback expires_in. Zero uses
	// DefaultTokenExpiresIn.
	TokenExpiresIn time.Duration

	// RefreshBuffer is how close to expiry a provider token is renewed on
	// the refresh_token grant. Zero uses pkgoauth.TokenRefreshBuffer.
	RefreshBuffer time.Duration

	// Auditor receives security events. Nil disables auditing.
	Auditor *security.Auditor
}

// Engine runs the authorize, provider callback and token exchange steps.
type Engine struct {
	store     store.TokenStore
	state     *StateCodec
	redirects *RedirectPolicy
	provider  Provider
	auditor   *security.Auditor

	devMode        bool
	tokenExpiresIn time.Duration
	refreshBuffer  time.Duration
	now            func() time.Time
}

// NewEngine validates cfg and creates an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("state codec is required")
	}
	if cfg.Redirects == nil {
		return nil, fmt.Errorf("redirect policy is required")
	}
	if cfg.TokenExpiresIn <= 0 {
		cfg.TokenExpiresIn = DefaultTokenExpiresIn
	}
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = pkgoauth.TokenRefreshBuffer
	}

	switch {
	case cfg.Provider != nil:
		logging.Info("OAuth", "Flow engine using upstream provider")
	case cfg.DevMode:
		logging.Warn("OAuth", "No provider configured: dev mode will self-issue authorization codes. Never use this in production.")
	default:
		logging.Warn("OAuth", "No provider configured and dev mode is off: authorize requests will fail")
	}

	return &Engine{
		store:          cfg.Store,
		state:          cfg.State,
		redirects:      cfg.Redirects,
		provider:       cfg.Provider,
		auditor:        cfg.Auditor,
		devMode:        cfg.DevMode,
		tokenExpiresIn: cfg.TokenExpiresIn,
		refreshBuffer:  cfg.RefreshBuffer,
		now:            time.Now,
	}, nil
}

// AuthorizeRequest is a caller's authorization request.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Scope               string
	SessionID           string
	ClientIP            string
}

// Authorize starts an authorization attempt and returns where to send the
// browser: the provider, or in dev mode the caller's redirect URI.
func (e *Engine) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	if req.ResponseType != "code" {
		return "", invalidRequest("response_type must be code")
	}
	if err := e.redirects.Validate(req.RedirectURI); err != nil {
		e.auditFailure(req.ClientID, req.ClientIP, "redirect_uri rejected")
		return "", invalidRequest(err.Error())
	}
	if req.CodeChallenge == "" {
		return "", invalidRequest("code_challenge is required")
	}
	if req.CodeChallengeMethod != pkgoauth.PKCEMethodS256 {
		return "", invalidRequest("code_challenge_method must be S256")
	}
	if !validS256Challenge(req.CodeChallenge) {
		return "", invalidRequest("code_challenge is malformed")
	}

	if e.provider == nil && !e.devMode {
		return "", serverError("provider not configured", nil)
	}

	txn := &store.Transaction{
		ID:                  uuid.NewString(),
		ClientID:            req.ClientID,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		State:               req.State,
		Scope:               req.Scope,
		RedirectURI:         req.RedirectURI,
		SessionID:           req.SessionID,
	}

	if e.provider == nil {
		return e.authorizeDev(ctx, txn)
	}

	if err := e.store.SaveTransaction(ctx, txn); err != nil {
		return "", serverError("failed to save transaction", err)
	}

	state, err := e.state.Encode(CompositeState{
		TxnID:       txn.ID,
		CallerState: req.State,
		RedirectURI: req.RedirectURI,
		SessionID:   req.SessionID,
	})
	if err != nil {
		return "", serverError("failed to encode state", err)
	}

	logging.Info("OAuth", "Authorization started txn=%s client=%s", logging.TruncateID(txn.ID), req.ClientID)
	return e.provider.AuthCodeURL(state, req.Scope), nil
}

// authorizeDev binds synthetic provider tokens to txn and issues a code
// straight to the caller.
func (e *Engine) authorizeDev(ctx context.Context, txn *store.Transaction) (string, error) {
	devToken, err := pkgoauth.GenerateOpaqueToken()
	if err != nil {
		return "", serverError("failed to generate token", err)
	}
	txn.Provider = &pkgoauth.Token{
		AccessToken: "dev-" + devToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(devTokenLifetime.Seconds()),
		ExpiresAt:   e.now().Add(devTokenLifetime),
		Scope:       txn.Scope,
	}

	if err := e.store.SaveTransaction(ctx, txn); err != nil {
		return "", serverError("failed to save transaction", err)
	}
	code, err := e.issueCode(ctx, txn.ID)
	if err != nil {
		return "", err
	}

	logging.Warn("OAuth", "Dev mode: self-issued code for txn=%s", logging.TruncateID(txn.ID))
	return e.callerRedirect(txn.RedirectURI, url.Values{"code": {code}, "state": {txn.State}})
}

// ProviderCallbackRequest is the provider's redirect back to the broker.
type ProviderCallbackRequest struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	ClientIP         string
}

// ProviderCallback completes the provider leg and returns the caller
// redirect carrying a fresh single-use code.
func (e *Engine) ProviderCallback(ctx context.Context, req ProviderCallbackRequest) (string, error) {
	if req.State == "" {
		return "", invalidRequest("state is required")
	}

	cs, err := e.state.Decode(req.State)
	if err != nil {
		logging.Warn("OAuth", "Provider callback with invalid state: %v", err)
		return "", newError(ErrCodeUnknownTxn, http.StatusBadRequest, "authorization session is invalid or expired", err)
	}

	txn, err := e.store.GetTransaction(ctx, cs.TxnID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logging.Warn("OAuth", "Provider callback for unknown txn=%s", logging.TruncateID(cs.TxnID))
			return "", newError(ErrCodeUnknownTxn, http.StatusBadRequest, "authorization session is invalid or expired", err)
		}
		return "", serverError("failed to load transaction", err)
	}

	// The caller's target comes from signed state but is re-checked in case
	// the allow-list changed since authorize.
	if cs.RedirectURI != txn.RedirectURI {
		return "", invalidRequest("redirect_uri does not match the authorization request")
	}
	if err := e.redirects.Validate(cs.RedirectURI); err != nil {
		return "", invalidRequest(err.Error())
	}

	if req.Error != "" {
		// Provider text is relayed to the caller, so keep it to one bounded line.
		code := pkgstrings.SingleLine(req.Error, maxRelayedErrorLen)
		logging.Warn("OAuth", "Provider denied txn=%s: %s", logging.TruncateID(txn.ID), code)
		_ = e.store.DeleteTransaction(ctx, txn.ID)
		e.auditFailure(txn.ClientID, req.ClientIP, "provider returned "+code)
		return e.callerRedirect(cs.RedirectURI, url.Values{
			"error":             {code},
			"error_description": {pkgstrings.SingleLine(req.ErrorDescription, maxRelayedDescriptionLen)},
			"state":             {cs.CallerState},
		})
	}
	if req.Code == "" {
		return "", invalidRequest("code is required")
	}
	if e.provider == nil {
		return "", serverError("provider not configured", nil)
	}

	token, err := e.provider.ExchangeCode(ctx, req.Code)
	if err != nil {
		e.auditFailure(txn.ClientID, req.ClientIP, "provider code exchange failed")
		if errors.Is(err, ErrProviderNoToken) {
			return "", newError(ErrCodeProviderNoToken, http.StatusBadGateway, "provider returned no access token", err)
		}
		return "", newError(ErrCodeProviderTokenError, http.StatusBadGateway, "provider token exchange failed", err)
	}

	txn.Provider = token
	if err := e.store.SaveTransaction(ctx, txn); err != nil {
		return "", serverError("failed to save transaction", err)
	}

	code, err := e.issueCode(ctx, txn.ID)
	if err != nil {
		return "", err
	}

	logging.Info("OAuth", "Provider callback completed txn=%s", logging.TruncateID(txn.ID))
	return e.callerRedirect(cs.RedirectURI, url.Values{"code": {code}, "state": {cs.CallerState}})
}

func (e *Engine) issueCode(ctx context.Context, txnID string) (string, error) {
	code, err := pkgoauth.GenerateOpaqueToken()
	if err != nil {
		return "", serverError("failed to generate code", err)
	}
	if err := e.store.SaveCode(ctx, code, txnID); err != nil {
		return "", serverError("failed to save code", err)
	}
	return code, nil
}

func (e *Engine) callerRedirect(redirectURI string, params url.Values) (string, error) {
	target, err := appendQuery(redirectURI, params)
	if err != nil {
		return "", serverError("failed to build redirect", err)
	}
	return target, nil
}

// TokenRequest is a form-encoded token endpoint request.
type TokenRequest struct {
	GrantType    string
	Code         string
	CodeVerifier string
	RedirectURI  string
	RefreshToken string
	ClientID     string
	ClientIP     string
}

// TokenResponse is the token endpoint's JSON body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// ExchangeToken handles the authorization_code and refresh_token grants.
func (e *Engine) ExchangeToken(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return e.exchangeCode(ctx, req)
	case GrantTypeRefreshToken:
		return e.exchangeRefresh(ctx, req)
	case "":
		return nil, invalidRequest("grant_type is required")
	default:
		return nil, newError(ErrCodeUnsupportedGrantType, http.StatusBadRequest, "grant_type is not supported", nil)
	}
}

func (e *Engine) exchangeCode(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" || req.CodeVerifier == "" {
		return nil, invalidRequest("code and code_verifier are required")
	}

	// The code is spent by the first request that presents it, whatever
	// the outcome of the checks below.
	txnID, err := e.store.ConsumeCode(ctx, req.Code)
	if err != nil {
		e.auditFailure(req.ClientID, req.ClientIP, "unknown or replayed authorization code")
		return nil, e.lookupError(err, "authorization code is invalid or expired")
	}
	txn, err := e.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, e.lookupError(err, "authorization code is invalid or expired")
	}
	if txn.Provider == nil {
		return nil, invalidGrant("authorization is not complete")
	}
	if req.RedirectURI != "" && req.RedirectURI != txn.RedirectURI {
		e.dropTransaction(ctx, txn.ID)
		e.auditFailure(req.ClientID, req.ClientIP, "redirect_uri mismatch")
		return nil, invalidGrant("redirect_uri does not match the authorization request")
	}
	if !pkgoauth.VerifyS256(req.CodeVerifier, txn.CodeChallenge) {
		e.dropTransaction(ctx, txn.ID)
		e.auditFailure(req.ClientID, req.ClientIP, "PKCE verification failed")
		return nil, invalidGrant("code_verifier does not match code_challenge")
	}

	rsAccess, err := pkgoauth.GenerateOpaqueToken()
	if err != nil {
		return nil, serverError("failed to generate token", err)
	}
	rsRefresh, err := pkgoauth.GenerateOpaqueToken()
	if err != nil {
		return nil, serverError("failed to generate token", err)
	}

	rec, err := e.store.StoreRsMapping(ctx, rsAccess, txn.Provider, rsRefresh)
	if err != nil {
		return nil, serverError("failed to store tokens", err)
	}
	e.dropTransaction(ctx, txn.ID)

	clientID := req.ClientID
	if clientID == "" {
		clientID = txn.ClientID
	}
	if e.auditor != nil {
		e.auditor.LogTokenIssued("", clientID, req.ClientIP, txn.Scope)
	}
	logging.Info("OAuth", "Issued RS tokens for txn=%s access=%s", logging.TruncateID(txn.ID), logging.TruncateID(rsAccess))

	return e.tokenResponse(rec, txn.Scope), nil
}

func (e *Engine) dropTransaction(ctx context.Context, id string) {
	if err := e.store.DeleteTransaction(ctx, id); err != nil {
		logging.Warn("OAuth", "Failed to delete consumed txn=%s: %v", logging.TruncateID(id), err)
	}
}

func (e *Engine) exchangeRefresh(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, invalidRequest("refresh_token is required")
	}

	rec, err := e.store.GetByRsRefresh(ctx, req.RefreshToken)
	if err != nil {
		e.auditFailure(req.ClientID, req.ClientIP, "unknown refresh token")
		return nil, e.lookupError(err, "refresh token is invalid or expired")
	}

	provider := rec.Provider
	if provider.IsExpiredAt(e.now(), e.refreshBuffer) {
		if provider.RefreshToken == "" || e.provider == nil {
			return nil, newError(ErrCodeProviderTokenExpired, http.StatusBadRequest, "provider token expired and cannot be refreshed", nil)
		}
		renewed, err := e.RefreshProviderToken(ctx, provider.RefreshToken)
		if err != nil {
			return nil, newError(ErrCodeProviderRefresh, http.StatusBadRequest, "provider token refresh failed", err)
		}
		provider = renewed
	}

	rsAccess, err := pkgoauth.GenerateOpaqueToken()
	if err != nil {
		return nil, serverError("failed to generate token", err)
	}

	updated, err := e.store.UpdateByRsRefresh(ctx, req.RefreshToken, provider, rsAccess)
	if err != nil {
		return nil, e.lookupError(err, "refresh token is invalid or expired")
	}

	if e.auditor != nil {
		e.auditor.LogTokenRefreshed("", req.ClientID, req.ClientIP, false)
	}
	logging.Info("OAuth", "Refreshed RS access token refresh=%s", logging.TruncateID(req.RefreshToken))

	return e.tokenResponse(updated, provider.Scope), nil
}

// RefreshProviderToken renews provider tokens through the provider. A
// response without a refresh token keeps the previous one.
func (e *Engine) RefreshProviderToken(ctx context.Context, refreshToken string) (*pkgoauth.Token, error) {
	if e.provider == nil {
		return nil, fmt.Errorf("provider not configured")
	}
	token, err := e.provider.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

func (e *Engine) tokenResponse(rec *store.RsRecord, scope string) *TokenResponse {
	return &TokenResponse{
		AccessToken:  rec.RsAccessToken,
		RefreshToken: rec.RsRefreshToken,
		TokenType:    pkgoauth.TokenTypeBearer,
		ExpiresIn:    e.expiresIn(rec.Provider),
		Scope:        scope,
	}
}

// expiresIn reports the provider token's remaining lifetime, or the
// configured fallback when the provider gave none.
func (e *Engine) expiresIn(p *pkgoauth.Token) int {
	if p != nil && !p.ExpiresAt.IsZero() {
		left := p.ExpiresAt.Sub(e.now())
		if left <= 0 {
			return 0
		}
		return int((left + time.Second - 1) / time.Second)
	}
	if p != nil && p.ExpiresIn > 0 {
		return p.ExpiresIn
	}
	return int(e.tokenExpiresIn.Seconds())
}

// lookupError maps store misses to invalid_grant.
func (e *Engine) lookupError(err error, description string) error {
	if errors.Is(err, store.ErrNotFound) {
		return invalidGrant(description)
	}
	return serverError("token store failure", err)
}

// Revoke removes the record behind an RS access or refresh token. Unknown
// tokens are not an error.
func (e *Engine) Revoke(ctx context.Context, token, tokenTypeHint, clientID, clientIP string) error {
	if token == "" {
		return invalidRequest("token is required")
	}

	err := e.store.RevokeRsToken(ctx, token)
	switch {
	case err == nil:
		if e.auditor != nil {
			e.auditor.LogTokenRevoked("", clientID, clientIP, tokenTypeHint)
		}
		logging.Info("OAuth", "Revoked RS token %s", logging.TruncateID(token))
	case errors.Is(err, store.ErrNotFound):
		logging.Debug("OAuth", "Revoke for unknown token %s", logging.TruncateID(token))
	default:
		return serverError("failed to revoke token", err)
	}
	return nil
}

// ClientRegistration is a dynamic client registration request or response.
// Registration is a stub: nothing is persisted.
type ClientRegistration struct {
	ClientID                string   `json:"client_id,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegisterClient validates the redirect URIs and echoes the metadata back
// with a new public client id.
func (e *Engine) RegisterClient(_ context.Context, req ClientRegistration) (*ClientRegistration, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, invalidRequest("redirect_uris is required")
	}
	for _, ru := range req.RedirectURIs {
		if err := e.redirects.Validate(ru); err != nil {
			return nil, invalidRequest(fmt.Sprintf("redirect_uri %q: %v", ru, err))
		}
	}

	resp := req
	resp.ClientID = uuid.NewString()
	resp.ClientIDIssuedAt = e.now().Unix()
	resp.TokenEndpointAuthMethod = "none"
	if len(resp.GrantTypes) == 0 {
		resp.GrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	if len(resp.ResponseTypes) == 0 {
		resp.ResponseTypes = []string{"code"}
	}

	logging.Info("OAuth", "Registered client %s (%s)", resp.ClientID, resp.ClientName)
	return &resp, nil
}

func (e *Engine) auditFailure(clientID, ip, reason string) {
	if e.auditor != nil {
		e.auditor.LogAuthFailure("", clientID, ip, reason)
	}
}

// validS256Challenge checks the shape of a base64url SHA-256 digest.
func validS256Challenge(c string) bool {
	if len(c) != 43 {
		return false
	}
	for _, r := range c {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
