package oauth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenbroker/internal/store"
	pkgoauth "tokenbroker/pkg/oauth"
)

const testRedirectURI = "https://app.example.com/cb"

// fakeProvider is an in-process Provider.
type fakeProvider struct {
	mu           sync.Mutex
	exchange     *pkgoauth.Token
	exchangeErr  error
	refresh      *pkgoauth.Token
	refreshErr   error
	refreshCalls int
	lastRefresh  string
}

func (p *fakeProvider) AuthCodeURL(state, scope string) string {
	return "https://idp.example.com/auth?" + url.Values{"state": {state}, "scope": {scope}}.Encode()
}

func (p *fakeProvider) ExchangeCode(_ context.Context, code string) (*pkgoauth.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return p.exchange.Clone(), nil
}

func (p *fakeProvider) Refresh(_ context.Context, refreshToken string) (*pkgoauth.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshCalls++
	p.lastRefresh = refreshToken
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	return p.refresh.Clone(), nil
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		exchange: &pkgoauth.Token{
			AccessToken:  "AT1",
			TokenType:    "Bearer",
			RefreshToken: "RT1",
			ExpiresIn:    3600,
			ExpiresAt:    time.Now().Add(time.Hour),
			Scope:        "openid",
		},
		refresh: &pkgoauth.Token{
			AccessToken: "AT2",
			TokenType:   "Bearer",
			ExpiresIn:   1800,
			ExpiresAt:   time.Now().Add(30 * time.Minute),
		},
	}
}

type engineFixture struct {
	engine   *Engine
	store    *store.MemoryStore
	provider *fakeProvider
	codec    *StateCodec
}

func newEngineFixture(t *testing.T, withProvider, devMode bool) *engineFixture {
	t.Helper()

	st := store.NewMemoryStore(store.WithSweepInterval(0))
	t.Cleanup(func() { _ = st.Close() })

	codec, err := NewStateCodec(bytes.Repeat([]byte("s"), 32), 10*time.Minute)
	require.NoError(t, err)
	policy, err := NewRedirectPolicy([]string{testRedirectURI}, true, false)
	require.NoError(t, err)

	f := &engineFixture{store: st, codec: codec}
	cfg := EngineConfig{
		Store:     st,
		State:     codec,
		Redirects: policy,
		DevMode:   devMode,
		Auditor:   security.NewAuditor(slog.New(slog.NewTextHandler(io.Discard, nil)), true),
	}
	if withProvider {
		f.provider = newFakeProvider()
		cfg.Provider = f.provider
	}

	f.engine, err = NewEngine(cfg)
	require.NoError(t, err)
	return f
}

func newPKCE(t *testing.T) (verifier, challenge string) {
	t.Helper()
	verifier, challenge, err := pkgoauth.GeneratePKCERaw()
	require.NoError(t, err)
	return verifier, challenge
}

func authorizeRequest(challenge string) AuthorizeRequest {
	return AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            "client-1",
		RedirectURI:         testRedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: pkgoauth.PKCEMethodS256,
		State:               "caller-state",
		Scope:               "openid",
		SessionID:           "session-1",
	}
}

// authorizeAndCallback runs the provider leg and returns the issued code.
func (f *engineFixture) authorizeAndCallback(t *testing.T, challenge string) string {
	t.Helper()
	ctx := context.Background()

	target, err := f.engine.Authorize(ctx, authorizeRequest(challenge))
	require.NoError(t, err)
	u, err := url.Parse(target)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	back, err := f.engine.ProviderCallback(ctx, ProviderCallbackRequest{Code: "provider-code", State: state})
	require.NoError(t, err)
	bu, err := url.Parse(back)
	require.NoError(t, err)
	assert.Equal(t, "caller-state", bu.Query().Get("state"))
	code := bu.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func requireErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, ErrorCode(err), "error: %v", err)
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(EngineConfig{})
	assert.Error(t, err)
}

func TestEngine_Authorize_Validation(t *testing.T) {
	f := newEngineFixture(t, true, false)
	_, challenge := newPKCE(t)

	tests := []struct {
		name   string
		modify func(r *AuthorizeRequest)
	}{
		{name: "wrong response type", modify: func(r *AuthorizeRequest) { r.ResponseType = "token" }},
		{name: "redirect not allowed", modify: func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example.com/cb" }},
		{name: "missing challenge", modify: func(r *AuthorizeRequest) { r.CodeChallenge = "" }},
		{name: "plain method", modify: func(r *AuthorizeRequest) { r.CodeChallengeMethod = "plain" }},
		{name: "malformed challenge", modify: func(r *AuthorizeRequest) { r.CodeChallenge = "short" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := authorizeRequest(challenge)
			tt.modify(&req)
			_, err := f.engine.Authorize(context.Background(), req)
			requireErrorCode(t, err, ErrCodeInvalidRequest)
		})
	}

	assert.Zero(t, f.store.Stats().Transactions)
}

func TestEngine_Authorize_ProviderNotConfigured(t *testing.T) {
	f := newEngineFixture(t, false, false)
	_, challenge := newPKCE(t)

	_, err := f.engine.Authorize(context.Background(), authorizeRequest(challenge))
	requireErrorCode(t, err, ErrCodeServerError)
	assert.Contains(t, err.Error(), "provider not configured")
}

func TestEngine_Authorize_CarriesCompositeState(t *testing.T) {
	f := newEngineFixture(t, true, false)
	_, challenge := newPKCE(t)

	target, err := f.engine.Authorize(context.Background(), authorizeRequest(challenge))
	require.NoError(t, err)

	u, err := url.Parse(target)
	require.NoError(t, err)
	cs, err := f.codec.Decode(u.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, "caller-state", cs.CallerState)
	assert.Equal(t, testRedirectURI, cs.RedirectURI)
	assert.Equal(t, "session-1", cs.SessionID)

	txn, err := f.store.GetTransaction(context.Background(), cs.TxnID)
	require.NoError(t, err)
	assert.Equal(t, challenge, txn.CodeChallenge)
	assert.Equal(t, "client-1", txn.ClientID)
	assert.Nil(t, txn.Provider)
}

func TestEngine_FullFlow(t *testing.T) {
	f := newEngineFixture(t, true, false)
	ctx := context.Background()
	verifier, challenge := newPKCE(t)

	code := f.authorizeAndCallback(t, challenge)

	resp, err := f.engine.ExchangeToken(ctx, TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  testRedirectURI,
	})
	require.NoError(t, err)

	assert.Equal(t, "bearer", resp.TokenType)
	assert.InDelta(t, 3600, resp.ExpiresIn, 2)
	assert.Equal(t, "openid", resp.Scope)
	assert.Len(t, resp.AccessToken, 43)
	assert.Len(t, resp.RefreshToken, 43)
	assert.NotEqual(t, resp.AccessToken, resp.RefreshToken)

	rec, err := f.store.GetByRsAccess(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "AT1", rec.Provider.AccessToken)
	assert.Equal(t, resp.RefreshToken, rec.RsRefreshToken)

	// Transaction and code are consumed.
	stats := f.store.Stats()
	assert.Zero(t, stats.Transactions)
	assert.Zero(t, stats.Codes)
	assert.Equal(t, 1, stats.Records)
}

func TestEngine_CodeIsSingleUse(t *testing.T) {
	f := newEngineFixture(t, true, false)
	ctx := context.Background()
	verifier, challenge := newPKCE(t)
	code := f.authorizeAndCallback(t, challenge)

	req := TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, CodeVerifier: verifier}
	_, err := f.engine.ExchangeToken(ctx, req)
	require.NoError(t, err)

	_, err = f.engine.ExchangeToken(ctx, req)
	requireErrorCode(t, err, ErrCodeInvalidGrant)
}

func TestEngine_PKCEMismatch(t *testing.T) {
	f := newEngineFixture(t, true, false)
	ctx := context.Background()
	verifier, challenge := newPKCE(t)
	code := f.authorizeAndCallback(t, challenge)

	otherVerifier, _ := newPKCE(t)
	_, err := f.engine.ExchangeToken(ctx, TokenRequest{
		GrantType: GrantTypeAuthorizationCode, Code: code, CodeVerifier: otherVerifier,
	})
	requireErrorCode(t, err, ErrCodeInvalidGrant)
	assert.Zero(t, f.store.Stats().Records)

	// The first presentation spends the code even when verification fails.
	_, err = f.engine.ExchangeToken(ctx, TokenRequest{
		GrantType: GrantTypeAuthorizationCode, Code: code, CodeVerifier: verifier,
	})
	requireErrorCode(t, err, ErrCodeInvalidGrant)
	assert.Zero(t, f.store.Stats().Records)
	assert.Zero(t, f.store.Stats().Transactions)
}

// slowTxnStore delays transaction lookups so concurrent redemptions of one
// code overlap between the code lookup and token minting.
type slowTxnStore struct {
	*store.MemoryStore
	delay time.Duration
}

func (s *slowTxnStore) GetTransaction(ctx context.Context, id string) (*store.Transaction, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.GetTransaction(ctx, id)
}

func TestEngine_ConcurrentRedemptionIssuesOnce(t *testing.T) {
	f := newEngineFixture(t, true, false)
	verifier, challenge := newPKCE(t)
	code := f.authorizeAndCallback(t, challenge)

	engine, err := NewEngine(EngineConfig{
		Store:     &slowTxnStore{MemoryStore: f.store, delay: 50 * time.Millisecond},
		State:     f.codec,
		Redirects: f.engine.redirects,
		Provider:  f.provider,
	})
	require.NoError(t, err)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := engine.ExchangeToken(context.Background(), TokenRequest{
				GrantType: GrantTypeAuthorizationCode, Code: code, CodeVerifier: verifier,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, f.store.Stats().Records)
	for _, err := range failures {
		assert.Equal(t, ErrCodeInvalidGrant, ErrorCode(err))
	}
}

func TestEngine_ExchangeCode_RedirectMismatch(t *testing.T) {
	f := newEngineFixture(t, true, false)
	verifier, challenge := newPKCE(t)
	code := f.authorizeAndCallback(t, challenge)

	_, err := f.engine.ExchangeToken(context.Background(), TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  "https://app.example.com/other",
	})
	requireErrorCode(t, err, ErrCodeInvalidGrant)
	assert.Zero(t, f.store.Stats().Codes)
	assert.Zero(t, f.store.Stats().Transactions)
}

func TestEngine_ExchangeToken_BadRequests(t *testing.T) {
	f := newEngineFixture(t, true, false)
	ctx := context.Background()

	_, err := f.engine.ExchangeToken(ctx, TokenRequest{})
	requireErrorCode(t, err, ErrCodeInvalidRequest)

	_, err = f.engine.ExchangeToken(ctx, TokenRequest{GrantType: "password"})
	requireErrorCode(t, err, ErrCodeUnsupportedGrantType)

	_, err = f.engine.ExchangeToken(ctx, TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: "x"})
	requireErrorCode(t, err, ErrCodeInvalidRequest)

	_, err = f.engine.ExchangeToken(ctx, TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: "unknown", CodeVerifier: "v"})
	requireErrorCode(t, err, ErrCodeInvalidGrant)

	_, err = f.engine.ExchangeToken(ctx, TokenRequest{GrantType: GrantTypeRefreshToken})
	requireErrorCode(t, err, ErrCodeInvalidRequest)

	_, err = f.engine.ExchangeToken(ctx, TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: "unknown"})
	requireErrorCode(t, err, ErrCodeInvalidGrant)
}

func TestEngine_ProviderCallback_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("garbage state", func(t *testing.T) {
		f := newEngineFixture(t, true, false)
		_, err := f.engine.ProviderCallback(ctx, ProviderCallbackRequest{Code: "c", State: "garbage"})
		requireErrorCode(t, err, ErrCodeUnknownTxn)
	})

	t.Run("missing state", func(t *testing.T) {
		f := newEngineFixture(t, true, false)
		_, err := f.engine.ProviderCallback(ctx, ProviderCallbackRequest{Code: "c"})
		requireErrorCode(t, err, ErrCodeInvalidRequest)
	})

	t.Run("valid state unknown txn", func(t *testing.T) {
		f := newEngineFixture(t, true, false)
		state, err := f.codec.Encode(CompositeState{TxnID: "missing", RedirectURI: testRedirectURI})
		require.NoError(t, err)
		_, err = f.engine.ProviderCallback(ctx, ProviderCallbackRequest{Code: "c", State: state})
		requireErrorCode(t, err, ErrCodeUnknownTxn)
	})

	t.Run("provider returns no token", func(t *testing.T) {
		f := newEngineFixture(t, true, false)
		f.provider.exchangeErr = ErrProviderNoToken
		state := f.startAuthorize(t)
		_, err := f.engine.ProviderCallback(ctx, ProviderCallbackRequest{Code: "c", State: state})
		requireErrorCode(t, err, ErrCodeProviderNoToken)
		assert.Equal(t, http.StatusBadGateway, AsError(err).Status)
	})

	t.Run("provider exchange fails", func(t *testing.T) {
		f := newEngineFixture(t, true, false)
		f.provider.exchangeErr = ErrProviderStatus
		state := f.startAuthorize(t)
		_, err := f.engine.ProviderCallback(ctx, ProviderCallbackRequest{Code: "c", State: state})
		requireErrorCode(t, err, ErrCodeProviderTokenError)
	})

	t.Run("provider error text is flattened", func(t *testing.T) {
		f := newEngineFixture(t, true, false)
		state := f.startAuthorize(t)
		target, err := f.engine.ProviderCallback(ctx, ProviderCallbackRequest{
			State: state, Error: "access_denied", ErrorDescription: "line one\nline two " + strings.Repeat("x", 500),
		})
		require.NoError(t, err)

		u, err := url.Parse(target)
		require.NoError(t, err)
		desc := u.Query().Get("error_description")
		assert.NotContains(t, desc, "\n")
		assert.True(t, strings.HasPrefix(desc, "line one line two "))
		assert.LessOrEqual(t, len([]rune(desc)), maxRelayedDescriptionLen)
	})

	t.Run("provider denied", func(t *testing.T) {
		f := newEngineFixture(t, true, false)
		state := f.startAuthorize(t)
		target, err := f.engine.ProviderCallback(ctx, ProviderCallbackRequest{
			State: state, Error: "access_denied", ErrorDescription: "user said no",
		})
		require.NoError(t, err)

		u, err := url.Parse(target)
		require.NoError(t, err)
		assert.Equal(t, "access_denied", u.Query().Get("error"))
		assert.Equal(t, "user said no", u.Query().Get("error_description"))
		assert.Equal(t, "caller-state", u.Query().Get("state"))
		assert.Empty(t, u.Query().Get("code"))
		assert.Zero(t, f.store.Stats().Transactions)
	})
}

func (f *engineFixture) startAuthorize(t *testing.T) string {
	t.Helper()
	_, challenge := newPKCE(t)
	target, err := f.engine.Authorize(context.Background(), authorizeRequest(challenge))
	require.NoError(t, err)
	u, err := url.Parse(target)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestEngine_DevMode(t *testing.T) {
	f := newEngineFixture(t, false, true)
	ctx := context.Background()
	verifier, challenge := newPKCE(t)

	target, err := f.engine.Authorize(ctx, authorizeRequest(challenge))
	require.NoError(t, err)

	u, err := url.Parse(target)
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", u.Host)
	assert.Equal(t, "caller-state", u.Query().Get("state"))
	code := u.Query().Get("code")
	require.NotEmpty(t, code)

	resp, err := f.engine.ExchangeToken(ctx, TokenRequest{
		GrantType: GrantTypeAuthorizationCode, Code: code, CodeVerifier: verifier,
	})
	require.NoError(t, err)

	rec, err := f.store.GetByRsAccess(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Regexp(t, `^dev-`, rec.Provider.AccessToken)
	assert.InDelta(t, 3600, resp.ExpiresIn, 2)
}

// issueTokens runs a complete flow and returns the token response.
func (f *engineFixture) issueTokens(t *testing.T) *TokenResponse {
	t.Helper()
	verifier, challenge := newPKCE(t)
	code := f.authorizeAndCallback(t, challenge)
	resp, err := f.engine.ExchangeToken(context.Background(), TokenRequest{
		GrantType: GrantTypeAuthorizationCode, Code: code, CodeVerifier: verifier,
	})
	require.NoError(t, err)
	return resp
}

func TestEngine_RefreshGrant_FreshProviderToken(t *testing.T) {
	f := newEngineFixture(t, true, false)
	ctx := context.Background()
	first := f.issueTokens(t)

	resp, err := f.engine.ExchangeToken(ctx, TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: first.RefreshToken})
	require.NoError(t, err)

	assert.Equal(t, first.RefreshToken, resp.RefreshToken)
	assert.NotEqual(t, first.AccessToken, resp.AccessToken)
	assert.Zero(t, f.provider.refreshCalls)

	_, err = f.store.GetByRsAccess(ctx, first.AccessToken)
	assert.ErrorIs(t, err, store.ErrNotFound)
	rec, err := f.store.GetByRsAccess(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "AT1", rec.Provider.AccessToken)
}

func TestEngine_RefreshGrant_RenewsNearExpiry(t *testing.T) {
	f := newEngineFixture(t, true, false)
	ctx := context.Background()
	f.provider.exchange.ExpiresAt = time.Now().Add(30 * time.Second)
	first := f.issueTokens(t)

	resp, err := f.engine.ExchangeToken(ctx, TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: first.RefreshToken})
	require.NoError(t, err)

	assert.Equal(t, 1, f.provider.refreshCalls)
	assert.Equal(t, "RT1", f.provider.lastRefresh)
	assert.InDelta(t, 1800, resp.ExpiresIn, 2)

	rec, err := f.store.GetByRsRefresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "AT2", rec.Provider.AccessToken)
	assert.Equal(t, "RT1", rec.Provider.RefreshToken)
	assert.Equal(t, resp.AccessToken, rec.RsAccessToken)
}

func TestEngine_RefreshGrant_ProviderTokenExpired(t *testing.T) {
	f := newEngineFixture(t, true, false)
	ctx := context.Background()
	f.provider.exchange.ExpiresAt = time.Now().Add(-time.Minute)
	f.provider.exchange.RefreshToken = ""
	first := f.issueTokens(t)

	_, err := f.engine.ExchangeToken(ctx, TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: first.RefreshToken})
	requireErrorCode(t, err, ErrCodeProviderTokenExpired)
	assert.Zero(t, f.provider.refreshCalls)
}

func TestEngine_RefreshGrant_ProviderRefreshFails(t *testing.T) {
	f := newEngineFixture(t, true, false)
	ctx := context.Background()
	f.provider.exchange.ExpiresAt = time.Now().Add(10 * time.Second)
	f.provider.refreshErr = errors.New("upstream unavailable")
	first := f.issueTokens(t)

	_, err := f.engine.ExchangeToken(ctx, TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: first.RefreshToken})
	requireErrorCode(t, err, ErrCodeProviderRefresh)

	// The existing mapping is untouched.
	rec, err := f.store.GetByRsAccess(ctx, first.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "AT1", rec.Provider.AccessToken)
}

func TestEngine_RefreshProviderToken_KeepsRefreshToken(t *testing.T) {
	f := newEngineFixture(t, true, false)

	tok, err := f.engine.RefreshProviderToken(context.Background(), "RT1")
	require.NoError(t, err)
	assert.Equal(t, "AT2", tok.AccessToken)
	assert.Equal(t, "RT1", tok.RefreshToken)

	noProvider := newEngineFixture(t, false, true)
	_, err = noProvider.engine.RefreshProviderToken(context.Background(), "RT1")
	assert.Error(t, err)
}

func TestEngine_Revoke(t *testing.T) {
	f := newEngineFixture(t, true, false)
	ctx := context.Background()
	first := f.issueTokens(t)

	require.NoError(t, f.engine.Revoke(ctx, first.RefreshToken, "refresh_token", "client-1", "127.0.0.1"))
	_, err := f.store.GetByRsAccess(ctx, first.AccessToken)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Unknown and repeated revocations succeed.
	assert.NoError(t, f.engine.Revoke(ctx, first.RefreshToken, "", "", ""))
	assert.NoError(t, f.engine.Revoke(ctx, "never-issued", "", "", ""))

	requireErrorCode(t, f.engine.Revoke(ctx, "", "", "", ""), ErrCodeInvalidRequest)
}

func TestEngine_RegisterClient(t *testing.T) {
	f := newEngineFixture(t, true, false)

	resp, err := f.engine.RegisterClient(context.Background(), ClientRegistration{
		ClientName:   "cli",
		RedirectURIs: []string{testRedirectURI},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ClientID)
	assert.Equal(t, "none", resp.TokenEndpointAuthMethod)
	assert.Equal(t, []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}, resp.GrantTypes)

	_, err = f.engine.RegisterClient(context.Background(), ClientRegistration{})
	requireErrorCode(t, err, ErrCodeInvalidRequest)

	_, err = f.engine.RegisterClient(context.Background(), ClientRegistration{RedirectURIs: []string{"https://evil.example.com/cb"}})
	requireErrorCode(t, err, ErrCodeInvalidRequest)
}

func TestEngine_ExpiresInReportsRemainingLifetime(t *testing.T) {
	f := newEngineFixture(t, true, false)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)
	f.engine.now = func() time.Time { return base }
	f.provider.exchange.ExpiresAt = base.Add(time.Hour)
	first := f.issueTokens(t)
	assert.Equal(t, 3600, first.ExpiresIn)

	// The refresh grant does not renew a token with 50 minutes left, and
	// reports what is actually left rather than the original lifetime.
	f.engine.now = func() time.Time { return base.Add(10 * time.Minute) }
	resp, err := f.engine.ExchangeToken(ctx, TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: first.RefreshToken})
	require.NoError(t, err)
	assert.Zero(t, f.provider.refreshCalls)
	assert.Equal(t, 3000, resp.ExpiresIn)
}

func TestEngine_ExpiresIn(t *testing.T) {
	f := newEngineFixture(t, false, true)
	base := time.Now()
	f.engine.now = func() time.Time { return base }

	tests := []struct {
		name  string
		token *pkgoauth.Token
		want  int
	}{
		{name: "remaining lifetime", token: &pkgoauth.Token{ExpiresIn: 3600, ExpiresAt: base.Add(90 * time.Second)}, want: 90},
		{name: "partial second rounds up", token: &pkgoauth.Token{ExpiresAt: base.Add(1500 * time.Millisecond)}, want: 2},
		{name: "already expired clamps to zero", token: &pkgoauth.Token{ExpiresIn: 3600, ExpiresAt: base.Add(-time.Minute)}, want: 0},
		{name: "no expiry uses provider expires_in", token: &pkgoauth.Token{ExpiresIn: 1200}, want: 1200},
		{name: "nothing known uses fallback", token: &pkgoauth.Token{}, want: int(DefaultTokenExpiresIn.Seconds())},
		{name: "nil token uses fallback", token: nil, want: int(DefaultTokenExpiresIn.Seconds())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.engine.expiresIn(tt.token))
		})
	}
}
